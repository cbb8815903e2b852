// Package httputil holds the JSON response helpers shared by the engine
// and tracking HTTP surfaces, so every endpoint answers with the same
// envelope and error shape.
package httputil
