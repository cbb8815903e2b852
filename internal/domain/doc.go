// Package domain defines the core types for the campaign batch-send engine.
//
// Types in this package are pure value objects with no behavior beyond small
// predicates. They are the shared language between the HTTP handlers, the
// batch driver, and the repositories.
//
// Rules for this package:
//   - No imports from other internal/ packages
//   - No *sql.DB, no http.Request, no context.Context in struct fields
//   - JSON/DB tags are allowed (they're metadata, not behavior)
//   - Constants and enums belong here
package domain
