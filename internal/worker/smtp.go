package worker

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"net/smtp"
	"time"

	"github.com/google/uuid"
	"github.com/mailstorm/engine/internal/domain"
)

// Message is one fully-rendered, tracking-injected email ready for transport.
type Message struct {
	To       string
	ToName   string
	Subject  string
	HTMLBody string
}

// Transport delivers one message through one sender's SMTP credentials.
// Implementations must open and discard their own connection per call; no
// transport state survives across sends.
type Transport interface {
	Send(ctx context.Context, sender *domain.SmtpSender, msg *Message) error
}

// SMTPTransport is the production Transport over net/smtp: dial with the
// context's deadline, STARTTLS when offered, AUTH PLAIN when credentials are
// configured, then one MAIL/RCPT/DATA transaction.
type SMTPTransport struct {
	dialTimeout time.Duration
}

// NewSMTPTransport creates the production SMTP transport.
func NewSMTPTransport() *SMTPTransport {
	return &SMTPTransport{dialTimeout: 10 * time.Second}
}

// Send delivers msg through the given sender.
func (t *SMTPTransport) Send(ctx context.Context, sender *domain.SmtpSender, msg *Message) error {
	if sender.Host == "" {
		return fmt.Errorf("sender %s has no SMTP host configured", sender.ID)
	}

	raw := buildMIME(sender, msg)

	dialer := &net.Dialer{Timeout: t.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", sender.Addr())
	if err != nil {
		return fmt.Errorf("SMTP connect to %s: %w", sender.Addr(), err)
	}
	// Propagate the per-send deadline to every read/write on the wire.
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, sender.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("SMTP client: %w", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		tlsCfg := &tls.Config{ServerName: sender.Host}
		if tlsErr := client.StartTLS(tlsCfg); tlsErr != nil {
			return fmt.Errorf("STARTTLS: %w", tlsErr)
		}
	}

	if sender.Username != "" {
		if err := client.Auth(&plainAuth{user: sender.Username, pass: sender.Password}); err != nil {
			return fmt.Errorf("AUTH: %w", err)
		}
	}

	if err := client.Mail(sender.FromEmail); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	if err := client.Rcpt(msg.To); err != nil {
		return fmt.Errorf("RCPT TO: %w", err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("DATA close: %w", err)
	}
	if err := client.Quit(); err != nil {
		// Message was already accepted at DATA close; a broken QUIT is not
		// a delivery failure.
		log.Printf("[SMTPTransport] QUIT after accepted message: %v", err)
	}
	return nil
}

// buildMIME assembles headers and HTML body into a single RFC 5322 message.
func buildMIME(sender *domain.SmtpSender, msg *Message) []byte {
	messageID := fmt.Sprintf("%s@%s", uuid.New().String(), sender.Host)

	var buf bytes.Buffer
	buf.WriteString(fmt.Sprintf("From: %s <%s>\r\n", sender.FromName, sender.FromEmail))
	if msg.ToName != "" && msg.ToName != msg.To {
		buf.WriteString(fmt.Sprintf("To: %s <%s>\r\n", msg.ToName, msg.To))
	} else {
		buf.WriteString(fmt.Sprintf("To: %s\r\n", msg.To))
	}
	buf.WriteString(fmt.Sprintf("Subject: %s\r\n", msg.Subject))
	buf.WriteString(fmt.Sprintf("Message-ID: <%s>\r\n", messageID))
	buf.WriteString(fmt.Sprintf("Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z)))
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	buf.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(msg.HTMLBody)
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// plainAuth implements smtp.Auth without the TLS requirement that stdlib's
// PlainAuth enforces. Self-hosted relays on private networks often take AUTH
// on a plaintext submission port.
type plainAuth struct {
	user, pass string
}

func (a *plainAuth) Start(server *smtp.ServerInfo) (string, []byte, error) {
	resp := []byte("\x00" + a.user + "\x00" + a.pass)
	return "PLAIN", resp, nil
}

func (a *plainAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	return nil, nil
}
