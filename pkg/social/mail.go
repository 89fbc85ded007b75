package social

import (
	"context"
	"errors"
	"fmt"
	"sync"

	gomail "github.com/wneessen/go-mail"
)

// ErrMailTransport wraps failures of the outbound mail transport. Jobs
// can match it with errors.Is; the engine applies its normal step retry
// policy, nothing more.
var ErrMailTransport = errors.New("mail transport failure")

// Mail is one outbound email.
type Mail struct {
	To      string
	Subject string
	Body    string // HTML
}

// Mailer sends email.
type Mailer interface {
	Send(ctx context.Context, m Mail) error
}

// SMTPMailer sends mail over SMTP.
type SMTPMailer struct {
	client *gomail.Client
	from   string
}

// Ensure SMTPMailer implements Mailer.
var _ Mailer = (*SMTPMailer)(nil)

// NewSMTPMailer creates a Mailer that delivers through the given SMTP
// server using plain authentication.
func NewSMTPMailer(host string, port int, username, password, from string) (*SMTPMailer, error) {
	client, err := gomail.NewClient(host,
		gomail.WithPort(port),
		gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
		gomail.WithUsername(username),
		gomail.WithPassword(password),
	)
	if err != nil {
		return nil, fmt.Errorf("smtp client: %w", err)
	}
	return &SMTPMailer{client: client, from: from}, nil
}

func (m *SMTPMailer) Send(ctx context.Context, mail Mail) error {
	msg := gomail.NewMsg()
	if err := msg.From(m.from); err != nil {
		return fmt.Errorf("%w: %v", ErrMailTransport, err)
	}
	if err := msg.To(mail.To); err != nil {
		return fmt.Errorf("%w: %v", ErrMailTransport, err)
	}
	msg.Subject(mail.Subject)
	msg.SetBodyString(gomail.TypeTextHTML, mail.Body)

	if err := m.client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("%w: %v", ErrMailTransport, err)
	}
	return nil
}

// RecordingMailer captures sent mail in memory. It is used by tests and
// the local runner example.
type RecordingMailer struct {
	mu   sync.Mutex
	sent []Mail

	// FailWith, when non-nil, makes Send fail without recording.
	FailWith error

	// RejectTo, when set, makes Send fail for that recipient only.
	RejectTo string
}

// Ensure RecordingMailer implements Mailer.
var _ Mailer = (*RecordingMailer)(nil)

func (m *RecordingMailer) Send(ctx context.Context, mail Mail) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWith != nil {
		return m.FailWith
	}
	if m.RejectTo != "" && mail.To == m.RejectTo {
		return fmt.Errorf("%w: recipient %s rejected", ErrMailTransport, mail.To)
	}
	m.sent = append(m.sent, mail)
	return nil
}

// Sent returns a copy of all mail sent so far.
func (m *RecordingMailer) Sent() []Mail {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Mail, len(m.sent))
	copy(out, m.sent)
	return out
}
