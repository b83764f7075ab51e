package notification

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/seis-sod/sod-stack/common/models"
)

// ErrEmailLimitReached is returned once the channel has sent Limit messages.
var ErrEmailLimitReached = errors.New("email send limit reached")

// EmailConfig configures an SMTP channel. Limit <= 0 means unlimited.
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
	Subject  string
	Limit    int
}

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailChannel mails a plain-text digest of each batch.
type EmailChannel struct {
	cfg      EmailConfig
	sendMail sendMailFunc
	now      func() time.Time

	mu   sync.Mutex
	sent int
}

// NewEmailChannel creates an SMTP notification channel.
func NewEmailChannel(cfg EmailConfig) *EmailChannel {
	if cfg.Subject == "" {
		cfg.Subject = "sod acquisition summary"
	}
	return &EmailChannel{cfg: cfg, sendMail: smtp.SendMail, now: time.Now}
}

func (e *EmailChannel) Type() string {
	return "email"
}

// Sent returns the number of messages sent so far.
func (e *EmailChannel) Sent() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sent
}

func (e *EmailChannel) Send(ctx context.Context, outcomes []models.PipelineOutcome) error {
	e.mu.Lock()
	if e.cfg.Limit > 0 && e.sent >= e.cfg.Limit {
		e.mu.Unlock()
		return ErrEmailLimitReached
	}
	e.sent++
	e.mu.Unlock()

	var auth smtp.Auth
	if e.cfg.Username != "" {
		auth = smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)
	}
	addr := net.JoinHostPort(e.cfg.Host, strconv.Itoa(e.cfg.Port))
	msg := e.Message(outcomes)

	// net/smtp has no context support; the send finishes in the background
	// if ctx ends first.
	done := make(chan error, 1)
	go func() {
		done <- e.sendMail(addr, auth, e.cfg.From, e.cfg.To, msg)
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("send email: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("send email: %w", ctx.Err())
	}
}

// Message renders the RFC 822 message for a batch.
func (e *EmailChannel) Message(outcomes []models.PipelineOutcome) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", e.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(e.cfg.To, ", "))
	fmt.Fprintf(&b, "Subject: %s (%s)\r\n", e.cfg.Subject, Headline(outcomes))
	fmt.Fprintf(&b, "Date: %s\r\n", e.now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")

	b.WriteString(Headline(outcomes))
	b.WriteString("\r\n\r\n")
	for _, o := range failuresFirst(outcomes) {
		b.WriteString(o.Summary())
		b.WriteString("\r\n")
	}
	return []byte(b.String())
}
