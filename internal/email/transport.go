package email

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/gomail.v2"
)

// Transport delivers a rendered email through the external provider and
// returns the provider's message id. Implementations may block on I/O and
// must honor ctx cancellation.
type Transport interface {
	Send(ctx context.Context, to, subject, htmlBody string) (messageID string, err error)
}

// SMTPTransport sends mail over SMTP. Transient dial failures are retried
// briefly within a single send; durable retry scheduling lives in the queue,
// not here.
type SMTPTransport struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

func (s *SMTPTransport) Send(ctx context.Context, to, subject, htmlBody string) (string, error) {

	messageID := buildMessageID(s.From)

	m := gomail.NewMessage()
	m.SetHeader("From", s.From)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetHeader("Message-ID", messageID)
	m.SetBody("text/html", htmlBody)

	d := gomail.NewDialer(s.Host, s.Port, s.Username, s.Password)

	operation := func() error {
		return d.DialAndSend(m)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 5 * time.Second

	done := make(chan error, 1)
	go func() {
		done <- backoff.Retry(operation, backoff.WithContext(b, ctx))
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case err := <-done:
		if err != nil {
			return "", fmt.Errorf("smtp send error: %w", err)
		}
	}

	return messageID, nil
}

// LogTransport logs emails instead of sending them. Used in local development
// where no SMTP server is available.
type LogTransport struct {
	Log *zap.Logger
}

func (l *LogTransport) Send(ctx context.Context, to, subject, htmlBody string) (string, error) {
	messageID := buildMessageID("dev@localhost")

	l.Log.Info("email captured by dev transport",
		zap.String("to", to),
		zap.String("subject", subject),
		zap.Int("body_bytes", len(htmlBody)),
		zap.String("message_id", messageID),
	)

	return messageID, nil
}

func buildMessageID(from string) string {
	domain := "localhost"
	if at := strings.LastIndex(from, "@"); at >= 0 && at < len(from)-1 {
		domain = from[at+1:]
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}
