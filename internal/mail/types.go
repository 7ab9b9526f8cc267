package mail

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoRecipient is returned when a message has no To address.
	ErrNoRecipient = errors.New("mail: message has no recipient")
	// ErrUnknownTemplate is returned when a stage names a template that was never loaded.
	ErrUnknownTemplate = errors.New("mail: unknown template")
)

// Message is a fully rendered email.
type Message struct {
	To       string
	ToName   string
	Subject  string
	HTML     string
	Text     string
	Template string
	// IdempotencyKey is stable across retries of the same logical send.
	IdempotencyKey string
	Tags           map[string]string
}

// Provider delivers a Message and returns the provider's message id.
type Provider interface {
	Name() string
	Send(ctx context.Context, m Message) (string, error)
}

// Config configures the mail provider chain.
type Config struct {
	Driver   string // log | http | smtp
	From     string
	FromName string

	RatePerSec float64
	Burst      int
	Timeout    time.Duration

	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	RecoveryURL  string
	TemplatesDir string

	HTTP HTTPConfig
	SMTP SMTPConfig
}

type HTTPConfig struct {
	Endpoint string
	APIKey   string
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
}
