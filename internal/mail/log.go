package mail

import (
	"context"
	"strings"

	"github.com/google/uuid"

	logx "cartwatch/pkg/logx"
)

// LogProvider logs messages instead of delivering them.
type LogProvider struct {
	log logx.Logger
}

func NewLogProvider(log logx.Logger) *LogProvider {
	return &LogProvider{log: log}
}

func (p *LogProvider) Name() string { return "log" }

func (p *LogProvider) Send(ctx context.Context, m Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.TrimSpace(m.To) == "" {
		return "", ErrNoRecipient
	}
	id := "log-" + uuid.NewString()
	p.log.Info("mail (log driver)",
		logx.String("to", m.To),
		logx.String("subject", m.Subject),
		logx.String("template", m.Template),
		logx.String("idempotency_key", m.IdempotencyKey),
		logx.String("message_id", id),
	)
	return id, nil
}
