package mail

import (
	"errors"
	"net/http"
	"strings"

	logx "cartwatch/pkg/logx"
)

// New builds the configured provider wrapped in a Limited.
func New(cfg Config, log logx.Logger) (*Limited, error) {
	var (
		p   Provider
		err error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "log":
		p = NewLogProvider(log)
	case "http":
		p, err = NewHTTPProvider(cfg, &http.Client{})
	case "smtp":
		p, err = NewSMTPProvider(cfg)
	default:
		err = errors.New("unknown mail driver: " + cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	return NewLimited(p, cfg), nil
}
