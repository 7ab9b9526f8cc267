package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTPProvider sends through a JSON mail API.
//
// Request body:
//
//	{"from":..., "fromName":..., "to":..., "toName":..., "subject":..., "html":..., "text":..., "template":..., "tags":{...}}
//
// The response may carry {"id": "..."}; it becomes the message id.
type HTTPProvider struct {
	cfg    Config
	client *http.Client
}

func NewHTTPProvider(cfg Config, client *http.Client) (*HTTPProvider, error) {
	if strings.TrimSpace(cfg.HTTP.Endpoint) == "" {
		return nil, errors.New("mail.http.endpoint is required")
	}
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPProvider{cfg: cfg, client: client}, nil
}

func (p *HTTPProvider) Name() string { return "http" }

type httpMailRequest struct {
	From     string            `json:"from"`
	FromName string            `json:"fromName,omitempty"`
	To       string            `json:"to"`
	ToName   string            `json:"toName,omitempty"`
	Subject  string            `json:"subject"`
	HTML     string            `json:"html,omitempty"`
	Text     string            `json:"text,omitempty"`
	Template string            `json:"template,omitempty"`
	Tags     map[string]string `json:"tags,omitempty"`
}

type httpMailResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

func (p *HTTPProvider) Send(ctx context.Context, m Message) (string, error) {
	if strings.TrimSpace(m.To) == "" {
		return "", ErrNoRecipient
	}
	body, err := json.Marshal(httpMailRequest{
		From: p.cfg.From, FromName: p.cfg.FromName,
		To: m.To, ToName: m.ToName,
		Subject: m.Subject, HTML: m.HTML, Text: m.Text,
		Template: m.Template, Tags: m.Tags,
	})
	if err != nil {
		return "", permanent(err)
	}
	return withRetry(ctx, p.cfg, func(ctx context.Context) (string, error) {
		return p.post(ctx, body, m.IdempotencyKey)
	})
}

func (p *HTTPProvider) post(ctx context.Context, body []byte, idemKey string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.HTTP.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if k := strings.TrimSpace(p.cfg.HTTP.APIKey); k != "" {
		req.Header.Set("Authorization", "Bearer "+k)
	}
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var out httpMailResponse
	_ = json.Unmarshal(raw, &out)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return out.ID, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", fmt.Errorf("mail api: %s: %s", resp.Status, snippet(out.Message, raw))
	default:
		return "", permanent(fmt.Errorf("mail api: %s: %s", resp.Status, snippet(out.Message, raw)))
	}
}

func snippet(msg string, raw []byte) string {
	if msg != "" {
		return msg
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
