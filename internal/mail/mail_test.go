package mail

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cartwatch/internal/cart"
	logx "cartwatch/pkg/logx"
)

func sampleCart() cart.Cart {
	return cart.Cart{
		ID:       "c-42",
		Email:    "ada@example.com",
		UserName: "Ada",
		Items: []cart.Item{
			{ProductRef: "p1", Name: "Mug <large>", Qty: 2, UnitPrice: 9.5},
			{ProductRef: "p2", Qty: 1, UnitPrice: 3},
		},
		Status: cart.StatusActive,
	}
}

func TestBuiltinTemplatesRender(t *testing.T) {
	t.Parallel()
	tpl, err := LoadTemplates("")
	require.NoError(t, err)
	assert.Equal(t, []string{"reminder_1h", "reminder_24h", "reminder_72h"}, tpl.Names())

	data := NewTemplateData(sampleCart(), 1, "https://shop.example/cart/{cartId}")
	assert.Equal(t, "https://shop.example/cart/c-42", data.RecoveryURL)
	assert.Equal(t, 3, data.ItemCount)
	assert.InDelta(t, 22.0, data.Total, 1e-9)
	assert.Equal(t, "p2", data.Items[1].Name)

	for _, name := range tpl.Names() {
		out, err := tpl.Render(name, data)
		require.NoError(t, err, name)
		assert.NotEmpty(t, out.Subject, name)
		assert.Contains(t, out.Text, "Ada", name)
		assert.Contains(t, out.Text, "22.00", name)
		assert.Contains(t, out.Text, "Mug <large>", name)
		// html body escapes item names
		assert.Contains(t, out.HTML, "Mug &lt;large&gt;", name)
		assert.Contains(t, out.HTML, "https://shop.example/cart/c-42", name)
	}
}

func TestTemplatesUnknownAndOverride(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	src := `{{define "subject"}}Custom {{.Stage}}{{end}}{{define "text"}}t{{end}}{{define "html"}}<b>h</b>{{end}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "reminder_1h.tmpl"), []byte(src), 0o644))

	tpl, err := LoadTemplates(dir)
	require.NoError(t, err)
	out, err := tpl.Render("reminder_1h", TemplateData{Stage: 1})
	require.NoError(t, err)
	assert.Equal(t, "Custom 1", out.Subject)

	_, err = tpl.Render("nope", TemplateData{})
	assert.ErrorIs(t, err, ErrUnknownTemplate)

	bad := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(bad, "broken.tmpl"), []byte(`{{define "subject"}}x{{end}}`), 0o644))
	_, err = LoadTemplates(bad)
	assert.Error(t, err)
}

func TestHTTPProviderSendsIdempotencyKey(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "key-1", r.Header.Get("Idempotency-Key"))
		var body httpMailRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "ada@example.com", body.To)
		assert.Equal(t, "shop@example.com", body.From)
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "msg-1"})
	}))
	defer srv.Close()

	p, err := NewHTTPProvider(Config{
		From:      "shop@example.com",
		RetryMax:  2,
		RetryBase: time.Millisecond,
		HTTP:      HTTPConfig{Endpoint: srv.URL, APIKey: "secret"},
	}, srv.Client())
	require.NoError(t, err)

	id, err := p.Send(context.Background(), Message{To: "ada@example.com", Subject: "s", IdempotencyKey: "key-1"})
	require.NoError(t, err)
	assert.Equal(t, "msg-1", id)
	assert.Equal(t, int32(2), calls.Load())
}

func TestHTTPProviderClientErrorIsPermanent(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"invalid recipient"}`))
	}))
	defer srv.Close()

	p, err := NewHTTPProvider(Config{RetryMax: 3, RetryBase: time.Millisecond, HTTP: HTTPConfig{Endpoint: srv.URL}}, nil)
	require.NoError(t, err)
	_, err = p.Send(context.Background(), Message{To: "x@example.com"})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Contains(t, err.Error(), "invalid recipient")
	assert.Equal(t, int32(1), calls.Load())

	_, err = p.Send(context.Background(), Message{})
	assert.ErrorIs(t, err, ErrNoRecipient)
}

type slowProvider struct{}

func (slowProvider) Name() string { return "slow" }
func (slowProvider) Send(ctx context.Context, _ Message) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestLimitedAppliesTimeout(t *testing.T) {
	t.Parallel()
	l := NewLimited(slowProvider{}, Config{Timeout: 20 * time.Millisecond})
	_, err := l.Send(context.Background(), Message{To: "a@example.com"})
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, "slow", l.Name())
}

func TestNewSelectsDriver(t *testing.T) {
	t.Parallel()
	p, err := New(Config{Driver: "log"}, logx.Nop())
	require.NoError(t, err)
	assert.Equal(t, "log", p.Name())
	id, err := p.Send(context.Background(), Message{To: "a@example.com"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "log-"))

	_, err = New(Config{Driver: "http"}, logx.Nop())
	assert.Error(t, err)
	_, err = New(Config{Driver: "smtp", From: "shop@example.com"}, logx.Nop())
	assert.Error(t, err)
	_, err = New(Config{Driver: "pigeon"}, logx.Nop())
	assert.Error(t, err)
}

func TestBuildMIME(t *testing.T) {
	t.Parallel()
	from := &mail.Address{Name: "Shop", Address: "shop@example.com"}
	to := &mail.Address{Address: "ada@example.com"}
	b, err := buildMIME(from, to, "<id@example.com>", Message{Subject: "Hi", Text: "plain", HTML: "<p>rich</p>", IdempotencyKey: "k"})
	require.NoError(t, err)
	s := string(b)
	assert.Contains(t, s, "Subject: Hi\r\n")
	assert.Contains(t, s, "X-Idempotency-Key: k\r\n")
	assert.Contains(t, s, "multipart/alternative")
	assert.Contains(t, s, "text/plain")
	assert.Contains(t, s, "text/html")
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 8; attempt++ {
		d := retryDelay(cfg, attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, time.Second)
	}
}
