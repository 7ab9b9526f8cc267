package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "scheduler"))
	log.Info("pass finished", Int("sent", 2), Duration("took", 1500*time.Millisecond), Err(nil))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "scheduler", line["comp"])
	assert.Equal(t, "pass finished", line["message"])
	assert.EqualValues(t, 2, line["sent"])
	assert.Equal(t, "1.5s", line["took"])
	assert.NotContains(t, line, "err")
	assert.Contains(t, line["caller"], "logx/logx_test.go:")
}

func TestWithDoesNotAlias(t *testing.T) {
	var buf bytes.Buffer
	base := NewWriter(&buf, "info").With(String("a", "1"))
	x := base.With(String("b", "x"))
	_ = base.With(String("b", "y"))
	x.Info("m")
	assert.Contains(t, buf.String(), `"b":"x"`)
}

func TestZeroAndNop(t *testing.T) {
	var zero Logger
	assert.True(t, zero.IsZero())
	zero.Error("dropped")
	assert.False(t, Nop().IsZero())
	assert.False(t, Nop().Enabled(LevelError+1))
}

func TestLevels(t *testing.T) {
	for _, ok := range []string{"", "trace", "DEBUG", "Info", "warn", "WARNING", "error"} {
		assert.True(t, ValidLevel(ok), ok)
	}
	for _, bad := range []string{"loud", "panic", "fatal", "disabled"} {
		assert.False(t, ValidLevel(bad), bad)
	}
	assert.Equal(t, LevelWarn, parseLevel("warning", LevelInfo))
	assert.Equal(t, LevelInfo, parseLevel("nope", LevelInfo))
}

type captureSender struct {
	mu   sync.Mutex
	msgs []string
}

func (c *captureSender) SendAlert(_ context.Context, text string) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, text)
	c.mu.Unlock()
	return nil
}

func (c *captureSender) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs...)
}

func TestAlertsForwardSevereLinesOnly(t *testing.T) {
	sender := &captureSender{}
	svc, log := New(Config{Level: "debug", Alerts: AlertConfig{Enabled: true, MinLevel: "warn", RatePerSec: 100}}, sender)
	log = log.With(String("comp", "mail"))

	log.Info("routine")
	log.Warn("provider slow", String("cart", "c1"), Int("stage", 2))
	log.Error("provider down", Err(errors.New("503")))
	require.NoError(t, svc.Close())

	msgs := sender.all()
	require.Len(t, msgs, 2)
	assert.True(t, strings.HasPrefix(msgs[0], "[WARN] mail: provider slow"), msgs[0])
	assert.Contains(t, msgs[0], "\ncart=c1")
	assert.Contains(t, msgs[0], "\nstage=2")
	assert.True(t, strings.HasPrefix(msgs[1], "[ERROR] mail: provider down\nerr=503"), msgs[1])
}

func TestAlertsFoldRepeats(t *testing.T) {
	sender := &captureSender{}
	svc, log := New(Config{Level: "info", Alerts: AlertConfig{Enabled: true, RatePerSec: 100}}, sender)

	for i := 0; i < 5; i++ {
		log.Error("store unreachable", Int("attempt", i))
	}
	log.Error("something else")
	require.NoError(t, svc.Close())

	msgs := sender.all()
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[0], "store unreachable")
	assert.Contains(t, msgs[1], "something else")
	assert.Contains(t, msgs[1], "(+4 similar alerts folded)")
}

func TestAlertsDisabledWithoutSender(t *testing.T) {
	svc, log := New(Config{Level: "info", Alerts: AlertConfig{Enabled: true}}, nil)
	log.Error("nobody listens")
	require.NoError(t, svc.Close())

	sender := &captureSender{}
	svc.SetAlertSender(sender)
	log.Error("after close")
	assert.Empty(t, sender.all())
}

func TestAlertTextTruncates(t *testing.T) {
	long := strings.Repeat("x", 5000)
	text := alertText(LevelError, "boom", map[string]any{"detail": long, "stack": long})
	assert.LessOrEqual(t, len(text), alertMaxLen)
	assert.True(t, strings.HasSuffix(text, "..."))
}
