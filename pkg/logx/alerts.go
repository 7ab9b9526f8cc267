package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// AlertConfig controls forwarding of severe log lines to an AlertSender.
type AlertConfig struct {
	Enabled bool
	// MinLevel defaults to error.
	MinLevel string
	// RatePerSec defaults to 1; the burst equals the rate.
	RatePerSec int
}

// AlertSender delivers one formatted alert. Implementations must honor ctx
// and must not log through the Service that feeds them.
type AlertSender interface {
	SendAlert(ctx context.Context, text string) error
}

const (
	alertQueueSize  = 128
	alertMaxLen     = 3500
	alertSendLimit  = 10 * time.Second
	alertFoldWindow = time.Minute
	alertDrainLimit = 3 * time.Second
)

// alerter is a zerolog.LevelWriter. Writes never block: lines below the
// threshold, over the rate, or while the queue is full are dropped. A line
// with the same level, component and message as the previous one within
// alertFoldWindow is folded and counted on the next alert sent.
type alerter struct {
	q    chan string
	wg   sync.WaitGroup
	once sync.Once
	stop context.CancelFunc
	now  func() time.Time

	mu      sync.Mutex
	sender  AlertSender
	lim     *rate.Limiter
	min     Level
	lastKey string
	lastAt  time.Time
	folded  int
}

func newAlerter(sender AlertSender) *alerter {
	return &alerter{q: make(chan string, alertQueueSize), sender: sender, min: LevelError, now: time.Now}
}

func (a *alerter) configure(cfg AlertConfig) {
	rps := max(1, cfg.RatePerSec)
	a.mu.Lock()
	a.min = parseLevel(cfg.MinLevel, LevelError)
	a.lim = rate.NewLimiter(rate.Limit(rps), rps)
	a.mu.Unlock()
	if cfg.Enabled {
		a.once.Do(a.start)
	}
}

func (a *alerter) setSender(s AlertSender) {
	a.mu.Lock()
	a.sender = s
	a.mu.Unlock()
}

func (a *alerter) start() {
	ctx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.stop = cancel
	a.mu.Unlock()
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.run(ctx)
	}()
}

// close stops the worker after it drains what is queued, bounded by
// alertDrainLimit.
func (a *alerter) close() {
	a.mu.Lock()
	stop := a.stop
	a.stop = nil
	if stop != nil {
		close(a.q)
	}
	a.mu.Unlock()
	if stop == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(alertDrainLimit):
	}
	stop()
	<-done
}

func (a *alerter) Write(p []byte) (int, error) { return a.WriteLevel(LevelInfo, p) }

func (a *alerter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	n := len(p)
	a.mu.Lock()
	if a.sender == nil || a.lim == nil || level < a.min || a.stop == nil {
		a.mu.Unlock()
		return n, nil
	}
	fields, msg := decodeLine(p)
	key := level.String() + "|" + fmt.Sprint(fields["comp"]) + "|" + msg
	now := a.now()
	if key == a.lastKey && now.Sub(a.lastAt) < alertFoldWindow {
		a.folded++
		a.mu.Unlock()
		return n, nil
	}
	if !a.lim.Allow() {
		a.mu.Unlock()
		return n, nil
	}
	folded := a.folded
	a.lastKey, a.lastAt, a.folded = key, now, 0
	a.mu.Unlock()

	text := alertText(level, msg, fields)
	if folded > 0 {
		text = truncate(text+fmt.Sprintf("\n(+%d similar alerts folded)", folded), alertMaxLen)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stop == nil {
		return n, nil
	}
	select {
	case a.q <- text:
	default:
	}
	return n, nil
}

func (a *alerter) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case text, ok := <-a.q:
			if !ok {
				return
			}
			a.mu.Lock()
			sender := a.sender
			a.mu.Unlock()
			if sender == nil {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, alertSendLimit)
			_ = sender.SendAlert(sctx, text)
			cancel()
		}
	}
}

func decodeLine(p []byte) (map[string]any, string) {
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return map[string]any{}, strings.TrimSpace(string(p))
	}
	msg, _ := m[zerolog.MessageFieldName].(string)
	return m, msg
}

// alertFirst lists keys shown right after the headline, in order.
var alertFirst = []string{"err", "cart", "stage", "pass", "trigger", "caller"}

// alertText renders a line as "[ERROR] comp: message" followed by one
// "key=value" line per field, stack last.
func alertText(level Level, msg string, fields map[string]any) string {
	var b strings.Builder
	b.WriteString("[" + strings.ToUpper(level.String()) + "] ")
	if comp, ok := fields["comp"].(string); ok && comp != "" {
		b.WriteString(comp + ": ")
	}
	b.WriteString(msg)

	skip := map[string]bool{
		zerolog.TimestampFieldName: true,
		zerolog.LevelFieldName:     true,
		zerolog.MessageFieldName:   true,
		"comp":                     true,
		"stack":                    true,
	}
	line := func(k string, v any, limit int) {
		b.WriteString("\n" + k + "=" + truncate(fmt.Sprint(v), limit))
	}
	for _, k := range alertFirst {
		if v, ok := fields[k]; ok {
			line(k, v, 600)
			skip[k] = true
		}
	}
	rest := make([]string, 0, len(fields))
	for k := range fields {
		if !skip[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	for _, k := range rest {
		line(k, fields[k], 300)
	}
	if st, ok := fields["stack"]; ok {
		line("stack", st, 900)
	}
	return truncate(b.String(), alertMaxLen)
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 4 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
