package abandonment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cartwatch/internal/cart"
	"cartwatch/internal/mail"
	"cartwatch/internal/storage"
	logx "cartwatch/pkg/logx"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func activeCart(id string, updated time.Time) cart.Cart {
	return cart.Cart{
		ID:        id,
		UserRef:   "u-" + id,
		Email:     id + "@example.com",
		UserName:  "Customer " + id,
		Items:     []cart.Item{{ProductRef: "p1", Name: "Tee", Qty: 1, UnitPrice: 20}, {ProductRef: "p2", Name: "Cap", Qty: 1, UnitPrice: 12}},
		Status:    cart.StatusActive,
		UpdatedAt: updated,
	}
}

func withCount(c cart.Cart, n int, at time.Time) cart.Cart {
	c.AbandonmentEmailCount = n
	if n > 0 {
		c.LastAbandonmentEmailSent = &at
	}
	return c
}

type fakeMail struct {
	mu   sync.Mutex
	sent []mail.Message
	err  error
}

func (f *fakeMail) Name() string { return "fake" }

func (f *fakeMail) Send(_ context.Context, m mail.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, m)
	return "m-" + m.IdempotencyKey, nil
}

type failingStore struct{ cart.Store }

func (failingStore) FindCandidates(context.Context, cart.Query) ([]cart.Cart, error) {
	return nil, errors.New("connection refused")
}

// looseStore ignores the query and returns whatever it holds.
type looseStore struct {
	cart.Store
	rows []cart.Cart
}

func (s looseStore) FindCandidates(context.Context, cart.Query) ([]cart.Cart, error) {
	return s.rows, nil
}

func mustTemplates(t *testing.T) *mail.Templates {
	t.Helper()
	tpl, err := mail.LoadTemplates("")
	require.NoError(t, err)
	return tpl
}

func TestLadderValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		ladder  Ladder
		wantErr bool
	}{
		{"default", DefaultLadder(), false},
		{"empty", Ladder{}, true},
		{"gap in numbers", Ladder{{Number: 1, After: time.Hour, Template: "a"}, {Number: 3, After: 2 * time.Hour, Template: "b"}}, true},
		{"non increasing", Ladder{{Number: 1, After: time.Hour, Template: "a"}, {Number: 2, After: time.Hour, Template: "b"}}, true},
		{"missing template", Ladder{{Number: 1, After: time.Hour}}, true},
		{"zero threshold", Ladder{{Number: 1, Template: "a"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.ladder.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPolicyDecide(t *testing.T) {
	t.Parallel()
	p, err := NewPolicy(DefaultLadder(), 0)
	require.NoError(t, err)

	base := activeCart("c", t0)
	recovered := base
	recovered.Status = cart.StatusRecovered
	empty := base
	empty.Items = nil

	tests := []struct {
		name      string
		c         cart.Cart
		now       time.Time
		send      bool
		stage     int
		reason    Reason
		template  string
		wantDueAt bool
	}{
		{"fresh cart not due", base, t0.Add(59 * time.Minute), false, 1, ReasonNotDue, "reminder_1h", true},
		{"stage 1 at threshold", base, t0.Add(time.Hour), true, 1, ReasonOK, "reminder_1h", true},
		{"stage 2 waits for 24h", withCount(base, 1, t0.Add(time.Hour)), t0.Add(23 * time.Hour), false, 2, ReasonNotDue, "reminder_24h", true},
		{"stage 2 due", withCount(base, 1, t0.Add(time.Hour)), t0.Add(25 * time.Hour), true, 2, ReasonOK, "reminder_24h", true},
		{"never skips to stage 3", base, t0.Add(100 * time.Hour), true, 1, ReasonOK, "reminder_1h", true},
		{"ladder complete", withCount(base, 3, t0.Add(73*time.Hour)), t0.Add(200 * time.Hour), false, 4, ReasonLadderComplete, "", false},
		{"recovered", recovered, t0.Add(2 * time.Hour), false, 1, ReasonInactive, "", false},
		{"empty cart", empty, t0.Add(2 * time.Hour), false, 1, ReasonEmpty, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := p.Decide(tt.c, tt.now)
			assert.Equal(t, tt.send, d.Send)
			assert.Equal(t, tt.stage, d.Stage)
			assert.Equal(t, tt.reason, d.Reason)
			assert.Equal(t, tt.template, d.Template)
			assert.Equal(t, tt.wantDueAt, d.DueAt != nil)
		})
	}
}

func TestPolicyMinGap(t *testing.T) {
	t.Parallel()
	p, err := NewPolicy(DefaultLadder(), 12*time.Hour)
	require.NoError(t, err)

	// first reminder went out late, at T0+20h; stage 2 threshold passes at T0+24h
	c := withCount(activeCart("c", t0), 1, t0.Add(20*time.Hour))
	d := p.Decide(c, t0.Add(25*time.Hour))
	assert.False(t, d.Send)
	assert.Equal(t, ReasonMinGap, d.Reason)
	require.NotNil(t, d.DueAt)
	assert.True(t, d.DueAt.Equal(t0.Add(32*time.Hour)))

	d = p.Decide(c, t0.Add(32*time.Hour))
	assert.True(t, d.Send)

	assert.Error(t, p.Apply(Ladder{}, 0))
	assert.Equal(t, 3, p.MaxStage())
}

func TestDetectorFiltersAndOrders(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	for _, c := range []cart.Cart{
		activeCart("b", t0.Add(-3*time.Hour)),
		activeCart("a", t0.Add(-3*time.Hour)),
		activeCart("z", t0.Add(-30*time.Hour)),
		activeCart("fresh", t0.Add(-30*time.Minute)),
		withCount(activeCart("maxed", t0.Add(-100*time.Hour)), 3, t0),
	} {
		require.NoError(t, st.UpsertCart(ctx, c))
	}
	d := NewDetector(st, DetectorConfig{MinIdle: time.Hour, MaxStage: 3}, logx.Nop())

	first, err := d.Detect(ctx, t0)
	require.NoError(t, err)
	ids := func(cs []cart.Cart) []string {
		out := make([]string, 0, len(cs))
		for _, c := range cs {
			out = append(out, c.ID)
		}
		return out
	}
	assert.Equal(t, []string{"z", "a", "b"}, ids(first))

	second, err := d.Detect(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestDetectorRechecksBackendRows(t *testing.T) {
	t.Parallel()
	recovered := activeCart("r", t0.Add(-5*time.Hour))
	recovered.Status = cart.StatusRecovered
	ok := activeCart("ok", t0.Add(-5*time.Hour))
	st := looseStore{rows: []cart.Cart{recovered, ok, ok, activeCart("fresh", t0)}}

	d := NewDetector(st, DetectorConfig{MinIdle: time.Hour, MaxStage: 3}, logx.Nop())
	got, err := d.Detect(context.Background(), t0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ok", got[0].ID)
}

func TestDetectorWrapsStoreError(t *testing.T) {
	t.Parallel()
	d := NewDetector(failingStore{}, DetectorConfig{MinIdle: time.Hour, MaxStage: 3}, logx.Nop())
	_, err := d.Detect(context.Background(), t0)
	var de *DetectionError
	require.ErrorAs(t, err, &de)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestDispatcherRecordsOnSuccess(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	c := activeCart("c1", t0)
	require.NoError(t, st.UpsertCart(ctx, c))
	fm := &fakeMail{}
	d := NewDispatcher(st, fm, mustTemplates(t), "https://shop.example/cart/{cartId}", logx.Nop())

	now := t0.Add(61 * time.Minute)
	res := d.SendReminder(ctx, c, DefaultLadder()[0], now)
	require.NoError(t, res.Err)
	assert.True(t, res.Sent)
	assert.True(t, res.Recorded)

	require.Len(t, fm.sent, 1)
	m := fm.sent[0]
	assert.Equal(t, "c1@example.com", m.To)
	assert.Equal(t, "reminder_1h", m.Template)
	assert.Equal(t, IdempotencyKey("c1", 1), m.IdempotencyKey)
	assert.Contains(t, m.Text, "https://shop.example/cart/c1")

	got, _ := st.Get("c1")
	assert.Equal(t, 1, got.AbandonmentEmailCount)
	require.NotNil(t, got.LastAbandonmentEmailSent)
	assert.True(t, got.LastAbandonmentEmailSent.Equal(now))
}

func TestDispatcherProviderFailureLeavesCartUntouched(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	c := activeCart("c1", t0)
	require.NoError(t, st.UpsertCart(ctx, c))
	d := NewDispatcher(st, &fakeMail{err: errors.New("smtp 451")}, mustTemplates(t), "", logx.Nop())

	res := d.SendReminder(ctx, c, DefaultLadder()[0], t0.Add(2*time.Hour))
	var de *DispatchError
	require.ErrorAs(t, res.Err, &de)
	assert.Equal(t, OpSend, de.Op)
	assert.Equal(t, "c1", de.CartID)
	assert.False(t, res.Sent)

	got, _ := st.Get("c1")
	assert.Equal(t, 0, got.AbandonmentEmailCount)
	assert.Nil(t, got.LastAbandonmentEmailSent)
}

func TestDispatcherRejectsBadInput(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	fm := &fakeMail{}
	d := NewDispatcher(st, fm, mustTemplates(t), "", logx.Nop())

	noEmail := activeCart("n", t0)
	noEmail.Email = ""
	res := d.SendReminder(ctx, noEmail, DefaultLadder()[0], t0.Add(2*time.Hour))
	assert.ErrorIs(t, res.Err, ErrNoRecipient)

	skip := activeCart("s", t0)
	res = d.SendReminder(ctx, skip, DefaultLadder()[2], t0.Add(100*time.Hour))
	assert.ErrorIs(t, res.Err, cart.ErrStaleCart)

	res = d.SendReminder(ctx, skip, Stage{Number: 1, After: time.Hour, Template: "missing"}, t0.Add(2*time.Hour))
	assert.ErrorIs(t, res.Err, mail.ErrUnknownTemplate)
	assert.Empty(t, fm.sent)
}

func TestDispatcherStaleRecord(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	c := activeCart("c1", t0)
	require.NoError(t, st.UpsertCart(ctx, c))
	// order completes between detection and send
	st.SetStatus("c1", cart.StatusRecovered)

	d := NewDispatcher(st, &fakeMail{}, mustTemplates(t), "", logx.Nop())
	res := d.SendReminder(ctx, c, DefaultLadder()[0], t0.Add(2*time.Hour))
	assert.True(t, res.Sent)
	assert.False(t, res.Recorded)
	assert.ErrorIs(t, res.Err, cart.ErrStaleCart)
}

func TestIdempotencyKeyDeterministic(t *testing.T) {
	t.Parallel()
	assert.Equal(t, IdempotencyKey("c1", 2), IdempotencyKey("c1", 2))
	assert.NotEqual(t, IdempotencyKey("c1", 1), IdempotencyKey("c1", 2))
	assert.NotEqual(t, IdempotencyKey("c1", 1), IdempotencyKey("c2", 1))
}

func TestComputeStats(t *testing.T) {
	t.Parallel()
	now := t0.Add(100 * time.Hour)

	t.Run("empty store", func(t *testing.T) {
		s := ComputeStats(nil, now, time.Hour)
		assert.Equal(t, 0, s.TotalAbandonedCarts)
		assert.Equal(t, 0, s.TotalEmailsSent)
		assert.Zero(t, s.AverageEmailsPerCart)
	})

	t.Run("fallback to eligible reminded carts", func(t *testing.T) {
		rec := withCount(activeCart("r", t0), 1, t0)
		rec.Status = cart.StatusRecovered
		carts := []cart.Cart{
			withCount(activeCart("a", t0), 1, t0),
			withCount(activeCart("b", t0), 3, t0),
			activeCart("c", t0),
			rec,
		}
		s := ComputeStats(carts, now, time.Hour)
		assert.Equal(t, 2, s.TotalAbandonedCarts)
		assert.Equal(t, 5, s.TotalEmailsSent)
		assert.InDelta(t, 5.0/3.0, s.AverageEmailsPerCart, 1e-9)
		assert.Equal(t, map[int]int{1: 2, 3: 1}, s.ByStage)
		assert.Equal(t, 1, s.RecoveredAfterReminder)
	})

	t.Run("abandoned status wins", func(t *testing.T) {
		ab := withCount(activeCart("x", t0), 2, t0)
		ab.Status = cart.StatusAbandoned
		carts := []cart.Cart{ab, withCount(activeCart("a", t0), 1, t0)}
		s := ComputeStats(carts, now, time.Hour)
		assert.Equal(t, 1, s.TotalAbandonedCarts)
		assert.InDelta(t, 1.5, s.AverageEmailsPerCart, 1e-9)
	})
}

func TestStatsAggregatorReadsStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	require.NoError(t, st.UpsertCart(ctx, withCount(activeCart("a", t0), 2, t0.Add(25*time.Hour))))
	agg := NewStatsAggregator(st, func() time.Duration { return time.Hour })
	s, err := agg.Stats(ctx, t0.Add(30*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, s.TotalEmailsSent)
	assert.Equal(t, 1, s.TotalAbandonedCarts)
	assert.InDelta(t, 2.0, s.AverageEmailsPerCart, 1e-9)
}
