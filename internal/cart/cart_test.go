package cart

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryMatches(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	q := Query{Now: now, MinIdle: time.Hour, MaxStage: 3}
	base := Cart{
		ID:        "c1",
		Status:    StatusActive,
		Items:     []Item{{ProductRef: "p1", Qty: 1, UnitPrice: 10}},
		UpdatedAt: now.Add(-2 * time.Hour),
	}

	tests := []struct {
		name string
		mut  func(c *Cart)
		want bool
	}{
		{name: "eligible", mut: func(c *Cart) {}, want: true},
		{name: "exactly min idle", mut: func(c *Cart) { c.UpdatedAt = now.Add(-time.Hour) }, want: true},
		{name: "too fresh", mut: func(c *Cart) { c.UpdatedAt = now.Add(-59 * time.Minute) }, want: false},
		{name: "empty", mut: func(c *Cart) { c.Items = nil }, want: false},
		{name: "recovered", mut: func(c *Cart) { c.Status = StatusRecovered }, want: false},
		{name: "purged", mut: func(c *Cart) { c.Status = StatusPurged }, want: false},
		{name: "ladder complete", mut: func(c *Cart) { c.AbandonmentEmailCount = 3 }, want: false},
		{name: "one stage left", mut: func(c *Cart) { c.AbandonmentEmailCount = 2 }, want: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			c := base
			tt.mut(&c)
			assert.Equal(t, tt.want, q.Matches(c))
		})
	}
}

func TestValidateInvariants(t *testing.T) {
	t.Parallel()
	sent := time.Now()

	ok := Cart{ID: "a", Status: StatusActive}
	require.NoError(t, ok.Validate(3))

	ok.AbandonmentEmailCount = 1
	ok.LastAbandonmentEmailSent = &sent
	require.NoError(t, ok.Validate(3))

	bad := Cart{ID: "b", Status: StatusActive, AbandonmentEmailCount: 1}
	assert.Error(t, bad.Validate(3), "count without last-sent must be rejected")

	bad = Cart{ID: "c", Status: StatusActive, LastAbandonmentEmailSent: &sent}
	assert.Error(t, bad.Validate(3), "last-sent without count must be rejected")

	bad = Cart{ID: "d", Status: StatusActive, AbandonmentEmailCount: 4, LastAbandonmentEmailSent: &sent}
	assert.Error(t, bad.Validate(3))
	assert.NoError(t, bad.Validate(0))
}

func TestSortCandidatesOldestFirst(t *testing.T) {
	t.Parallel()
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cs := []Cart{
		{ID: "b", UpdatedAt: t0},
		{ID: "c", UpdatedAt: t0.Add(-time.Hour)},
		{ID: "a", UpdatedAt: t0},
	}
	SortCandidates(cs)
	got := []string{cs[0].ID, cs[1].ID, cs[2].ID}
	assert.Equal(t, []string{"c", "a", "b"}, got)
}

func TestTotalsAndIdle(t *testing.T) {
	t.Parallel()
	now := time.Now()
	c := Cart{
		Items: []Item{
			{ProductRef: "p1", Qty: 2, UnitPrice: 5.5},
			{ProductRef: "p2", Qty: 1, UnitPrice: 3},
		},
		UpdatedAt: now.Add(time.Minute),
	}
	assert.InDelta(t, 14.0, c.Total(), 1e-9)
	assert.Equal(t, 3, c.ItemCount())
	assert.Equal(t, time.Duration(0), c.IdleFor(now), "future updated_at clamps to zero")
}

func TestParseStatus(t *testing.T) {
	t.Parallel()
	s, err := ParseStatus(" Recovered ")
	require.NoError(t, err)
	assert.Equal(t, StatusRecovered, s)

	_, err = ParseStatus("gone")
	assert.Error(t, err)
}
