package cart

import (
	"context"
	"errors"
	"sort"
	"time"
)

var (
	// ErrNotFound is returned when a cart id does not exist.
	ErrNotFound = errors.New("cart not found")
	// ErrStaleCart is returned by RecordReminder when the stored cart no longer
	// matches the expected pre-state (count != stage-1 or status != active).
	ErrStaleCart = errors.New("cart changed since detection")
)

// Query selects abandonment candidates.
type Query struct {
	Now      time.Time
	MinIdle  time.Duration
	MaxStage int
}

// Cutoff is the newest UpdatedAt a candidate may have.
func (q Query) Cutoff() time.Time { return q.Now.Add(-q.MinIdle) }

// Matches reports whether c satisfies every candidate predicate.
func (q Query) Matches(c Cart) bool {
	if c.Status != StatusActive {
		return false
	}
	if len(c.Items) == 0 {
		return false
	}
	if c.UpdatedAt.After(q.Cutoff()) {
		return false
	}
	return c.AbandonmentEmailCount < q.MaxStage
}

// Filter narrows List results. Zero value lists everything.
type Filter struct {
	Statuses []Status
}

func (f Filter) Allows(s Status) bool {
	if len(f.Statuses) == 0 {
		return true
	}
	for _, st := range f.Statuses {
		if st == s {
			return true
		}
	}
	return false
}

// Store is the persistence contract used by the reminder pipeline.
type Store interface {
	// FindCandidates returns carts matching q, oldest idle first.
	FindCandidates(ctx context.Context, q Query) ([]Cart, error)
	// RecordReminder atomically sets count=stage and last-sent=sentAt for id,
	// only if the cart is active and its count is stage-1. Otherwise it
	// returns ErrStaleCart (or ErrNotFound) and changes nothing.
	RecordReminder(ctx context.Context, id string, stage int, sentAt time.Time) error
	// List returns carts matching f.
	List(ctx context.Context, f Filter) ([]Cart, error)
}

// SortCandidates orders carts oldest UpdatedAt first, then by ID.
func SortCandidates(cs []Cart) {
	sort.SliceStable(cs, func(i, j int) bool {
		if !cs[i].UpdatedAt.Equal(cs[j].UpdatedAt) {
			return cs[i].UpdatedAt.Before(cs[j].UpdatedAt)
		}
		return cs[i].ID < cs[j].ID
	})
}
