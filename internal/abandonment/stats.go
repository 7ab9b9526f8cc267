package abandonment

import (
	"context"
	"time"

	"cartwatch/internal/cart"
)

// Stats summarizes reminder activity.
type Stats struct {
	TotalAbandonedCarts    int         `json:"totalAbandonedCarts"`
	TotalEmailsSent        int         `json:"totalEmailsSent"`
	AverageEmailsPerCart   float64     `json:"averageEmailsPerCart"`
	ByStage                map[int]int `json:"byStage"`
	RecoveredAfterReminder int         `json:"recoveredAfterReminder"`
}

// StatsAggregator recomputes Stats from the store on every call.
type StatsAggregator struct {
	store   cart.Store
	minIdle func() time.Duration
}

// NewStatsAggregator reads the idle floor through minIdle so it follows
// config reloads.
func NewStatsAggregator(store cart.Store, minIdle func() time.Duration) *StatsAggregator {
	return &StatsAggregator{store: store, minIdle: minIdle}
}

func (a *StatsAggregator) Stats(ctx context.Context, now time.Time) (Stats, error) {
	all, err := a.store.List(ctx, cart.Filter{})
	if err != nil {
		return Stats{}, err
	}
	var minIdle time.Duration
	if a.minIdle != nil {
		minIdle = a.minIdle()
	}
	return ComputeStats(all, now, minIdle), nil
}

// ComputeStats is the pure part of Stats.
//
// TotalAbandonedCarts counts status=abandoned carts when any exist. Stores
// that never set that status fall back to active, non-empty carts idle for at
// least minIdle that have received one or more reminders.
func ComputeStats(carts []cart.Cart, now time.Time, minIdle time.Duration) Stats {
	s := Stats{ByStage: map[int]int{}}
	abandoned, fallback, reminded := 0, 0, 0
	for _, c := range carts {
		n := c.AbandonmentEmailCount
		s.TotalEmailsSent += n
		if n > 0 {
			reminded++
			s.ByStage[n]++
		}
		switch c.Status {
		case cart.StatusAbandoned:
			abandoned++
		case cart.StatusRecovered:
			if n > 0 {
				s.RecoveredAfterReminder++
			}
		case cart.StatusActive:
			if n > 0 && len(c.Items) > 0 && c.IdleFor(now) >= minIdle {
				fallback++
			}
		}
	}
	if abandoned > 0 {
		s.TotalAbandonedCarts = abandoned
	} else {
		s.TotalAbandonedCarts = fallback
	}
	if reminded > 0 {
		s.AverageEmailsPerCart = float64(s.TotalEmailsSent) / float64(reminded)
	}
	return s
}
