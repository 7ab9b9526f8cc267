package abandonment

import (
	"context"
	"sync"
	"time"

	"cartwatch/internal/cart"
	logx "cartwatch/pkg/logx"
)

// DetectorConfig bounds what counts as a candidate.
type DetectorConfig struct {
	MinIdle  time.Duration
	MaxStage int
}

// Detector lists the carts a pass should consider. It never writes.
type Detector struct {
	store cart.Store
	log   logx.Logger

	mu  sync.RWMutex
	cfg DetectorConfig
}

func NewDetector(store cart.Store, cfg DetectorConfig, log logx.Logger) *Detector {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Detector{store: store, cfg: cfg, log: log.With(logx.String("comp", "detector"))}
}

func (d *Detector) Apply(cfg DetectorConfig) {
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
}

func (d *Detector) Config() DetectorConfig {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// Detect returns active, non-empty carts idle for at least MinIdle whose
// reminder count is below MaxStage, oldest idle first. Rows the backend
// returns that fail any predicate are dropped, as are duplicate ids.
func (d *Detector) Detect(ctx context.Context, now time.Time) ([]cart.Cart, error) {
	cfg := d.Config()
	q := cart.Query{Now: now, MinIdle: cfg.MinIdle, MaxStage: cfg.MaxStage}

	rows, err := d.store.FindCandidates(ctx, q)
	if err != nil {
		return nil, &DetectionError{Err: err}
	}

	out := make([]cart.Cart, 0, len(rows))
	seen := make(map[string]struct{}, len(rows))
	for _, c := range rows {
		if !q.Matches(c) {
			d.log.Debug("dropping non-matching candidate", logx.String("cart", c.ID), logx.String("status", string(c.Status)))
			continue
		}
		if _, dup := seen[c.ID]; dup {
			continue
		}
		seen[c.ID] = struct{}{}
		out = append(out, c)
	}
	cart.SortCandidates(out)
	return out, nil
}
