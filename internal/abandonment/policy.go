package abandonment

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"cartwatch/internal/cart"
)

// Stage is one rung of the reminder ladder.
type Stage struct {
	Number   int           `json:"number"`
	After    time.Duration `json:"after"`
	Template string        `json:"template"`
}

// Ladder is the ordered list of stages, stage 1 first.
type Ladder []Stage

// DefaultLadder is 1h / 24h / 72h.
func DefaultLadder() Ladder {
	return Ladder{
		{Number: 1, After: time.Hour, Template: "reminder_1h"},
		{Number: 2, After: 24 * time.Hour, Template: "reminder_24h"},
		{Number: 3, After: 72 * time.Hour, Template: "reminder_72h"},
	}
}

// Validate requires contiguous numbers from 1, strictly increasing
// thresholds and a template on every stage.
func (l Ladder) Validate() error {
	if len(l) == 0 {
		return errors.New("ladder needs at least one stage")
	}
	var errs []error
	for i, s := range l {
		if s.Number != i+1 {
			errs = append(errs, fmt.Errorf("stage %d: number must be %d", i, i+1))
		}
		if s.After <= 0 {
			errs = append(errs, fmt.Errorf("stage %d: after must be > 0", s.Number))
		}
		if i > 0 && s.After <= l[i-1].After {
			errs = append(errs, fmt.Errorf("stage %d: after (%s) must exceed stage %d (%s)", s.Number, s.After, l[i-1].Number, l[i-1].After))
		}
		if strings.TrimSpace(s.Template) == "" {
			errs = append(errs, fmt.Errorf("stage %d: template required", s.Number))
		}
	}
	return errors.Join(errs...)
}

// Max is the number of stages.
func (l Ladder) Max() int { return len(l) }

// Stage returns stage n (1-based).
func (l Ladder) Stage(n int) (Stage, bool) {
	if n < 1 || n > len(l) {
		return Stage{}, false
	}
	return l[n-1], true
}

// Reason explains a Decision.
type Reason string

const (
	ReasonOK             Reason = "ok"
	ReasonLadderComplete Reason = "ladder_complete"
	ReasonNotDue         Reason = "not_due"
	ReasonMinGap         Reason = "min_gap"
	ReasonInactive       Reason = "inactive"
	ReasonEmpty          Reason = "empty"
)

// Decision is the policy's verdict for one cart at one instant.
type Decision struct {
	Send     bool   `json:"send"`
	Stage    int    `json:"stage"`
	Template string `json:"template,omitempty"`
	Reason   Reason `json:"reason"`
	// DueAt is when the next stage becomes sendable; nil once the ladder is done.
	DueAt *time.Time `json:"dueAt,omitempty"`
}

// Policy decides which stage, if any, a cart should receive next.
// The next stage is always count+1, so stages are never skipped or repeated.
type Policy struct {
	mu     sync.RWMutex
	ladder Ladder
	minGap time.Duration
}

func NewPolicy(l Ladder, minGap time.Duration) (*Policy, error) {
	p := &Policy{}
	if err := p.Apply(l, minGap); err != nil {
		return nil, err
	}
	return p, nil
}

// Apply swaps the ladder. An invalid ladder leaves the old one in place.
func (p *Policy) Apply(l Ladder, minGap time.Duration) error {
	if err := l.Validate(); err != nil {
		return err
	}
	if minGap < 0 {
		return errors.New("min_gap must be >= 0")
	}
	cp := append(Ladder(nil), l...)
	p.mu.Lock()
	p.ladder = cp
	p.minGap = minGap
	p.mu.Unlock()
	return nil
}

// Ladder returns a copy of the active ladder.
func (p *Policy) Ladder() Ladder {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append(Ladder(nil), p.ladder...)
}

// MaxStage is the current ladder length.
func (p *Policy) MaxStage() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.ladder)
}

func (p *Policy) Decide(c cart.Cart, now time.Time) Decision {
	p.mu.RLock()
	ladder, minGap := p.ladder, p.minGap
	p.mu.RUnlock()

	next := c.AbandonmentEmailCount + 1
	if c.Status != cart.StatusActive {
		return Decision{Stage: next, Reason: ReasonInactive}
	}
	if len(c.Items) == 0 {
		return Decision{Stage: next, Reason: ReasonEmpty}
	}
	st, ok := ladder.Stage(next)
	if !ok {
		return Decision{Stage: next, Reason: ReasonLadderComplete}
	}
	due := c.UpdatedAt.Add(st.After)
	d := Decision{Stage: next, Template: st.Template, DueAt: &due}
	if c.IdleFor(now) < st.After {
		d.Reason = ReasonNotDue
		return d
	}
	if minGap > 0 && c.LastAbandonmentEmailSent != nil {
		gapDue := c.LastAbandonmentEmailSent.Add(minGap)
		if now.Before(gapDue) {
			d.DueAt = &gapDue
			d.Reason = ReasonMinGap
			return d
		}
	}
	d.Send = true
	d.Reason = ReasonOK
	return d
}
