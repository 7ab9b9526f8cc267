package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cartwatch/internal/cart"
)

// Memory is a process-local Store. It is safe for concurrent use.
type Memory struct {
	mu     sync.RWMutex
	carts  map[string]cart.Cart
	audit  []AuditEntry
	closed bool
}

func NewMemory() *Memory {
	return &Memory{carts: map[string]cart.Cart{}}
}

func (m *Memory) FindCandidates(ctx context.Context, q cart.Query) ([]cart.Cart, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]cart.Cart, 0, 16)
	for _, c := range m.carts {
		if q.Matches(c) {
			out = append(out, cloneCart(c))
		}
	}
	cart.SortCandidates(out)
	return out, nil
}

func (m *Memory) RecordReminder(ctx context.Context, id string, stage int, sentAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	c, ok := m.carts[id]
	if !ok {
		return fmt.Errorf("%w: %s", cart.ErrNotFound, id)
	}
	if c.Status != cart.StatusActive || c.AbandonmentEmailCount != stage-1 {
		return fmt.Errorf("%w: %s (status=%s count=%d stage=%d)", cart.ErrStaleCart, id, c.Status, c.AbandonmentEmailCount, stage)
	}
	at := sentAt
	c.AbandonmentEmailCount = stage
	c.LastAbandonmentEmailSent = &at
	m.carts[id] = c
	return nil
}

func (m *Memory) List(ctx context.Context, f cart.Filter) ([]cart.Cart, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]cart.Cart, 0, len(m.carts))
	for _, c := range m.carts {
		if f.Allows(c.Status) {
			out = append(out, cloneCart(c))
		}
	}
	cart.SortCandidates(out)
	return out, nil
}

func (m *Memory) UpsertCart(ctx context.Context, c cart.Cart) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.carts[c.ID] = cloneCart(c)
	return nil
}

// Get returns a copy of the cart with id.
func (m *Memory) Get(id string) (cart.Cart, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.carts[id]
	return cloneCart(c), ok
}

// SetStatus mimics the commerce subsystem moving a cart to another status.
func (m *Memory) SetStatus(id string, s cart.Status) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.carts[id]
	if !ok {
		return false
	}
	c.Status = s
	m.carts[id] = c
	return true
}

func (m *Memory) AppendAudit(ctx context.Context, e AuditEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	m.audit = append(m.audit, e)
	if len(m.audit) > 1000 {
		m.audit = m.audit[len(m.audit)-1000:]
	}
	return nil
}

func (m *Memory) ListAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := len(m.audit)
	if limit > 0 && n > limit {
		n = limit
	}
	// newest first
	out := make([]AuditEntry, 0, n)
	for i := len(m.audit) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, m.audit[i])
	}
	return out, nil
}

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func cloneCart(c cart.Cart) cart.Cart {
	if c.Items != nil {
		c.Items = append([]cart.Item(nil), c.Items...)
	}
	if c.LastAbandonmentEmailSent != nil {
		t := *c.LastAbandonmentEmailSent
		c.LastAbandonmentEmailSent = &t
	}
	return c
}
