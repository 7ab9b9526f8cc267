// Package cart defines the shopping cart record consumed by the abandonment
// reminder pipeline and the persistence contract it is read and updated through.
//
// Carts are owned by the commerce subsystem. This package only reads them and
// records reminder progress; status transitions to recovered or purged happen
// elsewhere (order completion, cleanup jobs).
package cart

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a cart.
type Status string

const (
	StatusActive    Status = "active"
	StatusAbandoned Status = "abandoned"
	StatusRecovered Status = "recovered"
	StatusPurged    Status = "purged"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusAbandoned, StatusRecovered, StatusPurged:
		return true
	}
	return false
}

// ParseStatus normalizes raw into a Status.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown cart status %q", raw)
	}
	return s, nil
}

// Item is one line of a cart.
type Item struct {
	ProductRef string  `json:"productRef"`
	Name       string  `json:"name,omitempty"`
	Qty        int     `json:"qty"`
	UnitPrice  float64 `json:"unitPrice"`
}

// Cart is a persisted shopping cart.
//
// UpdatedAt is the idle clock: the time of the last cart mutation.
// AbandonmentEmailCount is the number of reminder stages already sent.
type Cart struct {
	ID        string    `json:"id"`
	UserRef   string    `json:"userRef"`
	Email     string    `json:"email,omitempty"`
	UserName  string    `json:"userName,omitempty"`
	Items     []Item    `json:"items"`
	Status    Status    `json:"status"`
	UpdatedAt time.Time `json:"updatedAt"`

	AbandonmentEmailCount    int        `json:"abandonmentEmailCount"`
	LastAbandonmentEmailSent *time.Time `json:"lastAbandonmentEmailSent,omitempty"`
}

// Total returns the sum of qty*unit price over all items.
func (c Cart) Total() float64 {
	var t float64
	for _, it := range c.Items {
		t += float64(it.Qty) * it.UnitPrice
	}
	return t
}

// ItemCount returns the total quantity across items.
func (c Cart) ItemCount() int {
	n := 0
	for _, it := range c.Items {
		n += it.Qty
	}
	return n
}

// IdleFor returns how long the cart has been untouched at now. Never negative.
func (c Cart) IdleFor(now time.Time) time.Duration {
	d := now.Sub(c.UpdatedAt)
	if d < 0 {
		return 0
	}
	return d
}

// Validate checks the reminder bookkeeping invariants.
// maxStage <= 0 skips the upper-bound check.
func (c Cart) Validate(maxStage int) error {
	var errs []error
	if strings.TrimSpace(c.ID) == "" {
		errs = append(errs, errors.New("id required"))
	}
	if !c.Status.Valid() {
		errs = append(errs, fmt.Errorf("invalid status %q", c.Status))
	}
	if c.AbandonmentEmailCount < 0 {
		errs = append(errs, errors.New("abandonment_email_count must be >= 0"))
	}
	if maxStage > 0 && c.AbandonmentEmailCount > maxStage {
		errs = append(errs, fmt.Errorf("abandonment_email_count %d exceeds max stage %d", c.AbandonmentEmailCount, maxStage))
	}
	if (c.AbandonmentEmailCount == 0) != (c.LastAbandonmentEmailSent == nil) {
		errs = append(errs, errors.New("abandonment_email_count and last_abandonment_email_sent disagree"))
	}
	return errors.Join(errs...)
}
