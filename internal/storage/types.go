package storage

import (
	"context"
	"errors"
	"time"

	"cartwatch/internal/cart"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "memory": in-process maps, nothing survives restart
//   - "sqlite": SQLite database file at Path
//   - "mongo":  MongoDB at URI, database Database
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	URI        string // mongo only
	Database   string // mongo only
	Collection string // mongo only; default "carts"
	Users      string // mongo only; default "users"
}

// AuditEntry records an operator action.
// Keep it compact and schema-stable.
type AuditEntry struct {
	ID       string
	At       time.Time
	Actor    string
	Action   string
	OK       bool
	Error    string
	TookMS   int64
	MetaJSON string
}

// Store is the persistence API used by the reminder pipeline and the admin surface.
type Store interface {
	cart.Store

	// UpsertCart writes c as-is. Used for seeding and by tests; production carts
	// are written by the commerce subsystem.
	UpsertCart(ctx context.Context, c cart.Cart) error
	AppendAudit(ctx context.Context, e AuditEntry) error
	ListAudit(ctx context.Context, limit int) ([]AuditEntry, error)
	Ping(ctx context.Context) error
	Close() error
}
