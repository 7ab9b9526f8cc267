package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cartwatch/internal/cart"
	logx "cartwatch/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; this also keeps RecordReminder's
	// conditional update serialized.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

const cartColumns = `id, user_ref, email, user_name, status, items, updated_at, abandonment_email_count, last_abandonment_email_sent`

func (s *sqliteStore) FindCandidates(ctx context.Context, q cart.Query) ([]cart.Cart, error) {
	query := `SELECT ` + cartColumns + ` FROM carts
		WHERE status = ? AND item_count > 0 AND updated_at <= ? AND abandonment_email_count < ?
		ORDER BY updated_at ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, query, string(cart.StatusActive), q.Cutoff().UnixMilli(), q.MaxStage)
	if err != nil {
		return nil, err
	}
	return scanCarts(rows)
}

func (s *sqliteStore) RecordReminder(ctx context.Context, id string, stage int, sentAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE carts SET abandonment_email_count = ?, last_abandonment_email_sent = ?
		 WHERE id = ? AND status = ? AND abandonment_email_count = ?`,
		stage, sentAt.UnixMilli(), id, string(cart.StatusActive), stage-1,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM carts WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", cart.ErrNotFound, id)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s (stage=%d)", cart.ErrStaleCart, id, stage)
}

func (s *sqliteStore) List(ctx context.Context, f cart.Filter) ([]cart.Cart, error) {
	query := `SELECT ` + cartColumns + ` FROM carts`
	var args []any
	if len(f.Statuses) > 0 {
		ph := make([]string, 0, len(f.Statuses))
		for _, st := range f.Statuses {
			ph = append(ph, "?")
			args = append(args, string(st))
		}
		query += ` WHERE status IN (` + strings.Join(ph, ",") + `)`
	}
	query += ` ORDER BY updated_at ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanCarts(rows)
}

func (s *sqliteStore) UpsertCart(ctx context.Context, c cart.Cart) error {
	items, err := json.Marshal(c.Items)
	if err != nil {
		return err
	}
	var last any
	if c.LastAbandonmentEmailSent != nil {
		last = c.LastAbandonmentEmailSent.UnixMilli()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO carts(`+cartColumns+`, item_count) VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
			user_ref=excluded.user_ref, email=excluded.email, user_name=excluded.user_name,
			status=excluded.status, items=excluded.items, item_count=excluded.item_count,
			updated_at=excluded.updated_at,
			abandonment_email_count=excluded.abandonment_email_count,
			last_abandonment_email_sent=excluded.last_abandonment_email_sent`,
		c.ID, c.UserRef, c.Email, c.UserName, string(c.Status), string(items),
		c.UpdatedAt.UnixMilli(), c.AbandonmentEmailCount, last, len(c.Items),
	)
	return err
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(id, at, actor, action, ok, err, took_ms, meta) VALUES(?,?,?,?,?,?,?,?)`,
		e.ID, e.At.UnixMilli(), e.Actor, e.Action, e.OK, nullStr(e.Error), e.TookMS, nullStr(e.MetaJSON),
	)
	return err
}

func (s *sqliteStore) ListAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at, actor, action, ok, COALESCE(err, ''), took_ms, COALESCE(meta, '')
		 FROM audit ORDER BY at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AuditEntry
	for rows.Next() {
		var (
			e  AuditEntry
			at int64
		)
		if err := rows.Scan(&e.ID, &at, &e.Actor, &e.Action, &e.OK, &e.Error, &e.TookMS, &e.MetaJSON); err != nil {
			return nil, err
		}
		e.At = time.UnixMilli(at).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanCarts(rows *sql.Rows) ([]cart.Cart, error) {
	defer rows.Close()
	var out []cart.Cart
	for rows.Next() {
		var (
			c       cart.Cart
			status  string
			items   string
			updated int64
			last    sql.NullInt64
		)
		if err := rows.Scan(&c.ID, &c.UserRef, &c.Email, &c.UserName, &status, &items, &updated, &c.AbandonmentEmailCount, &last); err != nil {
			return nil, err
		}
		st, err := cart.ParseStatus(status)
		if err != nil {
			return nil, fmt.Errorf("cart %s: %w", c.ID, err)
		}
		c.Status = st
		if err := json.Unmarshal([]byte(items), &c.Items); err != nil {
			return nil, fmt.Errorf("cart %s: decode items: %w", c.ID, err)
		}
		c.UpdatedAt = time.UnixMilli(updated).UTC()
		if last.Valid {
			t := time.UnixMilli(last.Int64).UTC()
			c.LastAbandonmentEmailSent = &t
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
