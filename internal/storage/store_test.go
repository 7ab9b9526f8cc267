package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cartwatch/internal/cart"
	logx "cartwatch/pkg/logx"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seedCart(id string, status cart.Status, updated time.Time, count int) cart.Cart {
	c := cart.Cart{
		ID:        id,
		UserRef:   "u-" + id,
		Email:     id + "@example.com",
		Items:     []cart.Item{{ProductRef: "p1", Name: "Mug", Qty: 2, UnitPrice: 9.5}},
		Status:    status,
		UpdatedAt: updated,
	}
	if count > 0 {
		at := updated.Add(time.Hour)
		c.AbandonmentEmailCount = count
		c.LastAbandonmentEmailSent = &at
	}
	return c
}

func openBackends(t *testing.T) map[string]Store {
	t.Helper()
	ctx := context.Background()

	sq, err := Open(ctx, Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "carts.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sq.Close() })

	mem, err := Open(ctx, Config{Driver: "memory"}, logx.Nop())
	require.NoError(t, err)

	return map[string]Store{"memory": mem, "sqlite": sq}
}

func TestStoreFindCandidates(t *testing.T) {
	t.Parallel()
	for name, st := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			empty := seedCart("e", cart.StatusActive, t0.Add(-5*time.Hour), 0)
			empty.Items = nil
			for _, c := range []cart.Cart{
				seedCart("b", cart.StatusActive, t0.Add(-2*time.Hour), 0),
				seedCart("a", cart.StatusActive, t0.Add(-2*time.Hour), 0),
				seedCart("old", cart.StatusActive, t0.Add(-48*time.Hour), 1),
				seedCart("fresh", cart.StatusActive, t0.Add(-10*time.Minute), 0),
				seedCart("done", cart.StatusActive, t0.Add(-100*time.Hour), 3),
				seedCart("rec", cart.StatusRecovered, t0.Add(-5*time.Hour), 1),
				empty,
			} {
				require.NoError(t, st.UpsertCart(ctx, c))
			}

			q := cart.Query{Now: t0, MinIdle: time.Hour, MaxStage: 3}
			got, err := st.FindCandidates(ctx, q)
			require.NoError(t, err)
			ids := make([]string, 0, len(got))
			for _, c := range got {
				ids = append(ids, c.ID)
			}
			assert.Equal(t, []string{"old", "a", "b"}, ids)
			assert.Equal(t, "old@example.com", got[0].Email)
			require.Len(t, got[0].Items, 1)
			assert.Equal(t, 2, got[0].Items[0].Qty)
		})
	}
}

func TestStoreRecordReminderCompareAndSet(t *testing.T) {
	t.Parallel()
	for name, st := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, st.UpsertCart(ctx, seedCart("c1", cart.StatusActive, t0.Add(-2*time.Hour), 0)))

			sent := t0.Add(time.Minute)
			require.NoError(t, st.RecordReminder(ctx, "c1", 1, sent))

			// replaying the same stage must not advance the ladder again
			err := st.RecordReminder(ctx, "c1", 1, sent.Add(time.Minute))
			assert.True(t, errors.Is(err, cart.ErrStaleCart), "got %v", err)

			// skipping a stage is rejected
			err = st.RecordReminder(ctx, "c1", 3, sent)
			assert.True(t, errors.Is(err, cart.ErrStaleCart), "got %v", err)

			err = st.RecordReminder(ctx, "missing", 1, sent)
			assert.True(t, errors.Is(err, cart.ErrNotFound), "got %v", err)

			all, err := st.List(ctx, cart.Filter{})
			require.NoError(t, err)
			require.Len(t, all, 1)
			assert.Equal(t, 1, all[0].AbandonmentEmailCount)
			require.NotNil(t, all[0].LastAbandonmentEmailSent)
			assert.True(t, all[0].LastAbandonmentEmailSent.Equal(sent))
			assert.NoError(t, all[0].Validate(3))
		})
	}
}

func TestStoreRecordReminderRejectsInactive(t *testing.T) {
	t.Parallel()
	for name, st := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, st.UpsertCart(ctx, seedCart("r", cart.StatusRecovered, t0.Add(-30*time.Hour), 1)))
			err := st.RecordReminder(ctx, "r", 2, t0)
			assert.True(t, errors.Is(err, cart.ErrStaleCart), "got %v", err)
		})
	}
}

func TestStoreListFilter(t *testing.T) {
	t.Parallel()
	for name, st := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, st.UpsertCart(ctx, seedCart("a", cart.StatusActive, t0, 0)))
			require.NoError(t, st.UpsertCart(ctx, seedCart("b", cart.StatusAbandoned, t0, 2)))
			require.NoError(t, st.UpsertCart(ctx, seedCart("c", cart.StatusRecovered, t0, 1)))

			got, err := st.List(ctx, cart.Filter{Statuses: []cart.Status{cart.StatusAbandoned, cart.StatusRecovered}})
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, "b", got[0].ID)
			assert.Equal(t, "c", got[1].ID)

			got, err = st.List(ctx, cart.Filter{})
			require.NoError(t, err)
			assert.Len(t, got, 3)
		})
	}
}

func TestStoreAudit(t *testing.T) {
	t.Parallel()
	for name, st := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i, action := range []string{"scheduler.start", "scheduler.stop", "send_emails"} {
				require.NoError(t, st.AppendAudit(ctx, AuditEntry{
					ID:     action,
					At:     t0.Add(time.Duration(i) * time.Second),
					Actor:  "admin",
					Action: action,
					OK:     i != 1,
				}))
			}
			got, err := st.ListAudit(ctx, 2)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, "send_emails", got[0].Action)
			assert.Equal(t, "scheduler.stop", got[1].Action)
			assert.False(t, got[1].OK)
		})
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open(context.Background(), Config{Driver: "redis"}, logx.Nop())
	require.Error(t, err)
}

func TestMongoCandidateFilter(t *testing.T) {
	t.Parallel()
	q := cart.Query{Now: t0, MinIdle: time.Hour, MaxStage: 3}
	f := candidateFilter(q)
	assert.Equal(t, "active", f["status"])
	assert.Contains(t, f, "$or")
	assert.Contains(t, f, "items.0")
}

func TestMongoDocRoundTrip(t *testing.T) {
	t.Parallel()
	c := seedCart("65f0a1b2c3d4e5f601234567", cart.StatusActive, t0, 1)
	c.UserRef = "65f0a1b2c3d4e5f601234568"
	c.Items[0].ProductRef = "65f0a1b2c3d4e5f601234569"
	d, err := toCartDoc(c)
	require.NoError(t, err)
	d.Owner = []ownerDoc{{Email: "owner@example.com", Name: "Ada"}}

	back, err := fromCartDoc(d)
	require.NoError(t, err)
	assert.Equal(t, c.ID, back.ID)
	assert.Equal(t, c.UserRef, back.UserRef)
	assert.Equal(t, "owner@example.com", back.Email)
	assert.Equal(t, "Ada", back.UserName)
	assert.Equal(t, c.Items, back.Items)

	_, err = toCartDoc(seedCart("not-hex", cart.StatusActive, t0, 0))
	assert.Error(t, err)
}

func TestMongoDocStatusNormalized(t *testing.T) {
	t.Parallel()
	d, err := toCartDoc(seedCart("65f0a1b2c3d4e5f601234567", cart.StatusActive, t0, 0))
	require.NoError(t, err)

	d.Status = " Recovered "
	back, err := fromCartDoc(d)
	require.NoError(t, err)
	assert.Equal(t, cart.StatusRecovered, back.Status)

	d.Status = "archived"
	_, err = fromCartDocs([]cartDoc{d})
	assert.ErrorContains(t, err, "unknown cart status")
}

func TestSQLiteRowStatusNormalized(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, err := Open(ctx, Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "carts.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.UpsertCart(ctx, seedCart("c1", cart.StatusActive, t0, 0)))
	db := st.(*sqliteStore).db

	_, err = db.ExecContext(ctx, `UPDATE carts SET status = ? WHERE id = ?`, "ABANDONED", "c1")
	require.NoError(t, err)
	got, err := st.List(ctx, cart.Filter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, cart.StatusAbandoned, got[0].Status)

	_, err = db.ExecContext(ctx, `UPDATE carts SET status = ? WHERE id = ?`, "archived", "c1")
	require.NoError(t, err)
	_, err = st.List(ctx, cart.Filter{})
	assert.ErrorContains(t, err, "unknown cart status")
}
