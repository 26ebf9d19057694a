package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AnuragDani/ride-billing-engine/internal/database"
	"github.com/AnuragDani/ride-billing-engine/internal/models"
	"github.com/AnuragDani/ride-billing-engine/internal/store"
)

func TestMapErr(t *testing.T) {
	assert.NoError(t, mapErr("op", nil))
	assert.ErrorIs(t, mapErr("get invoice", sql.ErrNoRows), models.ErrNotFound)

	dup := mapErr("create invoice", &pq.Error{Code: "23505", Constraint: "invoices_one_billable"})
	assert.ErrorIs(t, dup, models.ErrConflict)
	assert.Contains(t, dup.Error(), "invoices_one_billable")

	for _, code := range []pq.ErrorCode{"40001", "40P01", "55P03", "57P01", "08006"} {
		assert.True(t, models.IsTransient(mapErr("claim", &pq.Error{Code: code})), string(code))
	}
	assert.True(t, models.IsTransient(mapErr("ping", driver.ErrBadConn)))

	plain := mapErr("update", &pq.Error{Code: "42P01"})
	assert.False(t, models.IsTransient(plain))
	assert.NotErrorIs(t, plain, models.ErrConflict)

	other := errors.New("boom")
	assert.ErrorIs(t, mapErr("x", other), other)
}

func TestJSONColumns(t *testing.T) {
	s, err := toJSON(map[string]string{"a": "b"})
	require.NoError(t, err)

	var out map[string]string
	require.NoError(t, fromJSON([]byte(s), &out))
	assert.Equal(t, "b", out["a"])
	assert.NoError(t, fromJSON(nil, &out))
}

// openTestStore connects to TEST_DATABASE_URL or skips.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	db, err := database.Connect(ctx, url, database.DefaultPoolOptions())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st := New(db)
	require.NoError(t, st.EnsureSchema(ctx))
	return st
}

func TestWebhookEventDedupIntegration(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	eventID := "test:" + uuid.NewString()

	insert := func() bool {
		var created bool
		require.NoError(t, st.WithTx(ctx, func(tx store.Tx) error {
			var err error
			created, err = tx.InsertWebhookEvent(ctx, &models.WebhookEvent{
				ID: uuid.NewString(), EventID: eventID, Provider: "test", EventType: "payment.succeeded",
				Payload: []byte(`{}`), Signature: "sig", Status: models.WebhookStatusStored,
				ClaimedAt: now, CreatedAt: now,
			})
			return err
		}))
		return created
	}
	assert.True(t, insert())
	assert.False(t, insert())

	require.NoError(t, st.WithTx(ctx, func(tx store.Tx) error {
		claimed, err := tx.ClaimWebhookEvent(ctx, eventID, now, now.Add(-time.Minute))
		assert.False(t, claimed)
		return err
	}))
	require.NoError(t, st.WithTx(ctx, func(tx store.Tx) error {
		claimed, err := tx.ClaimWebhookEvent(ctx, eventID, now.Add(time.Hour), now.Add(time.Minute))
		assert.True(t, claimed)
		return err
	}))
}

func TestRollbackIntegration(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	id := "test:" + uuid.NewString()

	boom := errors.New("boom")
	err := st.WithTx(ctx, func(tx store.Tx) error {
		_, err := tx.InsertWebhookEvent(ctx, &models.WebhookEvent{
			ID: uuid.NewString(), EventID: id, Provider: "test", EventType: "x",
			Payload: []byte(`{}`), Status: models.WebhookStatusStored,
			ClaimedAt: time.Now().UTC(), CreatedAt: time.Now().UTC(),
		})
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	err = st.WithTx(ctx, func(tx store.Tx) error {
		_, err := tx.GetWebhookEvent(ctx, id)
		return err
	})
	assert.ErrorIs(t, err, models.ErrNotFound)
}
