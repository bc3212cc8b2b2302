package voucher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/giftswap/internal/testutil"
)

func TestPostgresStore(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	sent := &Record{ID: "vch_1", Reference: "sess-1", Code: "AAAA-BBBB-CCCC", Brand: "AMAZON",
		Email: "buyer@example.com", Outcome: OutcomeSent, CreatedAt: now}
	failed := &Record{ID: "vch_2", Code: "DDDD-EEEE-FFFF", Brand: "FLIPKART",
		Email: "buyer@example.com", Outcome: OutcomeFailed, Error: "smtp down", CreatedAt: now.Add(time.Second)}
	require.NoError(t, store.Create(ctx, sent))
	require.NoError(t, store.Create(ctx, failed))

	got, err := store.Get(ctx, "vch_1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", got.Reference)
	assert.Equal(t, OutcomeSent, got.Outcome)
	assert.True(t, now.Equal(got.CreatedAt))

	_, err = store.Get(ctx, "vch_missing")
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := store.ListByEmail(ctx, "buyer@example.com", 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "vch_2", list[0].ID)
	assert.Equal(t, "smtp down", list[0].Error)
	assert.Empty(t, list[1].Error)
}
