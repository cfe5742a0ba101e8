package storage

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/signflow/internal/clock"
	"github.com/smallbiznis/signflow/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDBStorePutGet(t *testing.T) {
	db := dbtest.Open(t)
	store := NewDBStore(db, clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)))
	ctx := context.Background()

	key := "signatures/1/2/sam-client-01hz.png"
	require.NoError(t, store.Put(ctx, key, "image/png", []byte{0x89, 'P', 'N', 'G'}))

	data, contentType, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "image/png", contentType)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, data)

	_, _, err = store.Get(ctx, "signatures/1/2/missing.png")
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestDBStoreRejectsBadKeys(t *testing.T) {
	store := NewDBStore(dbtest.Open(t), nil)
	for _, key := range []string{"", "/abs/key.png", "signatures/../etc/passwd"} {
		assert.ErrorIs(t, store.Put(context.Background(), key, "image/png", []byte("x")), ErrInvalidKey, key)
	}
}
