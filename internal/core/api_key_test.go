package core

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wiregate/wiregate/internal/model"
	"github.com/wiregate/wiregate/internal/store"
)

func openStore(t *testing.T) *store.SQLStore {
	t.Helper()
	st, err := store.OpenSQLite(context.Background(), store.MemoryPath, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestAPIKeyService_CreateAndAuthenticate(t *testing.T) {
	ctx := context.Background()
	svc := NewAPIKeyService(openStore(t), zerolog.Nop())
	now := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	forever, err := svc.Create(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, forever.Key, 43)
	assert.Nil(t, forever.ExpiredAt)

	soon := now.Add(time.Hour)
	short, err := svc.Create(ctx, &soon)
	require.NoError(t, err)
	assert.NotEqual(t, forever.Key, short.Key)

	ok, err := svc.Authenticate(ctx, short.Key)
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(2 * time.Hour)
	ok, err = svc.Authenticate(ctx, short.Key)
	require.NoError(t, err)
	assert.False(t, ok, "expired key must not authenticate")

	ok, err = svc.Authenticate(ctx, forever.Key)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.Authenticate(ctx, "")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = svc.Authenticate(ctx, forever.Key+"x")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAPIKeyService_CreateRejectsPastExpiry(t *testing.T) {
	svc := NewAPIKeyService(openStore(t), zerolog.Nop())
	past := time.Now().Add(-time.Minute)
	_, err := svc.Create(context.Background(), &past)
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestAPIKeyService_ListAndDelete(t *testing.T) {
	ctx := context.Background()
	svc := NewAPIKeyService(openStore(t), zerolog.Nop())

	a, err := svc.Create(ctx, nil)
	require.NoError(t, err)
	_, err = svc.Create(ctx, nil)
	require.NoError(t, err)

	keys, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	require.NoError(t, svc.Delete(ctx, a.Key))
	keys, err = svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.NotEqual(t, a.Key, keys[0].Key)

	err = svc.Delete(ctx, a.Key)
	assert.ErrorIs(t, err, model.ErrNotFound)
}
