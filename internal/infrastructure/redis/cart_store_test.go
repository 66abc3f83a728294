package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/currency"

	"github.com/keymint/keymint/internal/domain/cart"
	"github.com/keymint/keymint/internal/domain/money"
)

func setupStore(t *testing.T) *CartStore {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewCartStore(client)
}

func TestCartRoundTrip(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	c := cart.Cart{
		SessionID: "sess-1",
		Items: []cart.Item{{
			ProductID:      uuid.New(),
			Name:           "keymint pro",
			UnitPrice:      money.New(decimal.RequireFromString("50.00"), currency.USD),
			Quantity:       2,
			DownloadQuota:  5,
			UpdateTermDays: 365,
		}},
	}
	require.NoError(t, store.Save(ctx, c))

	got, err := store.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", got.SessionID)
	require.Len(t, got.Items, 1)
	assert.Equal(t, c.Items[0].ProductID, got.Items[0].ProductID)
	assert.True(t, got.Items[0].UnitPrice.Equal(c.Items[0].UnitPrice), "amounts survive as decimals")
	assert.Equal(t, 2, got.Items[0].Quantity)

	subtotal, err := got.Subtotal()
	require.NoError(t, err)
	assert.Equal(t, "100.00", subtotal.Amount.StringFixed(2))
}

func TestCartMissAndClear(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	_, err := store.Get(ctx, "nope")
	require.ErrorIs(t, err, cart.ErrNotFound)

	require.NoError(t, store.Save(ctx, cart.Cart{SessionID: "sess-1"}))
	require.NoError(t, store.Clear(ctx, "sess-1"))

	_, err = store.Get(ctx, "sess-1")
	require.ErrorIs(t, err, cart.ErrNotFound)

	// Clearing an absent cart is not an error.
	require.NoError(t, store.Clear(ctx, "sess-1"))
}
