package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/marketplace-engine/authority"
	"github.com/warp/marketplace-engine/basket"
	"github.com/warp/marketplace-engine/discount"
	"github.com/warp/marketplace-engine/shop"
)

var ctx = context.Background()

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_ShopRoundTrip(t *testing.T) {
	s := newTestStore(t)
	created := time.Date(2026, time.March, 10, 9, 30, 0, 0, time.UTC)

	rec := shop.ShopRecord{ID: 1, Name: "Corner", Founder: "alice", NextDiscountID: 4, CreatedAt: created}
	require.NoError(t, s.SaveShop(ctx, rec))

	rec.Closed = true
	rec.PurchasePolicy = `{"type":"always"}`
	require.NoError(t, s.SaveShop(ctx, rec))

	shops, err := s.ListShops(ctx)
	require.NoError(t, err)
	require.Len(t, shops, 1)
	assert.Equal(t, rec, shops[0])
}

func TestStore_ListShopsRejectsCorruptCreatedAt(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveShop(ctx, shop.ShopRecord{ID: 1, Name: "Corner", Founder: "alice", NextDiscountID: 1, CreatedAt: time.Now()}))

	_, err := s.db.ExecContext(ctx, "UPDATE shops SET created_at = 'yesterday' WHERE id = 1")
	require.NoError(t, err)

	_, err = s.ListShops(ctx)
	assert.ErrorContains(t, err, "malformed created_at")
}

func TestStore_Roles(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveShop(ctx, shop.ShopRecord{ID: 1, Name: "Corner", Founder: "alice"}))

	alice := authority.RoleSnapshot{ShopID: 1, Username: "alice", Permissions: []authority.Permission{authority.PermFounder}}
	carol := authority.RoleSnapshot{ShopID: 1, Username: "carol", AppointedBy: "alice",
		Permissions: []authority.Permission{authority.PermAddProduct, authority.PermGetRolesInfo}}
	bob := authority.RoleSnapshot{ShopID: 1, Username: "bob", AppointedBy: "alice", Permissions: []authority.Permission{authority.PermOwner}}

	for _, r := range []authority.RoleSnapshot{carol, alice, bob} {
		require.NoError(t, s.SaveRole(ctx, r))
	}

	roles, err := s.ListRoles(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []authority.RoleSnapshot{alice, bob, carol}, roles)

	require.NoError(t, s.DeleteRoles(ctx, 1, []string{"bob", "carol", "ghost"}))
	roles, err = s.ListRoles(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []authority.RoleSnapshot{alice}, roles)
}

func TestStore_RoleRequiresShop(t *testing.T) {
	s := newTestStore(t)
	err := s.SaveRole(ctx, authority.RoleSnapshot{ShopID: 9, Username: "alice", Permissions: []authority.Permission{authority.PermFounder}})
	assert.Error(t, err, "foreign key to shops")
}

func TestStore_Discounts(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveShop(ctx, shop.ShopRecord{ID: 1, Name: "Corner", Founder: "alice"}))

	for _, id := range []int64{3, 1, 2} {
		require.NoError(t, s.SaveDiscount(ctx, shop.DiscountRecord{ShopID: 1, ID: id, JSON: `{"kind":"fixed"}`}))
	}
	require.NoError(t, s.DeleteDiscounts(ctx, 1, []int64{2}))

	ds, err := s.ListDiscounts(ctx, 1)
	require.NoError(t, err)
	require.Len(t, ds, 2)
	assert.Equal(t, int64(1), ds[0].ID)
	assert.Equal(t, int64(3), ds[1].ID)
}

func TestStore_WithTxRollback(t *testing.T) {
	s := newTestStore(t)
	boom := errors.New("boom")

	// GIVEN: a transaction that writes a shop, then fails
	err := s.WithTx(ctx, func(st shop.Store) error {
		if err := st.SaveShop(ctx, shop.ShopRecord{ID: 1, Name: "Corner", Founder: "alice"}); err != nil {
			return err
		}
		shops, err := st.ListShops(ctx)
		if err != nil {
			return err
		}
		require.Len(t, shops, 1, "visible inside the transaction")
		return boom
	})

	// THEN: nothing was committed
	assert.ErrorIs(t, err, boom)
	shops, err := s.ListShops(ctx)
	require.NoError(t, err)
	assert.Empty(t, shops)
}

// TestRegistry_SurvivesRestart drives the full stack: registry operations
// persist through SQLite and a fresh registry rebuilds identical shops.
func TestRegistry_SurvivesRestart(t *testing.T) {
	s := newTestStore(t)
	clock := discount.NewFixedClock(time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC))

	reg := shop.NewRegistry(s, clock, zerolog.Nop())
	sh, err := reg.Open(ctx, "alice", "Corner")
	require.NoError(t, err)

	_, err = sh.AppointOwner(ctx, "alice", "bob")
	require.NoError(t, err)
	_, err = sh.AppointManager(ctx, "bob", "carol", authority.NewPermissionSet(authority.PermAppointManager, authority.PermAddProduct))
	require.NoError(t, err)
	_, err = sh.AppointManager(ctx, "carol", "dave", authority.NewPermissionSet(authority.PermAddProduct))
	require.NoError(t, err)

	d, err := discount.NewPercentageDiscount("dairy", nil, decimal.NewFromInt(10), time.Time{},
		discount.MinBasketPriceRule{MinPrice: decimal.NewFromInt(20)})
	require.NoError(t, err)
	_, err = sh.AddDiscount(ctx, "alice", d)
	require.NoError(t, err)

	_, err = sh.Resign(ctx, "carol")
	require.NoError(t, err)

	// WHEN: a new registry loads from the same database
	again := shop.NewRegistry(s, clock, zerolog.Nop())
	require.NoError(t, again.Load(ctx))
	restored, err := again.Get(sh.ID())
	require.NoError(t, err)

	// THEN: the tree and discounts match
	assert.Equal(t, sh.Roles(), restored.Roles())
	require.Len(t, restored.Discounts(), 1)
	assert.Equal(t, d.String(), restored.Discounts()[0].String())

	b := basket.NewBasket(sh.ID())
	require.NoError(t, b.Add(5, 2, decimal.NewFromInt(15), "dairy"))
	_, err = restored.ApplyDiscounts(ctx, b)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromFloat(28.5).Equal(b.Total()), "got %s", b.Total())
}
