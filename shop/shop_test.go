package shop_test

import (
	"context"
	"errors"
	"sync"
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
	"github.com/warp/marketplace-engine/shop/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var (
	ctx = context.Background()
	now = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	mem   *store.Memory
	clock *discount.FixedClock
	reg   *shop.Registry
	shop  *shop.Shop
}

// newFixture opens one shop founded by alice, with bob as OWNER and carol as
// a manager holding APPOINT_MANAGER and GET_ROLES_INFO.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{mem: store.NewMemory(), clock: discount.NewFixedClock(now)}
	f.reg = shop.NewRegistry(f.mem, f.clock, zerolog.Nop())

	s, err := f.reg.Open(ctx, "alice", "Corner Store")
	require.NoError(t, err)
	f.shop = s

	_, err = s.AppointOwner(ctx, "alice", "bob")
	require.NoError(t, err)
	_, err = s.AppointManager(ctx, "bob", "carol", authority.NewPermissionSet(authority.PermAppointManager, authority.PermGetRolesInfo))
	require.NoError(t, err)
	return f
}

func (f *fixture) reload(t *testing.T) *shop.Registry {
	t.Helper()
	reg := shop.NewRegistry(f.mem, f.clock, zerolog.Nop())
	require.NoError(t, reg.Load(ctx))
	return reg
}

func basketFor(t *testing.T, s *shop.Shop, lines map[basket.ProductID]basket.Line) *basket.Basket {
	t.Helper()
	b := basket.NewBasket(s.ID())
	for id, l := range lines {
		require.NoError(t, b.Add(id, l.Quantity, l.Price, l.Category))
	}
	return b
}

func fixedDiscount(t *testing.T, productID basket.ProductID, amount string, expires time.Time) *discount.Discount {
	t.Helper()
	d, err := discount.NewFixedDiscount(productID, dec(amount), expires, nil)
	require.NoError(t, err)
	return d
}

// =============================================================================
// REGISTRY
// =============================================================================

func TestRegistry_Open(t *testing.T) {
	reg := shop.NewRegistry(store.NewMemory(), discount.NewFixedClock(now), zerolog.Nop())

	first, err := reg.Open(ctx, "alice", "  First  ")
	require.NoError(t, err)
	second, err := reg.Open(ctx, "bob", "Second")
	require.NoError(t, err)

	assert.Equal(t, int64(1), first.ID())
	assert.Equal(t, int64(2), second.ID())

	info := first.Info()
	assert.Equal(t, "First", info.Name)
	assert.Equal(t, "alice", info.Founder)
	assert.Equal(t, 1, info.Roles)
	assert.False(t, info.Closed)
	assert.Equal(t, now, info.CreatedAt)

	ok, err := first.CheckPermission("alice", authority.PermCloseShop)
	require.NoError(t, err)
	assert.True(t, ok, "founder is absolute")

	got, err := reg.Get(2)
	require.NoError(t, err)
	assert.Same(t, second, got)
	assert.Len(t, reg.List(), 2)
}

func TestRegistry_OpenValidation(t *testing.T) {
	reg := shop.NewRegistry(store.NewMemory(), nil, zerolog.Nop())

	_, err := reg.Open(ctx, "alice", " ")
	assert.ErrorIs(t, err, authority.ErrValidation)

	_, err = reg.Open(ctx, "", "Shop")
	assert.ErrorIs(t, err, authority.ErrValidation)

	assert.Equal(t, 0, reg.Len())
}

func TestRegistry_GetUnknown(t *testing.T) {
	reg := shop.NewRegistry(store.NewMemory(), nil, zerolog.Nop())
	_, err := reg.Get(42)
	assert.ErrorIs(t, err, shop.ErrShopNotFound)
	assert.True(t, shop.IsNotFound(err))
}

func TestRegistry_LoadRestoresEverything(t *testing.T) {
	f := newFixture(t)

	// GIVEN: a shop with a manager subtree, two discounts (one removed) and a policy
	_, err := f.shop.AppointManager(ctx, "carol", "dave", authority.NewPermissionSet(authority.PermGetRolesInfo))
	require.NoError(t, err)
	id1, err := f.shop.AddDiscount(ctx, "alice", fixedDiscount(t, 7, "3", time.Time{}))
	require.NoError(t, err)
	id2, err := f.shop.AddDiscount(ctx, "bob", fixedDiscount(t, 9, "1", time.Time{}))
	require.NoError(t, err)
	require.NoError(t, f.shop.RemoveDiscount(ctx, "alice", id2))
	require.NoError(t, f.shop.SetPurchasePolicy(ctx, "alice", discount.MinProductAmountRule{ProductID: 7, MinAmount: 1}))
	require.NoError(t, f.shop.Close(ctx, "alice"))

	// WHEN: a fresh registry loads from the same store
	reg := f.reload(t)

	// THEN: roles, discounts, policy, and status survive
	s, err := reg.Get(f.shop.ID())
	require.NoError(t, err)
	assert.Equal(t, f.shop.Roles(), s.Roles())
	assert.True(t, s.IsClosed())

	ds := s.Discounts()
	require.Len(t, ds, 1)
	assert.Equal(t, id1, ds[0].ID)
	assert.Equal(t, "3 off one unit of product 7", ds[0].String())

	info := s.Info()
	assert.Equal(t, "at least 1 of product 7", info.PurchasePolicy)

	// AND: removed ids are never reused, new shops get fresh ids
	require.NoError(t, s.Reopen(ctx, "alice"))
	id3, err := s.AddDiscount(ctx, "alice", fixedDiscount(t, 7, "1", time.Time{}))
	require.NoError(t, err)
	assert.Equal(t, id2+1, id3)

	next, err := reg.Open(ctx, "zoe", "Next")
	require.NoError(t, err)
	assert.Equal(t, f.shop.ID()+1, next.ID())
}

func TestRegistry_SweepExpired(t *testing.T) {
	f := newFixture(t)
	other, err := f.reg.Open(ctx, "zoe", "Other")
	require.NoError(t, err)

	keep, err := f.shop.AddDiscount(ctx, "alice", fixedDiscount(t, 7, "1", now.Add(48*time.Hour)))
	require.NoError(t, err)
	gone, err := f.shop.AddDiscount(ctx, "alice", fixedDiscount(t, 7, "1", now.Add(time.Hour)))
	require.NoError(t, err)
	otherGone, err := other.AddDiscount(ctx, "zoe", fixedDiscount(t, 1, "1", now.Add(time.Minute)))
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)
	evicted, err := f.reg.SweepExpired(ctx)
	require.NoError(t, err)

	assert.Equal(t, map[int64][]int64{
		f.shop.ID(): {gone},
		other.ID():  {otherGone},
	}, evicted)
	require.Len(t, f.shop.Discounts(), 1)
	assert.Equal(t, keep, f.shop.Discounts()[0].ID)

	stored, err := f.mem.ListDiscounts(ctx, f.shop.ID())
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, keep, stored[0].ID)
}

// =============================================================================
// AUTHORITY OPERATIONS
// =============================================================================

func TestShop_AppointAndModifyPersist(t *testing.T) {
	f := newFixture(t)

	role, err := f.shop.AppointManager(ctx, "carol", "dave", authority.NewPermissionSet(authority.PermGetRolesInfo, authority.PermAddProduct))
	require.NoError(t, err)
	assert.Equal(t, []authority.Permission{authority.PermGetRolesInfo}, role.Permissions, "intersected with carol's")

	_, err = f.shop.AddPermissions(ctx, "carol", "dave", authority.NewPermissionSet(authority.PermAppointManager))
	assert.ErrorIs(t, err, authority.ErrPermissionDenied, "carol lacks ADD_PERMISSION")

	role, err = f.shop.ModifyPermissions(ctx, "carol", "dave", authority.NewPermissionSet(authority.PermAppointManager))
	require.NoError(t, err)
	assert.Equal(t, []authority.Permission{authority.PermAppointManager}, role.Permissions)

	stored, err := f.mem.ListRoles(ctx, f.shop.ID())
	require.NoError(t, err)
	var dave authority.RoleSnapshot
	for _, r := range stored {
		if r.Username == "dave" {
			dave = r
		}
	}
	assert.Equal(t, "carol", dave.AppointedBy)
	assert.Equal(t, []authority.Permission{authority.PermAppointManager}, dave.Permissions)
}

func TestShop_ManagerCannotGrantUnheldPermissions(t *testing.T) {
	f := newFixture(t)

	// GIVEN: carol (APPOINT_MANAGER, GET_ROLES_INFO) appointed dave
	_, err := f.shop.AppointManager(ctx, "carol", "dave", authority.NewPermissionSet(authority.PermGetRolesInfo))
	require.NoError(t, err)

	// WHEN: she tries to hand dave capabilities she does not hold
	_, err = f.shop.ModifyPermissions(ctx, "carol", "dave",
		authority.NewPermissionSet(authority.PermCloseShop, authority.PermChangeDiscountPolicy))
	assert.ErrorIs(t, err, authority.ErrPermissionDenied)

	// THEN: dave still cannot close the shop
	err = f.shop.Close(ctx, "dave")
	assert.ErrorIs(t, err, authority.ErrPermissionDenied)
	assert.False(t, f.shop.IsClosed())

	role, err := f.shop.Role("dave")
	require.NoError(t, err)
	assert.Equal(t, []authority.Permission{authority.PermGetRolesInfo}, role.Permissions)
}

func TestShop_FireCascadePersists(t *testing.T) {
	f := newFixture(t)
	_, err := f.shop.AppointManager(ctx, "carol", "dave", authority.NewPermissionSet(authority.PermGetRolesInfo))
	require.NoError(t, err)

	// WHEN: alice fires bob
	removed, err := f.shop.FireRole(ctx, "alice", "bob")
	require.NoError(t, err)

	// THEN: bob's whole subtree is gone, in memory and in the store
	assert.Equal(t, []string{"bob", "carol", "dave"}, removed)
	stored, err := f.mem.ListRoles(ctx, f.shop.ID())
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "alice", stored[0].Username)

	_, err = f.shop.Role("carol")
	assert.ErrorIs(t, err, authority.ErrNotAMember)
}

func TestShop_Resign(t *testing.T) {
	f := newFixture(t)

	removed, err := f.shop.Resign(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, []string{"carol"}, removed)

	_, err = f.shop.Resign(ctx, "alice")
	assert.ErrorIs(t, err, authority.ErrFounderCannotResign)
}

func TestShop_RolesInfo(t *testing.T) {
	f := newFixture(t)

	info, err := f.shop.RolesInfo("carol")
	require.NoError(t, err)
	assert.Contains(t, info, "carol [APPOINT_MANAGER, GET_ROLES_INFO] appointed by bob")

	_, err = f.shop.RolesInfo("nobody")
	assert.ErrorIs(t, err, authority.ErrNotAMember)
}

func TestShop_AddSameDiscountValueTwice(t *testing.T) {
	f := newFixture(t)
	d := fixedDiscount(t, 7, "1", time.Time{})

	// WHEN: one discount value is added twice
	id1, err := f.shop.AddDiscount(ctx, "alice", d)
	require.NoError(t, err)
	id2, err := f.shop.AddDiscount(ctx, "alice", d)
	require.NoError(t, err)

	// THEN: each entry keeps its own id and the caller's value is untouched
	assert.Equal(t, []int64{1, 2}, []int64{id1, id2})
	assert.Zero(t, d.ID)
	idsOf := func(ds []*discount.Discount) []int64 {
		out := make([]int64, len(ds))
		for i, x := range ds {
			out[i] = x.ID
		}
		return out
	}
	assert.Equal(t, []int64{1, 2}, idsOf(f.shop.Discounts()))

	// AND: memory and store agree
	s, err := f.reload(t).Get(f.shop.ID())
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, idsOf(s.Discounts()))
}

func TestShop_PersistFailureLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("disk full")

	// GIVEN: the next store write fails
	f.mem.FailNextWrite(boom)

	// WHEN: an appointment is attempted
	_, err := f.shop.AppointManager(ctx, "bob", "dave", authority.NewPermissionSet(authority.PermAddProduct))

	// THEN: the error surfaces and dave was never added
	assert.ErrorIs(t, err, shop.ErrPersistence)
	assert.ErrorIs(t, err, boom)
	_, err = f.shop.Role("dave")
	assert.ErrorIs(t, err, authority.ErrNotAMember)

	// AND: the same appointment succeeds once the store recovers
	_, err = f.shop.AppointManager(ctx, "bob", "dave", authority.NewPermissionSet(authority.PermAddProduct))
	assert.NoError(t, err)
}

func TestShop_PersistFailureRollsBackMultiRowWrite(t *testing.T) {
	f := newFixture(t)
	before := f.shop.Discounts()

	// SaveDiscount succeeds, SaveShop fails: the transaction must undo both.
	failing := &failAfter{Store: f.mem, n: 1}
	reg := shop.NewRegistry(failing, f.clock, zerolog.Nop())
	require.NoError(t, reg.Load(ctx))
	s, err := reg.Get(f.shop.ID())
	require.NoError(t, err)

	d := fixedDiscount(t, 7, "1", time.Time{})
	_, err = s.AddDiscount(ctx, "alice", d)
	assert.ErrorIs(t, err, shop.ErrPersistence)
	assert.Len(t, s.Discounts(), len(before))
	assert.Zero(t, d.ID, "no id leaks from a failed add")

	stored, err := f.mem.ListDiscounts(ctx, f.shop.ID())
	require.NoError(t, err)
	assert.Empty(t, stored)
}

// failAfter lets n writes through, then fails every write inside a transaction.
type failAfter struct {
	shop.Store
	n int
}

func (f *failAfter) WithTx(ctx context.Context, fn func(shop.Store) error) error {
	return f.Store.WithTx(ctx, func(st shop.Store) error {
		return fn(&countingStore{Store: st, left: f.n})
	})
}

type countingStore struct {
	shop.Store
	left int
}

func (c *countingStore) write() error {
	if c.left == 0 {
		return errors.New("write refused")
	}
	c.left--
	return nil
}

func (c *countingStore) SaveShop(ctx context.Context, rec shop.ShopRecord) error {
	if err := c.write(); err != nil {
		return err
	}
	return c.Store.SaveShop(ctx, rec)
}

func (c *countingStore) SaveDiscount(ctx context.Context, rec shop.DiscountRecord) error {
	if err := c.write(); err != nil {
		return err
	}
	return c.Store.SaveDiscount(ctx, rec)
}

func TestShop_ConcurrentAppointsOfSameTarget(t *testing.T) {
	f := newFixture(t)

	const attempts = 16
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			appointer := "alice"
			if i%2 == 1 {
				appointer = "bob"
			}
			_, errs[i] = f.shop.AppointManager(ctx, appointer, "dave", authority.NewPermissionSet(authority.PermAddProduct))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, authority.ErrAlreadyMember)
	}
	assert.Equal(t, 1, succeeded)
}

// =============================================================================
// CLOSED SHOP
// =============================================================================

func TestShop_ClosedRejectsMutations(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.shop.Close(ctx, "alice"))

	_, err := f.shop.AppointManager(ctx, "alice", "dave", authority.NewPermissionSet(authority.PermAddProduct))
	assert.ErrorIs(t, err, shop.ErrShopClosed)
	_, err = f.shop.AppointOwner(ctx, "alice", "dave")
	assert.ErrorIs(t, err, shop.ErrShopClosed)
	_, err = f.shop.ModifyPermissions(ctx, "bob", "carol", authority.NewPermissionSet(authority.PermAddProduct))
	assert.ErrorIs(t, err, shop.ErrShopClosed)
	_, err = f.shop.FireRole(ctx, "alice", "bob")
	assert.ErrorIs(t, err, shop.ErrShopClosed)
	_, err = f.shop.Resign(ctx, "carol")
	assert.ErrorIs(t, err, shop.ErrShopClosed)
	_, err = f.shop.AddDiscount(ctx, "alice", fixedDiscount(t, 7, "1", time.Time{}))
	assert.ErrorIs(t, err, shop.ErrShopClosed)
	_, err = f.shop.ApplyDiscounts(ctx, basketFor(t, f.shop, nil))
	assert.ErrorIs(t, err, shop.ErrShopClosed)
	assert.ErrorIs(t, f.shop.Close(ctx, "alice"), shop.ErrShopClosed)

	// reads still work
	assert.Len(t, f.shop.Roles(), 3)

	require.NoError(t, f.shop.Reopen(ctx, "alice"))
	_, err = f.shop.AppointManager(ctx, "alice", "dave", authority.NewPermissionSet(authority.PermAddProduct))
	assert.NoError(t, err)
}

func TestShop_ClosePermission(t *testing.T) {
	f := newFixture(t)

	err := f.shop.Close(ctx, "carol")
	assert.ErrorIs(t, err, authority.ErrPermissionDenied)
	assert.False(t, f.shop.IsClosed())

	_, err = f.shop.AddPermissions(ctx, "bob", "carol", authority.NewPermissionSet(authority.PermCloseShop))
	require.NoError(t, err)
	require.NoError(t, f.shop.Close(ctx, "carol"))
	assert.True(t, f.shop.IsClosed())

	err = f.shop.Reopen(ctx, "nobody")
	assert.ErrorIs(t, err, authority.ErrNotAMember)
}

// =============================================================================
// DISCOUNTS
// =============================================================================

func TestShop_DiscountPermission(t *testing.T) {
	f := newFixture(t)

	_, err := f.shop.AddDiscount(ctx, "carol", fixedDiscount(t, 7, "1", time.Time{}))
	assert.ErrorIs(t, err, authority.ErrPermissionDenied)

	id, err := f.shop.AddDiscount(ctx, "bob", fixedDiscount(t, 7, "1", time.Time{}))
	require.NoError(t, err)

	assert.ErrorIs(t, f.shop.RemoveDiscount(ctx, "carol", id), authority.ErrPermissionDenied)
	assert.ErrorIs(t, f.shop.RemoveDiscount(ctx, "bob", id+1), discount.ErrDiscountNotFound)
	assert.NoError(t, f.shop.RemoveDiscount(ctx, "bob", id))
}

func TestShop_ApplyDiscounts(t *testing.T) {
	f := newFixture(t)

	// GIVEN: a live fixed discount and one expiring in an hour
	_, err := f.shop.AddDiscount(ctx, "alice", fixedDiscount(t, 7, "3", time.Time{}))
	require.NoError(t, err)
	expiring, err := f.shop.AddDiscount(ctx, "alice", fixedDiscount(t, 7, "3", now.Add(time.Hour)))
	require.NoError(t, err)

	b := basketFor(t, f.shop, map[basket.ProductID]basket.Line{7: {Quantity: 5, Price: dec("10")}})

	// WHEN: applied before expiry, both stack
	evicted, err := f.shop.ApplyDiscounts(ctx, b)
	require.NoError(t, err)
	assert.Empty(t, evicted)
	assert.True(t, dec("44").Equal(b.Total()), "10*3 + 7*2, got %s", b.Total())

	// WHEN: applied after expiry
	f.clock.Advance(2 * time.Hour)
	evicted, err = f.shop.ApplyDiscounts(ctx, b)
	require.NoError(t, err)

	// THEN: the expired discount is evicted and did not touch the basket
	assert.Equal(t, []int64{expiring}, evicted)
	assert.True(t, dec("47").Equal(b.Total()), "10*4 + 7, got %s", b.Total())
	assert.Len(t, f.shop.Discounts(), 1)

	stored, err := f.mem.ListDiscounts(ctx, f.shop.ID())
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestShop_ApplyDiscountsRejectsForeignBasket(t *testing.T) {
	f := newFixture(t)
	_, err := f.shop.ApplyDiscounts(ctx, basket.NewBasket(f.shop.ID()+100))
	assert.ErrorIs(t, err, authority.ErrValidation)
}

// =============================================================================
// PURCHASE POLICY
// =============================================================================

func TestShop_PurchasePolicy(t *testing.T) {
	f := newFixture(t)

	// alcohol (12) requires an adult buyer
	policy := discount.ConditionRule[*basket.Basket]{
		Condition: discount.AllItemsRule{ProductIDs: []basket.ProductID{12}},
		Then:      discount.ForBuyer(discount.MinAgeRule{MinAge: 18}),
	}

	assert.ErrorIs(t, f.shop.SetPurchasePolicy(ctx, "carol", policy), authority.ErrPermissionDenied)
	require.NoError(t, f.shop.SetPurchasePolicy(ctx, "bob", policy))

	b := basketFor(t, f.shop, map[basket.ProductID]basket.Line{12: {Quantity: 1, Price: dec("20")}})
	b.Buyer = &basket.Buyer{Username: "teen", BirthDate: now.AddDate(-15, 0, 0)}

	err := f.shop.ValidatePurchase(b)
	var violation *shop.PolicyViolationError
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, f.shop.ID(), violation.ShopID)
	assert.ErrorIs(t, err, shop.ErrPolicyViolation)

	b.Buyer.BirthDate = now.AddDate(-30, 0, 0)
	assert.NoError(t, f.shop.ValidatePurchase(b))

	require.NoError(t, f.shop.SetPurchasePolicy(ctx, "alice", nil))
	b.Buyer = nil
	assert.NoError(t, f.shop.ValidatePurchase(b))
}
