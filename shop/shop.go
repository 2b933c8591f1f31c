/*
Package shop is the per-shop boundary around the authority tree and the
discount ledger.

PURPOSE:
  A shop is a tenant. It owns its appointment tree, its active discounts,
  an optional purchase policy, and an open/closed flag. Operations on
  different shops never contend; operations on one shop are serialized.

CONCURRENCY:
  One sync.Mutex per shop guards all of its state. Every exported operation
  holds the lock for its whole check-then-act, so two concurrent appoints
  can never both pass the "target has no role" check.

MUTATION CYCLE:
  1. Check the shop is open (ShopClosed fails fast, nothing is touched)
  2. Clone the tree or ledger and apply the operation to the clone
  3. Persist the affected rows in one Store transaction
  4. Swap the clone in

  A failed persist returns ErrPersistence and the shop keeps its previous
  state, so memory and the store never disagree.

SEE ALSO:
  - registry.go: Creates, loads, and looks up shops
  - store.go: The persistence contract
  - authority/tree.go: Appointment rules
  - discount/ledger.go: Discount application
*/
package shop

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/marketplace-engine/authority"
	"github.com/warp/marketplace-engine/basket"
	"github.com/warp/marketplace-engine/discount"
	"github.com/warp/marketplace-engine/factory"
)

// Shop is one tenant's mutable state behind a single lock.
type Shop struct {
	mu sync.Mutex

	id        int64
	name      string
	createdAt time.Time
	closed    bool

	tree       *authority.AuthorityTree
	discounts  *discount.Ledger
	policy     discount.BasketRule
	policyJSON string

	store   Store
	factory *factory.DiscountFactory
	clock   discount.Clock
	log     zerolog.Logger
}

// Info is a point-in-time summary of a shop.
type Info struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	Founder        string    `json:"founder"`
	Closed         bool      `json:"closed"`
	Roles          int       `json:"roles"`
	Discounts      int       `json:"discounts"`
	PurchasePolicy string    `json:"purchase_policy,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func (s *Shop) ID() int64 { return s.id }

// Info returns a summary of the shop.
func (s *Shop) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := Info{
		ID:        s.id,
		Name:      s.name,
		Founder:   s.tree.Founder(),
		Closed:    s.closed,
		Roles:     s.tree.Len(),
		Discounts: s.discounts.Len(),
		CreatedAt: s.createdAt,
	}
	if s.policy != nil {
		info.PurchasePolicy = s.policy.String()
	}
	return info
}

func (s *Shop) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// =============================================================================
// PERMISSION CHECKS
// =============================================================================

func (s *Shop) CheckPermission(username string, p authority.Permission) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.CheckPermission(username, p)
}

func (s *Shop) CheckAtLeastOnePermission(username string, perms authority.PermissionSet) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.CheckAtLeastOne(username, perms)
}

func (s *Shop) CheckAllPermissions(username string, perms authority.PermissionSet) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.CheckAll(username, perms)
}

// Role returns username's role in the shop.
func (s *Shop) Role(username string) (authority.RoleSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Role(username)
}

// Roles returns every role sorted by username.
func (s *Shop) Roles() []authority.RoleSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Roles()
}

// RolesInfo renders the appointment tree for actor, who needs GET_ROLES_INFO.
func (s *Shop) RolesInfo(actor string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.RolesInfo(actor)
}

// GetAllAppointed returns everyone username appointed, directly or not.
func (s *Shop) GetAllAppointed(username string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.GetAllAppointed(username)
}

// =============================================================================
// APPOINTMENT TREE MUTATIONS
// =============================================================================

// AppointManager appoints target as a manager of the shop under actor.
func (s *Shop) AppointManager(ctx context.Context, actor, target string, perms authority.PermissionSet) (authority.RoleSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return authority.RoleSnapshot{}, closed(s.id)
	}
	tree := s.tree.Clone()
	role, err := tree.AppointManager(actor, target, perms)
	if err != nil {
		return authority.RoleSnapshot{}, err
	}
	if err := s.persist(ctx, "appoint manager", func(st Store) error {
		return st.SaveRole(ctx, role)
	}); err != nil {
		return authority.RoleSnapshot{}, err
	}
	s.tree = tree

	s.log.Debug().Int64("shop_id", s.id).Str("actor", actor).Str("target", role.Username).
		Strs("permissions", role.PermissionSet().Strings()).
		Msg("manager appointed")
	return role, nil
}

// AppointOwner appoints target as an owner of the shop under actor.
func (s *Shop) AppointOwner(ctx context.Context, actor, target string) (authority.RoleSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return authority.RoleSnapshot{}, closed(s.id)
	}
	tree := s.tree.Clone()
	role, err := tree.AppointOwner(actor, target)
	if err != nil {
		return authority.RoleSnapshot{}, err
	}
	if err := s.persist(ctx, "appoint owner", func(st Store) error {
		return st.SaveRole(ctx, role)
	}); err != nil {
		return authority.RoleSnapshot{}, err
	}
	s.tree = tree

	s.log.Debug().Int64("shop_id", s.id).Str("actor", actor).Str("target", role.Username).Msg("owner appointed")
	return role, nil
}

// ModifyPermissions replaces target's permission set.
func (s *Shop) ModifyPermissions(ctx context.Context, actor, target string, perms authority.PermissionSet) (authority.RoleSnapshot, error) {
	return s.changePermissions(ctx, "modify permissions", actor, target, func(t *authority.AuthorityTree) error {
		return t.ModifyPermissions(actor, target, perms)
	})
}

// AddPermissions grants perms to target on top of its current set.
func (s *Shop) AddPermissions(ctx context.Context, actor, target string, perms authority.PermissionSet) (authority.RoleSnapshot, error) {
	return s.changePermissions(ctx, "add permissions", actor, target, func(t *authority.AuthorityTree) error {
		return t.AddPermissions(actor, target, perms)
	})
}

// DeletePermissions revokes perms from target.
func (s *Shop) DeletePermissions(ctx context.Context, actor, target string, perms authority.PermissionSet) (authority.RoleSnapshot, error) {
	return s.changePermissions(ctx, "delete permissions", actor, target, func(t *authority.AuthorityTree) error {
		return t.DeletePermissions(actor, target, perms)
	})
}

func (s *Shop) changePermissions(ctx context.Context, op, actor, target string, apply func(*authority.AuthorityTree) error) (authority.RoleSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return authority.RoleSnapshot{}, closed(s.id)
	}
	tree := s.tree.Clone()
	if err := apply(tree); err != nil {
		return authority.RoleSnapshot{}, err
	}
	role, err := tree.Role(target)
	if err != nil {
		return authority.RoleSnapshot{}, err
	}
	if err := s.persist(ctx, op, func(st Store) error {
		return st.SaveRole(ctx, role)
	}); err != nil {
		return authority.RoleSnapshot{}, err
	}
	s.tree = tree

	s.log.Debug().Int64("shop_id", s.id).Str("actor", actor).Str("target", target).
		Strs("permissions", role.PermissionSet().Strings()).
		Msg(op)
	return role, nil
}

// FireRole removes target and everyone it appointed, transitively.
// Returns the removed usernames.
func (s *Shop) FireRole(ctx context.Context, actor, target string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, closed(s.id)
	}
	tree := s.tree.Clone()
	removed, err := tree.FireRole(actor, target)
	if err != nil {
		return nil, err
	}
	if err := s.removeRoles(ctx, "fire role", tree, removed); err != nil {
		return nil, err
	}

	s.log.Debug().Int64("shop_id", s.id).Str("actor", actor).Str("target", target).Strs("removed", removed).Msg("role fired")
	return removed, nil
}

// Resign removes username and everyone it appointed, transitively.
// Returns the removed usernames.
func (s *Shop) Resign(ctx context.Context, username string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, closed(s.id)
	}
	tree := s.tree.Clone()
	removed, err := tree.Resign(username)
	if err != nil {
		return nil, err
	}
	if err := s.removeRoles(ctx, "resign", tree, removed); err != nil {
		return nil, err
	}

	s.log.Debug().Int64("shop_id", s.id).Str("actor", username).Strs("removed", removed).Msg("role resigned")
	return removed, nil
}

func (s *Shop) removeRoles(ctx context.Context, op string, tree *authority.AuthorityTree, removed []string) error {
	if err := s.persist(ctx, op, func(st Store) error {
		return st.DeleteRoles(ctx, s.id, removed)
	}); err != nil {
		return err
	}
	s.tree = tree
	return nil
}

// =============================================================================
// DISCOUNTS
// =============================================================================

// AddDiscount adds d to the shop's active discounts and returns its id.
// actor needs CHANGE_DISCOUNT_POLICY.
func (s *Shop) AddDiscount(ctx context.Context, actor string, d *discount.Discount) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, closed(s.id)
	}
	if err := s.require(actor, "add discount", authority.PermChangeDiscountPolicy); err != nil {
		return 0, err
	}

	ledger := s.discounts.Clone()
	id, err := ledger.Add(d)
	if err != nil {
		return 0, err
	}
	stored, err := ledger.Get(id)
	if err != nil {
		return 0, err
	}
	raw, err := s.factory.MarshalDiscount(stored)
	if err != nil {
		return 0, err
	}
	rec := s.record()
	rec.NextDiscountID = ledger.NextID()
	if err := s.persist(ctx, "add discount", func(st Store) error {
		if err := st.SaveDiscount(ctx, DiscountRecord{ShopID: s.id, ID: id, JSON: raw}); err != nil {
			return err
		}
		return st.SaveShop(ctx, rec)
	}); err != nil {
		return 0, err
	}
	s.discounts = ledger

	s.log.Debug().Int64("shop_id", s.id).Str("actor", actor).Int64("discount_id", id).Str("discount", stored.String()).Msg("discount added")
	return id, nil
}

// RemoveDiscount removes an active discount. actor needs CHANGE_DISCOUNT_POLICY.
func (s *Shop) RemoveDiscount(ctx context.Context, actor string, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return closed(s.id)
	}
	if err := s.require(actor, "remove discount", authority.PermChangeDiscountPolicy); err != nil {
		return err
	}

	ledger := s.discounts.Clone()
	if err := ledger.Remove(id); err != nil {
		return err
	}
	if err := s.persist(ctx, "remove discount", func(st Store) error {
		return st.DeleteDiscounts(ctx, s.id, []int64{id})
	}); err != nil {
		return err
	}
	s.discounts = ledger

	s.log.Debug().Int64("shop_id", s.id).Str("actor", actor).Int64("discount_id", id).Msg("discount removed")
	return nil
}

// Discounts returns the active discounts in insertion order.
func (s *Shop) Discounts() []*discount.Discount {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.discounts.List()
}

// ApplyDiscounts prices b with every active discount at the shop clock's
// current instant. Discounts found expired during the pass are evicted and
// the eviction persisted; their ids are returned.
func (s *Shop) ApplyDiscounts(ctx context.Context, b *basket.Basket) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, closed(s.id)
	}
	if err := s.ownsBasket(b); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	ledger := s.discounts.Clone()
	evicted, err := ledger.ApplyAll(b, now)
	if err != nil {
		return nil, err
	}
	if err := s.evict(ctx, ledger, evicted); err != nil {
		return nil, err
	}
	return evicted, nil
}

// SweepExpired evicts every discount expired at now without pricing a basket.
// Closed shops are swept too; eviction changes no business state.
func (s *Shop) SweepExpired(ctx context.Context, now time.Time) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ledger := s.discounts.Clone()
	evicted := ledger.EvictExpired(now)
	if err := s.evict(ctx, ledger, evicted); err != nil {
		return nil, err
	}
	return evicted, nil
}

func (s *Shop) evict(ctx context.Context, ledger *discount.Ledger, evicted []int64) error {
	if len(evicted) == 0 {
		s.discounts = ledger
		return nil
	}
	if err := s.persist(ctx, "evict discounts", func(st Store) error {
		return st.DeleteDiscounts(ctx, s.id, evicted)
	}); err != nil {
		return err
	}
	s.discounts = ledger

	s.log.Info().Int64("shop_id", s.id).Ints64("discount_ids", evicted).Msg("expired discounts evicted")
	return nil
}

// =============================================================================
// PURCHASE POLICY
// =============================================================================

// SetPurchasePolicy replaces the shop's purchase policy. A nil rule clears it.
// actor needs CHANGE_SHOP_POLICY.
func (s *Shop) SetPurchasePolicy(ctx context.Context, actor string, rule discount.BasketRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return closed(s.id)
	}
	if err := s.require(actor, "set purchase policy", authority.PermChangeShopPolicy); err != nil {
		return err
	}

	raw, err := s.factory.MarshalRule(rule)
	if err != nil {
		return err
	}
	rec := s.record()
	rec.PurchasePolicy = raw
	if err := s.persist(ctx, "set purchase policy", func(st Store) error {
		return st.SaveShop(ctx, rec)
	}); err != nil {
		return err
	}
	s.policy, s.policyJSON = rule, raw

	s.log.Debug().Int64("shop_id", s.id).Str("actor", actor).Str("policy", raw).Msg("purchase policy set")
	return nil
}

// ValidatePurchase checks b against the shop's purchase policy at the shop
// clock's current instant. A shop without a policy accepts every basket.
func (s *Shop) ValidatePurchase(b *basket.Basket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return closed(s.id)
	}
	if err := s.ownsBasket(b); err != nil {
		return err
	}
	if s.policy == nil {
		return nil
	}
	b.SetEvaluationTime(s.clock.Now())
	if !s.policy.Predicate(b) {
		return &PolicyViolationError{ShopID: s.id, Policy: s.policy.String()}
	}
	return nil
}

// =============================================================================
// OPEN / CLOSE
// =============================================================================

// Close closes the shop. actor needs CLOSE_SHOP; absolute roles always may.
func (s *Shop) Close(ctx context.Context, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return closed(s.id)
	}
	return s.setClosed(ctx, actor, true)
}

// Reopen reopens a closed shop. Reopening an open shop is a no-op, but the
// actor is still checked.
func (s *Shop) Reopen(ctx context.Context, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		return s.require(actor, "reopen shop", authority.PermCloseShop)
	}
	return s.setClosed(ctx, actor, false)
}

func (s *Shop) setClosed(ctx context.Context, actor string, value bool) error {
	action := "close shop"
	if !value {
		action = "reopen shop"
	}
	if err := s.require(actor, action, authority.PermCloseShop); err != nil {
		return err
	}

	rec := s.record()
	rec.Closed = value
	if err := s.persist(ctx, action, func(st Store) error {
		return st.SaveShop(ctx, rec)
	}); err != nil {
		return err
	}
	s.closed = value

	s.log.Info().Int64("shop_id", s.id).Str("actor", actor).Bool("closed", value).Msg("shop status changed")
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// require checks actor holds p; absolute roles always do.
func (s *Shop) require(actor, action string, p authority.Permission) error {
	ok, err := s.tree.CheckPermission(actor, p)
	if err != nil {
		return err
	}
	if !ok {
		return &authority.PermissionDeniedError{Actor: actor, Action: action, Reason: "requires " + string(p)}
	}
	return nil
}

func (s *Shop) ownsBasket(b *basket.Basket) error {
	if b == nil {
		return &authority.ValidationError{Field: "basket", Reason: "missing"}
	}
	if b.ShopID != s.id {
		return &authority.ValidationError{Field: "basket", Reason: "belongs to another shop"}
	}
	return nil
}

func (s *Shop) record() ShopRecord {
	return ShopRecord{
		ID:             s.id,
		Name:           s.name,
		Founder:        s.tree.Founder(),
		Closed:         s.closed,
		PurchasePolicy: s.policyJSON,
		NextDiscountID: s.discounts.NextID(),
		CreatedAt:      s.createdAt,
	}
}

func (s *Shop) persist(ctx context.Context, op string, fn func(Store) error) error {
	if err := s.store.WithTx(ctx, fn); err != nil {
		s.log.Error().Err(err).Int64("shop_id", s.id).Str("op", op).Msg("persist failed")
		return persistence(op, err)
	}
	return nil
}
