package shop

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/marketplace-engine/authority"
	"github.com/warp/marketplace-engine/discount"
	"github.com/warp/marketplace-engine/factory"
	"golang.org/x/sync/errgroup"
)

// loadConcurrency bounds how many shops Load restores at once.
const loadConcurrency = 8

// =============================================================================
// REGISTRY - Process-wide set of shops
// =============================================================================

// Registry owns every shop of the process. It is constructed once at
// startup and handed to collaborators; there is no package-level instance.
type Registry struct {
	mu     sync.RWMutex
	shops  map[int64]*Shop
	nextID int64

	store   Store
	factory *factory.DiscountFactory
	clock   discount.Clock
	log     zerolog.Logger
}

// NewRegistry creates an empty registry. Call Load to restore persisted shops.
func NewRegistry(store Store, clock discount.Clock, log zerolog.Logger) *Registry {
	if clock == nil {
		clock = discount.SystemClock{}
	}
	return &Registry{
		shops:   make(map[int64]*Shop),
		nextID:  1,
		store:   store,
		factory: factory.NewDiscountFactory(),
		clock:   clock,
		log:     log,
	}
}

// Open creates a new shop with founder as its FOUNDER and persists it.
func (r *Registry) Open(ctx context.Context, founder, name string) (*Shop, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, &authority.ValidationError{Field: "name", Reason: "shop name is required"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	tree, err := authority.NewAuthorityTree(id, founder)
	if err != nil {
		return nil, err
	}
	s := r.newShop(id, name, r.clock.Now().UTC(), tree, discount.NewLedger())

	rec := s.record()
	founderRole, err := tree.Role(tree.Founder())
	if err != nil {
		return nil, err
	}
	if err := s.persist(ctx, "open shop", func(st Store) error {
		if err := st.SaveShop(ctx, rec); err != nil {
			return err
		}
		return st.SaveRole(ctx, founderRole)
	}); err != nil {
		return nil, err
	}

	r.shops[id] = s
	r.nextID++

	r.log.Info().Int64("shop_id", id).Str("founder", tree.Founder()).Str("name", name).Msg("shop opened")
	return s, nil
}

// Get returns the shop with the given id.
func (r *Registry) Get(id int64) (*Shop, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.shops[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrShopNotFound, id)
	}
	return s, nil
}

// List returns every shop ordered by id.
func (r *Registry) List() []*Shop {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Shop, 0, len(r.shops))
	for _, s := range r.shops {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Len returns the number of shops.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.shops)
}

// =============================================================================
// STARTUP LOAD
// =============================================================================

// Load replaces the registry's contents with every shop in the store,
// rebuilding each appointment tree, discount ledger, and purchase policy.
// Nothing is replaced if any shop fails to load.
func (r *Registry) Load(ctx context.Context) error {
	records, err := r.store.ListShops(ctx)
	if err != nil {
		return fmt.Errorf("list shops: %w", err)
	}

	// Shops are independent; restore them concurrently.
	restored := make([]*Shop, len(records))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(loadConcurrency)
	for i, rec := range records {
		g.Go(func() error {
			s, err := r.restore(gctx, rec)
			if err != nil {
				return fmt.Errorf("load shop %d: %w", rec.ID, err)
			}
			restored[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	shops := make(map[int64]*Shop, len(restored))
	nextID := int64(1)
	discounts := 0
	for _, s := range restored {
		shops[s.id] = s
		discounts += s.discounts.Len()
		if s.id >= nextID {
			nextID = s.id + 1
		}
	}

	r.mu.Lock()
	r.shops = shops
	r.nextID = nextID
	r.mu.Unlock()

	r.log.Info().Int("shops", len(shops)).Int("discounts", discounts).Msg("shops loaded")
	return nil
}

func (r *Registry) restore(ctx context.Context, rec ShopRecord) (*Shop, error) {
	roles, err := r.store.ListRoles(ctx, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	tree, err := authority.RestoreAuthorityTree(rec.ID, roles)
	if err != nil {
		return nil, err
	}
	if tree.Founder() != rec.Founder {
		return nil, &authority.ValidationError{Field: "founder", Reason: fmt.Sprintf("shop row names %q, roles name %q", rec.Founder, tree.Founder())}
	}

	stored, err := r.store.ListDiscounts(ctx, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("list discounts: %w", err)
	}
	ds := make([]*discount.Discount, 0, len(stored))
	for _, dr := range stored {
		d, err := r.factory.ParseDiscount(dr.JSON)
		if err != nil {
			return nil, fmt.Errorf("discount %d: %w", dr.ID, err)
		}
		d.ID = dr.ID
		ds = append(ds, d)
	}
	ledger, err := discount.RestoreLedger(ds, rec.NextDiscountID)
	if err != nil {
		return nil, err
	}

	s := r.newShop(rec.ID, rec.Name, rec.CreatedAt, tree, ledger)
	s.closed = rec.Closed
	if rec.PurchasePolicy != "" {
		policy, err := r.factory.ParseRule(rec.PurchasePolicy)
		if err != nil {
			return nil, fmt.Errorf("purchase policy: %w", err)
		}
		s.policy, s.policyJSON = policy, rec.PurchasePolicy
	}
	return s, nil
}

func (r *Registry) newShop(id int64, name string, createdAt time.Time, tree *authority.AuthorityTree, ledger *discount.Ledger) *Shop {
	return &Shop{
		id:        id,
		name:      name,
		createdAt: createdAt,
		tree:      tree,
		discounts: ledger,
		store:     r.store,
		factory:   r.factory,
		clock:     r.clock,
		log:       r.log,
	}
}

// =============================================================================
// EXPIRATION SWEEP
// =============================================================================

// SweepExpired evicts expired discounts from every shop at the registry
// clock's current instant. Shops are swept independently; a failure on one
// shop does not stop the others. Returns evicted ids per shop.
func (r *Registry) SweepExpired(ctx context.Context) (map[int64][]int64, error) {
	now := r.clock.Now()
	evicted := make(map[int64][]int64)
	var errs []error

	for _, s := range r.List() {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		ids, err := s.SweepExpired(ctx, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("shop %d: %w", s.id, err))
			continue
		}
		if len(ids) > 0 {
			evicted[s.id] = ids
		}
	}
	return evicted, errors.Join(errs...)
}
