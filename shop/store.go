/*
store.go - Persistence contract for shops, roles, and discounts

PURPOSE:
  Defines the interface between the shop boundary and the database. The core
  treats persistence as save-on-mutation and load-on-init, keyed by shop id.
  Different implementations can use SQLite or in-memory storage.

WHAT IS STORED:
  ShopRecord      one row per shop (name, founder, closed flag, purchase
                  policy as rule JSON, discount id counter)
  RoleSnapshot    one row per (shop, username); appointments are derived
                  from appointed_by edges on load
  DiscountRecord  one row per active discount, as discount JSON

ATOMICITY:
  A single shop operation may touch several rows (firing a manager deletes
  the whole subtree; adding a discount bumps the shop's id counter). The
  shop runs those writes inside WithTx so either all land or none do.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite
  - shop/store/memory.go: In-memory for testing

SEE ALSO:
  - shop.go: The clone, persist, swap cycle that calls this interface
*/
package shop

import (
	"context"
	"time"

	"github.com/warp/marketplace-engine/authority"
)

// ShopRecord is the persisted form of a shop's scalar state.
type ShopRecord struct {
	ID             int64
	Name           string
	Founder        string
	Closed         bool
	PurchasePolicy string // rule JSON, empty = no policy
	NextDiscountID int64
	CreatedAt      time.Time
}

// DiscountRecord is the persisted form of one active discount.
type DiscountRecord struct {
	ShopID int64
	ID     int64
	JSON   string
}

// Store handles persistence of shop state.
type Store interface {
	// SaveShop inserts or replaces a shop row.
	SaveShop(ctx context.Context, rec ShopRecord) error

	// ListShops returns every shop ordered by id.
	ListShops(ctx context.Context) ([]ShopRecord, error)

	// SaveRole inserts or replaces the role for (ShopID, Username).
	SaveRole(ctx context.Context, role authority.RoleSnapshot) error

	// DeleteRoles removes the named roles of a shop. Unknown names are ignored.
	DeleteRoles(ctx context.Context, shopID int64, usernames []string) error

	// ListRoles returns a shop's roles ordered by username.
	ListRoles(ctx context.Context, shopID int64) ([]authority.RoleSnapshot, error)

	// SaveDiscount inserts or replaces a discount.
	SaveDiscount(ctx context.Context, rec DiscountRecord) error

	// DeleteDiscounts removes discounts by id. Unknown ids are ignored.
	DeleteDiscounts(ctx context.Context, shopID int64, ids []int64) error

	// ListDiscounts returns a shop's discounts in insertion (id) order.
	ListDiscounts(ctx context.Context, shopID int64) ([]DiscountRecord, error)

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
