/*
Package sqlite provides a SQLite-backed implementation of shop.Store.

PURPOSE:
  Persists shops, their appointment trees, and their active discounts so a
  restart restores every shop exactly. In production the same patterns apply
  to PostgreSQL with minor SQL dialect differences.

KEY TABLES:
  shops:      One row per shop (status, purchase policy JSON, id counter)
  roles:      One row per (shop, username); the tree is rebuilt from the
              appointed_by column on load
  discounts:  One row per active discount, stored as discount JSON

INDEXES:
  - idx_roles_appointed_by: Subtree lookups by appointer

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. Writes from one shop operation run
  inside WithTx so a cascade (firing a manager deletes its subtree) is
  all-or-nothing.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/marketplace.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  registry := shop.NewRegistry(store, discount.SystemClock{}, logger)
  err = registry.Load(ctx)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - shop/store.go: Interface definition
  - shop/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/marketplace-engine/authority"
	"github.com/warp/marketplace-engine/shop"
)

// Store implements shop.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ shop.Store = (*Store)(nil)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS shops (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		founder TEXT NOT NULL,
		closed INTEGER NOT NULL DEFAULT 0,
		purchase_policy TEXT,
		next_discount_id INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS roles (
		shop_id INTEGER NOT NULL REFERENCES shops(id) ON DELETE CASCADE,
		username TEXT NOT NULL,
		appointed_by TEXT,
		permissions_json TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (shop_id, username)
	);

	CREATE INDEX IF NOT EXISTS idx_roles_appointed_by
		ON roles(shop_id, appointed_by);

	CREATE TABLE IF NOT EXISTS discounts (
		shop_id INTEGER NOT NULL REFERENCES shops(id) ON DELETE CASCADE,
		id INTEGER NOT NULL,
		config_json TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (shop_id, id)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// SHOPS
// =============================================================================

// SaveShop inserts or replaces a shop row.
func (s *Store) SaveShop(ctx context.Context, rec shop.ShopRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveShop(ctx, s.db, rec)
}

func saveShop(ctx context.Context, q querier, rec shop.ShopRecord) error {
	query := `
		INSERT INTO shops (id, name, founder, closed, purchase_policy, next_discount_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			closed = excluded.closed,
			purchase_policy = excluded.purchase_policy,
			next_discount_id = excluded.next_discount_id,
			updated_at = excluded.updated_at
	`

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := q.ExecContext(ctx, query,
		rec.ID, rec.Name, rec.Founder, rec.Closed,
		nullString(rec.PurchasePolicy), rec.NextDiscountID,
		createdAt.UTC().Format(time.RFC3339Nano),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save shop %d: %w", rec.ID, err)
	}
	return nil
}

// ListShops returns every shop ordered by id.
func (s *Store) ListShops(ctx context.Context) ([]shop.ShopRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listShops(ctx, s.db)
}

func listShops(ctx context.Context, q querier) ([]shop.ShopRecord, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT id, name, founder, closed, purchase_policy, next_discount_id, created_at FROM shops ORDER BY id",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var shops []shop.ShopRecord
	for rows.Next() {
		var rec shop.ShopRecord
		var policy sql.NullString
		var createdAt string
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Founder, &rec.Closed, &policy, &rec.NextDiscountID, &createdAt); err != nil {
			return nil, err
		}
		rec.PurchasePolicy = policy.String
		at, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("shop %d has malformed created_at %q: %w", rec.ID, createdAt, err)
		}
		rec.CreatedAt = at
		shops = append(shops, rec)
	}
	return shops, rows.Err()
}

// =============================================================================
// ROLES
// =============================================================================

// SaveRole inserts or replaces a role.
func (s *Store) SaveRole(ctx context.Context, role authority.RoleSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveRole(ctx, s.db, role)
}

func saveRole(ctx context.Context, q querier, role authority.RoleSnapshot) error {
	permsJSON, err := json.Marshal(role.Permissions)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO roles (shop_id, username, appointed_by, permissions_json, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(shop_id, username) DO UPDATE SET
			appointed_by = excluded.appointed_by,
			permissions_json = excluded.permissions_json,
			updated_at = excluded.updated_at
	`
	_, err = q.ExecContext(ctx, query,
		role.ShopID, role.Username, nullString(role.AppointedBy), string(permsJSON),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save role %q of shop %d: %w", role.Username, role.ShopID, err)
	}
	return nil
}

// DeleteRoles removes the named roles of a shop.
func (s *Store) DeleteRoles(ctx context.Context, shopID int64, usernames []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deleteRoles(ctx, s.db, shopID, usernames)
}

func deleteRoles(ctx context.Context, q querier, shopID int64, usernames []string) error {
	if len(usernames) == 0 {
		return nil
	}
	args := make([]any, 0, len(usernames)+1)
	args = append(args, shopID)
	for _, u := range usernames {
		args = append(args, u)
	}
	query := "DELETE FROM roles WHERE shop_id = ? AND username IN (" + placeholders(len(usernames)) + ")"
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to delete roles of shop %d: %w", shopID, err)
	}
	return nil
}

// ListRoles returns a shop's roles ordered by username. Appointments are
// not stored; the authority tree derives them from AppointedBy.
func (s *Store) ListRoles(ctx context.Context, shopID int64) ([]authority.RoleSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listRoles(ctx, s.db, shopID)
}

func listRoles(ctx context.Context, q querier, shopID int64) ([]authority.RoleSnapshot, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT username, appointed_by, permissions_json FROM roles WHERE shop_id = ? ORDER BY username",
		shopID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []authority.RoleSnapshot
	for rows.Next() {
		role := authority.RoleSnapshot{ShopID: shopID}
		var appointedBy sql.NullString
		var permsJSON string
		if err := rows.Scan(&role.Username, &appointedBy, &permsJSON); err != nil {
			return nil, err
		}
		role.AppointedBy = appointedBy.String
		if err := json.Unmarshal([]byte(permsJSON), &role.Permissions); err != nil {
			return nil, fmt.Errorf("role %q: bad permissions: %w", role.Username, err)
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// =============================================================================
// DISCOUNTS
// =============================================================================

// SaveDiscount inserts or replaces a discount.
func (s *Store) SaveDiscount(ctx context.Context, rec shop.DiscountRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveDiscount(ctx, s.db, rec)
}

func saveDiscount(ctx context.Context, q querier, rec shop.DiscountRecord) error {
	query := `
		INSERT INTO discounts (shop_id, id, config_json, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(shop_id, id) DO UPDATE SET
			config_json = excluded.config_json
	`
	_, err := q.ExecContext(ctx, query,
		rec.ShopID, rec.ID, rec.JSON, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save discount %d of shop %d: %w", rec.ID, rec.ShopID, err)
	}
	return nil
}

// DeleteDiscounts removes discounts by id.
func (s *Store) DeleteDiscounts(ctx context.Context, shopID int64, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deleteDiscounts(ctx, s.db, shopID, ids)
}

func deleteDiscounts(ctx context.Context, q querier, shopID int64, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, shopID)
	for _, id := range ids {
		args = append(args, id)
	}
	query := "DELETE FROM discounts WHERE shop_id = ? AND id IN (" + placeholders(len(ids)) + ")"
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to delete discounts of shop %d: %w", shopID, err)
	}
	return nil
}

// ListDiscounts returns a shop's discounts in insertion (id) order.
func (s *Store) ListDiscounts(ctx context.Context, shopID int64) ([]shop.DiscountRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listDiscounts(ctx, s.db, shopID)
}

func listDiscounts(ctx context.Context, q querier, shopID int64) ([]shop.DiscountRecord, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT id, config_json FROM discounts WHERE shop_id = ? ORDER BY id",
		shopID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var discounts []shop.DiscountRecord
	for rows.Next() {
		rec := shop.DiscountRecord{ShopID: shopID}
		if err := rows.Scan(&rec.ID, &rec.JSON); err != nil {
			return nil, err
		}
		discounts = append(discounts, rec)
	}
	return discounts, rows.Err()
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store shop.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore runs every call on the open transaction. It never takes the
// parent's lock, which WithTx already holds.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) SaveShop(ctx context.Context, rec shop.ShopRecord) error {
	return saveShop(ctx, ts.tx, rec)
}

func (ts *txStore) ListShops(ctx context.Context) ([]shop.ShopRecord, error) {
	return listShops(ctx, ts.tx)
}

func (ts *txStore) SaveRole(ctx context.Context, role authority.RoleSnapshot) error {
	return saveRole(ctx, ts.tx, role)
}

func (ts *txStore) DeleteRoles(ctx context.Context, shopID int64, usernames []string) error {
	return deleteRoles(ctx, ts.tx, shopID, usernames)
}

func (ts *txStore) ListRoles(ctx context.Context, shopID int64) ([]authority.RoleSnapshot, error) {
	return listRoles(ctx, ts.tx, shopID)
}

func (ts *txStore) SaveDiscount(ctx context.Context, rec shop.DiscountRecord) error {
	return saveDiscount(ctx, ts.tx, rec)
}

func (ts *txStore) DeleteDiscounts(ctx context.Context, shopID int64, ids []int64) error {
	return deleteDiscounts(ctx, ts.tx, shopID, ids)
}

func (ts *txStore) ListDiscounts(ctx context.Context, shopID int64) ([]shop.DiscountRecord, error) {
	return listDiscounts(ctx, ts.tx, shopID)
}

// WithTx on a transaction view runs fn in the same transaction.
func (ts *txStore) WithTx(_ context.Context, fn func(store shop.Store) error) error {
	return fn(ts)
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"discounts", "roles", "shops"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
