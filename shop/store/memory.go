// Package store provides shop.Store implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/marketplace-engine/authority"
	"github.com/warp/marketplace-engine/shop"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	txMu      sync.Mutex
	mu        sync.RWMutex
	shops     map[int64]shop.ShopRecord
	roles     map[roleKey]authority.RoleSnapshot
	discounts map[discountKey]shop.DiscountRecord

	failNext error
}

type roleKey struct {
	ShopID   int64
	Username string
}

type discountKey struct {
	ShopID int64
	ID     int64
}

var _ shop.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		shops:     make(map[int64]shop.ShopRecord),
		roles:     make(map[roleKey]authority.RoleSnapshot),
		discounts: make(map[discountKey]shop.DiscountRecord),
	}
}

func (m *Memory) SaveShop(_ context.Context, rec shop.ShopRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failLocked(); err != nil {
		return err
	}
	m.shops[rec.ID] = rec
	return nil
}

func (m *Memory) ListShops(_ context.Context) ([]shop.ShopRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]shop.ShopRecord, 0, len(m.shops))
	for _, rec := range m.shops {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SaveRole(_ context.Context, role authority.RoleSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failLocked(); err != nil {
		return err
	}
	m.roles[roleKey{ShopID: role.ShopID, Username: role.Username}] = copyRole(role)
	return nil
}

func (m *Memory) DeleteRoles(_ context.Context, shopID int64, usernames []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failLocked(); err != nil {
		return err
	}
	for _, u := range usernames {
		delete(m.roles, roleKey{ShopID: shopID, Username: u})
	}
	return nil
}

func (m *Memory) ListRoles(_ context.Context, shopID int64) ([]authority.RoleSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []authority.RoleSnapshot
	for k, role := range m.roles {
		if k.ShopID == shopID {
			out = append(out, copyRole(role))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (m *Memory) SaveDiscount(_ context.Context, rec shop.DiscountRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failLocked(); err != nil {
		return err
	}
	m.discounts[discountKey{ShopID: rec.ShopID, ID: rec.ID}] = rec
	return nil
}

func (m *Memory) DeleteDiscounts(_ context.Context, shopID int64, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failLocked(); err != nil {
		return err
	}
	for _, id := range ids {
		delete(m.discounts, discountKey{ShopID: shopID, ID: id})
	}
	return nil
}

func (m *Memory) ListDiscounts(_ context.Context, shopID int64) ([]shop.DiscountRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []shop.DiscountRecord
	for k, rec := range m.discounts {
		if k.ShopID == shopID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// Transactions are serialized against each other but not against plain
// writes made outside fn.
func (m *Memory) WithTx(_ context.Context, fn func(shop.Store) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	snap := m.snapshot()
	m.mu.Unlock()

	if err := fn(m); err != nil {
		m.mu.Lock()
		m.restore(snap)
		m.mu.Unlock()
		return err
	}
	return nil
}

// FailNextWrite makes the next write return err. Used by tests to exercise
// rollback paths.
func (m *Memory) FailNextWrite(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

func (m *Memory) failLocked() error {
	err := m.failNext
	m.failNext = nil
	return err
}

type memorySnapshot struct {
	shops     map[int64]shop.ShopRecord
	roles     map[roleKey]authority.RoleSnapshot
	discounts map[discountKey]shop.DiscountRecord
}

func (m *Memory) snapshot() memorySnapshot {
	snap := memorySnapshot{
		shops:     make(map[int64]shop.ShopRecord, len(m.shops)),
		roles:     make(map[roleKey]authority.RoleSnapshot, len(m.roles)),
		discounts: make(map[discountKey]shop.DiscountRecord, len(m.discounts)),
	}
	for k, v := range m.shops {
		snap.shops[k] = v
	}
	for k, v := range m.roles {
		snap.roles[k] = v
	}
	for k, v := range m.discounts {
		snap.discounts[k] = v
	}
	return snap
}

func (m *Memory) restore(snap memorySnapshot) {
	m.shops = snap.shops
	m.roles = snap.roles
	m.discounts = snap.discounts
}

func copyRole(r authority.RoleSnapshot) authority.RoleSnapshot {
	r.Permissions = append([]authority.Permission(nil), r.Permissions...)
	r.Appointments = append([]string(nil), r.Appointments...)
	return r
}
