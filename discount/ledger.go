package discount

import (
	"errors"
	"fmt"
	"time"

	"github.com/warp/marketplace-engine/basket"
)

// =============================================================================
// DISCOUNT LEDGER - Per-shop ordered set of active discounts
// =============================================================================

// Ledger holds a shop's active discounts in insertion order and assigns
// their ids. Not safe for concurrent use; the shop package serializes access.
//
// INVARIANTS:
//   - Ids are unique and strictly increasing in insertion order.
//   - NextID is greater than every id ever assigned, including removed ones.
type Ledger struct {
	discounts []*Discount
	nextID    int64
}

func NewLedger() *Ledger {
	return &Ledger{nextID: 1}
}

// RestoreLedger rebuilds a ledger from persisted discounts, already in
// insertion order. nextID below the highest restored id is raised past it.
func RestoreLedger(discounts []*Discount, nextID int64) (*Ledger, error) {
	l := &Ledger{nextID: nextID}
	if l.nextID < 1 {
		l.nextID = 1
	}
	seen := make(map[int64]bool, len(discounts))
	for _, d := range discounts {
		if d.ID <= 0 {
			return nil, invalid("restored discount has no id")
		}
		if seen[d.ID] {
			return nil, invalid("duplicate discount id %d", d.ID)
		}
		seen[d.ID] = true
		if d.ID >= l.nextID {
			l.nextID = d.ID + 1
		}
		l.discounts = append(l.discounts, d)
	}
	return l, nil
}

// Add validates d, assigns a copy of it the next id, and appends the copy.
// d itself is left untouched, so the same value may be added more than once.
func (l *Ledger) Add(d *Discount) (int64, error) {
	if d == nil {
		return 0, invalid("nil discount")
	}
	if err := d.Validate(); err != nil {
		return 0, err
	}
	stored := d.Clone()
	stored.ID = l.nextID
	l.nextID++
	l.discounts = append(l.discounts, stored)
	return stored.ID, nil
}

// Remove deletes the discount with the given id.
func (l *Ledger) Remove(id int64) error {
	for i, d := range l.discounts {
		if d.ID == id {
			l.discounts = append(l.discounts[:i:i], l.discounts[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %d", ErrDiscountNotFound, id)
}

func (l *Ledger) Get(id int64) (*Discount, error) {
	for _, d := range l.discounts {
		if d.ID == id {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: %d", ErrDiscountNotFound, id)
}

// List returns the active discounts in insertion order.
func (l *Ledger) List() []*Discount {
	out := make([]*Discount, len(l.discounts))
	copy(out, l.discounts)
	return out
}

func (l *Ledger) Len() int      { return len(l.discounts) }
func (l *Ledger) NextID() int64 { return l.nextID }

// Clone copies the ordering and id counter. Discounts themselves are
// immutable once added and are shared.
func (l *Ledger) Clone() *Ledger {
	return &Ledger{discounts: l.List(), nextID: l.nextID}
}

// =============================================================================
// APPLY ALL
// =============================================================================

// ApplyAll resets b's price ledger to catalog prices, then applies every
// active discount in insertion order at instant now. Discounts that signal
// expiration are evicted after the pass and their ids returned.
//
// Because the pass starts from a reset ledger, running ApplyAll twice with
// the same discounts and catalog prices yields the same ledger.
func (l *Ledger) ApplyAll(b *basket.Basket, now time.Time) ([]int64, error) {
	b.ResetPrices()
	b.SetEvaluationTime(now)

	var expired []int64
	var errs []error
	for _, d := range l.discounts {
		err := d.Apply(b, now)
		switch {
		case err == nil:
		case errors.Is(err, ErrDiscountExpired):
			expired = append(expired, d.ID)
		default:
			errs = append(errs, fmt.Errorf("discount %d: %w", d.ID, err))
		}
	}

	l.evict(expired)
	return expired, errors.Join(errs...)
}

// EvictExpired removes every discount expired at now without touching any
// basket. Returns the evicted ids.
func (l *Ledger) EvictExpired(now time.Time) []int64 {
	var expired []int64
	for _, d := range l.discounts {
		if d.Expired(now) {
			expired = append(expired, d.ID)
		}
	}
	l.evict(expired)
	return expired
}

func (l *Ledger) evict(ids []int64) {
	if len(ids) == 0 {
		return
	}
	drop := make(map[int64]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := l.discounts[:0:0]
	for _, d := range l.discounts {
		if !drop[d.ID] {
			kept = append(kept, d)
		}
	}
	l.discounts = kept
}
