/*
Package basket holds shopping baskets and the price ledger discounts mutate.

PURPOSE:
  A basket records which products a buyer wants, how many of each, and at
  what catalog price. Discounts never touch those catalog lines. Instead they
  mutate the basket's PriceLedger: a per-product breakdown of how many units
  currently sit at which unit price.

PRICE LEDGER:
  For each product, an ordered list of price tiers (highest price first):

    product 7: [{10.00 x 5}]                 catalog state
    product 7: [{10.00 x 4}, {7.00 x 1}]     after one 3.00 unit discount
    product 7: [{10.00 x 3}, {7.00 x 2}]     after a second one

INVARIANT:
  For every product, the sum of tier quantities equals the basket quantity.

SINGLE-UNIT SEMANTICS:
  ApplyUnitDiscount moves exactly ONE unit from the highest tier to a lower
  tier. A discount that should affect every unit must be applied repeatedly.

SEE ALSO:
  - basket.go: Basket and catalog lines
  - discount/discount.go: The discounts that call ApplyUnitDiscount
*/
package basket

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// ErrNoSuchProductInBasket is returned when a ledger operation names a product
// that has no units in the basket.
var ErrNoSuchProductInBasket = errors.New("no such product in basket")

// ProductID identifies a product within the marketplace.
type ProductID int64

// =============================================================================
// PRICE LEDGER
// =============================================================================

// Tier is a number of units of one product sitting at one unit price.
type Tier struct {
	Price    decimal.Decimal
	Quantity int
}

// PriceLedger maps each product to its price tiers, highest price first.
type PriceLedger struct {
	tiers map[ProductID][]Tier
}

func NewPriceLedger() *PriceLedger {
	return &PriceLedger{tiers: make(map[ProductID][]Tier)}
}

// Reset discards all tiers and puts every line back at its catalog price.
func (l *PriceLedger) Reset(lines map[ProductID]Line) {
	l.tiers = make(map[ProductID][]Tier, len(lines))
	for id, line := range lines {
		if line.Quantity <= 0 {
			continue
		}
		l.tiers[id] = []Tier{{Price: line.Price, Quantity: line.Quantity}}
	}
}

// ApplyUnitDiscount moves one unit of productID from its highest price tier
// to a tier amount cheaper, floored at zero. Tiers at the same price merge;
// a tier that reaches zero units disappears.
func (l *PriceLedger) ApplyUnitDiscount(productID ProductID, amount decimal.Decimal) error {
	tiers := l.tiers[productID]
	if len(tiers) == 0 {
		return fmt.Errorf("%w: product %d", ErrNoSuchProductInBasket, productID)
	}

	oldPrice := tiers[0].Price
	newPrice := decimal.Max(oldPrice.Sub(amount), decimal.Zero)

	tiers[0].Quantity--
	if tiers[0].Quantity == 0 {
		tiers = tiers[1:]
	}

	merged := false
	for i := range tiers {
		if tiers[i].Price.Equal(newPrice) {
			tiers[i].Quantity++
			merged = true
			break
		}
	}
	if !merged {
		tiers = append(tiers, Tier{Price: newPrice, Quantity: 1})
		sort.SliceStable(tiers, func(i, j int) bool { return tiers[i].Price.GreaterThan(tiers[j].Price) })
	}

	l.tiers[productID] = tiers
	return nil
}

// HighestPrice returns the price of productID's highest tier.
func (l *PriceLedger) HighestPrice(productID ProductID) (decimal.Decimal, bool) {
	tiers := l.tiers[productID]
	if len(tiers) == 0 {
		return decimal.Zero, false
	}
	return tiers[0].Price, true
}

// Tiers returns a copy of productID's tiers, highest price first.
func (l *PriceLedger) Tiers(productID ProductID) []Tier {
	tiers := l.tiers[productID]
	out := make([]Tier, len(tiers))
	copy(out, tiers)
	return out
}

// Products returns every product with at least one unit, sorted by id.
func (l *PriceLedger) Products() []ProductID {
	out := make([]ProductID, 0, len(l.tiers))
	for id, tiers := range l.tiers {
		if len(tiers) > 0 {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Quantity returns how many units of productID the ledger holds.
func (l *PriceLedger) Quantity(productID ProductID) int {
	total := 0
	for _, t := range l.tiers[productID] {
		total += t.Quantity
	}
	return total
}

// ProductTotal returns the current price of all units of productID.
func (l *PriceLedger) ProductTotal(productID ProductID) decimal.Decimal {
	total := decimal.Zero
	for _, t := range l.tiers[productID] {
		total = total.Add(t.Price.Mul(decimal.NewFromInt(int64(t.Quantity))))
	}
	return total
}

// Total returns the current price of the whole basket.
func (l *PriceLedger) Total() decimal.Decimal {
	total := decimal.Zero
	for id := range l.tiers {
		total = total.Add(l.ProductTotal(id))
	}
	return total
}
