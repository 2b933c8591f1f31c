package basket

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidLine is returned for a non-positive quantity or a negative price.
var ErrInvalidLine = errors.New("invalid basket line")

// =============================================================================
// BASKET
// =============================================================================

// Line is one product in the basket at its catalog price.
type Line struct {
	Quantity int
	Price    decimal.Decimal
	Category string
}

// Buyer describes who is checking out. Used by user rules.
type Buyer struct {
	Username  string
	BirthDate time.Time
}

// AgeAt returns the buyer's age in whole years at the given instant.
func (b Buyer) AgeAt(at time.Time) int {
	if b.BirthDate.IsZero() {
		return 0
	}
	years := at.Year() - b.BirthDate.Year()
	if at.Month() < b.BirthDate.Month() || (at.Month() == b.BirthDate.Month() && at.Day() < b.BirthDate.Day()) {
		years--
	}
	return years
}

// Basket is one buyer's basket within one shop.
// Catalog lines are the source of truth; the price ledger is derived from
// them and reset before every discount pass.
type Basket struct {
	ShopID int64
	Buyer  *Buyer

	lines       map[ProductID]Line
	evaluatedAt time.Time
	ledger      *PriceLedger
}

func NewBasket(shopID int64) *Basket {
	return &Basket{
		ShopID: shopID,
		lines:  make(map[ProductID]Line),
		ledger: NewPriceLedger(),
	}
}

// Add puts quantity units of a product in the basket. Adding a product that
// is already present increases its quantity and takes the new price.
func (b *Basket) Add(productID ProductID, quantity int, price decimal.Decimal, category string) error {
	if quantity <= 0 {
		return fmt.Errorf("%w: quantity %d for product %d", ErrInvalidLine, quantity, productID)
	}
	if price.IsNegative() {
		return fmt.Errorf("%w: negative price for product %d", ErrInvalidLine, productID)
	}
	line := b.lines[productID]
	line.Quantity += quantity
	line.Price = price
	if category != "" {
		line.Category = category
	}
	b.lines[productID] = line
	b.ResetPrices()
	return nil
}

// Remove drops a product from the basket entirely.
func (b *Basket) Remove(productID ProductID) {
	delete(b.lines, productID)
	b.ResetPrices()
}

// Quantity returns the catalog quantity of productID (0 when absent).
func (b *Basket) Quantity(productID ProductID) int {
	return b.lines[productID].Quantity
}

// Line returns the catalog line for productID.
func (b *Basket) Line(productID ProductID) (Line, bool) {
	line, ok := b.lines[productID]
	return line, ok
}

// Lines returns a copy of all catalog lines.
func (b *Basket) Lines() map[ProductID]Line {
	out := make(map[ProductID]Line, len(b.lines))
	for id, line := range b.lines {
		out[id] = line
	}
	return out
}

// ProductIDs returns every product in the basket, sorted.
func (b *Basket) ProductIDs() []ProductID {
	out := make([]ProductID, 0, len(b.lines))
	for id := range b.lines {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// CatalogTotal is the basket price before any discount.
func (b *Basket) CatalogTotal() decimal.Decimal {
	total := decimal.Zero
	for _, line := range b.lines {
		total = total.Add(line.Price.Mul(decimal.NewFromInt(int64(line.Quantity))))
	}
	return total
}

// Ledger returns the basket's price ledger.
func (b *Basket) Ledger() *PriceLedger { return b.ledger }

// ResetPrices puts the ledger back to one tier per product at catalog price.
func (b *Basket) ResetPrices() { b.ledger.Reset(b.lines) }

// Total is the current basket price after whatever discounts were applied.
func (b *Basket) Total() decimal.Decimal { return b.ledger.Total() }

// EvaluationTime is the instant rules are evaluated at.
func (b *Basket) EvaluationTime() time.Time { return b.evaluatedAt }

// SetEvaluationTime fixes the instant rules are evaluated at.
func (b *Basket) SetEvaluationTime(at time.Time) { b.evaluatedAt = at }
