/*
Package discount implements the shop discount rule engine.

PURPOSE:
  A shop defines discounts; at checkout every active discount is evaluated
  against the basket and, when its gate rule holds, mutates the basket's
  price ledger. Expired discounts are evicted lazily, the first time an
  evaluation notices them.

DISCOUNT KINDS (closed set):
  fixed                   one unit of a product gets a fixed amount off
  conditional             wraps another discount; applies it only when
                          every must-have product is in the basket
  category_or_percentage  one unit of every matching product gets a
                          percentage of its current highest price off

APPLY CONTRACT:
  1. Expired?            -> DiscountExpiredError, no mutation
  2. Gate rule false?    -> no mutation, no error
  3. Otherwise           -> kind-specific ledger mutation
  A target product absent from the basket is a silent no-op.

STACKING:
  Discounts stack sequentially in insertion order: each one sees the tiers
  left behind by the discounts before it in the same pass.

SEE ALSO:
  - rule.go: The predicate algebra used as gates
  - ledger.go: The per-shop ordered set of active discounts
  - basket/ledger.go: The price ledger being mutated
*/
package discount

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/marketplace-engine/basket"
)

// =============================================================================
// DISCOUNT - Closed tagged union
// =============================================================================

type Kind string

const (
	KindFixed                Kind = "fixed"
	KindConditional          Kind = "conditional"
	KindCategoryOrPercentage Kind = "category_or_percentage"
)

var hundred = decimal.NewFromInt(100)

// Discount is one shop discount. Exactly one of the variant payloads is set,
// matching Kind. A zero ExpirationDate never expires; a nil Rule always holds.
type Discount struct {
	ID             int64
	Kind           Kind
	ExpirationDate time.Time
	Rule           BasketRule

	Fixed       *FixedTerms
	Conditional *ConditionalTerms
	Percentage  *PercentageTerms
}

// FixedTerms takes Amount off one unit of ProductID.
type FixedTerms struct {
	ProductID basket.ProductID
	Amount    decimal.Decimal
}

// ConditionalTerms applies Base only when every MustHave product is present.
type ConditionalTerms struct {
	MustHave []basket.ProductID
	Base     *Discount
}

// PercentageTerms takes Percentage% off one unit of every product that is
// listed in ProductIDs or whose catalog line is in Category.
type PercentageTerms struct {
	Category   string
	ProductIDs []basket.ProductID
	Percentage decimal.Decimal
}

// NewFixedDiscount builds a fixed-amount discount.
func NewFixedDiscount(productID basket.ProductID, amount decimal.Decimal, expires time.Time, rule BasketRule) (*Discount, error) {
	d := &Discount{
		Kind:           KindFixed,
		ExpirationDate: expires,
		Rule:           rule,
		Fixed:          &FixedTerms{ProductID: productID, Amount: amount},
	}
	return validated(d)
}

// NewConditionalDiscount wraps base so it only applies when every mustHave
// product is in the basket.
func NewConditionalDiscount(base *Discount, mustHave []basket.ProductID, expires time.Time, rule BasketRule) (*Discount, error) {
	d := &Discount{
		Kind:           KindConditional,
		ExpirationDate: expires,
		Rule:           rule,
		Conditional:    &ConditionalTerms{MustHave: append([]basket.ProductID(nil), mustHave...), Base: base},
	}
	return validated(d)
}

// NewPercentageDiscount builds a category/percentage discount.
func NewPercentageDiscount(category string, productIDs []basket.ProductID, percentage decimal.Decimal, expires time.Time, rule BasketRule) (*Discount, error) {
	d := &Discount{
		Kind:           KindCategoryOrPercentage,
		ExpirationDate: expires,
		Rule:           rule,
		Percentage: &PercentageTerms{
			Category:   category,
			ProductIDs: append([]basket.ProductID(nil), productIDs...),
			Percentage: percentage,
		},
	}
	return validated(d)
}

func validated(d *Discount) (*Discount, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// Validate checks that the payload matches Kind and its parameters are sane.
func (d *Discount) Validate() error {
	switch d.Kind {
	case KindFixed:
		if d.Fixed == nil || d.Conditional != nil || d.Percentage != nil {
			return invalid("fixed discount needs exactly fixed terms")
		}
		if !d.Fixed.Amount.IsPositive() {
			return invalid("fixed amount must be positive, got %s", d.Fixed.Amount)
		}
	case KindConditional:
		if d.Conditional == nil || d.Fixed != nil || d.Percentage != nil {
			return invalid("conditional discount needs exactly conditional terms")
		}
		if d.Conditional.Base == nil {
			return invalid("conditional discount needs a base discount")
		}
		if len(d.Conditional.MustHave) == 0 {
			return invalid("conditional discount needs at least one must-have product")
		}
		if err := d.Conditional.Base.Validate(); err != nil {
			return fmt.Errorf("base discount: %w", err)
		}
	case KindCategoryOrPercentage:
		if d.Percentage == nil || d.Fixed != nil || d.Conditional != nil {
			return invalid("percentage discount needs exactly percentage terms")
		}
		p := d.Percentage.Percentage
		if !p.IsPositive() || p.GreaterThan(hundred) {
			return invalid("percentage must be in (0, 100], got %s", p)
		}
		if d.Percentage.Category == "" && len(d.Percentage.ProductIDs) == 0 {
			return invalid("percentage discount needs a category or product ids")
		}
	default:
		return invalid("unknown discount kind %q", d.Kind)
	}
	return nil
}

// Expired reports whether the discount's expiration date is before now.
// A conditional discount also expires with its base.
func (d *Discount) Expired(now time.Time) bool {
	if !d.ExpirationDate.IsZero() && now.After(d.ExpirationDate) {
		return true
	}
	return d.Kind == KindConditional && d.Conditional != nil && d.Conditional.Base != nil && d.Conditional.Base.Expired(now)
}

func (d *Discount) expiredAt(now time.Time) time.Time {
	if !d.ExpirationDate.IsZero() && now.After(d.ExpirationDate) {
		return d.ExpirationDate
	}
	return d.Conditional.Base.expiredAt(now)
}

// =============================================================================
// APPLY
// =============================================================================

// Apply evaluates the discount against b at instant now and, when it
// applies, mutates b's price ledger. See the package comment for the contract.
func (d *Discount) Apply(b *basket.Basket, now time.Time) error {
	b.SetEvaluationTime(now)
	if d.Expired(now) {
		return &DiscountExpiredError{ID: d.ID, ExpiredAt: d.expiredAt(now)}
	}
	if d.Rule != nil && !d.Rule.Predicate(b) {
		return nil
	}

	switch d.Kind {
	case KindFixed:
		return ignoreAbsent(b.Ledger().ApplyUnitDiscount(d.Fixed.ProductID, d.Fixed.Amount))

	case KindConditional:
		if !(AllItemsRule{ProductIDs: d.Conditional.MustHave}).Predicate(b) {
			return nil
		}
		return d.Conditional.Base.Apply(b, now)

	case KindCategoryOrPercentage:
		ledger := b.Ledger()
		for _, id := range ledger.Products() {
			if !d.Percentage.matches(b, id) {
				continue
			}
			price, ok := ledger.HighestPrice(id)
			if !ok {
				continue
			}
			amount := price.Mul(d.Percentage.Percentage).Div(hundred)
			if err := ignoreAbsent(ledger.ApplyUnitDiscount(id, amount)); err != nil {
				return err
			}
		}
		return nil

	default:
		return invalid("unknown discount kind %q", d.Kind)
	}
}

func (p *PercentageTerms) matches(b *basket.Basket, id basket.ProductID) bool {
	for _, listed := range p.ProductIDs {
		if listed == id {
			return true
		}
	}
	if p.Category == "" {
		return false
	}
	line, ok := b.Line(id)
	return ok && line.Category == p.Category
}

func ignoreAbsent(err error) error {
	if errors.Is(err, basket.ErrNoSuchProductInBasket) {
		return nil
	}
	return err
}

// Clone copies d and its terms. Rules are values built once and are shared.
func (d *Discount) Clone() *Discount {
	c := *d
	if d.Fixed != nil {
		f := *d.Fixed
		c.Fixed = &f
	}
	if d.Conditional != nil {
		c.Conditional = &ConditionalTerms{
			MustHave: append([]basket.ProductID(nil), d.Conditional.MustHave...),
		}
		if d.Conditional.Base != nil {
			c.Conditional.Base = d.Conditional.Base.Clone()
		}
	}
	if d.Percentage != nil {
		p := *d.Percentage
		p.ProductIDs = append([]basket.ProductID(nil), d.Percentage.ProductIDs...)
		c.Percentage = &p
	}
	return &c
}

// String renders a one-line human-readable description.
func (d *Discount) String() string {
	var s string
	switch d.Kind {
	case KindFixed:
		s = fmt.Sprintf("%s off one unit of product %d", d.Fixed.Amount, d.Fixed.ProductID)
	case KindConditional:
		s = fmt.Sprintf("with products %v: %s", d.Conditional.MustHave, d.Conditional.Base)
	case KindCategoryOrPercentage:
		s = fmt.Sprintf("%s%% off one unit of each product in %q or %v", d.Percentage.Percentage, d.Percentage.Category, d.Percentage.ProductIDs)
	default:
		s = string(d.Kind)
	}
	if d.Rule != nil {
		s += " when " + d.Rule.String()
	}
	if !d.ExpirationDate.IsZero() {
		s += " until " + d.ExpirationDate.Format(time.RFC3339)
	}
	return s
}
