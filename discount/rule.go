/*
rule.go - Predicate algebra over basket, buyer, and time

PURPOSE:
  A Rule is a pure predicate over a typed context. Discounts use basket
  rules as their gate; shops use them as purchase policies. Rules carry only
  their own immutable parameters and never mutate the context.

CONTEXTS:
  *basket.Basket   products, quantities, catalog total, evaluation instant
  UserContext      the buyer plus the evaluation instant
  any Timed        anything that exposes an evaluation instant

VARIANTS:
  AllItemsRule            every listed product has quantity > 0
  MinProductAmountRule    quantity(product) >= min
  MinBasketPriceRule      catalog total >= min
  TimeRangeInDayRule      time of day within [start, end), may wrap midnight
  MinAgeRule              buyer is at least N years old
  ConditionRule           if condition then "then" (vacuously true otherwise)
  AndRule / OrRule / NotRule / Always

COMPOSITION EXAMPLE:
  "buying alcohol (product 12) requires an adult, and only before 23:00"

    ConditionRule[*basket.Basket]{
        Condition: AllItemsRule{ProductIDs: []basket.ProductID{12}},
        Then: AndRule[*basket.Basket]{Rules: []BasketRule{
            ForBuyer(MinAgeRule{MinAge: 18}),
            NewTimeRangeInDayRule[*basket.Basket](6, 0, 23, 0),
        }},
    }
*/
package discount

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/marketplace-engine/basket"
)

// =============================================================================
// RULE INTERFACE
// =============================================================================

// Rule is a total, side-effect-free predicate over a context.
type Rule[C any] interface {
	Predicate(ctx C) bool
	String() string
}

// BasketRule gates discounts and purchase policies.
type BasketRule = Rule[*basket.Basket]

// Timed is any context that carries the instant it is evaluated at.
type Timed interface {
	EvaluationTime() time.Time
}

// UserContext is the buyer being evaluated plus the evaluation instant.
type UserContext struct {
	Buyer basket.Buyer
	At    time.Time
}

func (u UserContext) EvaluationTime() time.Time { return u.At }

// =============================================================================
// BASKET RULES
// =============================================================================

// AllItemsRule holds when every listed product is in the basket.
type AllItemsRule struct {
	ProductIDs []basket.ProductID
}

func (r AllItemsRule) Predicate(b *basket.Basket) bool {
	for _, id := range r.ProductIDs {
		if b.Quantity(id) <= 0 {
			return false
		}
	}
	return true
}

func (r AllItemsRule) String() string {
	return fmt.Sprintf("all items %v", r.ProductIDs)
}

// MinProductAmountRule holds when the basket has at least MinAmount units
// of ProductID.
type MinProductAmountRule struct {
	ProductID basket.ProductID
	MinAmount int
}

func (r MinProductAmountRule) Predicate(b *basket.Basket) bool {
	return b.Quantity(r.ProductID) >= r.MinAmount
}

func (r MinProductAmountRule) String() string {
	return fmt.Sprintf("at least %d of product %d", r.MinAmount, r.ProductID)
}

// MinBasketPriceRule holds when the pre-discount basket total reaches MinPrice.
type MinBasketPriceRule struct {
	MinPrice decimal.Decimal
}

func (r MinBasketPriceRule) Predicate(b *basket.Basket) bool {
	return b.CatalogTotal().GreaterThanOrEqual(r.MinPrice)
}

func (r MinBasketPriceRule) String() string {
	return "basket total at least " + r.MinPrice.String()
}

// =============================================================================
// TIME RULE
// =============================================================================

// TimeRangeInDayRule holds when the evaluation instant's time of day falls in
// [start, end). A start later than end wraps past midnight; start equal to
// end covers the whole day. Time of day is read in the instant's location.
type TimeRangeInDayRule[C Timed] struct {
	StartHour   int
	StartMinute int
	EndHour     int
	EndMinute   int
}

// NewTimeRangeInDayRule builds a rule without validating; use
// ValidateTimeRange for untrusted input.
func NewTimeRangeInDayRule[C Timed](startHour, startMinute, endHour, endMinute int) TimeRangeInDayRule[C] {
	return TimeRangeInDayRule[C]{
		StartHour:   startHour,
		StartMinute: startMinute,
		EndHour:     endHour,
		EndMinute:   endMinute,
	}
}

// ValidateTimeRange checks hours are 0-23 and minutes 0-59.
func ValidateTimeRange(startHour, startMinute, endHour, endMinute int) error {
	for _, h := range []int{startHour, endHour} {
		if h < 0 || h > 23 {
			return invalid("hour %d out of range", h)
		}
	}
	for _, m := range []int{startMinute, endMinute} {
		if m < 0 || m > 59 {
			return invalid("minute %d out of range", m)
		}
	}
	return nil
}

func (r TimeRangeInDayRule[C]) Predicate(ctx C) bool {
	at := ctx.EvaluationTime()
	now := at.Hour()*60 + at.Minute()
	start := r.StartHour*60 + r.StartMinute
	end := r.EndHour*60 + r.EndMinute

	switch {
	case start == end:
		return true
	case start < end:
		return now >= start && now < end
	default:
		// wraps midnight: 22:00-06:00 is [22:00, 24:00) plus [00:00, 06:00)
		return now >= start || now < end
	}
}

func (r TimeRangeInDayRule[C]) String() string {
	return fmt.Sprintf("between %02d:%02d and %02d:%02d", r.StartHour, r.StartMinute, r.EndHour, r.EndMinute)
}

// =============================================================================
// USER RULES
// =============================================================================

// MinAgeRule holds when the buyer is at least MinAge years old.
type MinAgeRule struct {
	MinAge int
}

func (r MinAgeRule) Predicate(u UserContext) bool {
	if u.Buyer.BirthDate.IsZero() {
		return false
	}
	return u.Buyer.AgeAt(u.At) >= r.MinAge
}

func (r MinAgeRule) String() string { return fmt.Sprintf("buyer at least %d years old", r.MinAge) }

// BuyerRule lifts a user rule onto baskets. A basket without a buyer never
// satisfies it.
type BuyerRule struct {
	Rule Rule[UserContext]
}

// ForBuyer evaluates a user rule against a basket's buyer.
func ForBuyer(rule Rule[UserContext]) BasketRule {
	return BuyerRule{Rule: rule}
}

func (r BuyerRule) Predicate(b *basket.Basket) bool {
	if b.Buyer == nil {
		return false
	}
	return r.Rule.Predicate(UserContext{Buyer: *b.Buyer, At: b.EvaluationTime()})
}

func (r BuyerRule) String() string { return r.Rule.String() }

// =============================================================================
// COMBINATORS
// =============================================================================

// ConditionRule is an implication: when Condition holds, Then must hold too.
// When Condition does not hold the rule is vacuously satisfied.
type ConditionRule[C any] struct {
	Condition Rule[C]
	Then      Rule[C]
}

func (r ConditionRule[C]) Predicate(ctx C) bool {
	return !r.Condition.Predicate(ctx) || r.Then.Predicate(ctx)
}

func (r ConditionRule[C]) String() string {
	return fmt.Sprintf("if (%s) then (%s)", r.Condition, r.Then)
}

// AndRule holds when every rule holds. An empty AndRule holds.
type AndRule[C any] struct {
	Rules []Rule[C]
}

func (r AndRule[C]) Predicate(ctx C) bool {
	for _, rule := range r.Rules {
		if !rule.Predicate(ctx) {
			return false
		}
	}
	return true
}

func (r AndRule[C]) String() string { return join(r.Rules, " and ") }

// OrRule holds when any rule holds. An empty OrRule does not hold.
type OrRule[C any] struct {
	Rules []Rule[C]
}

func (r OrRule[C]) Predicate(ctx C) bool {
	for _, rule := range r.Rules {
		if rule.Predicate(ctx) {
			return true
		}
	}
	return false
}

func (r OrRule[C]) String() string { return join(r.Rules, " or ") }

// NotRule negates Rule.
type NotRule[C any] struct {
	Rule Rule[C]
}

func (r NotRule[C]) Predicate(ctx C) bool { return !r.Rule.Predicate(ctx) }
func (r NotRule[C]) String() string       { return fmt.Sprintf("not (%s)", r.Rule) }

// Always holds for every context.
type Always[C any] struct{}

func (Always[C]) Predicate(C) bool { return true }
func (Always[C]) String() string   { return "always" }

func join[C any](rules []Rule[C], sep string) string {
	parts := make([]string, len(rules))
	for i, rule := range rules {
		parts[i] = "(" + rule.String() + ")"
	}
	return strings.Join(parts, sep)
}
