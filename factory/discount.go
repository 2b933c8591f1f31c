/*
Package factory provides JSON to Go discount and rule conversion.

PURPOSE:
  Converts JSON discount and purchase-policy definitions into discount.Discount
  and discount.BasketRule values, and back. Shop managers define discounts
  through the HTTP API as JSON; the same JSON is what the store persists, so
  a shop's discounts survive restarts without a bespoke schema per variant.

DISCOUNT SCHEMA:
  {
    "kind": "conditional",
    "expiration_date": "2026-12-31T23:59:59Z",
    "must_have": [7, 9],
    "rule": {"type": "time_range", "start": "22:00", "end": "06:00"},
    "base": {
      "kind": "fixed",
      "product_id": 7,
      "amount": "1"
    }
  }

  kind                    fields
  fixed                   product_id, amount
  conditional             must_have, base
  category_or_percentage  category and/or product_ids, percentage

RULE SCHEMA:
  type                fields
  all_items           product_ids
  min_product_amount  product_id, min_amount
  min_basket_price    min_price
  time_range          start, end ("HH:MM", end exclusive, may wrap midnight)
  min_age             min_age (evaluated against the basket's buyer)
  condition           if, then
  and / or            rules
  not                 rule
  always              -

USAGE:
  f := NewDiscountFactory()
  d, err := f.ParseDiscount(jsonString)
  id, err := shop.AddDiscount(actor, d)

  // Persistence
  raw, err := f.MarshalDiscount(d)

SEE ALSO:
  - discount/discount.go: Discount type definition
  - discount/rule.go: Rule variants
*/
package factory

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/marketplace-engine/basket"
	"github.com/warp/marketplace-engine/discount"
)

// maxDepth bounds nesting of rules and conditional discounts in untrusted input.
const maxDepth = 16

const clockLayout = "15:04"

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// DiscountJSON is the JSON representation of a discount.
type DiscountJSON struct {
	ID             int64     `json:"id,omitempty"`
	Kind           string    `json:"kind"`
	ExpirationDate string    `json:"expiration_date,omitempty"` // RFC3339, empty = never
	Rule           *RuleJSON `json:"rule,omitempty"`

	// fixed
	ProductID *int64           `json:"product_id,omitempty"`
	Amount    *decimal.Decimal `json:"amount,omitempty"`

	// conditional
	MustHave []int64       `json:"must_have,omitempty"`
	Base     *DiscountJSON `json:"base,omitempty"`

	// category_or_percentage
	Category   string           `json:"category,omitempty"`
	ProductIDs []int64          `json:"product_ids,omitempty"`
	Percentage *decimal.Decimal `json:"percentage,omitempty"`
}

// RuleJSON is the JSON representation of a basket rule.
type RuleJSON struct {
	Type string `json:"type"`

	ProductIDs []int64          `json:"product_ids,omitempty"`
	ProductID  *int64           `json:"product_id,omitempty"`
	MinAmount  int              `json:"min_amount,omitempty"`
	MinPrice   *decimal.Decimal `json:"min_price,omitempty"`
	Start      string           `json:"start,omitempty"`
	End        string           `json:"end,omitempty"`
	MinAge     int              `json:"min_age,omitempty"`

	If    *RuleJSON  `json:"if,omitempty"`
	Then  *RuleJSON  `json:"then,omitempty"`
	Rules []RuleJSON `json:"rules,omitempty"`
	Rule  *RuleJSON  `json:"rule,omitempty"`
}

// =============================================================================
// DISCOUNT FACTORY
// =============================================================================

// DiscountFactory converts JSON discounts and rules to Go values.
type DiscountFactory struct{}

// NewDiscountFactory creates a new discount factory.
func NewDiscountFactory() *DiscountFactory {
	return &DiscountFactory{}
}

// ParseDiscount parses a JSON string into a validated Discount. The id, when
// present, is carried over; the shop ledger assigns ids on insert.
func (f *DiscountFactory) ParseDiscount(jsonStr string) (*discount.Discount, error) {
	var dj DiscountJSON
	if err := json.Unmarshal([]byte(jsonStr), &dj); err != nil {
		return nil, fmt.Errorf("%w: failed to parse discount JSON: %v", discount.ErrInvalidDiscount, err)
	}
	return f.FromJSON(dj)
}

// ParseRule parses a JSON string into a basket rule.
func (f *DiscountFactory) ParseRule(jsonStr string) (discount.BasketRule, error) {
	var rj RuleJSON
	if err := json.Unmarshal([]byte(jsonStr), &rj); err != nil {
		return nil, fmt.Errorf("%w: failed to parse rule JSON: %v", discount.ErrInvalidDiscount, err)
	}
	return f.RuleFromJSON(rj)
}

// FromJSON converts DiscountJSON to a validated Discount.
func (f *DiscountFactory) FromJSON(dj DiscountJSON) (*discount.Discount, error) {
	d, err := f.discountFromJSON(dj, 0)
	if err != nil {
		return nil, err
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// RuleFromJSON converts RuleJSON to a basket rule.
func (f *DiscountFactory) RuleFromJSON(rj RuleJSON) (discount.BasketRule, error) {
	return f.ruleFromJSON(rj, 0)
}

func (f *DiscountFactory) discountFromJSON(dj DiscountJSON, depth int) (*discount.Discount, error) {
	if depth > maxDepth {
		return nil, invalid("discount nested deeper than %d", maxDepth)
	}

	d := &discount.Discount{
		ID:   dj.ID,
		Kind: discount.Kind(dj.Kind),
	}

	if dj.ExpirationDate != "" {
		t, err := time.Parse(time.RFC3339, dj.ExpirationDate)
		if err != nil {
			return nil, invalid("invalid expiration_date %q: %v", dj.ExpirationDate, err)
		}
		d.ExpirationDate = t
	}

	if dj.Rule != nil {
		rule, err := f.ruleFromJSON(*dj.Rule, depth+1)
		if err != nil {
			return nil, err
		}
		d.Rule = rule
	}

	switch d.Kind {
	case discount.KindFixed:
		if dj.ProductID == nil || dj.Amount == nil {
			return nil, invalid("fixed discount requires product_id and amount")
		}
		d.Fixed = &discount.FixedTerms{
			ProductID: basket.ProductID(*dj.ProductID),
			Amount:    *dj.Amount,
		}

	case discount.KindConditional:
		if dj.Base == nil {
			return nil, invalid("conditional discount requires base")
		}
		base, err := f.discountFromJSON(*dj.Base, depth+1)
		if err != nil {
			return nil, fmt.Errorf("base: %w", err)
		}
		d.Conditional = &discount.ConditionalTerms{
			MustHave: productIDs(dj.MustHave),
			Base:     base,
		}

	case discount.KindCategoryOrPercentage:
		if dj.Percentage == nil {
			return nil, invalid("category_or_percentage discount requires percentage")
		}
		d.Percentage = &discount.PercentageTerms{
			Category:   dj.Category,
			ProductIDs: productIDs(dj.ProductIDs),
			Percentage: *dj.Percentage,
		}

	default:
		return nil, invalid("unknown discount kind %q", dj.Kind)
	}

	return d, nil
}

func (f *DiscountFactory) ruleFromJSON(rj RuleJSON, depth int) (discount.BasketRule, error) {
	if depth > maxDepth {
		return nil, invalid("rule nested deeper than %d", maxDepth)
	}

	switch rj.Type {
	case "all_items":
		if len(rj.ProductIDs) == 0 {
			return nil, invalid("all_items requires product_ids")
		}
		return discount.AllItemsRule{ProductIDs: productIDs(rj.ProductIDs)}, nil

	case "min_product_amount":
		if rj.ProductID == nil {
			return nil, invalid("min_product_amount requires product_id")
		}
		if rj.MinAmount < 0 {
			return nil, invalid("min_amount must not be negative")
		}
		return discount.MinProductAmountRule{
			ProductID: basket.ProductID(*rj.ProductID),
			MinAmount: rj.MinAmount,
		}, nil

	case "min_basket_price":
		if rj.MinPrice == nil {
			return nil, invalid("min_basket_price requires min_price")
		}
		return discount.MinBasketPriceRule{MinPrice: *rj.MinPrice}, nil

	case "time_range":
		start, err := parseClock(rj.Start)
		if err != nil {
			return nil, err
		}
		end, err := parseClock(rj.End)
		if err != nil {
			return nil, err
		}
		return discount.NewTimeRangeInDayRule[*basket.Basket](start.Hour(), start.Minute(), end.Hour(), end.Minute()), nil

	case "min_age":
		if rj.MinAge <= 0 {
			return nil, invalid("min_age must be positive")
		}
		return discount.ForBuyer(discount.MinAgeRule{MinAge: rj.MinAge}), nil

	case "condition":
		if rj.If == nil || rj.Then == nil {
			return nil, invalid("condition requires if and then")
		}
		cond, err := f.ruleFromJSON(*rj.If, depth+1)
		if err != nil {
			return nil, err
		}
		then, err := f.ruleFromJSON(*rj.Then, depth+1)
		if err != nil {
			return nil, err
		}
		return discount.ConditionRule[*basket.Basket]{Condition: cond, Then: then}, nil

	case "and", "or":
		rules := make([]discount.BasketRule, 0, len(rj.Rules))
		for _, child := range rj.Rules {
			r, err := f.ruleFromJSON(child, depth+1)
			if err != nil {
				return nil, err
			}
			rules = append(rules, r)
		}
		if rj.Type == "and" {
			return discount.AndRule[*basket.Basket]{Rules: rules}, nil
		}
		return discount.OrRule[*basket.Basket]{Rules: rules}, nil

	case "not":
		if rj.Rule == nil {
			return nil, invalid("not requires rule")
		}
		inner, err := f.ruleFromJSON(*rj.Rule, depth+1)
		if err != nil {
			return nil, err
		}
		return discount.NotRule[*basket.Basket]{Rule: inner}, nil

	case "always":
		return discount.Always[*basket.Basket]{}, nil

	default:
		return nil, invalid("unknown rule type %q", rj.Type)
	}
}

// =============================================================================
// GO TO JSON
// =============================================================================

// ToJSON converts a Discount to DiscountJSON.
func (f *DiscountFactory) ToJSON(d *discount.Discount) (DiscountJSON, error) {
	dj := DiscountJSON{
		ID:   d.ID,
		Kind: string(d.Kind),
	}
	if !d.ExpirationDate.IsZero() {
		dj.ExpirationDate = d.ExpirationDate.UTC().Format(time.RFC3339Nano)
	}
	if d.Rule != nil {
		rj, err := f.RuleToJSON(d.Rule)
		if err != nil {
			return DiscountJSON{}, err
		}
		dj.Rule = &rj
	}

	switch d.Kind {
	case discount.KindFixed:
		id := int64(d.Fixed.ProductID)
		amount := d.Fixed.Amount
		dj.ProductID = &id
		dj.Amount = &amount
	case discount.KindConditional:
		base, err := f.ToJSON(d.Conditional.Base)
		if err != nil {
			return DiscountJSON{}, err
		}
		dj.MustHave = int64s(d.Conditional.MustHave)
		dj.Base = &base
	case discount.KindCategoryOrPercentage:
		pct := d.Percentage.Percentage
		dj.Category = d.Percentage.Category
		dj.ProductIDs = int64s(d.Percentage.ProductIDs)
		dj.Percentage = &pct
	default:
		return DiscountJSON{}, invalid("unknown discount kind %q", d.Kind)
	}
	return dj, nil
}

// RuleToJSON converts a basket rule to RuleJSON. Only rule types the factory
// can parse are supported.
func (f *DiscountFactory) RuleToJSON(rule discount.BasketRule) (RuleJSON, error) {
	switch r := rule.(type) {
	case discount.AllItemsRule:
		return RuleJSON{Type: "all_items", ProductIDs: int64s(r.ProductIDs)}, nil
	case discount.MinProductAmountRule:
		id := int64(r.ProductID)
		return RuleJSON{Type: "min_product_amount", ProductID: &id, MinAmount: r.MinAmount}, nil
	case discount.MinBasketPriceRule:
		price := r.MinPrice
		return RuleJSON{Type: "min_basket_price", MinPrice: &price}, nil
	case discount.TimeRangeInDayRule[*basket.Basket]:
		return RuleJSON{
			Type:  "time_range",
			Start: fmt.Sprintf("%02d:%02d", r.StartHour, r.StartMinute),
			End:   fmt.Sprintf("%02d:%02d", r.EndHour, r.EndMinute),
		}, nil
	case discount.BuyerRule:
		age, ok := r.Rule.(discount.MinAgeRule)
		if !ok {
			return RuleJSON{}, invalid("unsupported buyer rule %T", r.Rule)
		}
		return RuleJSON{Type: "min_age", MinAge: age.MinAge}, nil
	case discount.ConditionRule[*basket.Basket]:
		cond, err := f.RuleToJSON(r.Condition)
		if err != nil {
			return RuleJSON{}, err
		}
		then, err := f.RuleToJSON(r.Then)
		if err != nil {
			return RuleJSON{}, err
		}
		return RuleJSON{Type: "condition", If: &cond, Then: &then}, nil
	case discount.AndRule[*basket.Basket]:
		rules, err := f.rulesToJSON(r.Rules)
		return RuleJSON{Type: "and", Rules: rules}, err
	case discount.OrRule[*basket.Basket]:
		rules, err := f.rulesToJSON(r.Rules)
		return RuleJSON{Type: "or", Rules: rules}, err
	case discount.NotRule[*basket.Basket]:
		inner, err := f.RuleToJSON(r.Rule)
		if err != nil {
			return RuleJSON{}, err
		}
		return RuleJSON{Type: "not", Rule: &inner}, nil
	case discount.Always[*basket.Basket]:
		return RuleJSON{Type: "always"}, nil
	default:
		return RuleJSON{}, invalid("unsupported rule %T", rule)
	}
}

func (f *DiscountFactory) rulesToJSON(rules []discount.BasketRule) ([]RuleJSON, error) {
	out := make([]RuleJSON, 0, len(rules))
	for _, r := range rules {
		rj, err := f.RuleToJSON(r)
		if err != nil {
			return nil, err
		}
		out = append(out, rj)
	}
	return out, nil
}

// MarshalDiscount renders d as the JSON the store persists.
func (f *DiscountFactory) MarshalDiscount(d *discount.Discount) (string, error) {
	dj, err := f.ToJSON(d)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(dj)
	if err != nil {
		return "", fmt.Errorf("failed to marshal discount %d: %w", d.ID, err)
	}
	return string(b), nil
}

// MarshalRule renders rule as JSON. A nil rule marshals to the empty string.
func (f *DiscountFactory) MarshalRule(rule discount.BasketRule) (string, error) {
	if rule == nil {
		return "", nil
	}
	rj, err := f.RuleToJSON(rule)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(rj)
	if err != nil {
		return "", fmt.Errorf("failed to marshal rule: %w", err)
	}
	return string(b), nil
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parseClock(s string) (time.Time, error) {
	t, err := time.Parse(clockLayout, s)
	if err != nil {
		return time.Time{}, invalid("invalid time of day %q, want HH:MM", s)
	}
	return t, nil
}

func productIDs(ids []int64) []basket.ProductID {
	if len(ids) == 0 {
		return nil
	}
	out := make([]basket.ProductID, len(ids))
	for i, id := range ids {
		out[i] = basket.ProductID(id)
	}
	return out
}

func int64s(ids []basket.ProductID) []int64 {
	if len(ids) == 0 {
		return nil
	}
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", discount.ErrInvalidDiscount, fmt.Sprintf(format, args...))
}
