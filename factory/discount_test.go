package factory

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/marketplace-engine/basket"
	"github.com/warp/marketplace-engine/discount"
)

var now = time.Date(2026, time.March, 10, 23, 30, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func basketOf(t *testing.T, lines map[basket.ProductID]basket.Line) *basket.Basket {
	t.Helper()
	b := basket.NewBasket(1)
	for id, l := range lines {
		require.NoError(t, b.Add(id, l.Quantity, l.Price, l.Category))
	}
	b.SetEvaluationTime(now)
	return b
}

func TestParseDiscount_Fixed(t *testing.T) {
	f := NewDiscountFactory()

	d, err := f.ParseDiscount(`{"kind":"fixed","product_id":7,"amount":"2.5","expiration_date":"2026-12-31T23:59:59Z"}`)
	require.NoError(t, err)

	assert.Equal(t, discount.KindFixed, d.Kind)
	assert.Equal(t, basket.ProductID(7), d.Fixed.ProductID)
	assert.True(t, dec("2.5").Equal(d.Fixed.Amount))
	assert.Equal(t, time.Date(2026, time.December, 31, 23, 59, 59, 0, time.UTC), d.ExpirationDate)
	assert.Nil(t, d.Rule)
}

func TestParseDiscount_NumericAmount(t *testing.T) {
	d, err := NewDiscountFactory().ParseDiscount(`{"kind":"fixed","product_id":7,"amount":3}`)
	require.NoError(t, err)
	assert.True(t, dec("3").Equal(d.Fixed.Amount))
	assert.True(t, d.ExpirationDate.IsZero())
}

func TestParseDiscount_ConditionalWithTimeGate(t *testing.T) {
	f := NewDiscountFactory()

	d, err := f.ParseDiscount(`{
		"kind": "conditional",
		"must_have": [7, 9],
		"rule": {"type": "time_range", "start": "22:00", "end": "06:00"},
		"base": {"kind": "fixed", "product_id": 7, "amount": "1"}
	}`)
	require.NoError(t, err)

	// GIVEN: a basket with both must-have products at 23:30
	b := basketOf(t, map[basket.ProductID]basket.Line{
		7: {Quantity: 2, Price: dec("10")},
		9: {Quantity: 1, Price: dec("4")},
	})

	// WHEN: the discount is applied
	require.NoError(t, d.Apply(b, now))

	// THEN: one unit of product 7 is discounted
	tiers := b.Ledger().Tiers(7)
	require.Len(t, tiers, 2)
	assert.True(t, dec("10").Equal(tiers[0].Price))
	assert.True(t, dec("9").Equal(tiers[1].Price))
	assert.Equal(t, 1, tiers[1].Quantity)
}

func TestParseDiscount_Percentage(t *testing.T) {
	d, err := NewDiscountFactory().ParseDiscount(`{"kind":"category_or_percentage","category":"dairy","percentage":"20"}`)
	require.NoError(t, err)
	assert.Equal(t, "dairy", d.Percentage.Category)
	assert.True(t, dec("20").Equal(d.Percentage.Percentage))
}

func TestParseDiscount_Invalid(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"malformed", `{"kind":`},
		{"unknown kind", `{"kind":"bogo"}`},
		{"fixed missing amount", `{"kind":"fixed","product_id":7}`},
		{"fixed negative amount", `{"kind":"fixed","product_id":7,"amount":"-1"}`},
		{"conditional missing base", `{"kind":"conditional","must_have":[7]}`},
		{"conditional missing must_have", `{"kind":"conditional","base":{"kind":"fixed","product_id":7,"amount":"1"}}`},
		{"percentage over 100", `{"kind":"category_or_percentage","category":"x","percentage":"101"}`},
		{"percentage without target", `{"kind":"category_or_percentage","percentage":"10"}`},
		{"bad expiration", `{"kind":"fixed","product_id":7,"amount":"1","expiration_date":"tomorrow"}`},
		{"bad rule", `{"kind":"fixed","product_id":7,"amount":"1","rule":{"type":"sometimes"}}`},
	}

	f := NewDiscountFactory()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := f.ParseDiscount(tt.json)
			assert.Nil(t, d)
			assert.ErrorIs(t, err, discount.ErrInvalidDiscount)
		})
	}
}

func TestParseRule_Composite(t *testing.T) {
	f := NewDiscountFactory()

	// alcohol (12) requires an adult buyer
	rule, err := f.ParseRule(`{
		"type": "condition",
		"if": {"type": "all_items", "product_ids": [12]},
		"then": {"type": "min_age", "min_age": 18}
	}`)
	require.NoError(t, err)

	b := basketOf(t, map[basket.ProductID]basket.Line{12: {Quantity: 1, Price: dec("30")}})
	b.Buyer = &basket.Buyer{Username: "zoe", BirthDate: now.AddDate(-16, 0, 0)}
	assert.False(t, rule.Predicate(b))

	b.Buyer.BirthDate = now.AddDate(-40, 0, 0)
	assert.True(t, rule.Predicate(b))

	other := basketOf(t, map[basket.ProductID]basket.Line{3: {Quantity: 1, Price: dec("2")}})
	assert.True(t, rule.Predicate(other), "condition not met is vacuously true")
}

func TestParseRule_Invalid(t *testing.T) {
	f := NewDiscountFactory()
	for _, js := range []string{
		`{"type":"all_items"}`,
		`{"type":"min_product_amount"}`,
		`{"type":"min_basket_price"}`,
		`{"type":"time_range","start":"25:00","end":"06:00"}`,
		`{"type":"min_age","min_age":0}`,
		`{"type":"condition","if":{"type":"always"}}`,
		`{"type":"not"}`,
		`{"type":"and","rules":[{"type":"nope"}]}`,
	} {
		_, err := f.ParseRule(js)
		assert.ErrorIs(t, err, discount.ErrInvalidDiscount, js)
	}
}

func TestParseRule_DepthLimit(t *testing.T) {
	js := `{"type":"always"}`
	for i := 0; i <= maxDepth+1; i++ {
		js = `{"type":"not","rule":` + js + `}`
	}
	_, err := NewDiscountFactory().ParseRule(js)
	assert.ErrorIs(t, err, discount.ErrInvalidDiscount)
}

func TestMarshalDiscount_RoundTrip(t *testing.T) {
	f := NewDiscountFactory()
	src := `{
		"kind": "conditional",
		"expiration_date": "2026-12-31T23:59:59Z",
		"must_have": [7, 9],
		"rule": {"type": "or", "rules": [
			{"type": "min_basket_price", "min_price": "50"},
			{"type": "not", "rule": {"type": "min_product_amount", "product_id": 3, "min_amount": 2}}
		]},
		"base": {"kind": "category_or_percentage", "category": "dairy", "product_ids": [4], "percentage": "15"}
	}`

	d, err := f.ParseDiscount(src)
	require.NoError(t, err)
	d.ID = 42

	raw, err := f.MarshalDiscount(d)
	require.NoError(t, err)

	back, err := f.ParseDiscount(raw)
	require.NoError(t, err)

	assert.Equal(t, int64(42), back.ID)
	assert.Equal(t, d.String(), back.String())
	assert.Equal(t, d.ExpirationDate, back.ExpirationDate)
}

func TestMarshalDiscount_KeepsSubSecondExpiry(t *testing.T) {
	f := NewDiscountFactory()
	expires := time.Date(2026, time.March, 11, 8, 15, 30, 250_000_000, time.UTC)
	d, err := discount.NewFixedDiscount(7, dec("1"), expires, nil)
	require.NoError(t, err)

	raw, err := f.MarshalDiscount(d)
	require.NoError(t, err)
	back, err := f.ParseDiscount(raw)
	require.NoError(t, err)

	assert.True(t, expires.Equal(back.ExpirationDate), "got %s", back.ExpirationDate)
	assert.False(t, back.Expired(expires.Add(-time.Millisecond)))
}

func TestMarshalRule(t *testing.T) {
	f := NewDiscountFactory()

	empty, err := f.MarshalRule(nil)
	require.NoError(t, err)
	assert.Empty(t, empty)

	rule := discount.NewTimeRangeInDayRule[*basket.Basket](9, 5, 17, 0)
	raw, err := f.MarshalRule(rule)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"time_range","start":"09:05","end":"17:00"}`, raw)

	back, err := f.ParseRule(raw)
	require.NoError(t, err)
	assert.Equal(t, rule, back)
}

func TestRuleToJSON_Unsupported(t *testing.T) {
	_, err := NewDiscountFactory().RuleToJSON(discount.ForBuyer(discount.NotRule[discount.UserContext]{Rule: discount.MinAgeRule{MinAge: 1}}))
	assert.ErrorIs(t, err, discount.ErrInvalidDiscount)
}
