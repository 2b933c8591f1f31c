package basket_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/marketplace-engine/basket"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newLedger(t *testing.T, lines map[basket.ProductID]basket.Line) *basket.PriceLedger {
	t.Helper()
	l := basket.NewPriceLedger()
	l.Reset(lines)
	return l
}

// assertTiers compares tiers by value so 7 and 7.00 are equal.
func assertTiers(t *testing.T, want []basket.Tier, got []basket.Tier) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		assert.True(t, want[i].Price.Equal(got[i].Price), "tier %d price: want %s got %s", i, want[i].Price, got[i].Price)
		assert.Equal(t, want[i].Quantity, got[i].Quantity, "tier %d quantity", i)
	}
}

// =============================================================================
// APPLY UNIT DISCOUNT
// =============================================================================

func TestApplyUnitDiscount_MovesOneUnit(t *testing.T) {
	// GIVEN: product 7 has 5 units at 10.00
	// WHEN: a 3.00 unit discount is applied twice
	// THEN: one unit moves to 7.00 each time
	l := newLedger(t, map[basket.ProductID]basket.Line{7: {Quantity: 5, Price: dec("10.0")}})

	require.NoError(t, l.ApplyUnitDiscount(7, dec("3.0")))
	assertTiers(t, []basket.Tier{{Price: dec("10"), Quantity: 4}, {Price: dec("7"), Quantity: 1}}, l.Tiers(7))

	require.NoError(t, l.ApplyUnitDiscount(7, dec("3.0")))
	assertTiers(t, []basket.Tier{{Price: dec("10"), Quantity: 3}, {Price: dec("7"), Quantity: 2}}, l.Tiers(7))

	assert.Equal(t, 5, l.Quantity(7), "sum of tier quantities is preserved")
}

func TestApplyUnitDiscount_AlwaysTakesHighestTier(t *testing.T) {
	l := newLedger(t, map[basket.ProductID]basket.Line{7: {Quantity: 2, Price: dec("10")}})

	require.NoError(t, l.ApplyUnitDiscount(7, dec("3")))
	require.NoError(t, l.ApplyUnitDiscount(7, dec("3")))
	// both units at 7 now; the next discount takes from the 7 tier
	require.NoError(t, l.ApplyUnitDiscount(7, dec("3")))

	assertTiers(t, []basket.Tier{{Price: dec("7"), Quantity: 1}, {Price: dec("4"), Quantity: 1}}, l.Tiers(7))
}

func TestApplyUnitDiscount_RemovesEmptyTier(t *testing.T) {
	l := newLedger(t, map[basket.ProductID]basket.Line{7: {Quantity: 1, Price: dec("10")}})

	require.NoError(t, l.ApplyUnitDiscount(7, dec("2.5")))
	assertTiers(t, []basket.Tier{{Price: dec("7.5"), Quantity: 1}}, l.Tiers(7))
}

func TestApplyUnitDiscount_MergesIntoExistingTier(t *testing.T) {
	l := newLedger(t, map[basket.ProductID]basket.Line{7: {Quantity: 3, Price: dec("10")}})

	require.NoError(t, l.ApplyUnitDiscount(7, dec("4")))  // 10x2, 6x1
	require.NoError(t, l.ApplyUnitDiscount(7, dec("4")))  // 10x1, 6x2
	require.NoError(t, l.ApplyUnitDiscount(7, dec("10"))) // 6x2, 0x1

	assertTiers(t, []basket.Tier{{Price: dec("6"), Quantity: 2}, {Price: dec("0"), Quantity: 1}}, l.Tiers(7))
}

func TestApplyUnitDiscount_FloorsAtZero(t *testing.T) {
	l := newLedger(t, map[basket.ProductID]basket.Line{7: {Quantity: 1, Price: dec("10")}})

	require.NoError(t, l.ApplyUnitDiscount(7, dec("25")))
	assertTiers(t, []basket.Tier{{Price: dec("0"), Quantity: 1}}, l.Tiers(7))
	assert.True(t, l.Total().IsZero())
}

func TestApplyUnitDiscount_AbsentProduct(t *testing.T) {
	l := newLedger(t, map[basket.ProductID]basket.Line{7: {Quantity: 1, Price: dec("10")}})

	err := l.ApplyUnitDiscount(9, dec("1"))
	assert.ErrorIs(t, err, basket.ErrNoSuchProductInBasket)
	assertTiers(t, []basket.Tier{{Price: dec("10"), Quantity: 1}}, l.Tiers(7))
}

func TestTotals(t *testing.T) {
	l := newLedger(t, map[basket.ProductID]basket.Line{
		7: {Quantity: 2, Price: dec("10")},
		9: {Quantity: 1, Price: dec("4.50")},
	})
	require.NoError(t, l.ApplyUnitDiscount(7, dec("1")))

	assert.True(t, dec("19").Equal(l.ProductTotal(7)))
	assert.True(t, dec("23.5").Equal(l.Total()))
	assert.Equal(t, []basket.ProductID{7, 9}, l.Products())
}

// =============================================================================
// BASKET
// =============================================================================

func TestBasket_AddAndReset(t *testing.T) {
	b := basket.NewBasket(1)
	require.NoError(t, b.Add(7, 2, dec("10"), "books"))
	require.NoError(t, b.Add(7, 1, dec("10"), ""))

	assert.Equal(t, 3, b.Quantity(7))
	line, ok := b.Line(7)
	require.True(t, ok)
	assert.Equal(t, "books", line.Category)

	require.NoError(t, b.Ledger().ApplyUnitDiscount(7, dec("5")))
	assert.True(t, dec("25").Equal(b.Total()))
	assert.True(t, dec("30").Equal(b.CatalogTotal()), "catalog lines are never discounted")

	b.ResetPrices()
	assert.True(t, dec("30").Equal(b.Total()))
}

func TestBasket_RejectsInvalidLines(t *testing.T) {
	b := basket.NewBasket(1)
	assert.ErrorIs(t, b.Add(7, 0, dec("10"), ""), basket.ErrInvalidLine)
	assert.ErrorIs(t, b.Add(7, 1, dec("-1"), ""), basket.ErrInvalidLine)
	assert.Empty(t, b.ProductIDs())
}

func TestBuyer_AgeAt(t *testing.T) {
	buyer := basket.Buyer{Username: "zoe", BirthDate: time.Date(2008, time.June, 15, 0, 0, 0, 0, time.UTC)}

	assert.Equal(t, 17, buyer.AgeAt(time.Date(2026, time.June, 14, 12, 0, 0, 0, time.UTC)))
	assert.Equal(t, 18, buyer.AgeAt(time.Date(2026, time.June, 15, 12, 0, 0, 0, time.UTC)))
}
