package shop

import (
	"errors"
	"fmt"

	"github.com/warp/marketplace-engine/authority"
	"github.com/warp/marketplace-engine/basket"
	"github.com/warp/marketplace-engine/discount"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrShopClosed is returned by every mutating operation on a closed shop.
	ErrShopClosed = errors.New("shop is closed")

	// ErrShopNotFound is returned by the registry for an unknown shop id.
	ErrShopNotFound = errors.New("shop not found")

	// ErrPolicyViolation is returned when a basket fails the shop's purchase policy.
	ErrPolicyViolation = errors.New("purchase policy violated")

	// ErrPersistence wraps store failures. The in-memory shop state is left
	// as it was before the operation.
	ErrPersistence = errors.New("persistence failed")
)

// PolicyViolationError names the shop and the rule the basket failed.
type PolicyViolationError struct {
	ShopID int64
	Policy string
}

func (e *PolicyViolationError) Error() string {
	return fmt.Sprintf("shop %d: purchase policy violated: %s", e.ShopID, e.Policy)
}

func (e *PolicyViolationError) Unwrap() error { return ErrPolicyViolation }

func closed(id int64) error {
	return fmt.Errorf("%w: %d", ErrShopClosed, id)
}

func persistence(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound reports whether err refers to a missing shop, role, or discount.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrShopNotFound) ||
		errors.Is(err, authority.ErrNotAMember) ||
		errors.Is(err, discount.ErrDiscountNotFound)
}

// IsConflict reports whether err is a state conflict the caller can resolve
// by re-reading the shop.
func IsConflict(err error) bool {
	return errors.Is(err, ErrShopClosed) || errors.Is(err, authority.ErrAlreadyMember)
}

// IsClientError reports whether err was caused by the caller's input or
// identity rather than by the system.
func IsClientError(err error) bool {
	return authority.IsClientError(err) ||
		IsNotFound(err) ||
		IsConflict(err) ||
		errors.Is(err, ErrPolicyViolation) ||
		errors.Is(err, discount.ErrInvalidDiscount) ||
		errors.Is(err, basket.ErrInvalidLine)
}
