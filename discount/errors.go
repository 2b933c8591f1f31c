package discount

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDiscountExpired is signaled when a discount is evaluated after its
	// expiration date. The ledger recovers from it by evicting the discount.
	ErrDiscountExpired = errors.New("discount expired")

	// ErrDiscountNotFound is returned when no active discount has the given id.
	ErrDiscountNotFound = errors.New("discount not found")

	// ErrInvalidDiscount is returned for malformed discount or rule parameters.
	ErrInvalidDiscount = errors.New("invalid discount")
)

// DiscountExpiredError identifies which discount expired and when.
type DiscountExpiredError struct {
	ID        int64
	ExpiredAt time.Time
}

func (e *DiscountExpiredError) Error() string {
	return fmt.Sprintf("discount %d expired at %s", e.ID, e.ExpiredAt.Format(time.RFC3339))
}

func (e *DiscountExpiredError) Unwrap() error { return ErrDiscountExpired }

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidDiscount, fmt.Sprintf(format, args...))
}
