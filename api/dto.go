/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the shop engine's domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Shops:
    OpenShopRequest (responses use shop.Info directly)

  Roles:
    RoleDTO, RolesResponse, AppointManagerRequest, AppointOwnerRequest,
    PermissionsRequest, RemovedResponse, PermissionCheckResponse

  Discounts:
    DiscountDTO (wraps factory.DiscountJSON), AddDiscountResponse

  Checkout:
    BasketRequest, BasketLineRequest, BuyerRequest, CheckoutResponse,
    PricedLineDTO, TierDTO

  Purchase policy:
    PolicyRequest (wraps factory.RuleJSON), PolicyCheckResponse

VALIDATION:
  Shape checks live in `validate` struct tags and run in decode() before a
  handler sees the request. Domain checks (known permissions, empty sets,
  rule semantics) stay in the domain packages.

MONEY:
  Prices are decimal.Decimal. Requests accept either a JSON number or a
  string; responses always carry strings so no precision is lost.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/discount.go: DiscountJSON and RuleJSON
*/
package api

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/marketplace-engine/authority"
	"github.com/warp/marketplace-engine/basket"
	"github.com/warp/marketplace-engine/factory"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// OpenShopRequest is the request to open a shop. The founder is the actor.
type OpenShopRequest struct {
	Name string `json:"name" validate:"required,max=120"`
}

// RoleDTO represents one role in API responses.
type RoleDTO struct {
	Username     string   `json:"username"`
	AppointedBy  string   `json:"appointed_by,omitempty"`
	Permissions  []string `json:"permissions"`
	Appointments []string `json:"appointments"`
}

// RolesResponse carries the indented roles report and the structured roles.
type RolesResponse struct {
	Info  string    `json:"info"`
	Roles []RoleDTO `json:"roles"`
}

// AppointManagerRequest is the request to appoint a manager.
type AppointManagerRequest struct {
	Username    string   `json:"username" validate:"required"`
	Permissions []string `json:"permissions" validate:"required,dive,required"`
}

// AppointOwnerRequest is the request to appoint an owner.
type AppointOwnerRequest struct {
	Username string `json:"username" validate:"required"`
}

// PermissionsRequest carries the permission set for modify/add/delete.
type PermissionsRequest struct {
	Permissions []string `json:"permissions" validate:"required,dive,required"`
}

// RemovedResponse lists the usernames removed by a fire or a resignation.
type RemovedResponse struct {
	Removed []string `json:"removed"`
}

// PermissionCheckResponse answers a permission query.
type PermissionCheckResponse struct {
	Username    string   `json:"username"`
	Permissions []string `json:"permissions"`
	Mode        string   `json:"mode"`
	Allowed     bool     `json:"allowed"`
}

// DiscountDTO represents an active discount.
type DiscountDTO struct {
	ID          int64                `json:"id"`
	Description string               `json:"description"`
	Config      factory.DiscountJSON `json:"config"`
}

// AddDiscountResponse returns the id assigned to a new discount.
type AddDiscountResponse struct {
	ID int64 `json:"id"`
}

// BasketRequest is a basket submitted for checkout pricing or policy checks.
type BasketRequest struct {
	Lines []BasketLineRequest `json:"lines" validate:"required,min=1,dive"`
	Buyer *BuyerRequest       `json:"buyer,omitempty"`
}

// BasketLineRequest is one product line of a basket.
type BasketLineRequest struct {
	ProductID int64           `json:"product_id" validate:"gt=0"`
	Quantity  int             `json:"quantity" validate:"gt=0"`
	Price     decimal.Decimal `json:"price"`
	Category  string          `json:"category,omitempty" validate:"max=64"`
}

// BuyerRequest identifies the buyer for user rules such as min_age.
type BuyerRequest struct {
	Username  string `json:"username,omitempty"`
	BirthDate string `json:"birth_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

// CheckoutResponse is a basket after discounts were applied. Evicted lists
// discounts found expired during the pass.
type CheckoutResponse struct {
	Evicted      []int64         `json:"evicted"`
	CatalogTotal decimal.Decimal `json:"catalog_total"`
	Total        decimal.Decimal `json:"total"`
	Lines        []PricedLineDTO `json:"lines"`
}

// PricedLineDTO shows how one product's units ended up priced.
type PricedLineDTO struct {
	ProductID    int64           `json:"product_id"`
	Quantity     int             `json:"quantity"`
	CatalogPrice decimal.Decimal `json:"catalog_price"`
	Tiers        []TierDTO       `json:"tiers"`
}

// TierDTO is a number of units at one unit price.
type TierDTO struct {
	Price    decimal.Decimal `json:"price"`
	Quantity int             `json:"quantity"`
}

// PolicyRequest sets the purchase policy. A null rule clears it.
type PolicyRequest struct {
	Rule *factory.RuleJSON `json:"rule"`
}

// PolicyCheckResponse reports a basket that satisfies the purchase policy.
type PolicyCheckResponse struct {
	Allowed bool   `json:"allowed"`
	Policy  string `json:"policy,omitempty"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toRoleDTO(r authority.RoleSnapshot) RoleDTO {
	perms := make([]string, len(r.Permissions))
	for i, p := range r.Permissions {
		perms[i] = string(p)
	}
	appointments := r.Appointments
	if appointments == nil {
		appointments = []string{}
	}
	return RoleDTO{
		Username:     r.Username,
		AppointedBy:  r.AppointedBy,
		Permissions:  perms,
		Appointments: appointments,
	}
}

// toBasket builds a domain basket for shopID from the request.
func (req BasketRequest) toBasket(shopID int64) (*basket.Basket, error) {
	b := basket.NewBasket(shopID)
	for _, line := range req.Lines {
		if err := b.Add(basket.ProductID(line.ProductID), line.Quantity, line.Price, line.Category); err != nil {
			return nil, fmt.Errorf("product %d: %w", line.ProductID, err)
		}
	}
	if req.Buyer != nil {
		buyer := &basket.Buyer{Username: req.Buyer.Username}
		if req.Buyer.BirthDate != "" {
			born, err := time.Parse("2006-01-02", req.Buyer.BirthDate)
			if err != nil {
				return nil, fmt.Errorf("birth_date: %w", err)
			}
			buyer.BirthDate = born
		}
		b.Buyer = buyer
	}
	return b, nil
}

func toCheckoutResponse(b *basket.Basket, evicted []int64) CheckoutResponse {
	if evicted == nil {
		evicted = []int64{}
	}
	resp := CheckoutResponse{
		Evicted:      evicted,
		CatalogTotal: b.CatalogTotal(),
		Total:        b.Total(),
		Lines:        []PricedLineDTO{},
	}
	for _, id := range b.ProductIDs() {
		line, _ := b.Line(id)
		dto := PricedLineDTO{
			ProductID:    int64(id),
			Quantity:     line.Quantity,
			CatalogPrice: line.Price,
		}
		for _, t := range b.Ledger().Tiers(id) {
			dto.Tiers = append(dto.Tiers, TierDTO{Price: t.Price, Quantity: t.Quantity})
		}
		resp.Lines = append(resp.Lines, dto)
	}
	return resp
}
