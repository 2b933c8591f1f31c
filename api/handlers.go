/*
handlers.go - HTTP API handlers for the marketplace shop engine

PURPOSE:
  Exposes shops, their authority trees, discounts and purchase policies via
  a REST API. Handles HTTP request/response, JSON serialization, and
  delegates to the shop registry.

ENDPOINTS:
  Shops:
    GET    /api/shops                          List shops
    POST   /api/shops                          Open a shop (founder = actor)
    GET    /api/shops/{shopID}                 Shop summary
    POST   /api/shops/{shopID}/close           Close
    POST   /api/shops/{shopID}/reopen          Reopen

  Roles:
    GET    /api/shops/{shopID}/permissions/check   Permission query
    GET    /api/shops/{shopID}/roles               Roles report
    POST   /api/shops/{shopID}/roles/managers      Appoint manager
    POST   /api/shops/{shopID}/roles/owners        Appoint owner
    PUT    /api/shops/{shopID}/roles/{username}/permissions         Replace
    POST   /api/shops/{shopID}/roles/{username}/permissions/add     Grant
    POST   /api/shops/{shopID}/roles/{username}/permissions/delete  Revoke
    DELETE /api/shops/{shopID}/roles/{username}    Fire (cascades)
    POST   /api/shops/{shopID}/resign              Actor resigns (cascades)

  Discounts:
    GET    /api/shops/{shopID}/discounts           List active discounts
    POST   /api/shops/{shopID}/discounts           Add (factory JSON)
    DELETE /api/shops/{shopID}/discounts/{id}      Remove
    POST   /api/shops/{shopID}/checkout/discounts  Price a basket

  Purchase policy:
    PUT    /api/shops/{shopID}/policy              Set (rule JSON)
    POST   /api/shops/{shopID}/policy/check        Validate a basket

IDENTITY:
  The acting user is the X-Username header. Issuing and verifying
  credentials is somebody else's job; a missing header is 401.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, empty permission sets, invalid discounts
  - 401: Missing X-Username
  - 403: Permission denied
  - 404: Shop, member or discount not found
  - 409: Already a member, shop closed
  - 422: Purchase policy violated
  - 500: Persistence and other internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - shop/registry.go: The registry every handler delegates to
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/warp/marketplace-engine/authority"
	"github.com/warp/marketplace-engine/basket"
	"github.com/warp/marketplace-engine/discount"
	"github.com/warp/marketplace-engine/factory"
	"github.com/warp/marketplace-engine/shop"
)

// ActorHeader names the request header carrying the acting username.
const ActorHeader = "X-Username"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Registry *shop.Registry
	Factory  *factory.DiscountFactory

	log      zerolog.Logger
	validate *validator.Validate
}

// NewHandler creates a new handler serving the given registry.
func NewHandler(reg *shop.Registry, log zerolog.Logger) *Handler {
	return &Handler{
		Registry: reg,
		Factory:  factory.NewDiscountFactory(),
		log:      log,
		validate: validator.New(),
	}
}

// =============================================================================
// SHOP ENDPOINTS
// =============================================================================

// ListShops returns every shop, open or closed.
func (h *Handler) ListShops(w http.ResponseWriter, r *http.Request) {
	shops := h.Registry.List()
	infos := make([]shop.Info, len(shops))
	for i, s := range shops {
		infos[i] = s.Info()
	}
	writeJSON(w, http.StatusOK, infos)
}

// OpenShop opens a shop founded by the actor.
func (h *Handler) OpenShop(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req OpenShopRequest
	if !h.decode(w, r, &req) {
		return
	}

	s, err := h.Registry.Open(r.Context(), actor, req.Name)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.Info())
}

// GetShop returns a shop summary.
func (h *Handler) GetShop(w http.ResponseWriter, r *http.Request) {
	s, ok := h.shop(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.Info())
}

// CloseShop closes a shop.
func (h *Handler) CloseShop(w http.ResponseWriter, r *http.Request) {
	s, actor, ok := h.shopAndActor(w, r)
	if !ok {
		return
	}
	if err := s.Close(r.Context(), actor); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Info())
}

// ReopenShop reopens a closed shop.
func (h *Handler) ReopenShop(w http.ResponseWriter, r *http.Request) {
	s, actor, ok := h.shopAndActor(w, r)
	if !ok {
		return
	}
	if err := s.Reopen(r.Context(), actor); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Info())
}

// =============================================================================
// ROLE ENDPOINTS
// =============================================================================

// CheckPermission answers whether a member holds a permission, any of a
// list (mode=any, the default) or all of a list (mode=all).
//
// Query: ?username=carol&permission=ADD_PRODUCT,REMOVE_PRODUCT&mode=all
func (h *Handler) CheckPermission(w http.ResponseWriter, r *http.Request) {
	s, ok := h.shop(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	username := q.Get("username")
	if username == "" {
		writeError(w, http.StatusBadRequest, "username is required", nil)
		return
	}
	var names []string
	for _, name := range strings.Split(q.Get("permission"), ",") {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	perms, err := authority.ParsePermissions(names)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	mode := q.Get("mode")
	var allowed bool
	switch mode {
	case "", "any":
		mode = "any"
		allowed, err = s.CheckAtLeastOnePermission(username, perms)
	case "all":
		allowed, err = s.CheckAllPermissions(username, perms)
	default:
		writeError(w, http.StatusBadRequest, "mode must be any or all", nil)
		return
	}
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, PermissionCheckResponse{
		Username:    username,
		Permissions: perms.Strings(),
		Mode:        mode,
		Allowed:     allowed,
	})
}

// GetRoles returns the roles report. The actor needs GET_ROLES_INFO.
func (h *Handler) GetRoles(w http.ResponseWriter, r *http.Request) {
	s, actor, ok := h.shopAndActor(w, r)
	if !ok {
		return
	}
	info, err := s.RolesInfo(actor)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	roles := s.Roles()
	resp := RolesResponse{Info: info, Roles: make([]RoleDTO, len(roles))}
	for i, role := range roles {
		resp.Roles[i] = toRoleDTO(role)
	}
	writeJSON(w, http.StatusOK, resp)
}

// AppointManager appoints a manager with the given permissions.
func (h *Handler) AppointManager(w http.ResponseWriter, r *http.Request) {
	s, actor, ok := h.shopAndActor(w, r)
	if !ok {
		return
	}
	var req AppointManagerRequest
	if !h.decode(w, r, &req) {
		return
	}
	perms, err := authority.ParsePermissions(req.Permissions)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	role, err := s.AppointManager(r.Context(), actor, req.Username, perms)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRoleDTO(role))
}

// AppointOwner appoints an owner.
func (h *Handler) AppointOwner(w http.ResponseWriter, r *http.Request) {
	s, actor, ok := h.shopAndActor(w, r)
	if !ok {
		return
	}
	var req AppointOwnerRequest
	if !h.decode(w, r, &req) {
		return
	}

	role, err := s.AppointOwner(r.Context(), actor, req.Username)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRoleDTO(role))
}

type permissionChange func(s *shop.Shop, r *http.Request, actor, target string, perms authority.PermissionSet) (authority.RoleSnapshot, error)

// ModifyPermissions replaces a manager's permissions.
func (h *Handler) ModifyPermissions(w http.ResponseWriter, r *http.Request) {
	h.changePermissions(w, r, func(s *shop.Shop, r *http.Request, actor, target string, perms authority.PermissionSet) (authority.RoleSnapshot, error) {
		return s.ModifyPermissions(r.Context(), actor, target, perms)
	})
}

// AddPermissions grants extra permissions to a manager.
func (h *Handler) AddPermissions(w http.ResponseWriter, r *http.Request) {
	h.changePermissions(w, r, func(s *shop.Shop, r *http.Request, actor, target string, perms authority.PermissionSet) (authority.RoleSnapshot, error) {
		return s.AddPermissions(r.Context(), actor, target, perms)
	})
}

// DeletePermissions revokes permissions from a manager.
func (h *Handler) DeletePermissions(w http.ResponseWriter, r *http.Request) {
	h.changePermissions(w, r, func(s *shop.Shop, r *http.Request, actor, target string, perms authority.PermissionSet) (authority.RoleSnapshot, error) {
		return s.DeletePermissions(r.Context(), actor, target, perms)
	})
}

func (h *Handler) changePermissions(w http.ResponseWriter, r *http.Request, change permissionChange) {
	s, actor, ok := h.shopAndActor(w, r)
	if !ok {
		return
	}
	var req PermissionsRequest
	if !h.decode(w, r, &req) {
		return
	}
	perms, err := authority.ParsePermissions(req.Permissions)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	role, err := change(s, r, actor, chi.URLParam(r, "username"), perms)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRoleDTO(role))
}

// FireRole removes a role and everything it appointed.
func (h *Handler) FireRole(w http.ResponseWriter, r *http.Request) {
	s, actor, ok := h.shopAndActor(w, r)
	if !ok {
		return
	}
	removed, err := s.FireRole(r.Context(), actor, chi.URLParam(r, "username"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RemovedResponse{Removed: removed})
}

// Resign removes the actor's own role and everything it appointed.
func (h *Handler) Resign(w http.ResponseWriter, r *http.Request) {
	s, actor, ok := h.shopAndActor(w, r)
	if !ok {
		return
	}
	removed, err := s.Resign(r.Context(), actor)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RemovedResponse{Removed: removed})
}

// =============================================================================
// DISCOUNT ENDPOINTS
// =============================================================================

// ListDiscounts returns the shop's active discounts in id order.
func (h *Handler) ListDiscounts(w http.ResponseWriter, r *http.Request) {
	s, ok := h.shop(w, r)
	if !ok {
		return
	}
	ds := s.Discounts()
	dtos := make([]DiscountDTO, 0, len(ds))
	for _, d := range ds {
		cfg, err := h.Factory.ToJSON(d)
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		dtos = append(dtos, DiscountDTO{ID: d.ID, Description: d.String(), Config: cfg})
	}
	writeJSON(w, http.StatusOK, dtos)
}

// AddDiscount parses a discount definition and adds it to the shop.
// The body is a DISCOUNT object as documented in factory/discount.go.
func (h *Handler) AddDiscount(w http.ResponseWriter, r *http.Request) {
	s, actor, ok := h.shopAndActor(w, r)
	if !ok {
		return
	}
	var req factory.DiscountJSON
	if !h.decode(w, r, &req) {
		return
	}
	d, err := h.Factory.FromJSON(req)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	id, err := s.AddDiscount(r.Context(), actor, d)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, AddDiscountResponse{ID: id})
}

// RemoveDiscount removes an active discount by id.
func (h *Handler) RemoveDiscount(w http.ResponseWriter, r *http.Request) {
	s, actor, ok := h.shopAndActor(w, r)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid discount id", err)
		return
	}
	if err := s.RemoveDiscount(r.Context(), actor, id); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ApplyDiscounts prices a basket with every active discount of the shop.
func (h *Handler) ApplyDiscounts(w http.ResponseWriter, r *http.Request) {
	s, ok := h.shop(w, r)
	if !ok {
		return
	}
	b, ok := h.basket(w, r, s.ID())
	if !ok {
		return
	}
	evicted, err := s.ApplyDiscounts(r.Context(), b)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCheckoutResponse(b, evicted))
}

// =============================================================================
// PURCHASE POLICY ENDPOINTS
// =============================================================================

// SetPolicy replaces the shop's purchase policy. {"rule": null} clears it.
func (h *Handler) SetPolicy(w http.ResponseWriter, r *http.Request) {
	s, actor, ok := h.shopAndActor(w, r)
	if !ok {
		return
	}
	var req PolicyRequest
	if !h.decode(w, r, &req) {
		return
	}

	var rule discount.BasketRule
	if req.Rule != nil {
		var err error
		if rule, err = h.Factory.RuleFromJSON(*req.Rule); err != nil {
			h.writeDomainError(w, r, err)
			return
		}
	}
	if err := s.SetPurchasePolicy(r.Context(), actor, rule); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Info())
}

// CheckPolicy validates a basket against the shop's purchase policy.
func (h *Handler) CheckPolicy(w http.ResponseWriter, r *http.Request) {
	s, ok := h.shop(w, r)
	if !ok {
		return
	}
	b, ok := h.basket(w, r, s.ID())
	if !ok {
		return
	}
	if err := s.ValidatePurchase(b); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PolicyCheckResponse{Allowed: true, Policy: s.Info().PurchasePolicy})
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (string, bool) {
	actor := strings.TrimSpace(r.Header.Get(ActorHeader))
	if actor == "" {
		writeError(w, http.StatusUnauthorized, ActorHeader+" header is required", nil)
		return "", false
	}
	return actor, true
}

func (h *Handler) shop(w http.ResponseWriter, r *http.Request) (*shop.Shop, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "shopID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid shop id", err)
		return nil, false
	}
	s, err := h.Registry.Get(id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return nil, false
	}
	return s, true
}

func (h *Handler) shopAndActor(w http.ResponseWriter, r *http.Request) (*shop.Shop, string, bool) {
	actor, ok := h.actor(w, r)
	if !ok {
		return nil, "", false
	}
	s, ok := h.shop(w, r)
	if !ok {
		return nil, "", false
	}
	return s, actor, true
}

func (h *Handler) basket(w http.ResponseWriter, r *http.Request, shopID int64) (*basket.Basket, bool) {
	var req BasketRequest
	if !h.decode(w, r, &req) {
		return nil, false
	}
	b, err := req.toBasket(shopID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid basket", err)
		return nil, false
	}
	return b, true
}

// decode reads a JSON body into v and runs its validate tags.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			details := make(map[string]string, len(fieldErrs))
			for _, fe := range fieldErrs {
				details[fe.Namespace()] = fmt.Sprintf("failed %s", fe.Tag())
			}
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "validation failed", Code: "validation", Details: details})
			return false
		}
		writeError(w, http.StatusBadRequest, "validation failed", err)
		return false
	}
	return true
}

// statusFor maps a domain error to an HTTP status and a short code.
func statusFor(err error) (int, string) {
	switch {
	case shop.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, authority.ErrPermissionDenied):
		return http.StatusForbidden, "permission_denied"
	case shop.IsConflict(err):
		return http.StatusConflict, "conflict"
	case errors.Is(err, shop.ErrPolicyViolation):
		return http.StatusUnprocessableEntity, "policy_violation"
	case shop.IsClientError(err):
		return http.StatusBadRequest, "invalid"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("path", r.URL.Path).
			Msg("request failed")
		writeJSON(w, status, ErrorResponse{Error: "internal error", Code: code})
		return
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Code: code})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
