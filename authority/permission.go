/*
Package authority implements the per-shop staff authorization structure.

PURPOSE:
  Every shop keeps its own appointment tree. The founder is the root; every
  other staff member was appointed by exactly one existing member and holds a
  set of capability tags (permissions) within that shop.

KEY CONCEPTS:
  - Permission: A closed set of capability tags
  - Absolute permission: FOUNDER or OWNER; bypasses all granular checks
  - Role: One user's permission grant and position in one shop's tree
  - AuthorityTree: Owns username -> Role and enforces the tree invariants

TREE INVARIANTS:
  1. Exactly one root, the FOUNDER, with no appointer
  2. Every other role is reachable from the root via appointedBy edges
  3. A role's appointments equal exactly the usernames it appointed
  4. Removing a role removes its whole appointed subtree (cascading removal)

CONCURRENCY:
  AuthorityTree is NOT safe for concurrent use. The shop package wraps each
  tree behind the shop's single mutex.

SEE ALSO:
  - role.go: Role construction and validation
  - tree.go: Appointment, modification, and cascading removal
  - shop/shop.go: Locking and persistence around the tree
*/
package authority

import (
	"sort"
	"strings"
)

// =============================================================================
// PERMISSION - Closed enum of capability tags
// =============================================================================

type Permission string

const (
	PermFounder              Permission = "FOUNDER"
	PermOwner                Permission = "OWNER"
	PermAddProduct           Permission = "ADD_PRODUCT"
	PermRemoveProduct        Permission = "REMOVE_PRODUCT"
	PermUpdateProduct        Permission = "UPDATE_PRODUCT"
	PermAppointManager       Permission = "APPOINT_MANAGER"
	PermAddPermission        Permission = "ADD_PERMISSION"
	PermRemovePermission     Permission = "REMOVE_PERMISSION"
	PermChangeShopPolicy     Permission = "CHANGE_SHOP_POLICY"
	PermChangeProductPolicy  Permission = "CHANGE_PRODUCT_POLICY"
	PermChangeDiscountPolicy Permission = "CHANGE_DISCOUNT_POLICY"
	PermGetRolesInfo         Permission = "GET_ROLES_INFO"
	PermGetPurchaseHistory   Permission = "GET_PURCHASE_HISTORY"
	PermCloseShop            Permission = "CLOSE_SHOP"
)

var allPermissions = []Permission{
	PermFounder,
	PermOwner,
	PermAddProduct,
	PermRemoveProduct,
	PermUpdateProduct,
	PermAppointManager,
	PermAddPermission,
	PermRemovePermission,
	PermChangeShopPolicy,
	PermChangeProductPolicy,
	PermChangeDiscountPolicy,
	PermGetRolesInfo,
	PermGetPurchaseHistory,
	PermCloseShop,
}

// AllPermissions returns every known permission in declaration order.
func AllPermissions() []Permission {
	out := make([]Permission, len(allPermissions))
	copy(out, allPermissions)
	return out
}

// IsAbsolute reports whether p is FOUNDER or OWNER.
func (p Permission) IsAbsolute() bool {
	return p == PermFounder || p == PermOwner
}

// Valid reports whether p belongs to the closed set.
func (p Permission) Valid() bool {
	for _, known := range allPermissions {
		if p == known {
			return true
		}
	}
	return false
}

// ParsePermission converts a name (case-insensitive) into a Permission.
func ParsePermission(name string) (Permission, error) {
	p := Permission(strings.ToUpper(strings.TrimSpace(name)))
	if !p.Valid() {
		return "", &ValidationError{Field: "permission", Reason: "unknown permission " + name}
	}
	return p, nil
}

// ParsePermissions converts a list of names into a PermissionSet.
func ParsePermissions(names []string) (PermissionSet, error) {
	set := make(PermissionSet, len(names))
	for _, name := range names {
		p, err := ParsePermission(name)
		if err != nil {
			return nil, err
		}
		set[p] = struct{}{}
	}
	return set, nil
}

// =============================================================================
// PERMISSION SET
// =============================================================================

// PermissionSet is an unordered set of permissions. The zero value (nil) is
// an empty set for reads; use NewPermissionSet before adding.
type PermissionSet map[Permission]struct{}

func NewPermissionSet(perms ...Permission) PermissionSet {
	set := make(PermissionSet, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	return set
}

func (s PermissionSet) Contains(p Permission) bool {
	_, ok := s[p]
	return ok
}

func (s PermissionSet) Len() int { return len(s) }

// IsAbsolute reports whether the set holds FOUNDER or OWNER.
func (s PermissionSet) IsAbsolute() bool {
	return s.Contains(PermFounder) || s.Contains(PermOwner)
}

func (s PermissionSet) Clone() PermissionSet {
	out := make(PermissionSet, len(s))
	for p := range s {
		out[p] = struct{}{}
	}
	return out
}

func (s PermissionSet) Intersect(other PermissionSet) PermissionSet {
	out := make(PermissionSet)
	for p := range s {
		if other.Contains(p) {
			out[p] = struct{}{}
		}
	}
	return out
}

func (s PermissionSet) Union(other PermissionSet) PermissionSet {
	out := s.Clone()
	for p := range other {
		out[p] = struct{}{}
	}
	return out
}

func (s PermissionSet) Without(other PermissionSet) PermissionSet {
	out := make(PermissionSet)
	for p := range s {
		if !other.Contains(p) {
			out[p] = struct{}{}
		}
	}
	return out
}

// ContainsAll reports whether every permission of other is in s.
func (s PermissionSet) ContainsAll(other PermissionSet) bool {
	for p := range other {
		if !s.Contains(p) {
			return false
		}
	}
	return true
}

// ContainsAny reports whether s and other share at least one permission.
func (s PermissionSet) ContainsAny(other PermissionSet) bool {
	for p := range other {
		if s.Contains(p) {
			return true
		}
	}
	return false
}

func (s PermissionSet) Equal(other PermissionSet) bool {
	return len(s) == len(other) && s.ContainsAll(other)
}

// Sorted returns the permissions in alphabetical order.
func (s PermissionSet) Sorted() []Permission {
	out := make([]Permission, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Strings returns the sorted permission names.
func (s PermissionSet) Strings() []string {
	sorted := s.Sorted()
	out := make([]string, len(sorted))
	for i, p := range sorted {
		out[i] = string(p)
	}
	return out
}
