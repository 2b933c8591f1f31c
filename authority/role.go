package authority

import (
	"sort"
	"strings"
)

// =============================================================================
// ROLE - One user's grant within one shop
// =============================================================================

// Role is a user's permission grant in a shop plus its position in the
// appointment tree.
//
// INVARIANTS:
//   - Permissions is non-empty.
//   - If Permissions holds FOUNDER or OWNER, it holds nothing else.
//   - AppointedBy is "" exactly when the role holds FOUNDER.
//   - Appointments mirrors the roles whose AppointedBy is this username.
type Role struct {
	ShopID       int64
	Username     string
	AppointedBy  string
	Permissions  PermissionSet
	Appointments map[string]struct{}
}

// NewRole validates its input and builds a role with no appointments.
func NewRole(shopID int64, username, appointedBy string, perms PermissionSet) (*Role, error) {
	username = strings.TrimSpace(username)
	appointedBy = strings.TrimSpace(appointedBy)

	if username == "" {
		return nil, &ValidationError{Field: "username", Reason: "must not be empty"}
	}
	if len(perms) == 0 {
		return nil, &ValidationError{Field: "permissions", Reason: "must not be empty"}
	}
	for p := range perms {
		if !p.Valid() {
			return nil, &ValidationError{Field: "permissions", Reason: "unknown permission " + string(p)}
		}
	}
	if perms.IsAbsolute() && len(perms) != 1 {
		return nil, &ValidationError{Field: "permissions", Reason: "absolute permission cannot be combined with others"}
	}
	if perms.Contains(PermFounder) && appointedBy != "" {
		return nil, &ValidationError{Field: "appointed_by", Reason: "founder cannot have an appointer"}
	}
	if !perms.Contains(PermFounder) && appointedBy == "" {
		return nil, &ValidationError{Field: "appointed_by", Reason: "only the founder may have no appointer"}
	}
	if appointedBy == username {
		return nil, &ValidationError{Field: "appointed_by", Reason: "a role cannot appoint itself"}
	}

	return &Role{
		ShopID:       shopID,
		Username:     username,
		AppointedBy:  appointedBy,
		Permissions:  perms.Clone(),
		Appointments: make(map[string]struct{}),
	}, nil
}

func (r *Role) IsFounder() bool  { return r.Permissions.Contains(PermFounder) }
func (r *Role) IsAbsolute() bool { return r.Permissions.IsAbsolute() }

// HasAppointed reports whether username is a direct appointee of r.
func (r *Role) HasAppointed(username string) bool {
	_, ok := r.Appointments[username]
	return ok
}

// AppointmentList returns the direct appointees sorted by username.
func (r *Role) AppointmentList() []string {
	out := make([]string, 0, len(r.Appointments))
	for u := range r.Appointments {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

func (r *Role) clone() *Role {
	appointments := make(map[string]struct{}, len(r.Appointments))
	for u := range r.Appointments {
		appointments[u] = struct{}{}
	}
	return &Role{
		ShopID:       r.ShopID,
		Username:     r.Username,
		AppointedBy:  r.AppointedBy,
		Permissions:  r.Permissions.Clone(),
		Appointments: appointments,
	}
}

// =============================================================================
// SNAPSHOT - Immutable view for callers and persistence
// =============================================================================

// RoleSnapshot is a detached copy of a Role. Mutating it never affects the tree.
type RoleSnapshot struct {
	ShopID       int64
	Username     string
	AppointedBy  string
	Permissions  []Permission
	Appointments []string
}

// Snapshot returns a detached copy of r.
func (r *Role) Snapshot() RoleSnapshot {
	return RoleSnapshot{
		ShopID:       r.ShopID,
		Username:     r.Username,
		AppointedBy:  r.AppointedBy,
		Permissions:  r.Permissions.Sorted(),
		Appointments: r.AppointmentList(),
	}
}

// PermissionSet returns the snapshot's permissions as a set.
func (s RoleSnapshot) PermissionSet() PermissionSet {
	return NewPermissionSet(s.Permissions...)
}
