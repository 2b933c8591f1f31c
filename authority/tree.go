/*
tree.go - Per-shop appointment tree

PURPOSE:
  Owns the username -> Role mapping of one shop and performs every
  authorization decision and tree mutation: appointing managers and owners,
  modifying a manager's permissions, firing, and resigning.

WHO MAY DO WHAT:
  appoint manager   FOUNDER, OWNER, or APPOINT_MANAGER
                    (non-absolute actors can only grant what they hold)
  appoint owner     FOUNDER or OWNER
  modify perms      the exact appointer of the target only
  fire              FOUNDER or OWNER, and the exact appointer of the target
  resign            anyone but the FOUNDER

CASCADING REMOVAL:
  Firing or resigning U removes {U} plus everyone U appointed, directly or
  indirectly. Nobody outside that closure is touched.

  alice (FOUNDER)
  ├── bob (OWNER)
  │   └── carol (manager)
  │       └── dave (manager)
  └── erin (manager)

  FireRole("alice", "bob") removes {bob, carol, dave}; erin is untouched.

TRAVERSAL:
  All traversals use an explicit stack plus a visited set. The tree
  invariant makes cycles impossible; the visited set still guards against
  a corrupted record set reaching this code.
*/
package authority

import (
	"fmt"
	"sort"
	"strings"
)

// =============================================================================
// AUTHORITY TREE
// =============================================================================

// AuthorityTree holds every role of one shop. Not safe for concurrent use.
type AuthorityTree struct {
	shopID  int64
	founder string
	roles   map[string]*Role
}

// NewAuthorityTree creates a tree whose only role is the founder.
func NewAuthorityTree(shopID int64, founder string) (*AuthorityTree, error) {
	root, err := NewRole(shopID, founder, "", NewPermissionSet(PermFounder))
	if err != nil {
		return nil, err
	}
	return &AuthorityTree{
		shopID:  shopID,
		founder: root.Username,
		roles:   map[string]*Role{root.Username: root},
	}, nil
}

// RestoreAuthorityTree rebuilds a tree from persisted roles.
// Appointments are recomputed from AppointedBy edges; the stored
// Appointments field is ignored. The records must form one rooted tree.
func RestoreAuthorityTree(shopID int64, records []RoleSnapshot) (*AuthorityTree, error) {
	t := &AuthorityTree{shopID: shopID, roles: make(map[string]*Role, len(records))}

	for _, rec := range records {
		role, err := NewRole(shopID, rec.Username, rec.AppointedBy, rec.PermissionSet())
		if err != nil {
			return nil, err
		}
		if _, dup := t.roles[role.Username]; dup {
			return nil, &ValidationError{Field: "username", Reason: "duplicate role " + role.Username}
		}
		if role.IsFounder() {
			if t.founder != "" {
				return nil, &ValidationError{Field: "permissions", Reason: "more than one founder"}
			}
			t.founder = role.Username
		}
		t.roles[role.Username] = role
	}
	if t.founder == "" {
		return nil, &ValidationError{Field: "permissions", Reason: "no founder"}
	}

	for _, role := range t.roles {
		if role.AppointedBy == "" {
			continue
		}
		parent, ok := t.roles[role.AppointedBy]
		if !ok {
			return nil, &ValidationError{Field: "appointed_by", Reason: fmt.Sprintf("%s appointed by unknown %s", role.Username, role.AppointedBy)}
		}
		parent.Appointments[role.Username] = struct{}{}
	}

	// Every role must hang off the founder; anything else is a cycle or an orphan.
	if reachable := len(t.collect(t.founder)) + 1; reachable != len(t.roles) {
		return nil, &ValidationError{Field: "appointed_by", Reason: "roles do not form a single tree rooted at the founder"}
	}
	return t, nil
}

func (t *AuthorityTree) ShopID() int64   { return t.shopID }
func (t *AuthorityTree) Founder() string { return t.founder }
func (t *AuthorityTree) Len() int        { return len(t.roles) }

func (t *AuthorityTree) IsMember(username string) bool {
	_, ok := t.roles[username]
	return ok
}

// Role returns a snapshot of username's role.
func (t *AuthorityTree) Role(username string) (RoleSnapshot, error) {
	role, err := t.member(username)
	if err != nil {
		return RoleSnapshot{}, err
	}
	return role.Snapshot(), nil
}

// Roles returns snapshots of every role, sorted by username.
func (t *AuthorityTree) Roles() []RoleSnapshot {
	out := make([]RoleSnapshot, 0, len(t.roles))
	for _, role := range t.roles {
		out = append(out, role.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// Clone returns a deep copy. Mutating the copy never affects t.
func (t *AuthorityTree) Clone() *AuthorityTree {
	roles := make(map[string]*Role, len(t.roles))
	for u, role := range t.roles {
		roles[u] = role.clone()
	}
	return &AuthorityTree{shopID: t.shopID, founder: t.founder, roles: roles}
}

func (t *AuthorityTree) member(username string) (*Role, error) {
	role, ok := t.roles[username]
	if !ok {
		return nil, notAMember(username)
	}
	return role, nil
}

// =============================================================================
// PERMISSION CHECKS
// =============================================================================

// CheckPermission reports whether username may exercise p.
// Absolute roles always may.
func (t *AuthorityTree) CheckPermission(username string, p Permission) (bool, error) {
	role, err := t.member(username)
	if err != nil {
		return false, err
	}
	return role.IsAbsolute() || role.Permissions.Contains(p), nil
}

// CheckAtLeastOne reports whether username holds any of perms.
// An empty perms is false for everyone but absolute roles.
func (t *AuthorityTree) CheckAtLeastOne(username string, perms PermissionSet) (bool, error) {
	role, err := t.member(username)
	if err != nil {
		return false, err
	}
	if role.IsAbsolute() {
		return true, nil
	}
	return role.Permissions.ContainsAny(perms), nil
}

// CheckAll reports whether username holds every permission of perms.
// An empty perms is false for everyone but absolute roles.
func (t *AuthorityTree) CheckAll(username string, perms PermissionSet) (bool, error) {
	role, err := t.member(username)
	if err != nil {
		return false, err
	}
	if role.IsAbsolute() {
		return true, nil
	}
	if len(perms) == 0 {
		return false, nil
	}
	return role.Permissions.ContainsAll(perms), nil
}

// =============================================================================
// APPOINTMENT
// =============================================================================

var appointManagerPerms = NewPermissionSet(PermFounder, PermOwner, PermAppointManager)

// AppointManager gives target a new role appointed by actor.
// A non-absolute actor can only grant permissions it holds itself; the
// granted set is intersected with the actor's before the role is created.
func (t *AuthorityTree) AppointManager(actor, target string, granted PermissionSet) (RoleSnapshot, error) {
	appointer, err := t.member(actor)
	if err != nil {
		return RoleSnapshot{}, err
	}
	if !appointer.Permissions.ContainsAny(appointManagerPerms) {
		return RoleSnapshot{}, denied(actor, "appoint manager", "requires FOUNDER, OWNER or APPOINT_MANAGER")
	}
	if t.IsMember(target) {
		return RoleSnapshot{}, alreadyMember(target)
	}
	if len(granted) == 0 {
		return RoleSnapshot{}, ErrEmptyPermissionSet
	}
	if granted.IsAbsolute() {
		return RoleSnapshot{}, denied(actor, "appoint manager", "managers cannot be granted FOUNDER or OWNER")
	}

	perms := granted
	if !appointer.IsAbsolute() {
		perms = granted.Intersect(appointer.Permissions)
		if len(perms) == 0 {
			return RoleSnapshot{}, fmt.Errorf("%w: %s holds none of the requested permissions", ErrEmptyPermissionSet, actor)
		}
	}

	return t.attach(appointer, target, perms)
}

// AppointOwner makes target an OWNER appointed by actor.
func (t *AuthorityTree) AppointOwner(actor, target string) (RoleSnapshot, error) {
	appointer, err := t.member(actor)
	if err != nil {
		return RoleSnapshot{}, err
	}
	if !appointer.IsAbsolute() {
		return RoleSnapshot{}, denied(actor, "appoint owner", "requires FOUNDER or OWNER")
	}
	if t.IsMember(target) {
		return RoleSnapshot{}, alreadyMember(target)
	}
	return t.attach(appointer, target, NewPermissionSet(PermOwner))
}

func (t *AuthorityTree) attach(appointer *Role, target string, perms PermissionSet) (RoleSnapshot, error) {
	role, err := NewRole(t.shopID, target, appointer.Username, perms)
	if err != nil {
		return RoleSnapshot{}, err
	}
	// NewRole trims; re-check the normalized name.
	if t.IsMember(role.Username) || appointer.HasAppointed(role.Username) {
		return RoleSnapshot{}, alreadyMember(role.Username)
	}
	t.roles[role.Username] = role
	appointer.Appointments[role.Username] = struct{}{}
	return role.Snapshot(), nil
}

// =============================================================================
// PERMISSION MODIFICATION
// =============================================================================

// ModifyPermissions replaces target's whole permission set.
// Only target's exact appointer may do this, and never on an absolute role.
// A non-absolute actor cannot introduce permissions it does not hold.
func (t *AuthorityTree) ModifyPermissions(actor, target string, perms PermissionSet) error {
	role, err := t.modifiable(actor, target, "modify permissions")
	if err != nil {
		return err
	}
	if err := t.delegable(actor, "modify permissions", perms.Without(role.Permissions)); err != nil {
		return err
	}
	return t.replace(actor, role, perms)
}

// AddPermissions grants perms on top of target's current set.
// The actor must also hold ADD_PERMISSION unless it is absolute.
func (t *AuthorityTree) AddPermissions(actor, target string, perms PermissionSet) error {
	role, err := t.modifiable(actor, target, "add permissions")
	if err != nil {
		return err
	}
	if !t.roles[actor].IsAbsolute() && !t.roles[actor].Permissions.Contains(PermAddPermission) {
		return denied(actor, "add permissions", "requires ADD_PERMISSION")
	}
	if len(perms) == 0 {
		return ErrEmptyPermissionSet
	}
	if err := t.delegable(actor, "add permissions", perms.Without(role.Permissions)); err != nil {
		return err
	}
	return t.replace(actor, role, role.Permissions.Union(perms))
}

// DeletePermissions revokes perms from target's current set.
// The actor must also hold REMOVE_PERMISSION unless it is absolute.
func (t *AuthorityTree) DeletePermissions(actor, target string, perms PermissionSet) error {
	role, err := t.modifiable(actor, target, "delete permissions")
	if err != nil {
		return err
	}
	if !t.roles[actor].IsAbsolute() && !t.roles[actor].Permissions.Contains(PermRemovePermission) {
		return denied(actor, "delete permissions", "requires REMOVE_PERMISSION")
	}
	return t.replace(actor, role, role.Permissions.Without(perms))
}

func (t *AuthorityTree) modifiable(actor, target, action string) (*Role, error) {
	if _, err := t.member(actor); err != nil {
		return nil, err
	}
	role, err := t.member(target)
	if err != nil {
		return nil, err
	}
	if role.AppointedBy != actor {
		return nil, denied(actor, action, "only the appointer of "+target+" may change its permissions")
	}
	if role.IsAbsolute() {
		return nil, denied(actor, action, target+" is a founder or owner, no need to manage permissions")
	}
	return role, nil
}

// delegable rejects granted permissions a non-absolute actor does not hold.
func (t *AuthorityTree) delegable(actor, action string, granted PermissionSet) error {
	holder := t.roles[actor]
	if holder.IsAbsolute() || holder.Permissions.ContainsAll(granted) {
		return nil
	}
	missing := granted.Without(holder.Permissions)
	return denied(actor, action, fmt.Sprintf("cannot grant permissions it does not hold: %v", missing.Strings()))
}

func (t *AuthorityTree) replace(actor string, role *Role, perms PermissionSet) error {
	if len(perms) == 0 {
		return ErrEmptyPermissionSet
	}
	if perms.IsAbsolute() {
		return denied(actor, "modify permissions", "FOUNDER and OWNER cannot be granted this way")
	}
	for p := range perms {
		if !p.Valid() {
			return &ValidationError{Field: "permissions", Reason: "unknown permission " + string(p)}
		}
	}
	role.Permissions = perms.Clone()
	return nil
}

// =============================================================================
// CASCADING REMOVAL
// =============================================================================

// FireRole removes target and its whole appointed subtree.
// Actor must be absolute and the exact appointer of target.
// Returns the removed usernames, sorted.
func (t *AuthorityTree) FireRole(actor, target string) ([]string, error) {
	firer, err := t.member(actor)
	if err != nil {
		return nil, err
	}
	role, err := t.member(target)
	if err != nil {
		return nil, err
	}
	if !firer.IsAbsolute() {
		return nil, denied(actor, "fire "+target, "requires FOUNDER or OWNER")
	}
	if role.AppointedBy != actor {
		return nil, denied(actor, "fire "+target, "only the appointer may fire")
	}
	return t.removeSubtree(role), nil
}

// Resign removes username and its whole appointed subtree.
// The founder cannot resign. Returns the removed usernames, sorted.
func (t *AuthorityTree) Resign(username string) ([]string, error) {
	role, err := t.member(username)
	if err != nil {
		return nil, err
	}
	if role.IsFounder() {
		return nil, ErrFounderCannotResign
	}
	return t.removeSubtree(role), nil
}

// GetAllAppointed returns everyone root appointed, directly or indirectly,
// sorted. root itself is not included.
func (t *AuthorityTree) GetAllAppointed(root string) ([]string, error) {
	if _, err := t.member(root); err != nil {
		return nil, err
	}
	return sortedKeys(t.collect(root)), nil
}

// collect walks appointments depth-first from root. The visited set is
// seeded with root, so a corrupted edge back to root cannot loop.
func (t *AuthorityTree) collect(root string) map[string]struct{} {
	visited := map[string]struct{}{root: {}}
	found := make(map[string]struct{})
	stack := []string{root}

	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		role, ok := t.roles[current]
		if !ok {
			continue
		}
		for child := range role.Appointments {
			if _, seen := visited[child]; seen {
				continue
			}
			visited[child] = struct{}{}
			found[child] = struct{}{}
			stack = append(stack, child)
		}
	}
	return found
}

func (t *AuthorityTree) removeSubtree(root *Role) []string {
	removed := t.collect(root.Username)
	removed[root.Username] = struct{}{}

	if parent, ok := t.roles[root.AppointedBy]; ok {
		delete(parent.Appointments, root.Username)
	}
	for u := range removed {
		delete(t.roles, u)
	}
	return sortedKeys(removed)
}

// =============================================================================
// ROLES INFO
// =============================================================================

// RolesInfo renders the tree for actor, who must hold GET_ROLES_INFO.
//
//	alice [FOUNDER]
//	  bob [OWNER] appointed by alice
//	    carol [ADD_PRODUCT, GET_ROLES_INFO] appointed by bob
func (t *AuthorityTree) RolesInfo(actor string) (string, error) {
	ok, err := t.CheckPermission(actor, PermGetRolesInfo)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", denied(actor, "get roles info", "requires GET_ROLES_INFO")
	}

	type frame struct {
		username string
		depth    int
	}

	var b strings.Builder
	fmt.Fprintf(&b, "shop %d roles (%d):\n", t.shopID, len(t.roles))

	visited := map[string]struct{}{t.founder: {}}
	stack := []frame{{username: t.founder}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		role := t.roles[f.username]
		b.WriteString(strings.Repeat("  ", f.depth))
		b.WriteString(role.Username)
		b.WriteString(" [")
		b.WriteString(strings.Join(role.Permissions.Strings(), ", "))
		b.WriteString("]")
		if role.AppointedBy != "" {
			b.WriteString(" appointed by ")
			b.WriteString(role.AppointedBy)
		}
		b.WriteString("\n")

		children := role.AppointmentList()
		for i := len(children) - 1; i >= 0; i-- {
			if _, seen := visited[children[i]]; seen {
				continue
			}
			visited[children[i]] = struct{}{}
			stack = append(stack, frame{username: children[i], depth: f.depth + 1})
		}
	}
	return b.String(), nil
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
