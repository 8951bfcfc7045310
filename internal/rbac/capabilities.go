package rbac

import "sort"

// Capability names a fine-grained permission.
type Capability string

// Resource groups covered by the capability table.
const (
	ResourceEquipment   = "equipment"
	ResourceDepartments = "departments"
	ResourceUsers       = "users"
	ResourceCategories  = "categories"
	ResourceActivities  = "activities"
)

// Capability names.
const (
	CapEquipmentView   Capability = "equipment.view"
	CapEquipmentAdd    Capability = "equipment.add"
	CapEquipmentEdit   Capability = "equipment.edit"
	CapEquipmentDelete Capability = "equipment.delete"

	CapDepartmentsView   Capability = "departments.view"
	CapDepartmentsAdd    Capability = "departments.add"
	CapDepartmentsEdit   Capability = "departments.edit"
	CapDepartmentsDelete Capability = "departments.delete"

	CapUsersView   Capability = "users.view"
	CapUsersAdd    Capability = "users.add"
	CapUsersEdit   Capability = "users.edit"
	CapUsersDelete Capability = "users.delete"

	CapCategoriesView   Capability = "categories.view"
	CapCategoriesAdd    Capability = "categories.add"
	CapCategoriesEdit   Capability = "categories.edit"
	CapCategoriesDelete Capability = "categories.delete"

	CapActivitiesView   Capability = "activities.view"
	CapActivitiesAdd    Capability = "activities.add"
	CapActivitiesEdit   Capability = "activities.edit"
	CapActivitiesDelete Capability = "activities.delete"
)

// capabilityTable maps each capability to the lowest role holding it. Keeping
// a minimum role per row makes every higher role a superset of the lower ones.
var capabilityTable = []struct {
	capability Capability
	minimum    Role
}{
	{CapEquipmentView, RoleUser},
	{CapEquipmentAdd, RoleManager},
	{CapEquipmentEdit, RoleManager},
	{CapEquipmentDelete, RoleAdmin},

	{CapDepartmentsView, RoleUser},
	{CapDepartmentsAdd, RoleAdmin},
	{CapDepartmentsEdit, RoleAdmin},
	{CapDepartmentsDelete, RoleAdmin},

	{CapUsersView, RoleAdmin},
	{CapUsersAdd, RoleAdmin},
	{CapUsersEdit, RoleAdmin},
	{CapUsersDelete, RoleAdmin},

	{CapCategoriesView, RoleUser},
	{CapCategoriesAdd, RoleManager},
	{CapCategoriesEdit, RoleManager},
	{CapCategoriesDelete, RoleAdmin},

	{CapActivitiesView, RoleUser},
	{CapActivitiesAdd, RoleUser},
	{CapActivitiesEdit, RoleAdmin},
	{CapActivitiesDelete, RoleAdmin},
}

// AllCapabilities returns every capability in table order.
func AllCapabilities() []Capability {
	caps := make([]Capability, 0, len(capabilityTable))
	for _, row := range capabilityTable {
		caps = append(caps, row.capability)
	}
	return caps
}

// CapabilitySet is the derived permission table for one role. It is never
// persisted; build a fresh one with For whenever the role may have changed.
type CapabilitySet struct {
	role   Role
	grants map[Capability]bool
}

// For computes the capability set of role. Unknown roles evaluate as RoleUser.
func For(role Role) CapabilitySet {
	if !role.Valid() {
		role = RoleUser
	}
	grants := make(map[Capability]bool, len(capabilityTable))
	for _, row := range capabilityTable {
		grants[row.capability] = role.Rank() >= row.minimum.Rank()
	}
	return CapabilitySet{role: role, grants: grants}
}

// Role returns the role the set was computed from.
func (c CapabilitySet) Role() Role {
	return c.role
}

// Can reports whether the capability is granted.
func (c CapabilitySet) Can(capability Capability) bool {
	return c.grants[capability]
}

// IsAdmin reports whether the set belongs to an admin.
func (c CapabilitySet) IsAdmin() bool { return c.role == RoleAdmin }

// IsManager reports whether the set belongs to a manager.
func (c CapabilitySet) IsManager() bool { return c.role == RoleManager }

// IsUser reports whether the set belongs to a plain user.
func (c CapabilitySet) IsUser() bool { return c.role == RoleUser }

// Granted lists granted capabilities sorted by name.
func (c CapabilitySet) Granted() []Capability {
	granted := make([]Capability, 0, len(c.grants))
	for capability, ok := range c.grants {
		if ok {
			granted = append(granted, capability)
		}
	}
	sort.Slice(granted, func(i, j int) bool { return granted[i] < granted[j] })
	return granted
}

// Map flattens the set into name -> granted, including the role flags.
func (c CapabilitySet) Map() map[string]bool {
	out := make(map[string]bool, len(c.grants)+3)
	for capability, ok := range c.grants {
		out[string(capability)] = ok
	}
	out["isAdmin"] = c.IsAdmin()
	out["isManager"] = c.IsManager()
	out["isUser"] = c.IsUser()
	return out
}

// Matrix returns capability -> role -> granted for every known role, used by
// the permissions overview page.
func Matrix() []MatrixRow {
	rows := make([]MatrixRow, 0, len(capabilityTable))
	sets := make(map[Role]CapabilitySet, 3)
	for _, role := range Roles() {
		sets[role] = For(role)
	}
	for _, row := range capabilityTable {
		grants := make(map[Role]bool, len(sets))
		for role, set := range sets {
			grants[role] = set.Can(row.capability)
		}
		rows = append(rows, MatrixRow{Capability: row.capability, Grants: grants})
	}
	return rows
}

// MatrixRow is one line of the permissions overview.
type MatrixRow struct {
	Capability Capability
	Grants     map[Role]bool
}
