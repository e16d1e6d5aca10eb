package shared

// Permission resources.
const (
	ResourceMembers = "members"
	ResourceEvents  = "events"
	ResourceBudget  = "budget"
	ResourceAdmin   = "admin"
)

// Permission actions.
const (
	ActionRead   = "read"
	ActionWrite  = "write"
	ActionDelete = "delete"
)

// CoreResources lists every resource the permission matrix knows about.
func CoreResources() []string {
	return []string{
		ResourceMembers,
		ResourceEvents,
		ResourceBudget,
		ResourceAdmin,
	}
}

// CoreActions lists every action a resource grant may carry.
func CoreActions() []string {
	return []string{ActionRead, ActionWrite, ActionDelete}
}
