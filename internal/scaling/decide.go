package scaling

// Action is the mutation a reconciliation performs.
type Action string

const (
	ActionNone   Action = "none"
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Existing describes the autoscaler currently targeting a workload.
type Existing int

const (
	ExistingNone Existing = iota
	ExistingUnmanaged
	ExistingManaged
)

// Situation is everything the decision depends on.
type Situation struct {
	Existing         Existing
	Stale            bool
	WorkloadExists   bool
	NamespaceEnabled bool
	GracePending     bool
	DeleteOnDisable  bool
}

// Decide maps a situation to an action. Unmanaged autoscalers always map to
// ActionNone.
func Decide(s Situation) Action {
	switch s.Existing {
	case ExistingUnmanaged:
		return ActionNone
	case ExistingManaged:
		if !s.WorkloadExists {
			return ActionDelete
		}
		if !s.NamespaceEnabled {
			if s.DeleteOnDisable {
				return ActionDelete
			}
			return ActionNone
		}
		if s.Stale {
			return ActionUpdate
		}
		return ActionNone
	default:
		if !s.WorkloadExists || !s.NamespaceEnabled || s.GracePending {
			return ActionNone
		}
		return ActionCreate
	}
}
