package rbac

type Role string
type Action string

const (
	RoleOwner    Role = "owner"
	RoleEditor   Role = "editor"
	RoleReviewer Role = "reviewer"
	RoleObserver Role = "observer"
)

const (
	ActionRead    Action = "read"
	ActionEdit    Action = "edit"
	ActionApprove Action = "approve"
	ActionEnd     Action = "end"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner:
		return true
	case RoleEditor:
		return action == ActionRead || action == ActionEdit
	case RoleReviewer:
		return action == ActionRead || action == ActionApprove
	case RoleObserver:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleOwner, RoleEditor, RoleReviewer, RoleObserver:
		return Role(role)
	default:
		return RoleObserver
	}
}

// Valid reports whether role names one of the defined participant roles.
func Valid(role string) bool {
	switch Role(role) {
	case RoleOwner, RoleEditor, RoleReviewer, RoleObserver:
		return true
	default:
		return false
	}
}
