// Package rbac decides which editor actions a role may open a file with.
package rbac

type Role string
type Action string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
)

// Actions mirror the action names of the office capability document.
const (
	ActionView Action = "view"
	ActionEdit Action = "edit"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin, RoleEditor:
		return action == ActionView || action == ActionEdit
	case RoleViewer:
		return action == ActionView
	default:
		return false
	}
}

// CanLock reports whether a holder of role may take a WOPI edit lock.
func CanLock(role Role) bool {
	return Can(role, ActionEdit)
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleEditor, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}

// Effective downgrades requested to the strongest action role allows.
func Effective(role Role, requested Action) Action {
	if requested == ActionEdit && !Can(role, ActionEdit) {
		return ActionView
	}
	return requested
}
