// Package rbac maps workspace membership roles to the actions they permit.
package rbac

type Role string
type Action string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
)

const (
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionManage Action = "manage"
	ActionDelete Action = "delete"
)

var rank = map[Role]int{
	RoleViewer: 1,
	RoleEditor: 2,
	RoleAdmin:  3,
	RoleOwner:  4,
}

var required = map[Action]Role{
	ActionRead:   RoleViewer,
	ActionWrite:  RoleEditor,
	ActionManage: RoleAdmin,
	ActionDelete: RoleOwner,
}

func Can(role Role, action Action) bool {
	need, ok := required[action]
	if !ok {
		return false
	}
	return rank[role] >= rank[need]
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleEditor, RoleAdmin, RoleOwner:
		return Role(role)
	default:
		return RoleViewer
	}
}

// Assignable reports whether role may be granted through an invitation.
// Ownership is never transferred by invite.
func Assignable(role string) bool {
	switch Role(role) {
	case RoleViewer, RoleEditor, RoleAdmin:
		return true
	default:
		return false
	}
}
