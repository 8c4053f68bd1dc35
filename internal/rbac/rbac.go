package rbac

import "errors"

type Role string
type Action string

const (
	RoleAnonymous Role = "anonymous"
	RoleEditor    Role = "editor"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
)

const (
	ActionRead        Action = "read"
	ActionSubmit      Action = "submit"
	ActionReview      Action = "review"
	ActionDecide      Action = "decide"
	ActionManageUsers Action = "manage_users"
	ActionViewMetrics Action = "view_metrics"
)

var ErrForbidden = errors.New("forbidden")

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleModerator:
		return action == ActionRead || action == ActionSubmit || action == ActionReview || action == ActionDecide
	case RoleEditor:
		return action == ActionRead || action == ActionSubmit
	case RoleAnonymous:
		return action == ActionRead
	default:
		return false
	}
}

// Authorize is Can as an error, so callers can return it before touching input.
func Authorize(role Role, action Action) error {
	if !Can(role, action) {
		return ErrForbidden
	}
	return nil
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleAnonymous, RoleEditor, RoleModerator, RoleAdmin:
		return Role(role)
	default:
		return RoleAnonymous
	}
}

// Assignable reports whether an admin may grant role to a user account.
func Assignable(role string) bool {
	switch Role(role) {
	case RoleEditor, RoleModerator, RoleAdmin:
		return true
	default:
		return false
	}
}
