package rbac

type Role string
type Action string

const (
	RoleMember    Role = "member"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
)

const (
	ActionRead       Action = "read"
	ActionPost       Action = "post"
	ActionSupport    Action = "support"
	ActionContribute Action = "contribute"
	ActionStartPlan  Action = "start_plan"
	ActionModerate   Action = "moderate"
	ActionOverride   Action = "override"
	ActionAdmin      Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleModerator:
		return action != ActionOverride && action != ActionAdmin
	case RoleMember:
		return action == ActionRead || action == ActionPost || action == ActionSupport ||
			action == ActionContribute || action == ActionStartPlan
	default:
		return action == ActionRead
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleMember, RoleModerator, RoleAdmin:
		return Role(role)
	default:
		return RoleMember
	}
}
