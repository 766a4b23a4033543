// Package permissions classifies chat members by what they may do to other members.
package permissions

import api "github.com/OvyFlash/telegram-bot-api"

type Role int

const (
	RoleMember Role = iota
	// RoleModerator may restrict and ban members.
	RoleModerator
	// RoleManager owns or manages the chat.
	RoleManager
)

func RoleOf(member *api.ChatMember) Role {
	switch {
	case member == nil:
		return RoleMember
	case member.IsCreator():
		return RoleManager
	case !member.IsAdministrator():
		return RoleMember
	case member.CanManageChat || member.CanPromoteMembers:
		return RoleManager
	case member.CanRestrictMembers:
		return RoleModerator
	}
	return RoleMember
}

func IsManager(member *api.ChatMember) bool {
	return RoleOf(member) == RoleManager
}

// IsPrivilegedModerator reports whether the member may take the moderation actions the
// bot offers: approve, ban, unban.
func IsPrivilegedModerator(member *api.ChatMember) bool {
	return RoleOf(member) >= RoleModerator
}
