// Package rbac decides which chat commands a role may use.
package rbac

import "github.com/NicolasHaas/gorelay/pkg/model"

// Permission is a privileged chat action.
type Permission int

const (
	PermServerMessage Permission = iota + 1 // /smsg
	PermKickUser                            // /kick
	PermBanUser                             // /ban
	PermUnbanUser                           // /unban
	PermAdminBadge                          // lines rendered with [admin]
)

// permissionMatrix maps roles to their allowed permissions.
var permissionMatrix = map[model.Role]map[Permission]bool{
	model.RoleAdmin: {
		PermServerMessage: true,
		PermKickUser:      true,
		PermBanUser:       true,
		PermUnbanUser:     true,
		PermAdminBadge:    true,
	},
	model.RoleUser: {
		// chat and whisper only
	},
}

// HasPermission checks if a role has a specific permission.
func HasPermission(role model.Role, perm Permission) bool {
	perms, ok := permissionMatrix[role]
	if !ok {
		return false
	}
	return perms[perm]
}

// Granted lists the permissions of role in ascending order.
func Granted(role model.Role) []Permission {
	var out []Permission
	for p := PermServerMessage; p <= PermAdminBadge; p++ {
		if HasPermission(role, p) {
			out = append(out, p)
		}
	}
	return out
}

func (p Permission) String() string {
	switch p {
	case PermServerMessage:
		return "server_message"
	case PermKickUser:
		return "kick_user"
	case PermBanUser:
		return "ban_user"
	case PermUnbanUser:
		return "unban_user"
	case PermAdminBadge:
		return "admin_badge"
	default:
		return "unknown"
	}
}
