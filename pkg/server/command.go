package server

import (
	"strings"

	"github.com/NicolasHaas/gorelay/pkg/model"
	"github.com/NicolasHaas/gorelay/pkg/rbac"
)

// Kind classifies one inbound chat line.
type Kind int

const (
	KindPlainMessage Kind = iota
	KindListCommands
	KindWhisper
	KindAdminBroadcast
	KindKick
	KindBan
	KindUnban
	KindAdminMessage
)

func (k Kind) String() string {
	switch k {
	case KindPlainMessage:
		return "plain"
	case KindListCommands:
		return "commands"
	case KindWhisper:
		return "whisper"
	case KindAdminBroadcast:
		return "smsg"
	case KindKick:
		return "kick"
	case KindBan:
		return "ban"
	case KindUnban:
		return "unban"
	case KindAdminMessage:
		return "admin"
	default:
		return "unknown"
	}
}

// Command is a classified chat line. Args holds the text after the command
// prefix, or the whole line for plain and admin messages.
type Command struct {
	Kind   Kind
	Sender string
	Args   string
	Target string // whisper, kick, ban and unban
	Reason string // ban only
}

// commandRule matches a line prefix. Rules with a permission only apply to
// senders whose role grants it.
type commandRule struct {
	prefix string
	perm   rbac.Permission // zero: everyone
	kind   Kind
	usage  string
}

// commandRules is evaluated in order and the first match wins.
var commandRules = []commandRule{
	{prefix: "/commands", kind: KindListCommands, usage: "/commands"},
	{prefix: "/w ", kind: KindWhisper, usage: "/w <user> <text>"},
	{prefix: "/smsg ", perm: rbac.PermServerMessage, kind: KindAdminBroadcast, usage: "/smsg <text>"},
	{prefix: "/kick ", perm: rbac.PermKickUser, kind: KindKick, usage: "/kick <user>"},
	{prefix: "/ban ", perm: rbac.PermBanUser, kind: KindBan, usage: "/ban <user> [reason]"},
	{prefix: "/unban ", perm: rbac.PermUnbanUser, kind: KindUnban, usage: "/unban <user>"},
}

// Classify turns a raw line from sender into a Command. isAdmin is the
// sender's current AdminSet membership.
func Classify(sender, line string, isAdmin bool) Command {
	role := roleFor(isAdmin)
	cmd := Command{Sender: sender, Args: line}

	for _, r := range commandRules {
		if r.perm != 0 && !rbac.HasPermission(role, r.perm) {
			continue
		}
		if !strings.HasPrefix(line, r.prefix) {
			continue
		}
		cmd.Kind = r.kind
		cmd.Args = line[len(r.prefix):]
		switch r.kind {
		case KindWhisper:
			cmd.Target, cmd.Args = splitTarget(cmd.Args)
		case KindKick, KindUnban:
			cmd.Target, _ = splitTarget(cmd.Args)
		case KindBan:
			cmd.Target, cmd.Reason = splitTarget(cmd.Args)
		}
		return cmd
	}

	if rbac.HasPermission(role, rbac.PermAdminBadge) {
		cmd.Kind = KindAdminMessage
	} else {
		cmd.Kind = KindPlainMessage
	}
	return cmd
}

// CommandList returns the usage lines available to a sender.
func CommandList(isAdmin bool) []string {
	role := roleFor(isAdmin)
	out := make([]string, 0, len(commandRules))
	for _, r := range commandRules {
		if r.perm == 0 || rbac.HasPermission(role, r.perm) {
			out = append(out, r.usage)
		}
	}
	return out
}

func roleFor(isAdmin bool) model.Role {
	if isAdmin {
		return model.RoleAdmin
	}
	return model.RoleUser
}

// splitTarget splits "name rest of text" into the first token and the
// trimmed remainder.
func splitTarget(s string) (target, rest string) {
	s = strings.TrimLeft(s, " ")
	target, rest, _ = strings.Cut(s, " ")
	return target, strings.TrimSpace(rest)
}
