package server

import (
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/NicolasHaas/gorelay/pkg/model"
	"github.com/NicolasHaas/gorelay/pkg/protocol"
)

// MaxChatRunes bounds one inbound chat line. Longer lines are truncated.
const MaxChatRunes = 2000

// Router classifies chat lines from authenticated senders and runs the
// matching action.
type Router struct {
	*relay
	handlers map[Kind]func(Command)
}

func newRouter(r *relay) *Router {
	rt := &Router{relay: r}
	rt.handlers = map[Kind]func(Command){
		KindListCommands:   rt.listCommands,
		KindWhisper:        rt.whisper,
		KindAdminBroadcast: rt.adminBroadcast,
		KindKick:           rt.kickCmd,
		KindBan:            rt.banCmd,
		KindUnban:          rt.unbanCmd,
		KindAdminMessage:   rt.adminMessage,
		KindPlainMessage:   rt.plainMessage,
	}
	return rt
}

// Handle routes line from sender. Blank lines are ignored.
func (rt *Router) Handle(sender, line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	line = truncateRunes(line, MaxChatRunes)

	cmd := Classify(sender, line, rt.admins.IsAdmin(sender))
	slog.Debug("chat line", "sender", sender, "kind", cmd.Kind)
	rt.handlers[cmd.Kind](cmd)
}

func (rt *Router) listCommands(cmd Command) {
	rt.bcast.SendToOne(cmd.Sender, envelope(protocol.TypeCommands, protocol.Commands{
		Commands: CommandList(rt.admins.IsAdmin(cmd.Sender)),
	}))
}

func (rt *Router) whisper(cmd Command) {
	if cmd.Args == "" || rt.registry.Lookup(cmd.Target) == nil {
		return
	}
	at := rt.now()
	rt.bcast.SendToOne(cmd.Target, lineEnvelope(kindWhisper, cmd.Sender, "(whisper from "+cmd.Sender+") "+cmd.Args, at))
	rt.bcast.SendToOne(cmd.Sender, lineEnvelope(kindWhisper, cmd.Sender, "(whisper to "+cmd.Target+") "+cmd.Args, at))
	rt.metrics.WhispersSent.Add(1)
}

func (rt *Router) adminBroadcast(cmd Command) {
	text := strings.TrimSpace(cmd.Args)
	if text == "" {
		return
	}
	rt.broadcastLine(model.KindServer, cmd.Sender, "[server] "+text)
	rt.metrics.ServerMessages.Add(1)
}

func (rt *Router) kickCmd(cmd Command) {
	rt.kick(cmd.Target, cmd.Sender)
}

func (rt *Router) banCmd(cmd Command) {
	rt.ban(cmd.Target, cmd.Reason, cmd.Sender)
}

func (rt *Router) unbanCmd(cmd Command) {
	rt.unban(cmd.Target, cmd.Sender)
}

func (rt *Router) adminMessage(cmd Command) {
	rt.broadcastLine(model.KindAdmin, cmd.Sender, "[admin] "+cmd.Sender+": "+cmd.Args)
	rt.metrics.ChatMessagesSent.Add(1)
}

func (rt *Router) plainMessage(cmd Command) {
	rt.broadcastLine(model.KindChat, cmd.Sender, cmd.Sender+": "+cmd.Args)
	rt.metrics.ChatMessagesSent.Add(1)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
