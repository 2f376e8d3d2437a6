package server

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/NicolasHaas/gorelay/pkg/model"
)

// consoleRule matches one operator command. exact rules match the whole
// line; the rest match a prefix and receive the remainder.
type consoleRule struct {
	word  string
	exact bool
	run   func(c *Console, arg string)
}

// consoleRules is evaluated in order and the first match wins. Lines that
// match nothing are broadcast.
var consoleRules = []consoleRule{
	{word: "shutdown", exact: true, run: (*Console).shutdown},
	{word: "who", exact: true, run: (*Console).who},
	{word: "kick ", run: (*Console).kickCmd},
	{word: "ban ", run: (*Console).banCmd},
	{word: "unban ", run: (*Console).unbanCmd},
	{word: "admin ", run: (*Console).promote},
	{word: "deadmin ", run: (*Console).demote},
}

// Console applies trusted operator commands. There are no privilege checks.
type Console struct {
	*relay
	stop func()
}

func newConsole(r *relay, stop func()) *Console {
	return &Console{relay: r, stop: stop}
}

// Handle runs one console line.
func (c *Console) Handle(line string) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return
	}

	for _, r := range consoleRules {
		if r.exact && strings.TrimSpace(line) == r.word {
			r.run(c, "")
			return
		}
		if !r.exact && strings.HasPrefix(line, r.word) {
			r.run(c, line[len(r.word):])
			return
		}
	}

	c.broadcastLine(model.KindServer, ConsoleIssuer, "[console] "+truncateRunes(line, MaxChatRunes))
	c.metrics.ServerMessages.Add(1)
}

func (c *Console) shutdown(string) {
	slog.Info("console: shutdown requested")
	c.stop()
}

func (c *Console) who(string) {
	slog.Info("console: who", "online", c.registry.Usernames(), "admins", c.admins.List())
}

func (c *Console) kickCmd(arg string) {
	target, _ := splitTarget(arg)
	c.kick(target, ConsoleIssuer)
}

func (c *Console) banCmd(arg string) {
	target, reason := splitTarget(arg)
	c.ban(target, reason, ConsoleIssuer)
}

func (c *Console) unbanCmd(arg string) {
	target, _ := splitTarget(arg)
	c.unban(target, ConsoleIssuer)
}

func (c *Console) promote(arg string) {
	target, _ := splitTarget(arg)
	if target == "" {
		return
	}
	c.admins.Promote(target)
	slog.Info("console: admin granted", "username", target)
	c.bcast.SendToOne(target, lineEnvelope(string(model.KindSystem), "", "you are now an admin", c.now()))
}

func (c *Console) demote(arg string) {
	target, _ := splitTarget(arg)
	if target == "" {
		return
	}
	c.admins.Demote(target)
	slog.Info("console: admin revoked", "username", target)
	c.bcast.SendToOne(target, lineEnvelope(string(model.KindSystem), "", "you are no longer an admin", c.now()))
}

// ReadConsole feeds lines from r to the hub until r is exhausted or ctx ends.
func ReadConsole(ctx context.Context, r io.Reader, h *Hub) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		if !h.ConsoleLine(sc.Text()) {
			return nil
		}
	}
	return sc.Err()
}
