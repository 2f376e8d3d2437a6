package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/NicolasHaas/gorelay/pkg/auth"
	"github.com/NicolasHaas/gorelay/pkg/model"
)

// ConsoleIssuer is recorded as the moderator for actions from the operator console.
const ConsoleIssuer = "console"

// Authenticator is the account service the hub delegates to.
type Authenticator interface {
	Salt(ctx context.Context, username string) (salt string, known bool, err error)
	Register(ctx context.Context, username, salt, proof string) (auth.Identity, error)
	Login(ctx context.Context, username, proof string) (auth.Identity, error)
	Ban(ctx context.Context, username, reason, by string) error
	Unban(ctx context.Context, username string) (lifted bool, err error)
}

// History is the message store: append a line, fetch the newest n.
type History interface {
	Append(ctx context.Context, msg *model.Message) error
	Recent(ctx context.Context, n int) ([]model.Message, error)
}

// relay is the state and collaborators shared by the router and the
// console. Everything here belongs to the event loop.
type relay struct {
	registry *Registry
	admins   *AdminSet
	bcast    *Broadcaster
	metrics  *Metrics

	auth    Authenticator
	history History
	storeq  Worker
	authq   Worker

	now func() time.Time
}

// broadcastLine delivers a rendered line to everyone, then persists it.
func (r *relay) broadcastLine(kind model.MessageKind, sender, body string) {
	at := r.now()
	r.bcast.SendToAll(lineEnvelope(string(kind), sender, body, at))
	r.persist(model.Message{Kind: kind, Sender: sender, Body: body, CreatedAt: at})
}

// persist queues msg on the store worker. Failures are logged and counted.
func (r *relay) persist(msg model.Message) {
	r.storeq.Submit(func(ctx context.Context) func() {
		if err := r.history.Append(ctx, &msg); err != nil {
			r.metrics.PersistFailures.Add(1)
			slog.Error("persist message failed", "kind", msg.Kind, "sender", msg.Sender, "err", err)
		}
		return nil
	})
}

// reply sends a private line to issuer, or logs it for the console.
func (r *relay) reply(issuer, text string) {
	if issuer == ConsoleIssuer {
		slog.Info("console: " + text)
		return
	}
	r.bcast.SendToOne(issuer, lineEnvelope(string(model.KindSystem), "", text, r.now()))
}

// disconnect force-closes target's session and announces notice.
// It reports false if target is not online.
func (r *relay) disconnect(target, by, reason, notice string) bool {
	sess := r.registry.Lookup(target)
	if sess == nil {
		return false
	}
	r.registry.Unregister(target)
	r.metrics.ActiveSessions.Store(int64(r.registry.Count()))
	sess.Conn.Close(reason)

	r.broadcastLine(model.KindSystem, by, notice)
	r.bcast.NickList()
	return true
}

// kick disconnects target. It is a no-op if target is offline.
func (r *relay) kick(target, by string) {
	if r.disconnect(target, by, "kicked by "+by, fmt.Sprintf("%s was kicked by %s", target, by)) {
		r.metrics.KickCount.Add(1)
		slog.Info("user kicked", "target", target, "by", by)
	}
}

// ban records the ban with the account service and disconnects target if
// online.
func (r *relay) ban(target, reason, by string) {
	if target == "" {
		return
	}
	r.metrics.BanCount.Add(1)
	r.authq.Submit(func(ctx context.Context) func() {
		err := r.auth.Ban(ctx, target, reason, by)
		return func() {
			if err != nil {
				slog.Warn("ban not recorded", "target", target, "by", by, "err", err)
				return
			}
			slog.Info("user banned", "target", target, "reason", reason, "by", by)
		}
	})

	notice := fmt.Sprintf("%s was banned by %s", target, by)
	closeReason := "banned"
	if reason != "" {
		notice += ": " + reason
		closeReason += ": " + reason
	}
	r.disconnect(target, by, closeReason, notice)
}

// unban clears target's bans and acknowledges to the issuer.
func (r *relay) unban(target, by string) {
	if target == "" {
		return
	}
	r.metrics.UnbanCount.Add(1)
	r.authq.Submit(func(ctx context.Context) func() {
		lifted, err := r.auth.Unban(ctx, target)
		return func() {
			switch {
			case err != nil:
				slog.Warn("unban failed", "target", target, "by", by, "err", err)
			case lifted:
				r.reply(by, target+" was unbanned")
			default:
				r.reply(by, target+" was not banned")
			}
		}
	})
}
