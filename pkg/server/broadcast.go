package server

import (
	"log/slog"
	"time"

	"github.com/NicolasHaas/gorelay/pkg/model"
	"github.com/NicolasHaas/gorelay/pkg/protocol"
)

// kindWhisper tags whisper frames. Whispers are never persisted, so it has
// no model.MessageKind counterpart.
const kindWhisper = "whisper"

// Broadcaster hands frames to the outbound queues of registered sessions.
// It never persists anything.
type Broadcaster struct {
	registry *Registry
	metrics  *Metrics
}

func NewBroadcaster(registry *Registry, metrics *Metrics) *Broadcaster {
	return &Broadcaster{registry: registry, metrics: metrics}
}

// SendToAll queues env on every live session and returns how many accepted it.
func (b *Broadcaster) SendToAll(env protocol.Envelope) int {
	n := 0
	for _, c := range b.registry.Targets() {
		if b.send(c, env) {
			n++
		}
	}
	return n
}

// SendToOne queues env for username. It reports false if the user is offline
// or the frame was dropped.
func (b *Broadcaster) SendToOne(username string, env protocol.Envelope) bool {
	sess := b.registry.Lookup(username)
	if sess == nil {
		return false
	}
	return b.send(sess.Conn, env)
}

// Notice sends a transient system line to everyone online.
func (b *Broadcaster) Notice(text string, at time.Time) {
	b.SendToAll(lineEnvelope(string(model.KindSystem), "", text, at))
}

// NickList sends the sorted online usernames to everyone online.
func (b *Broadcaster) NickList() {
	b.SendToAll(envelope(protocol.TypeNickList, protocol.NickList{Users: b.registry.Usernames()}))
}

func (b *Broadcaster) send(c Conn, env protocol.Envelope) bool {
	if c.Send(env) {
		return true
	}
	b.metrics.FramesDropped.Add(1)
	slog.Debug("frame dropped", "conn", c.ID(), "type", env.Type)
	return false
}

// lineEnvelope renders one chat line as a message frame.
func lineEnvelope(kind, sender, text string, at time.Time) protocol.Envelope {
	return envelope(protocol.TypeMessage, protocol.Message{
		Kind:      kind,
		Text:      text,
		Sender:    sender,
		Timestamp: at,
	})
}

// envelope builds a frame from one of the protocol payload types. Those
// always encode, so a failure is logged and yields a bare frame.
func envelope(typ string, payload any) protocol.Envelope {
	env, err := protocol.New(typ, payload)
	if err != nil {
		slog.Error("encode frame", "type", typ, "err", err)
		return protocol.Envelope{Type: typ}
	}
	return env
}
