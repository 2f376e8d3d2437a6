package server

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"
)

// Metrics tracks relay runtime statistics.
// All counters use atomic operations so the HTTP endpoint can read them
// while the event loop writes.
type Metrics struct {
	startTime time.Time

	// Connection counters
	TotalConnections  atomic.Int64 // lifetime WebSocket connections accepted
	ActiveConnections atomic.Int64 // current open connections, authenticated or not
	ActiveSessions    atomic.Int64 // current authenticated sessions
	TotalDisconnects  atomic.Int64 // total client disconnects (clean + unclean)

	// Auth counters
	SuccessfulAuths  atomic.Int64 // logins and registrations accepted
	FailedAuths      atomic.Int64 // logins and registrations rejected
	Registrations    atomic.Int64 // accounts created
	StaleAuthResults atomic.Int64 // auth results dropped because the connection left

	// Chat counters
	ChatMessagesSent atomic.Int64 // plain and admin lines broadcast
	WhispersSent     atomic.Int64 // whispers delivered
	ServerMessages   atomic.Int64 // /smsg and console broadcasts

	// Moderation counters
	KickCount  atomic.Int64 // users kicked
	BanCount   atomic.Int64 // bans issued
	UnbanCount atomic.Int64 // unbans issued

	// Failure counters
	PersistFailures atomic.Int64 // history appends that failed
	FramesDropped   atomic.Int64 // outbound frames dropped on full send queues
}

// NewMetrics creates a new Metrics instance with the start time set to now.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	ActiveConnections int64 `json:"active_connections"`
	ActiveSessions    int64 `json:"active_sessions"`
	TotalConnections  int64 `json:"total_connections"`
	TotalDisconnects  int64 `json:"total_disconnects"`

	SuccessfulAuths  int64 `json:"successful_auths"`
	FailedAuths      int64 `json:"failed_auths"`
	Registrations    int64 `json:"registrations"`
	StaleAuthResults int64 `json:"stale_auth_results"`

	ChatMessagesSent int64 `json:"chat_messages_sent"`
	WhispersSent     int64 `json:"whispers_sent"`
	ServerMessages   int64 `json:"server_messages"`

	KickCount  int64 `json:"kick_count"`
	BanCount   int64 `json:"ban_count"`
	UnbanCount int64 `json:"unban_count"`

	PersistFailures int64 `json:"persist_failures"`
	FramesDropped   int64 `json:"frames_dropped"`
}

// Snapshot returns a snapshot of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	uptime := time.Since(m.startTime)
	return MetricsSnapshot{
		Uptime:            uptime.Truncate(time.Second).String(),
		UptimeSeconds:     int64(uptime.Seconds()),
		ActiveConnections: m.ActiveConnections.Load(),
		ActiveSessions:    m.ActiveSessions.Load(),
		TotalConnections:  m.TotalConnections.Load(),
		TotalDisconnects:  m.TotalDisconnects.Load(),
		SuccessfulAuths:   m.SuccessfulAuths.Load(),
		FailedAuths:       m.FailedAuths.Load(),
		Registrations:     m.Registrations.Load(),
		StaleAuthResults:  m.StaleAuthResults.Load(),
		ChatMessagesSent:  m.ChatMessagesSent.Load(),
		WhispersSent:      m.WhispersSent.Load(),
		ServerMessages:    m.ServerMessages.Load(),
		KickCount:         m.KickCount.Load(),
		BanCount:          m.BanCount.Load(),
		UnbanCount:        m.UnbanCount.Load(),
		PersistFailures:   m.PersistFailures.Load(),
		FramesDropped:     m.FramesDropped.Load(),
	}
}

// JSON returns the metrics snapshot as a JSON string.
func (m *Metrics) JSON() string {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// LogSummary writes a metrics summary to the logger.
func (m *Metrics) LogSummary() {
	s := m.Snapshot()
	slog.Info("metrics",
		"uptime", s.Uptime,
		"connections", s.ActiveConnections,
		"sessions", s.ActiveSessions,
		"chat_msgs", s.ChatMessagesSent,
		"whispers", s.WhispersSent,
		"persist_failures", s.PersistFailures,
		"frames_dropped", s.FramesDropped,
	)
}

// StartPeriodicLog starts a goroutine that logs metrics every interval.
// It stops when the done channel is closed.
func (m *Metrics) StartPeriodicLog(interval time.Duration, done <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.LogSummary()
			}
		}
	}()
}
