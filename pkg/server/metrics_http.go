package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// StartMetricsHTTP starts a lightweight HTTP server that exposes /metrics
// in Prometheus text exposition format. It runs in the background and
// shuts down when ctx is cancelled.
//
// Bind address is :9702 by default, configurable via Config.MetricsAddr.
func (s *Server) StartMetricsHTTP(ctx context.Context) {
	addr := s.cfg.MetricsAddr
	if addr == "" {
		return // metrics endpoint disabled
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/healthz", healthz)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("metrics HTTP listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics HTTP error", "err", err)
		}
	}()

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
}

// handleMetrics writes all metrics in Prometheus text exposition format.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeMetrics(w, s.metrics)
}

func writeMetrics(w http.ResponseWriter, m *Metrics) {
	uptime := time.Since(m.startTime).Seconds()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	// Write errors to http.ResponseWriter are non-actionable; suppress errcheck.
	write := func(name, help, mtype string, value int64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %d\n", name, value)
	}

	_, _ = fmt.Fprintf(w, "# HELP gorelay_uptime_seconds Server uptime in seconds.\n")
	_, _ = fmt.Fprintf(w, "# TYPE gorelay_uptime_seconds gauge\n")
	_, _ = fmt.Fprintf(w, "gorelay_uptime_seconds %f\n", uptime)

	write("gorelay_connections_active", "Current open WebSocket connections.", "gauge",
		m.ActiveConnections.Load())
	write("gorelay_sessions_active", "Current authenticated sessions.", "gauge",
		m.ActiveSessions.Load())
	write("gorelay_connections_total", "Lifetime WebSocket connections accepted.", "counter",
		m.TotalConnections.Load())
	write("gorelay_disconnects_total", "Total client disconnects.", "counter",
		m.TotalDisconnects.Load())

	write("gorelay_auth_success_total", "Accepted logins and registrations.", "counter",
		m.SuccessfulAuths.Load())
	write("gorelay_auth_failed_total", "Rejected logins and registrations.", "counter",
		m.FailedAuths.Load())
	write("gorelay_registrations_total", "Accounts created.", "counter",
		m.Registrations.Load())
	write("gorelay_auth_stale_total", "Auth results dropped after the connection left.", "counter",
		m.StaleAuthResults.Load())

	write("gorelay_chat_messages_total", "Chat lines broadcast.", "counter",
		m.ChatMessagesSent.Load())
	write("gorelay_whispers_total", "Whispers delivered.", "counter",
		m.WhispersSent.Load())
	write("gorelay_server_messages_total", "Server and console broadcasts.", "counter",
		m.ServerMessages.Load())

	write("gorelay_kicks_total", "Users kicked.", "counter",
		m.KickCount.Load())
	write("gorelay_bans_total", "Bans issued.", "counter",
		m.BanCount.Load())
	write("gorelay_unbans_total", "Unbans issued.", "counter",
		m.UnbanCount.Load())

	write("gorelay_persist_failures_total", "History appends that failed.", "counter",
		m.PersistFailures.Load())
	write("gorelay_frames_dropped_total", "Outbound frames dropped on full queues.", "counter",
		m.FramesDropped.Load())
}
