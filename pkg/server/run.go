package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/NicolasHaas/gorelay/pkg/version"
)

// Run listens on Config.ListenAddr and serves until ctx is cancelled or the
// console issues shutdown.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the relay on ln. It closes the store before returning.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.store == nil {
		_ = ln.Close()
		return fmt.Errorf("server: missing store dependency")
	}
	defer func() { _ = s.store.Close() }()

	if s.cfg.AdminsFile != "" {
		if err := LoadAdminsFromYAML(ctx, s.cfg.AdminsFile, s.auth); err != nil {
			slog.Error("failed to load admins config", "err", err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	hubDone := make(chan error, 1)
	go func() { hubDone <- s.hub.Run(ctx) }()

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.TLS {
			tlsCfg, tlsErr := loadOrGenerateTLS(s.cfg)
			if tlsErr != nil {
				serveErr <- fmt.Errorf("server: tls: %w", tlsErr)
				return
			}
			srv.TLSConfig = tlsCfg
			err = srv.ServeTLS(ln, "", "")
		} else {
			err = srv.Serve(ln)
		}
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	slog.Info("gorelay running", "addr", ln.Addr().String(), "tls", s.cfg.TLS, "version", version.String())

	s.StartMetricsHTTP(ctx)
	s.metrics.StartPeriodicLog(60*time.Second, ctx.Done())

	if s.console != nil {
		go func() {
			if err := ReadConsole(ctx, s.console, s.hub); err != nil {
				slog.Error("console read failed", "err", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case <-s.hub.Done():
	case err := <-serveErr:
		runErr = err
	}

	slog.Info("shutting down...")
	cancel()
	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "err", err)
	}
	if err := <-hubDone; err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
