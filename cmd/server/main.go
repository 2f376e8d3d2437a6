package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/NicolasHaas/gorelay/pkg/datastore"
	"github.com/NicolasHaas/gorelay/pkg/history"
	"github.com/NicolasHaas/gorelay/pkg/logging"
	"github.com/NicolasHaas/gorelay/pkg/server"
	"github.com/NicolasHaas/gorelay/pkg/version"
)

func main() {
	cfg := server.DefaultConfig()
	if err := server.LoadEnv(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "invalid environment: %v\n", err)
		os.Exit(1)
	}

	flag.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "HTTP/WebSocket bind address")
	flag.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "HTTP bind address for Prometheus /metrics (empty to disable)")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database file path")
	flag.StringVar(&cfg.RedisAddr, "redis", cfg.RedisAddr, "Redis address for chat history (empty to keep history in SQLite)")
	flag.StringVar(&cfg.RedisKey, "redis-key", cfg.RedisKey, "Redis list holding chat history")
	flag.IntVar(&cfg.RedisMaxLen, "redis-max-len", cfg.RedisMaxLen, "Chat lines retained in Redis")
	flag.IntVar(&cfg.HistorySize, "history", cfg.HistorySize, "Chat lines sent to a new connection")
	flag.IntVar(&cfg.SendBuffer, "send-buffer", cfg.SendBuffer, "Queued frames per connection before dropping")
	flag.StringVar(&cfg.AdminsFile, "admins-file", cfg.AdminsFile, "YAML file listing accounts to flag as admin on startup")
	flag.BoolVar(&cfg.TLS, "tls", cfg.TLS, "Serve wss:// (certificate auto-generated if -cert/-key are empty)")
	flag.StringVar(&cfg.CertFile, "cert", cfg.CertFile, "TLS certificate file")
	flag.StringVar(&cfg.KeyFile, "key", cfg.KeyFile, "TLS private key file")
	flag.StringVar(&cfg.DataDir, "data", cfg.DataDir, "Data directory for generated files")
	flag.BoolVar(&cfg.ExportUsers, "export-users", false, "Export all users as YAML and exit")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: "+logging.LevelNames())
	flag.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: text or json")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Full())
		return
	}

	// Configure structured logging
	if err := logging.Setup(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: os.Stdout,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}

	st, err := datastore.NewProviderFactory(cfg.DBPath)
	if err != nil {
		slog.Error("open database", "err", err)
		os.Exit(1)
	}

	// Handle export commands (run and exit)
	if cfg.ExportUsers {
		data, err := server.ExportUsersYAML(context.Background(), st.NonTx())
		_ = st.Close()
		if err != nil {
			slog.Error("export users", "err", err)
			os.Exit(1)
		}
		fmt.Print(string(data))
		return
	}

	deps := server.Dependencies{Store: st, Console: os.Stdin}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = rdb.Close() }()
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			slog.Error("connect redis", "addr", cfg.RedisAddr, "err", err)
			os.Exit(1)
		}
		deps.History = history.NewRedisStore(rdb, cfg.RedisKey, cfg.RedisMaxLen)
		slog.Info("chat history in redis", "addr", cfg.RedisAddr, "key", cfg.RedisKey)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := server.New(cfg, deps)
	if err := srv.Run(ctx); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}
