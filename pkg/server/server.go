// Package server implements the gorelay chat relay: the event loop that owns
// sessions and admins, chat command routing, the operator console, and the
// WebSocket transport.
package server

import (
	"io"
	"net/http"
	"time"

	"github.com/NicolasHaas/gorelay/pkg/auth"
	"github.com/NicolasHaas/gorelay/pkg/datastore"
)

// Config holds server configuration. Fields tagged env can be overridden by
// GORELAY_* environment variables, see LoadEnv.
type Config struct {
	ListenAddr     string   `env:"LISTEN_ADDR"`                      // HTTP/WebSocket bind address
	MetricsAddr    string   `env:"METRICS_ADDR"`                     // /metrics bind address (empty = disabled)
	DBPath         string   `env:"DB_PATH"`                          // SQLite database path
	RedisAddr      string   `env:"REDIS_ADDR"`                       // keep chat history in Redis instead of SQLite
	RedisKey       string   `env:"REDIS_KEY"`                        // Redis list holding the history
	RedisMaxLen    int      `env:"REDIS_MAX_LEN"`                    // lines retained in Redis
	HistorySize    int      `env:"HISTORY_SIZE"`                     // lines sent to a new connection
	SendBuffer     int      `env:"SEND_BUFFER"`                      // queued frames per connection
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","` // extra WebSocket origins
	AdminsFile     string   `env:"ADMINS_FILE"`                      // YAML list of accounts to flag as admin
	TLS            bool     `env:"TLS"`                              // serve wss:// with CertFile/KeyFile
	CertFile       string   `env:"CERT_FILE"`                        // TLS certificate (generated if empty)
	KeyFile        string   `env:"KEY_FILE"`                         // TLS private key (generated if empty)
	DataDir        string   `env:"DATA_DIR"`                         // directory for generated files
	LogLevel       string   `env:"LOG_LEVEL"`
	LogFormat      string   `env:"LOG_FORMAT"`

	// CLI-only actions (run and exit)
	ExportUsers bool // export all users as YAML and exit
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:  ":9700",
		MetricsAddr: ":9702",
		DBPath:      "gorelay.db",
		RedisKey:    "gorelay:messages",
		RedisMaxLen: 1000,
		HistorySize: DefaultHistorySize,
		SendBuffer:  DefaultSendBuffer,
		DataDir:     ".",
		LogLevel:    "info",
		LogFormat:   "text",
	}
}

// Dependencies holds external dependencies for the server.
// Server assumes ownership of Store and will Close() it on shutdown.
type Dependencies struct {
	Store datastore.DataProviderFactory
	// History overrides where chat lines are kept. Defaults to Store.
	History History
	// Console is read line by line as operator input. Nil disables it.
	Console io.Reader
}

// Server is the gorelay server.
type Server struct {
	cfg     Config
	store   datastore.DataProviderFactory
	auth    *auth.Service
	hub     *Hub
	metrics *Metrics
	console io.Reader
}

// New creates a new Server instance.
func New(cfg Config, deps Dependencies) *Server {
	hist := deps.History
	if hist == nil {
		hist = datastore.NewHistory(deps.Store)
	}
	metrics := NewMetrics()
	svc := auth.NewService(deps.Store)
	return &Server{
		cfg:     cfg,
		store:   deps.Store,
		auth:    svc,
		metrics: metrics,
		console: deps.Console,
		hub: NewHub(HubDeps{
			Auth:        svc,
			History:     hist,
			Metrics:     metrics,
			HistorySize: cfg.HistorySize,
		}),
	}
}

// Handler returns the relay's HTTP routes: the WebSocket endpoint and a
// health check.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", healthz)
	return mux
}

// Hub returns the event loop.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

func healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// shutdownTimeout bounds the graceful HTTP shutdown.
const shutdownTimeout = 5 * time.Second
