// internal/devserver/server.go
// Reference backend: REST contract and Socket.IO endpoint over in-memory state

package devserver

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/imadgeboyega/kiekky-sync/internal/common/logger"
	"github.com/imadgeboyega/kiekky-sync/internal/config"
)

const (
	DefaultPingInterval = 25 * time.Second
	DefaultPingTimeout  = 20 * time.Second
)

type Options struct {
	Config *config.Config
	Logger *slog.Logger

	// Fanout shares events with other instances. Nil delivers locally.
	Fanout Fanout

	PingInterval time.Duration
	PingTimeout  time.Duration
}

type Server struct {
	cfg          *config.Config
	logger       *slog.Logger
	repo         Repository
	hub          *Hub
	service      *Service
	router       *mux.Router
	upgrader     websocket.Upgrader
	pingInterval time.Duration
	pingTimeout  time.Duration
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = DefaultPingTimeout
	}

	log := opts.Logger.With("service", "devserver")
	repo := NewMemoryRepository()
	hub := NewHub(opts.Fanout, log)
	s := &Server{
		cfg:     opts.Config,
		logger:  log,
		repo:    repo,
		hub:     hub,
		service: NewService(repo, hub, log),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		pingInterval: opts.PingInterval,
		pingTimeout:  opts.PingTimeout,
	}

	router := mux.NewRouter()
	router.Use(middleware.RequestID, middleware.RealIP, requestLogger(log), middleware.Recoverer)

	socketPath := strings.TrimSuffix(opts.Config.SocketPath, "/") + "/"
	router.HandleFunc(socketPath, s.serveSocket).Methods("GET")

	handler := NewHandler(s.service, repo, hub, opts.Config, log)
	RegisterRoutes(router, handler, s.Authenticate)
	s.router = router
	return s
}

// Start runs the hub. Sockets are refused until it is started.
func (s *Server) Start() {
	s.hub.Start()
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Repository exposes the in-memory state for seeding
func (s *Server) Repository() Repository {
	return s.repo
}

func (s *Server) Service() *Service {
	return s.service
}

// Shutdown closes every socket and stops the hub
func (s *Server) Shutdown() {
	s.hub.Shutdown()
}

func (s *Server) serveSocket(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if query.Get("EIO") != "4" || query.Get("transport") != "websocket" {
		http.Error(w, "Unsupported transport", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	newClient(s, conn).serve(r.Context())
}
