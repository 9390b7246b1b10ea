package signaling

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/meshconf/meshconf/internal/httpserver"
	"github.com/meshconf/meshconf/internal/metrics"
	"github.com/meshconf/meshconf/internal/room"
)

// Config wires the runtime dependencies of the signaling service.
type Config struct {
	Registry *room.Registry
	Logger   *slog.Logger
	Metrics  *metrics.Metrics

	// PublicBaseURL is used to build shareable room URLs. When empty, the URL
	// is derived from the incoming request's Host header.
	PublicBaseURL string

	WS WSConfig
}

// Server is the signaling surface: the WebSocket endpoint plus the room REST
// API consumed by clients before they connect.
type Server struct {
	log      *slog.Logger
	registry *room.Registry
	metrics  *metrics.Metrics
	router   *Router
	ws       *WebSocketServer

	publicBaseURL  string
	allowedOrigins []string
}

func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := cfg.Registry
	if registry == nil {
		registry = room.NewRegistry()
	}

	router := NewRouter(registry, logger, cfg.Metrics)
	return &Server{
		log:            logger,
		registry:       registry,
		metrics:        cfg.Metrics,
		router:         router,
		ws:             NewWebSocketServer(router, logger, cfg.Metrics, cfg.WS),
		publicBaseURL:  strings.TrimSuffix(cfg.PublicBaseURL, "/"),
		allowedOrigins: cfg.WS.AllowedOrigins,
	}
}

// Router exposes the dispatcher for tests and embedding.
func (s *Server) Router() *Router { return s.router }

// Registry exposes the room registry (health surface needs the room count).
func (s *Server) Registry() *room.Registry { return s.registry }

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET /ws", s.ws)
	mux.HandleFunc("POST /api/room/create", s.withCORS(s.handleCreateRoom))
	mux.HandleFunc("GET /api/room/{roomID}", s.withCORS(s.handleRoomInfo))
	mux.HandleFunc("OPTIONS /api/room/", s.withCORS(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
}

type createRoomResponse struct {
	RoomID string `json:"roomId"`
	URL    string `json:"url"`
}

type roomInfoResponse struct {
	RoomID       string `json:"roomId"`
	Participants int    `json:"participants"`
	CreatedAt    string `json:"createdAt"`
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	id, err := s.registry.CreateRoom()
	if err != nil {
		s.log.Error("room creation failed", "err", err)
		httpserver.WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to create room"})
		return
	}
	s.metrics.Inc(metrics.RoomsCreated)
	s.log.Info("room created", "room_id", id)

	httpserver.WriteJSON(w, http.StatusOK, createRoomResponse{
		RoomID: id,
		URL:    fmt.Sprintf("%s/?room=%s", s.baseURL(r), id),
	})
}

func (s *Server) handleRoomInfo(w http.ResponseWriter, r *http.Request) {
	info, ok := s.registry.Lookup(r.PathValue("roomID"))
	if !ok {
		httpserver.WriteJSON(w, http.StatusNotFound, map[string]any{"error": "Room not found"})
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, roomInfoResponse{
		RoomID:       info.RoomID,
		Participants: info.ParticipantCount,
		CreatedAt:    info.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	})
}

func (s *Server) baseURL(r *http.Request) string {
	if s.publicBaseURL != "" {
		return s.publicBaseURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

// withCORS mirrors the origin allowlist onto the REST endpoints so browser
// clients can call them from the same origins allowed to open the socket.
func (s *Server) withCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if o := r.Header.Get("Origin"); o != "" {
			for _, allowed := range s.allowedOrigins {
				if allowed == "*" {
					w.Header().Set("Access-Control-Allow-Origin", "*")
					break
				}
				if allowed == o {
					w.Header().Set("Access-Control-Allow-Origin", o)
					w.Header().Set("Vary", "Origin")
					break
				}
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST")
		}
		next(w, r)
	}
}
