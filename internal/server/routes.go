package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/KR7-gen/ai-vent-app/internal/aireply"
	"github.com/KR7-gen/ai-vent-app/internal/registry"
	"github.com/KR7-gen/ai-vent-app/internal/signaling"
	"github.com/KR7-gen/ai-vent-app/internal/utils"
	"github.com/KR7-gen/ai-vent-app/internal/version"
)

// Configure the websocket upgrader
var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024, // 64 KB
	WriteBufferSize: 64 * 1024, // 64 KB

	// Participants connect from the CLI and from browsers on other origins.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Deps are the components mounted on the router.
type Deps struct {
	Hub      *signaling.Hub
	Registry *registry.Registry
	AI       *aireply.Service
}

// MetricsResponse is the body of GET /metrics.
type MetricsResponse struct {
	Version     string          `json:"version"`
	Hub         signaling.Stats `json:"hub"`
	ActiveRooms []string        `json:"activeRooms"`
	AIEnabled   bool            `json:"aiEnabled"`
}

// NewRouter wires every HTTP endpoint of the signaling server.
func NewRouter(d Deps) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", healthCheckHandler).Methods(http.MethodGet)
	r.HandleFunc("/metrics", metricsHandler(d)).Methods(http.MethodGet)
	r.HandleFunc("/ws", ServeWs(d.Hub))

	if d.Registry != nil {
		d.Registry.Mount(r)
	}
	if d.AI != nil {
		d.AI.Mount(r)
	}

	r.Use(loggingMiddleware)
	return r
}

// Health Check endpoint
func healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Signaling server is healthy."))
}

func metricsHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		resp := MetricsResponse{
			Version:     version.Version,
			Hub:         d.Hub.Stats(ctx),
			ActiveRooms: []string{},
		}
		if d.Registry != nil {
			resp.ActiveRooms = d.Registry.List()
		}
		if d.AI != nil {
			resp.AIEnabled = d.AI.Configured()
		}
		utils.WriteJSON(w, http.StatusOK, resp)
	}
}

// ServeWs returns an http.HandlerFunc that handles websocket requests.
// It takes the hub as a dependency.
func ServeWs(hub *signaling.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("failed to upgrade connection", "remote", r.RemoteAddr, "error", err)
			return
		}

		if !hub.NewClient().Attach(conn) {
			slog.Debug("hub stopped, connection refused", "remote", r.RemoteAddr)
		}
	}
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("http request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr, "elapsed", time.Since(start))
	})
}
