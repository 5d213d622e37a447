package relay

import (
	"log/slog"
	"math"
	"net/http"

	"marketchat/internal/metrics"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// Authenticator resolves a bearer token to a user id.
type Authenticator interface {
	UserID(token string) (string, error)
}

type Server struct {
	hub      *Hub
	auth     Authenticator
	upgrader *websocket.Upgrader
	limit    rate.Limit
	burst    int
	metrics  *metrics.Relay
}

// NewServer returns the websocket endpoint of the relay. perSecond limits
// the frames a single connection may send; zero disables the limit.
func NewServer(hub *Hub, auth Authenticator, perSecond float64, m *metrics.Relay) *Server {
	if m == nil {
		m = metrics.NewRelay(nil)
	}
	s := &Server{
		hub:  hub,
		auth: auth,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for now
			},
		},
		limit:   rate.Inf,
		metrics: m,
	}
	if perSecond > 0 {
		s.limit = rate.Limit(perSecond)
		s.burst = int(math.Max(1, math.Ceil(perSecond)))
	}
	return s
}

// HandleConnections upgrades an authenticated request to a websocket. The
// token comes from the "token" query parameter or header.
func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("token")
	}
	userID, err := s.auth.UserID(token)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("error upgrading to websocket", "error", err)
		return
	}

	s.metrics.Connections.Inc()
	defer s.metrics.Connections.Dec()

	conn := NewConnection(s.hub, ws, userID, rate.NewLimiter(s.limit, s.burst), s.metrics)
	if err := conn.Handle(r.Context()); err != nil {
		slog.Warn("connection closed with error", "user_id", userID, "error", err)
	}
}
