package http

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"marketchat/internal/api"
	"marketchat/internal/filestore"
	"marketchat/internal/relay"
)

const readHeaderTimeout = 10 * time.Second

type APIServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

// NewAPIServer serves the websocket relay, the file endpoints and a health
// check on the public listener.
func NewAPIServer(tokens api.TokenResolver, ws *relay.Server, files filestore.FileStore, addr string) *APIServer {
	apiHandlers := api.New(tokens, files)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", api.HealthHandler)
	mux.HandleFunc("POST /api/upload", apiHandlers.RequireAuth(apiHandlers.UploadHandler))
	mux.HandleFunc("GET /api/files/{hash}", apiHandlers.FileHandler)

	// WebSocket endpoint
	mux.HandleFunc("/ws", ws.HandleConnections)

	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: readHeaderTimeout,
		},
	}
}

func (s *APIServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *APIServer) Start() error {
	slog.Info("relay started", "addr", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
