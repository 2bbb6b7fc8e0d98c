package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/vitos/futures_ema_bot/internal/infrastructure/exchange"
	"github.com/vitos/futures_ema_bot/internal/usecase"
)

// Server exposes a small operational surface: liveness, stream state
// and the current open positions. Pair configuration is managed by an
// external API, not here.
type Server struct {
	router  *http.ServeMux
	server  *http.Server
	manager *usecase.PositionManager
	session *exchange.KlineSession
	logger  *zap.Logger
}

func NewServer(port int, manager *usecase.PositionManager, session *exchange.KlineSession, logger *zap.Logger) *Server {
	s := &Server{
		router:  http.NewServeMux(),
		manager: manager,
		session: session,
		logger:  logger,
	}
	s.routes()
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.router,
	}
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("GET /health", s.handleHealth)
	s.router.HandleFunc("GET /api/status", s.handleStatus)
	s.router.HandleFunc("GET /api/positions", s.handlePositions)
}

func (s *Server) Start() error {
	s.logger.Info("Starting web server", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"stream":         s.session.Status(),
		"open_positions": len(s.manager.GetAll()),
	})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.manager.GetAll())
}
