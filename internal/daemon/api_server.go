package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"conveyor/internal/api"
	"conveyor/internal/config"
	"conveyor/internal/logging"
	"conveyor/internal/services"
)

type apiServer struct {
	bind   string
	token  string
	logger *slog.Logger
	daemon *Daemon

	listener net.Listener
	server   *http.Server
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) *apiServer {
	srv := &apiServer{
		bind:   strings.TrimSpace(cfg.API.Bind),
		token:  cfg.API.Token,
		logger: logging.NewComponentLogger(logger, "api"),
		daemon: d,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", authMiddleware(srv.token, srv.handleHealth))
	mux.HandleFunc("/api/requests", authMiddleware(srv.token, srv.handleRequests))
	mux.HandleFunc("/api/requests/", authMiddleware(srv.token, srv.handleRequestItem))
	mux.HandleFunc("/api/stages", authMiddleware(srv.token, srv.handleStages))
	mux.HandleFunc("/api/stages/", authMiddleware(srv.token, srv.handleStageItem))
	if d.recorder != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(d.recorder.Registry(), promhttp.HandlerOpts{}))
	}

	srv.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv
}

func (s *apiServer) start(ctx context.Context) error {
	if s == nil || s.bind == "" {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", logging.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	if s == nil || s.server == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.server.Shutdown(shutdownCtx)
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
}

func (s *apiServer) addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	health, err := s.daemon.service.Health(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, health)
}

func (s *apiServer) handleRequests(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var payload api.SubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		req, err := s.daemon.service.Submit(r.Context(), payload.PayloadRef)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.writeJSON(w, http.StatusCreated, req)
	case http.MethodGet:
		var states []string
		if raw := strings.TrimSpace(r.URL.Query().Get("state")); raw != "" {
			states = strings.Split(raw, ",")
		}
		reqs, err := s.daemon.service.List(r.Context(), states...)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, api.RequestListResponse{Requests: reqs})
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *apiServer) handleRequestItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/requests/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		s.writeError(w, http.StatusNotFound, "request id required")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		detail, err := s.daemon.service.Describe(r.Context(), id)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, detail)
	case action == "abort" && r.Method == http.MethodPost:
		resp, err := s.daemon.service.Abort(r.Context(), id)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, resp)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *apiServer) handleStages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, api.StageListResponse{Stages: s.daemon.service.Stages()})
}

func (s *apiServer) handleStageItem(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/api/stages/")
	if name == "" || strings.Contains(name, "/") {
		s.writeError(w, http.StatusNotFound, "stage name required")
		return
	}
	if r.Method != http.MethodPut {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var view api.StageView
	if err := json.NewDecoder(r.Body).Decode(&view); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	view.Name = name
	updated, err := s.daemon.service.UpdateStage(view)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, updated)
}

func (s *apiServer) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, services.ErrConfiguration):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("encode api response failed", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
