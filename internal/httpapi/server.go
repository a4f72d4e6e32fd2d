// File: internal/httpapi/server.go
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/relayforge/agentbus/internal/protocol"
	"github.com/relayforge/agentbus/internal/session"
)

// Server exposes the controller over HTTP for status dashboards and
// scripting. It is a thin wrapper; every operation maps 1:1 onto a
// Controller call.
type Server struct {
	ctrl      *Controller
	addr      string
	traceTail int
	logger    *zap.Logger
}

// NewServer builds the HTTP surface. traceTail bounds how much execution
// trace a status response carries.
func NewServer(ctrl *Controller, addr string, traceTail int, logger *zap.Logger) *Server {
	return &Server{
		ctrl:      ctrl,
		addr:      addr,
		traceTail: traceTail,
		logger:    logger.Named("http_api"),
	}
}

// Router assembles the chi routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/sessions", s.listSessions)
	r.Get("/sessions/{id}", s.getSession)
	r.Delete("/sessions/{id}", s.deleteSession)
	r.Post("/sessions/{id}/messages", s.postMessage)
	r.Post("/sessions/{id}/screenshot", s.postScreenshot)
	r.Post("/tasks", s.postTask)

	return r
}

// Run serves until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.Router()}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Status API listening", zap.String("addr", s.addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

type taskRequest struct {
	ID      string `json:"id,omitempty"`
	Task    string `json:"task"`
	URL     string `json:"url,omitempty"`
	Context string `json:"context,omitempty"`
}

type messageRequest struct {
	Message string `json:"message"`
}

type screenshotResponse struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.ctrl.Sessions())
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.ctrl.Session(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if s.traceTail > 0 && len(sess.ExecutionTrace) > s.traceTail {
		sess.ExecutionTrace = sess.ExecutionTrace[len(sess.ExecutionTrace)-s.traceTail:]
	}
	s.writeJSON(w, http.StatusOK, sess)
}

func (s *Server) postTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := protocol.JSON.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if req.Task == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "task is required"})
		return
	}

	sess, err := s.ctrl.StartTask(r.Context(), req.ID, req.Task, req.URL, req.Context)
	if err != nil && sess == nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req messageRequest
	if err := protocol.JSON.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "message is required"})
		return
	}
	if err := s.ctrl.SendMessage(r.Context(), id, req.Message); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) postScreenshot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	data, err := s.ctrl.Screenshot(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, screenshotResponse{SessionID: id, Data: data})
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	// keep=true cancels but leaves the session queryable.
	remove := r.URL.Query().Get("keep") != "true"

	if err := s.ctrl.StopTask(r.Context(), id, remove); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var stateErr *session.StateError
	switch {
	case errors.Is(err, session.ErrNotFound):
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.As(err, &stateErr):
		s.writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	default:
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := protocol.JSON.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Response encode failed", zap.Error(err))
	}
}
