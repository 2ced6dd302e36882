// Package api exposes the bot's control surface over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime/debug"
	"time"

	"futures-grid-bot-go/internal/bot"
	"futures-grid-bot-go/internal/grid"
	"futures-grid-bot-go/internal/models"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Controller is the lifecycle surface the handlers drive.
type Controller interface {
	Start(cfg models.GridConfig) error
	Stop() error
	Pause() error
	Resume() error
	UpdateConfig(patch models.ConfigPatch) ([]string, error)
	Status() models.Status
}

// Response is the envelope for every command endpoint.
type Response struct {
	Status  string   `json:"status"`
	Msg     string   `json:"msg,omitempty"`
	Updated []string `json:"updated,omitempty"`
}

// Server wraps an http.Server around the mux router.
type Server struct {
	ctl    Controller
	logger *zap.Logger
	srv    *http.Server
}

func NewServer(addr string, ctl Controller, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{ctl: ctl, logger: logger.Named("api")}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router registers all routes.
//
//	POST /api/future/start   GridConfig body
//	POST /api/future/stop
//	POST /api/future/pause
//	POST /api/future/resume
//	POST /api/future/update  ConfigPatch body
//	GET  /api/future/status
//	GET  /metrics
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.recovery)
	r.Use(s.logging)

	f := r.PathPrefix("/api/future").Subrouter()
	f.HandleFunc("/start", s.handleStart).Methods(http.MethodPost)
	f.HandleFunc("/stop", s.command(s.ctl.Stop, "stopped")).Methods(http.MethodPost)
	f.HandleFunc("/pause", s.command(s.ctl.Pause, "paused")).Methods(http.MethodPost)
	f.HandleFunc("/resume", s.command(s.ctl.Resume, "resumed")).Methods(http.MethodPost)
	f.HandleFunc("/update", s.handleUpdate).Methods(http.MethodPost)
	f.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

// ListenAndServe blocks until the server stops. http.ErrServerClosed is not an error.
func (s *Server) ListenAndServe() error {
	s.logger.Info("control API listening", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var cfg models.GridConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		respondWithJSON(w, http.StatusBadRequest, Response{Status: "error", Msg: "invalid JSON body: " + err.Error()})
		return
	}
	if err := s.ctl.Start(cfg); err != nil {
		s.respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, Response{Status: "ok", Msg: "started"})
}

func (s *Server) command(fn func() error, done string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(); err != nil {
			s.respondWithError(w, err)
			return
		}
		respondWithJSON(w, http.StatusOK, Response{Status: "ok", Msg: done})
	}
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var patch models.ConfigPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		respondWithJSON(w, http.StatusBadRequest, Response{Status: "error", Msg: "invalid JSON body: " + err.Error()})
		return
	}
	updated, err := s.ctl.UpdateConfig(patch)
	if err != nil {
		s.respondWithError(w, err)
		return
	}
	if len(updated) == 0 {
		respondWithJSON(w, http.StatusOK, Response{Status: "ok", Msg: "no changes"})
		return
	}
	respondWithJSON(w, http.StatusOK, Response{Status: "ok", Msg: "updated", Updated: updated})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.ctl.Status()
	if st.Orders == nil {
		st.Orders = []models.LadderRow{}
	}
	if st.Logs == nil {
		st.Logs = []string{}
	}
	respondWithJSON(w, http.StatusOK, st)
}

// statusCode maps domain errors to HTTP codes.
func statusCode(err error) int {
	switch {
	case errors.Is(err, grid.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, bot.ErrAlreadyRunning),
		errors.Is(err, bot.ErrNotRunning),
		errors.Is(err, bot.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondWithError(w http.ResponseWriter, err error) {
	code := statusCode(err)
	if code == http.StatusInternalServerError {
		s.logger.Error("command failed", zap.Error(err))
	}
	respondWithJSON(w, code, Response{Status: "error", Msg: err.Error()})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"status":"error","msg":"failed to marshal response"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(response)
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Duration("latency", time.Since(start)))
	})
}

func (s *Server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("handler panic", zap.Any("panic", err), zap.ByteString("stack", debug.Stack()))
				respondWithJSON(w, http.StatusInternalServerError, Response{Status: "error", Msg: "internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
