package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"commitdb/pkg/batch"
	"commitdb/pkg/commit"
	"commitdb/pkg/dberrors"
)

const (
	contentTypeJSON        = "application/json"
	defaultHTTPPort        = "8080"
	defaultShutdownTimeout = time.Second * 5
)

// iEngine is the storage surface the server exposes.
type iEngine interface {
	Put(ctx context.Context, key, value []byte) error
	Get(key []byte) ([]byte, error)
	Delete(ctx context.Context, key []byte) error
	Write(ctx context.Context, b *batch.Batch, opts commit.Options) error
	Flush(ctx context.Context) error
	Compact(ctx context.Context) error
	VisibleSequence() uint64
	TableCount() int
	MemtableBytes() int64
}

// Server exposes the engine over HTTP.
type Server struct {
	engine     iEngine
	metrics    http.Handler
	httpServer *http.Server
	URL        string
	addr       string
}

// NewServer creates a new server instance. metrics may be nil.
func NewServer(engine iEngine, metrics http.Handler, port string) *Server {
	if port == "" {
		port = defaultHTTPPort
	}
	return &Server{
		engine:  engine,
		metrics: metrics,
		URL:     "http://localhost:" + port,
		addr:    ":" + port,
	}
}

// Start starts the server.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.URL)
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// createRouter builds the chi router.
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Put("/api/kv", s.handlePut)
	r.Get("/api/kv", s.handleGet)
	r.Delete("/api/kv", s.handleDelete)
	r.Post("/api/batch", s.handleBatch)
	r.Post("/api/flush", s.handleFlush)
	r.Post("/api/compact", s.handleCompact)
	r.Get("/api/stats", s.handleStats)

	if s.metrics != nil {
		r.Get("/metrics", s.metrics.ServeHTTP)
	}

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, dberrors.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, dberrors.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, dberrors.ErrNotSupported):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, dberrors.ErrEngineDegraded):
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, NewErrorResponse(err.Error()))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Failed to parse form"))
		return
	}

	key := r.FormValue("key")
	value := r.FormValue("value")
	if key == "" || value == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key or value"))
		return
	}

	if err := s.engine.Put(r.Context(), []byte(key), []byte(value)); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key"))
		return
	}

	value, err := s.engine.Get([]byte(key))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewValueResponse(string(value)))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key"))
		return
	}

	if err := s.engine.Delete(r.Context(), []byte(key)); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

// batchRequest is the JSON body of POST /api/batch: a list of operations
// applied atomically in order.
type batchRequest struct {
	Sync bool `json:"sync"`
	Ops  []struct {
		Op    string `json:"op"` // put | delete | merge | delete_range
		Key   string `json:"key"`
		Value string `json:"value,omitempty"`
		End   string `json:"end,omitempty"`
	} `json:"ops"`
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Invalid JSON body"))
		return
	}

	b := batch.New()
	for _, op := range req.Ops {
		switch op.Op {
		case "put":
			b.Put([]byte(op.Key), []byte(op.Value))
		case "delete":
			b.Delete([]byte(op.Key))
		case "merge":
			b.Merge([]byte(op.Key), []byte(op.Value))
		case "delete_range":
			b.DeleteRange([]byte(op.Key), []byte(op.End))
		default:
			s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Unknown op: "+op.Op))
			return
		}
	}

	if err := s.engine.Write(r.Context(), b, commit.Options{Sync: req.Sync}); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Flush(r.Context()); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Compact(r.Context()); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, StatsResponse{
		Status:        StatusOK,
		LastSequence:  s.engine.VisibleSequence(),
		Tables:        s.engine.TableCount(),
		MemtableBytes: s.engine.MemtableBytes(),
	})
}
