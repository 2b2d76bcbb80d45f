// Package api exposes the management operations of a database over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"replicatedlog/internal/database"
	"replicatedlog/internal/replication"
	"replicatedlog/internal/replication/metrics"
)

const (
	defaultShutdownTimeout = 5 * time.Second
	defaultReadTimeout     = time.Second

	// maxPayloadBytes bounds the body of an insert
	maxPayloadBytes = 4 << 20
)

// Database is the part of database.Database served over HTTP.
type Database interface {
	Participant() replication.ParticipantID
	List() []replication.LogStatus
	CreateLog(id replication.LogID) error
	DropLog(id replication.LogID) error
	Status(id replication.LogID) (replication.LogStatus, error)
	SetTerm(id replication.LogID, spec database.TermSpec) (replication.LogStatus, error)
	BecomeLeader(id replication.LogID, term replication.LogTerm, participants []replication.ParticipantID, overrides *database.TermConfig) (replication.LogStatus, error)
	BecomeFollower(id replication.LogID, term replication.LogTerm, leader replication.ParticipantID) (replication.LogStatus, error)
	Insert(ctx context.Context, id replication.LogID, payload replication.LogPayload) (database.InsertResult, error)
	Tail(id replication.LogID, from replication.LogIndex) ([]replication.PersistingLogEntry, error)
	ReadEntry(id replication.LogID, index replication.LogIndex) (replication.PersistingLogEntry, error)
	KV(id replication.LogID, key string) (string, bool, error)
	AppliedIndex(id replication.LogID) (replication.LogIndex, error)
}

// Reporter provides the metrics snapshot served at /_api/metrics.
type Reporter interface {
	GetReport() metrics.Report
}

// Server is the management HTTP server of one participant.
type Server struct {
	db         Database
	metrics    Reporter
	logger     replication.Logger
	httpServer *http.Server
}

// NewServer creates a server for db. A nil reporter disables the metrics route.
func NewServer(db Database, reporter Reporter, logger replication.Logger) *Server {
	return &Server{db: db, metrics: reporter, logger: logger}
}

// Router builds the chi router of the management API.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Route("/_api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		if s.metrics != nil {
			r.Get("/metrics", s.handleMetrics)
		}

		r.Route("/log", func(r chi.Router) {
			r.Get("/", s.handleList)
			r.Post("/", s.handleCreate)

			r.Route("/{logID}", func(r chi.Router) {
				r.Use(logCtx)
				r.Get("/", s.handleStatus)
				r.Delete("/", s.handleDrop)
				r.Post("/term", s.handleSetTerm)
				r.Post("/becomeLeader", s.handleBecomeLeader)
				r.Post("/becomeFollower", s.handleBecomeFollower)
				r.Post("/insert", s.handleInsert)
				r.Get("/tail", s.handleTail)
				r.Get("/entry/{index}", s.handleEntry)
				r.Get("/kv/{key}", s.handleKV)
			})
		})
	})
	return r
}

// Serve accepts HTTP connections on lis until Shutdown.
func (s *Server) Serve(lis net.Listener, readHeaderTimeout time.Duration) error {
	if readHeaderTimeout <= 0 {
		readHeaderTimeout = defaultReadTimeout
	}
	s.httpServer = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	s.logger.Infof("[API] HTTP server listening on %s", lis.Addr())
	if err := s.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops the server, waiting for in-flight requests up to a bounded time.
func (s *Server) Shutdown() error {
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

// logCtx parses the {logID} URL parameter for the handlers below it
func logCtx(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseUint(chi.URLParam(r, "logID"), 10, 64)
		if err != nil {
			w.Header().Set("Content-Type", contentTypeJSON)
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"status":"error","error":"invalid log id"}` + "\n"))
			return
		}
		next.ServeHTTP(w, r.WithContext(withLogID(r.Context(), replication.LogID(id))))
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debugf("[API] %s %s -> %d (%s) [%s]",
			r.Method, r.URL.Path, ww.Status(), time.Since(start), middleware.GetReqID(r.Context()))
	})
}
