package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"replicatedlog/internal/database"
	"replicatedlog/internal/replication"
)

const contentTypeJSON = "application/json"

type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Response is the envelope of every answer that carries no other document.
type Response struct {
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}

func NewSuccessResponse() Response {
	return Response{Status: StatusSuccess}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}

// EntryResponse is a log entry with its payload rendered as text.
type EntryResponse struct {
	Term    replication.LogTerm  `json:"term"`
	Index   replication.LogIndex `json:"index"`
	Payload string               `json:"payload"`
}

func newEntryResponse(e replication.PersistingLogEntry) EntryResponse {
	return EntryResponse{Term: e.Term, Index: e.Index, Payload: string(e.Payload)}
}

type KVResponse struct {
	Key          string               `json:"key"`
	Value        string               `json:"value"`
	AppliedIndex replication.LogIndex `json:"appliedIndex"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warnf("[API] Error encoding response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Errorf("[API] Request failed: %v", err)
	}
	s.writeJSON(w, status, NewErrorResponse(err.Error()))
}

// statusFor maps a database or replication error to its HTTP status code
func statusFor(err error) int {
	switch {
	case errors.Is(err, replication.ErrLogNotFound),
		errors.Is(err, replication.ErrLogDropped),
		errors.Is(err, replication.ErrIndexOutOfRange):
		return http.StatusNotFound
	case errors.Is(err, replication.ErrLogExists),
		errors.Is(err, replication.ErrNotLeader),
		errors.Is(err, replication.ErrNotFollower),
		errors.Is(err, replication.ErrStaleTerm),
		errors.Is(err, database.ErrUnconfigured):
		return http.StatusConflict
	case errors.Is(err, replication.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, replication.ErrBackpressure),
		errors.Is(err, replication.ErrParticipantResigned):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
