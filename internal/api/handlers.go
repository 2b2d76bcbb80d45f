package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"replicatedlog/internal/database"
	"replicatedlog/internal/replication"
)

type createLogRequest struct {
	ID replication.LogID `json:"id"`
}

type becomeLeaderRequest struct {
	Term         replication.LogTerm         `json:"term"`
	Participants []replication.ParticipantID `json:"participants"`
	Config       *database.TermConfig        `json:"config,omitempty"`
}

type becomeFollowerRequest struct {
	Term   replication.LogTerm       `json:"term"`
	Leader replication.ParticipantID `json:"leader"`
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: malformed request body: %v", replication.ErrInvalidConfig, err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":      StatusSuccess,
		"participant": s.db.Participant(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.metrics.GetReport())
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.db.List())
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createLogRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.db.CreateLog(req.ID); err != nil {
		s.writeError(w, err)
		return
	}
	status, err := s.db.Status(req.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, status)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.db.Status(logIDFrom(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleDrop(w http.ResponseWriter, r *http.Request) {
	if err := s.db.DropLog(logIDFrom(r.Context())); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleSetTerm(w http.ResponseWriter, r *http.Request) {
	var spec database.TermSpec
	if err := decodeJSON(r, &spec); err != nil {
		s.writeError(w, err)
		return
	}
	status, err := s.db.SetTerm(logIDFrom(r.Context()), spec)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleBecomeLeader(w http.ResponseWriter, r *http.Request) {
	var req becomeLeaderRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	status, err := s.db.BecomeLeader(logIDFrom(r.Context()), req.Term, req.Participants, req.Config)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleBecomeFollower(w http.ResponseWriter, r *http.Request) {
	var req becomeFollowerRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	status, err := s.db.BecomeFollower(logIDFrom(r.Context()), req.Term, req.Leader)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

// handleInsert appends the raw request body as one entry and answers once it commits
func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeJSON(w, http.StatusRequestEntityTooLarge, NewErrorResponse(err.Error()))
			return
		}
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	result, err := s.db.Insert(r.Context(), logIDFrom(r.Context()), payload)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleTail(w http.ResponseWriter, r *http.Request) {
	from := replication.LogIndex(1)
	if raw := r.URL.Query().Get("from"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("invalid from index"))
			return
		}
		from = replication.LogIndex(n)
	}
	entries, err := s.db.Tail(logIDFrom(r.Context()), from)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]EntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, newEntryResponse(e))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleEntry(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.ParseUint(chi.URLParam(r, "index"), 10, 64)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("invalid index"))
		return
	}
	entry, err := s.db.ReadEntry(logIDFrom(r.Context()), replication.LogIndex(index))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newEntryResponse(entry))
}

func (s *Server) handleKV(w http.ResponseWriter, r *http.Request) {
	id := logIDFrom(r.Context())
	key := chi.URLParam(r, "key")
	value, found, err := s.db.KV(id, key)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !found {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("key not found"))
		return
	}
	applied, err := s.db.AppliedIndex(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, KVResponse{Key: key, Value: value, AppliedIndex: applied})
}
