package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/mattjoyce/accession/internal/batchqueue"
	"github.com/mattjoyce/accession/internal/supervisor"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ready, err := s.queue.ReadyCount(r.Context())
	if err != nil {
		s.logger.Error("failed to count ready batches", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read batch queue")
		return
	}

	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		ReadyBatches:  ready,
	})
}

// handleListBatches handles GET /batches?area=queued|failed|finished.
func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	area := strings.TrimSpace(r.URL.Query().Get("area"))
	if area == "" {
		area = batchqueue.AreaQueued
	}
	switch area {
	case batchqueue.AreaQueued, batchqueue.AreaFailed, batchqueue.AreaFinished:
	default:
		s.writeError(w, http.StatusBadRequest, "area must be queued, failed or finished")
		return
	}

	handles, err := s.queue.List(r.Context(), area)
	if err != nil {
		s.logger.Error("failed to list batches", "area", area, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list batches")
		return
	}
	if handles == nil {
		handles = []batchqueue.Handle{}
	}
	respondJSON(w, http.StatusOK, BatchListResponse{Area: area, Batches: handles})
}

// handleEnqueueBatch handles POST /batches.
func (s *Server) handleEnqueueBatch(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Dir) == "" {
		s.writeError(w, http.StatusBadRequest, "dir is required")
		return
	}

	h, err := s.queue.Enqueue(r.Context(), req.Dir)
	if errors.Is(err, batchqueue.ErrInvalidBatch) {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("failed to enqueue batch", "dir", req.Dir, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to enqueue batch")
		return
	}
	s.logger.Info("batch enqueued", "batch", h.Name)
	respondJSON(w, http.StatusAccepted, h)
}

func (s *Server) handleSupervisorStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.supervisor.Status(r.Context())
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.supervisor.Pause)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.supervisor.Resume)
}

func (s *Server) control(w http.ResponseWriter, r *http.Request, op func(context.Context) error) {
	if err := op(r.Context()); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, supervisor.ErrNotStarted) {
			status = http.StatusServiceUnavailable
		}
		s.writeError(w, status, err.Error())
		return
	}
	s.handleSupervisorStatus(w, r)
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
