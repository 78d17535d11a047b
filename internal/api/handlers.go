package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/ocx/sentinel-auditor/internal/trace"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := map[string]interface{}{
		"status":  "healthy",
		"service": "sentinel-auditor",
		"redis":   "connected",
	}
	code := http.StatusOK

	if s.deps.Ping != nil {
		if err := s.deps.Ping(ctx); err != nil {
			resp["redis"] = "error"
			resp["status"] = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}
	if s.deps.Breakers != nil {
		status, states := s.deps.Breakers.Health()
		resp["breakers"] = states
		if status != "HEALTHY" && code == http.StatusOK {
			resp["status"] = "degraded"
		}
	}
	if s.deps.Queue != nil {
		resp["queue_depth"] = s.deps.Queue.Pending()
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	eventID := mux.Vars(r)["event_id"]

	t, err := s.deps.Traces.Load(r.Context(), eventID)
	switch {
	case errors.Is(err, trace.ErrTraceNotFound):
		writeError(w, http.StatusNotFound, "trace not found")
		return
	case err != nil:
		slog.Error("[API] trace load failed", "event_id", eventID, "error", err)
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleActor(w http.ResponseWriter, r *http.Request) {
	actorID := mux.Vars(r)["actor_id"]

	rec, err := s.deps.Actors.Snapshot(r.Context(), actorID)
	if err != nil {
		slog.Error("[API] actor snapshot failed", "actor_id", actorID, "error", err)
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"actor_id":    rec.ActorID,
		"state":       rec.State.String(),
		"value":       rec.Value,
		"ttl_seconds": int64(rec.TTL / time.Second),
		"strikes":     rec.Strikes,
	})
}

type pardonRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handlePardon(w http.ResponseWriter, r *http.Request) {
	actorID := mux.Vars(r)["actor_id"]

	var req pardonRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	out, err := s.deps.Pardoner.ManualPardon(r.Context(), actorID, req.Reason)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, out.Output())
		return
	}
	slog.Info("[API] manual pardon", "actor_id", actorID, "action", out.Action, "remote", r.RemoteAddr)
	resp := out.Output()
	resp["actor_id"] = actorID
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleResetRateLimit(w http.ResponseWriter, r *http.Request) {
	actorID := mux.Vars(r)["actor_id"]
	if err := s.deps.RateLimits.Reset(r.Context(), actorID); err != nil {
		slog.Error("[API] rate limit reset failed", "actor_id", actorID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "rate limit store unavailable")
		return
	}
	slog.Info("[API] rate limit reset", "actor_id", actorID, "remote", r.RemoteAddr)
	writeJSON(w, http.StatusOK, map[string]string{"actor_id": actorID, "rate_limit": "reset"})
}

// handleStream relays auditor events as Server-Sent Events.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub := s.deps.Events.Subscribe()
	defer s.deps.Events.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-sub:
			if !open {
				return
			}
			frame, err := ev.SSEFormat()
			if err != nil {
				continue
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
