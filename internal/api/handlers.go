package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/faredown/bargain/internal/audit"
	"github.com/faredown/bargain/internal/capsule"
	"github.com/faredown/bargain/internal/core"
	"github.com/faredown/bargain/internal/negotiation"
	"github.com/gorilla/mux"
)

const maxBodyBytes = 64 << 10

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("JSON encode error", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(dst)
}

// --- Negotiation ---

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	var session core.Session
	if err := decodeBody(w, r, &session); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request payload")
		return
	}

	out, err := s.deps.Negotiator.Negotiate(r.Context(), session)
	switch {
	case errors.Is(err, negotiation.ErrInvalidSession):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, context.Canceled):
		// client went away; nothing useful to write
		return
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "request deadline exceeded")
		return
	case err != nil:
		slog.Error("[API] Negotiation failed", "session_id", session.SessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "negotiation failed")
		return
	}

	if out.Abort != nil {
		writeJSON(w, http.StatusUnprocessableEntity, out.Abort)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"decision": out.Decision,
		"trace":    out.Trace,
	})
}

// --- Capsules ---

type verifyResponse struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var d capsule.SignedDecision
	if err := decodeBody(w, r, &d); err != nil {
		writeError(w, http.StatusBadRequest, "invalid capsule")
		return
	}

	valid, err := s.deps.Verifier.Verify(&d)
	switch {
	case err != nil:
		slog.Debug("[API] Capsule not verifiable", "capsule_id", d.CapsuleID, "error", err)
		writeJSON(w, http.StatusOK, verifyResponse{Valid: false, Reason: verifyReason(err)})
	case !valid:
		writeJSON(w, http.StatusOK, verifyResponse{Valid: false, Reason: "digest or signature mismatch"})
	default:
		writeJSON(w, http.StatusOK, verifyResponse{Valid: true})
	}
}

func verifyReason(err error) string {
	switch {
	case errors.Is(err, capsule.ErrUnknownKey):
		return "unknown key id"
	case errors.Is(err, capsule.ErrAlgorithmMismatch):
		return "algorithm does not match key"
	default:
		return "malformed capsule"
	}
}

func (s *Server) handleGetCapsule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Capsules == nil {
		writeError(w, http.StatusServiceUnavailable, "audit store disabled")
		return
	}
	sessionID := mux.Vars(r)["session_id"]

	d, err := s.deps.Capsules.LatestCapsule(r.Context(), sessionID)
	switch {
	case errors.Is(err, audit.ErrNotFound):
		writeError(w, http.StatusNotFound, "no capsule for session")
	case err != nil:
		slog.Error("[API] Capsule lookup failed", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "capsule lookup failed")
	default:
		writeJSON(w, http.StatusOK, d)
	}
}

// --- Policy ---

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	p := s.deps.Policies.LoadPolicy(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"policy": p,
		"source": s.deps.Policies.LastSource(),
	})
}

func (s *Server) handleInvalidatePolicy(w http.ResponseWriter, r *http.Request) {
	s.deps.Policies.Invalidate(r.Context())
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "invalidated"})
}

// --- Health ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "healthy"
	resp := map[string]string{"service": "bargain-api"}
	for name, check := range s.deps.Checks {
		if err := check(ctx); err != nil {
			resp[name] = "error"
			status = "degraded"
			slog.Warn("[API] Health check failed", "dependency", name, "error", err)
			continue
		}
		resp[name] = "connected"
	}
	resp["status"] = status
	writeJSON(w, http.StatusOK, resp)
}
