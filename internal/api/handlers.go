package api

import (
	"encoding/json"
	"errors"
	"image/png"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"personscan/internal/auth"
	"personscan/internal/database"
	"personscan/internal/overlay"
	"personscan/internal/ws"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

type healthResponse struct {
	Status    string          `json:"status"`
	Detectors map[string]bool `json:"detectors,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ws.NewStateMessage(s.deps.State.Snapshot()))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Stats == nil {
		writeError(w, http.StatusNotFound, "stats not available")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Stats.Stats())
}

// handleFace serves /api/faces/{id}.png from the gallery, falling back to the archive
func (s *Server) handleFace(w http.ResponseWriter, r *http.Request) {
	id, ok := strings.CutSuffix(s.vars(r)["file"], ".png")
	if !ok || id == "" {
		writeError(w, http.StatusNotFound, "face not found")
		return
	}

	if face, ok := s.deps.State.Face(id); ok {
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "max-age=86400, immutable")
		if err := png.Encode(w, face.Image); err != nil {
			s.logger.Warn("failed to encode face", zap.String("face_id", id), zap.Error(err))
		}
		return
	}

	if s.deps.Faces == nil {
		writeError(w, http.StatusNotFound, "face not found")
		return
	}

	rec, err := s.deps.Faces.GetFace(r.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "face not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to load archived face", zap.String("face_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load face")
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "max-age=86400, immutable")
	w.Write(rec.PNG)
}

func (s *Server) handleResetFaces(w http.ResponseWriter, r *http.Request) {
	s.deps.Gallery.ResetGallery()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.deps.Snapshots == nil {
		writeError(w, http.StatusNotFound, "snapshots not available")
		return
	}

	data, err := s.deps.Snapshots.Snapshot(s.deps.State)
	if errors.Is(err, overlay.ErrNoFrame) {
		writeError(w, http.StatusServiceUnavailable, "no frame captured yet")
		return
	}
	if err != nil {
		s.logger.Warn("failed to render snapshot", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to render snapshot")
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(data)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, expiresAt, err := s.deps.Auth.Authenticate(req.Username, req.Password)
	switch {
	case errors.Is(err, auth.ErrAuthDisabled):
		writeError(w, http.StatusNotFound, "authentication is disabled")
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid credentials")
	case err != nil:
		s.logger.Error("failed to issue token", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to issue token")
	default:
		writeJSON(w, http.StatusOK, loginResponse{Token: token, ExpiresAt: expiresAt})
	}
}

// handleHealth answers 200 when every detector is healthy and 503 otherwise
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	if s.deps.Health != nil {
		resp.Detectors = s.deps.Health.Health()
		for _, healthy := range resp.Detectors {
			if !healthy {
				resp.Status = "degraded"
			}
		}
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
