// internal/handlers/api.go
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"
	"github.com/soundclash/session-service/internal/room"
	"github.com/soundclash/session-service/internal/session"
)

// notifyRequest is the control-plane payload announcing a new game room.
type notifyRequest struct {
	MaxRounds int      `json:"max_rounds"`
	Genres    []string `json:"genres"`
}

// NotifyGameHandler handles POST /api/game/{code}/notify. The game-management
// service calls it after creating a game so the session service has the room
// ready before the first WebSocket arrives. Idempotent; settings apply on
// first creation only.
func NotifyGameHandler(logger *logrus.Logger, ctrl *session.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := room.CanonicalCode(r.PathValue("code"))
		if !room.ValidCode(code) {
			writeJSONError(w, http.StatusBadRequest, "malformed room code")
			return
		}

		// An empty body means default settings.
		var req notifyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}

		g, err := ctrl.EnsureRoom(code, room.Settings{MaxRounds: req.MaxRounds, Genres: req.Genres})
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		logger.WithField("room", g.Code).Info("room registered")
		writeJSON(w, http.StatusOK, map[string]any{
			"room_code": g.Code,
			"status":    g.State,
		})
	}
}

// GameStatusHandler handles GET /api/game/{code}/status with a full snapshot.
func GameStatusHandler(ctrl *session.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := ctrl.Snapshot(r.PathValue("code"))
		if err != nil {
			writeJSONError(w, http.StatusNotFound, "game not found")
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

// KickTeamHandler handles POST /api/game/{code}/kick/{team}.
func KickTeamHandler(ctrl *session.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := r.PathValue("code")
		team := r.PathValue("team")
		if err := ctrl.KickTeam(code, team); err != nil {
			writeJSONError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"kicked": team})
	}
}

// DeleteGameHandler handles DELETE /api/game/{code}, destroying the room and
// dropping every connection attached to it.
func DeleteGameHandler(ctrl *session.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := ctrl.DeleteRoom(r.PathValue("code")); err != nil {
			writeJSONError(w, http.StatusNotFound, "game not found")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// HealthHandler reports liveness.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// IndexHandler identifies the service and reports how many games are live,
// total and broken down by lifecycle state.
func IndexHandler(ctrl *session.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		total, byState := ctrl.GameCounts()
		writeJSON(w, http.StatusOK, map[string]any{
			"service":        "soundclash-session-service",
			"active_games":   total,
			"games_by_state": byState,
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
