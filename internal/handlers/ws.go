// internal/handlers/ws.go

// Package handlers exposes the service's external surface: the role-scoped
// room WebSockets and the control-plane REST endpoints.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/soundclash/session-service/internal/middleware"
	"github.com/soundclash/session-service/internal/protocol"
	"github.com/soundclash/session-service/internal/registry"
	"github.com/soundclash/session-service/internal/room"
	"github.com/soundclash/session-service/internal/session"
)

const wsSubprotocol = "soundclash"

type ackPayload struct {
	RoomCode string `json:"room_code"`
	Role     string `json:"role"`
}

// TeamWSHandler serves the team WebSocket at /ws/team/{code}. A fresh
// connection is anonymous until its team_join message; the join may be a new
// team or the reconnection of a disconnected one.
func TeamWSHandler(logger *logrus.Logger, ctrl *session.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		remoteAddr := r.RemoteAddr
		c, code, ok := acceptRoomSocket(w, r, logger, ctrl)
		if !ok {
			return
		}
		defer c.Close(websocket.StatusInternalError, "handler finished")

		ctx, cancel := context.WithCancel(r.Context())
		reg := ctrl.Registry()
		conn, err := reg.Register(code, registry.RoleTeam, "", cancel)
		if err != nil {
			cancel()
			c.Close(websocket.StatusPolicyViolation, err.Error())
			return
		}

		middleware.LogWebSocketConnect(logger, remoteAddr, r.URL.Path)
		sendEvent(reg, conn.ID, protocol.EvtConnectionAck, ackPayload{RoomCode: code, Role: string(registry.RoleTeam)}, logger)

		wpDone := make(chan struct{})
		go func() {
			defer close(wpDone)
			writePump(ctx, c, conn, logger)
		}()

		teamName := teamReadPump(ctx, c, code, conn, ctrl, logger)

		// Abrupt exit while joined counts as a disconnect; a voluntary leave
		// already removed the session and returns an empty name.
		if teamName != "" {
			ctrl.HandleDisconnect(code, teamName)
		}
		reg.Unregister(conn.ID)
		// Let the write pump flush and close with the recorded reason before
		// the deferred close can clobber it.
		<-wpDone
		middleware.LogWebSocketDisconnect(logger, remoteAddr, r.URL.Path, nil)
	}
}

// ManagerWSHandler serves the manager WebSocket at /ws/manager/{code}. The
// manager drives the game: start, round control, evaluation, end.
func ManagerWSHandler(logger *logrus.Logger, ctrl *session.Controller) http.HandlerFunc {
	return roleWSHandler(logger, ctrl, registry.RoleManager, protocol.EvtManagerConnected, managerMessage)
}

// DisplayWSHandler serves the read-only display WebSocket at
// /ws/display/{code}. Displays receive every public event but may only ping.
func DisplayWSHandler(logger *logrus.Logger, ctrl *session.Controller) http.HandlerFunc {
	return roleWSHandler(logger, ctrl, registry.RoleDisplay, protocol.EvtDisplayConnected, displayMessage)
}

// roleWSHandler is the shared connection flow for manager and display
// sockets: accept, register, ack with a full state snapshot, then pump.
func roleWSHandler(logger *logrus.Logger, ctrl *session.Controller, role registry.Role, ackEvent string, handle roleMessageFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		remoteAddr := r.RemoteAddr
		c, code, ok := acceptRoomSocket(w, r, logger, ctrl)
		if !ok {
			return
		}
		defer c.Close(websocket.StatusInternalError, "handler finished")

		ctx, cancel := context.WithCancel(r.Context())
		reg := ctrl.Registry()
		conn, err := reg.Register(code, role, "", cancel)
		if err != nil {
			cancel()
			c.Close(websocket.StatusPolicyViolation, err.Error())
			return
		}

		middleware.LogWebSocketConnect(logger, remoteAddr, r.URL.Path)
		if snap, err := ctrl.Snapshot(code); err == nil {
			sendEvent(reg, conn.ID, ackEvent, snap, logger)
		}

		wpDone := make(chan struct{})
		go func() {
			defer close(wpDone)
			writePump(ctx, c, conn, logger)
		}()

		for {
			_, raw, err := c.Read(ctx)
			if err != nil {
				logReadExit(logger, code, role, err)
				break
			}
			msg, err := protocol.Decode(raw)
			if err != nil {
				sendError(reg, conn.ID, protocol.CodeBadMessage, err.Error(), logger)
				continue
			}
			handle(ctx, ctrl, reg, conn, code, msg, logger)
		}

		reg.Unregister(conn.ID)
		<-wpDone
		middleware.LogWebSocketDisconnect(logger, remoteAddr, r.URL.Path, nil)
	}
}

type roleMessageFunc func(ctx context.Context, ctrl *session.Controller, reg *registry.Registry, conn *registry.Conn, code string, msg protocol.ClientMessage, logger *logrus.Logger)

// managerMessage dispatches one manager command.
func managerMessage(ctx context.Context, ctrl *session.Controller, reg *registry.Registry, conn *registry.Conn, code string, msg protocol.ClientMessage, logger *logrus.Logger) {
	switch m := msg.(type) {
	case protocol.Ping:
		ctrl.Heartbeat(conn.ID)
		sendEvent(reg, conn.ID, protocol.EvtPong, nil, logger)
	case protocol.StartGame:
		if err := ctrl.StartGame(code); err != nil {
			sendError(reg, conn.ID, rejectionCode(err), err.Error(), logger)
		}
	case protocol.StartRound:
		if err := ctrl.StartRound(ctx, code); err != nil {
			sendError(reg, conn.ID, rejectionCode(err), err.Error(), logger)
		}
	case protocol.EvaluateAnswer:
		if err := ctrl.EvaluateAnswer(code, m.SongCorrect, m.ArtistCorrect, m.MovieTVCorrect); err != nil {
			sendError(reg, conn.ID, rejectionCode(err), err.Error(), logger)
		}
	case protocol.SkipRound:
		if err := ctrl.SkipRound(code); err != nil {
			sendError(reg, conn.ID, rejectionCode(err), err.Error(), logger)
		}
	case protocol.EndGame:
		if _, err := ctrl.EndGame(code); err != nil {
			sendError(reg, conn.ID, rejectionCode(err), err.Error(), logger)
		}
	default:
		sendError(reg, conn.ID, protocol.CodeNotAllowed, "message not allowed on manager connection", logger)
	}
}

// displayMessage allows heartbeats only.
func displayMessage(_ context.Context, ctrl *session.Controller, reg *registry.Registry, conn *registry.Conn, _ string, msg protocol.ClientMessage, logger *logrus.Logger) {
	switch msg.(type) {
	case protocol.Ping:
		ctrl.Heartbeat(conn.ID)
		sendEvent(reg, conn.ID, protocol.EvtPong, nil, logger)
	default:
		sendError(reg, conn.ID, protocol.CodeNotAllowed, "display connections are read-only", logger)
	}
}

// teamReadPump handles incoming team messages until the connection drops.
// Returns the joined team name for disconnect handling, or "" after a
// voluntary leave.
func teamReadPump(ctx context.Context, c *websocket.Conn, code string, conn *registry.Conn, ctrl *session.Controller, logger *logrus.Logger) string {
	reg := ctrl.Registry()
	teamName := ""
	for {
		_, raw, err := c.Read(ctx)
		if err != nil {
			logReadExit(logger, code, registry.RoleTeam, err)
			return teamName
		}
		msg, err := protocol.Decode(raw)
		if err != nil {
			sendError(reg, conn.ID, protocol.CodeBadMessage, err.Error(), logger)
			continue
		}

		switch m := msg.(type) {
		case protocol.Ping:
			ctrl.Heartbeat(conn.ID)
			sendEvent(reg, conn.ID, protocol.EvtPong, nil, logger)
		case protocol.TeamJoin:
			if teamName != "" {
				sendError(reg, conn.ID, protocol.CodeNotAllowed, "already joined", logger)
				continue
			}
			result, err := ctrl.JoinTeam(code, m.TeamName, conn.ID)
			if err != nil {
				sendError(reg, conn.ID, rejectionCode(err), err.Error(), logger)
				continue
			}
			teamName = result.TeamName
			reg.SetTeamName(conn.ID, teamName)
		case protocol.TeamLeave:
			if teamName != "" {
				if err := ctrl.LeaveTeam(code, teamName); err != nil {
					logger.Warnf("room %s: leave for team %s: %v", code, teamName, err)
				}
			}
			c.Close(websocket.StatusNormalClosure, "left")
			return ""
		case protocol.BuzzPressed:
			if teamName == "" {
				sendError(reg, conn.ID, protocol.CodeNotAllowed, "join before buzzing", logger)
				continue
			}
			if _, err := ctrl.Buzz(code, teamName, m.ReactionTimeMs); err != nil {
				if errors.Is(err, room.ErrAlreadyClaimed) {
					sendEvent(reg, conn.ID, protocol.EvtBuzzRejected, protocol.ErrorData{
						Code:    protocol.CodeAlreadyClaimed,
						Message: "buzzer already locked",
					}, logger)
				} else {
					sendError(reg, conn.ID, rejectionCode(err), err.Error(), logger)
				}
			}
		case protocol.SubmitAnswer:
			if teamName == "" {
				sendError(reg, conn.ID, protocol.CodeNotAllowed, "join before answering", logger)
				continue
			}
			if err := ctrl.SubmitAnswer(code, teamName, m.SongName, m.ArtistName, m.MovieTVName); err != nil {
				sendError(reg, conn.ID, rejectionCode(err), err.Error(), logger)
			}
		default:
			sendError(reg, conn.ID, protocol.CodeNotAllowed, "message not allowed on team connection", logger)
		}
	}
}

// acceptRoomSocket upgrades the connection and validates the room code from
// the URL. On failure the socket is closed with a specific code and ok is
// false.
func acceptRoomSocket(w http.ResponseWriter, r *http.Request, logger *logrus.Logger, ctrl *session.Controller) (*websocket.Conn, string, bool) {
	code := room.CanonicalCode(r.PathValue("code"))

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{wsSubprotocol},
		OriginPatterns: []string{"*"}, // Adjust in production
	})
	if err != nil {
		logger.Warnf("websocket accept error: %v", err)
		return nil, "", false
	}

	if c.Subprotocol() != wsSubprotocol {
		c.Close(protocol.CloseBadSubprotocol, "client must speak the soundclash subprotocol")
		return nil, "", false
	}
	if !room.ValidCode(code) {
		c.Close(protocol.CloseInvalidRoomCode, "malformed room code")
		return nil, "", false
	}
	if _, err := ctrl.Snapshot(code); err != nil {
		c.Close(protocol.CloseInvalidRoomCode, "unknown room code")
		return nil, "", false
	}
	return c, code, true
}

// writePump drains the connection's outbound queue into the socket and keeps
// the transport alive with periodic pings. On teardown it flushes whatever is
// still queued and closes with the connection's recorded close reason, so a
// kicked team actually sees why it was dropped.
func writePump(ctx context.Context, c *websocket.Conn, conn *registry.Conn, logger *logrus.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushAndClose(c, conn)
			return
		case payload, ok := <-conn.Out:
			if !ok {
				flushAndClose(c, conn)
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := c.Write(writeCtx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				logger.Warnf("room %s: write failed for conn %s: %v", conn.Room, conn.ID, err)
				c.Close(websocket.StatusGoingAway, "write failed")
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			err := c.Ping(pingCtx)
			cancel()
			if err != nil {
				logger.Warnf("room %s: ping failed for conn %s, assuming disconnect: %v", conn.Room, conn.ID, err)
				c.Close(websocket.StatusGoingAway, "ping failed")
				return
			}
		}
	}
}

// flushAndClose writes any envelopes still queued at teardown, then closes
// the socket. The pump context may already be cancelled here, so the drain
// uses its own short deadline.
func flushAndClose(c *websocket.Conn, conn *registry.Conn) {
	deadline := time.Now().Add(time.Second)
drain:
	for {
		select {
		case payload, ok := <-conn.Out:
			if !ok {
				break drain
			}
			writeCtx, cancel := context.WithDeadline(context.Background(), deadline)
			err := c.Write(writeCtx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				break drain
			}
		default:
			break drain
		}
	}
	if code, reason := conn.CloseInfo(); code != 0 {
		c.Close(websocket.StatusCode(code), reason)
		return
	}
	c.Close(websocket.StatusGoingAway, "connection closed")
}

// logReadExit classifies a read loop exit for logging.
func logReadExit(logger *logrus.Logger, code string, role registry.Role, err error) {
	closeStatus := websocket.CloseStatus(err)
	switch {
	case closeStatus == websocket.StatusNormalClosure, closeStatus == websocket.StatusGoingAway:
		logger.Infof("room %s: %s websocket closed normally", code, role)
	case strings.Contains(err.Error(), "context canceled"):
	default:
		logger.Warnf("room %s: %s read error: %v (CloseStatus: %d)", code, role, err, closeStatus)
	}
}

// sendEvent marshals and queues one event for a single connection.
func sendEvent(reg *registry.Registry, id uuid.UUID, evType string, data any, logger *logrus.Logger) {
	payload, err := protocol.Marshal(evType, data)
	if err != nil {
		logger.Errorf("marshal %s: %v", evType, err)
		return
	}
	reg.Send(id, payload)
}

// sendError queues a rejection envelope for a single connection.
func sendError(reg *registry.Registry, id uuid.UUID, code, message string, logger *logrus.Logger) {
	sendEvent(reg, id, protocol.EvtError, protocol.ErrorData{Code: code, Message: message}, logger)
}

// rejectionCode maps room sentinel errors to wire rejection codes.
func rejectionCode(err error) string {
	switch {
	case errors.Is(err, room.ErrDuplicateTeamName):
		return protocol.CodeDuplicateTeamName
	case errors.Is(err, room.ErrRoomFull):
		return protocol.CodeRoomFull
	case errors.Is(err, room.ErrInvalidTeamName):
		return protocol.CodeInvalidTeamName
	case errors.Is(err, room.ErrNotEnoughTeams):
		return protocol.CodeNotEnoughTeams
	case errors.Is(err, room.ErrAlreadyClaimed):
		return protocol.CodeAlreadyClaimed
	case errors.Is(err, room.ErrGameAlreadyStarted):
		return protocol.CodeGameAlreadyStarted
	case errors.Is(err, room.ErrGameNotFound):
		return protocol.CodeGameNotFound
	case errors.Is(err, room.ErrSongUnavailable):
		return protocol.CodeSongUnavailable
	case errors.Is(err, room.ErrNotBuzzerWinner):
		return protocol.CodeNotAllowed
	case errors.Is(err, room.ErrInvalidRoundState),
		errors.Is(err, room.ErrRoundInFlight),
		errors.Is(err, room.ErrMaxRoundsReached):
		return protocol.CodeInvalidRoundState
	default:
		return protocol.CodeBadMessage
	}
}
