// internal/session/controller_test.go
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/soundclash/session-service/internal/models"
	"github.com/soundclash/session-service/internal/protocol"
	"github.com/soundclash/session-service/internal/registry"
	"github.com/soundclash/session-service/internal/room"
	"github.com/stretchr/testify/require"
)

// stubSelector serves sequentially numbered songs and records the exclusion
// lists it was asked for.
type stubSelector struct {
	mu    sync.Mutex
	next  int
	err   error
	calls [][]int
}

func (s *stubSelector) SelectRandom(_ context.Context, _ []string, excludeIDs []int) (*models.Song, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.calls = append(s.calls, excludeIDs)
	s.next++
	return &models.Song{ID: s.next, Title: fmt.Sprintf("Song %d", s.next), Artist: "Artist"}, nil
}

func newTestController(t *testing.T) (*Controller, *stubSelector) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	reg := registry.New(logger)
	sel := &stubSelector{}
	ctrl := NewController(room.NewRoomStore(), reg, NewDispatcher(reg, nil, logger), sel, nil, logger)
	return ctrl, sel
}

func registerConn(t *testing.T, ctrl *Controller, code string, role registry.Role, teamName string) *registry.Conn {
	t.Helper()
	conn, err := ctrl.Registry().Register(code, role, teamName, nil)
	require.NoError(t, err)
	return conn
}

// nextEvent pops the next queued envelope for a connection.
func nextEvent(t *testing.T, conn *registry.Conn) protocol.Envelope {
	t.Helper()
	select {
	case raw := <-conn.Out:
		var env protocol.Envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		return env
	case <-time.After(time.Second):
		t.Fatal("no event queued")
		return protocol.Envelope{}
	}
}

// expectEvent asserts the next event's type and decodes its payload.
func expectEvent(t *testing.T, conn *registry.Conn, evType string) map[string]any {
	t.Helper()
	env := nextEvent(t, conn)
	require.Equal(t, evType, env.Type)
	if len(env.Data) == 0 {
		return nil
	}
	var data map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &data))
	return data
}

// drainTypes empties a connection's queue and returns the event types seen.
func drainTypes(t *testing.T, conn *registry.Conn) []string {
	t.Helper()
	var types []string
	for {
		select {
		case raw := <-conn.Out:
			var env protocol.Envelope
			require.NoError(t, json.Unmarshal(raw, &env))
			types = append(types, env.Type)
		default:
			return types
		}
	}
}

// TestFullGameFlow drives a complete two-round game through the controller
// and checks the event stream every role observes.
func TestFullGameFlow(t *testing.T) {
	ctrl, sel := newTestController(t)
	ctx := context.Background()
	const code = "AB12CD"

	_, err := ctrl.EnsureRoom("ab12cd", room.Settings{MaxRounds: 2, Genres: []string{"rock"}})
	require.NoError(t, err)

	mgr := registerConn(t, ctrl, code, registry.RoleManager, "")
	disp := registerConn(t, ctrl, code, registry.RoleDisplay, "")
	red := registerConn(t, ctrl, code, registry.RoleTeam, "Red Team")
	blue := registerConn(t, ctrl, code, registry.RoleTeam, "Blue Team")

	_, err = ctrl.JoinTeam(code, "Red Team", red.ID)
	require.NoError(t, err)
	data := expectEvent(t, mgr, protocol.EvtTeamJoined)
	require.Equal(t, "Red Team", data["team_name"])
	require.Equal(t, float64(1), data["team_count"])

	_, err = ctrl.JoinTeam(code, "Blue Team", blue.ID)
	require.NoError(t, err)
	data = expectEvent(t, mgr, protocol.EvtTeamJoined)
	require.Equal(t, []any{"Red Team", "Blue Team"}, data["teams"])

	require.NoError(t, ctrl.StartGame(code))
	data = expectEvent(t, mgr, protocol.EvtGameStarted)
	require.Equal(t, float64(2), data["max_rounds"])

	require.ErrorIs(t, ctrl.StartGame(code), room.ErrGameAlreadyStarted)

	// Round 1.
	require.NoError(t, ctrl.StartRound(ctx, code))
	data = expectEvent(t, mgr, protocol.EvtRoundStarted)
	require.Equal(t, float64(1), data["round_number"])
	require.Equal(t, float64(5), data["song_start_offset"])

	_, err = ctrl.Buzz(code, "Blue Team", 1200)
	require.NoError(t, err)
	data = expectEvent(t, mgr, protocol.EvtBuzzerLocked)
	require.Equal(t, "Blue Team", data["team_name"])
	require.Equal(t, float64(1200), data["reaction_time_ms"])

	_, err = ctrl.Buzz(code, "Red Team", 1350)
	require.ErrorIs(t, err, room.ErrAlreadyClaimed)

	require.NoError(t, ctrl.SubmitAnswer(code, "Blue Team", "Song 1", "Artist", ""))
	data = expectEvent(t, mgr, protocol.EvtAnswerSubmitted)
	require.Equal(t, "Blue Team", data["team_name"])

	require.NoError(t, ctrl.EvaluateAnswer(code, true, true, false))
	data = expectEvent(t, mgr, protocol.EvtRoundCompleted)
	scores := data["team_scores"].(map[string]any)
	require.Equal(t, float64(15), scores["Blue Team"])
	require.Equal(t, float64(0), scores["Red Team"])

	// Round 2 excludes the played song and gets skipped.
	require.NoError(t, ctrl.StartRound(ctx, code))
	require.Equal(t, []int{1}, sel.calls[1])
	expectEvent(t, mgr, protocol.EvtRoundStarted)

	require.NoError(t, ctrl.SkipRound(code))
	data = expectEvent(t, mgr, protocol.EvtRoundCompleted)
	require.Equal(t, true, data["skipped"])

	require.ErrorIs(t, ctrl.StartRound(ctx, code), room.ErrMaxRoundsReached)

	result, err := ctrl.EndGame(code)
	require.NoError(t, err)
	require.Equal(t, "Blue Team", result.Winner)
	data = expectEvent(t, mgr, protocol.EvtGameFinished)
	require.Equal(t, "Blue Team", data["winner"])
	require.Equal(t, float64(2), data["total_rounds"])

	// Teams and the display see every public event but never the raw answer.
	publicFlow := []string{
		protocol.EvtTeamJoined, protocol.EvtTeamJoined,
		protocol.EvtGameStarted,
		protocol.EvtRoundStarted, protocol.EvtBuzzerLocked, protocol.EvtRoundCompleted,
		protocol.EvtRoundStarted, protocol.EvtRoundCompleted,
		protocol.EvtGameFinished,
	}
	require.Equal(t, publicFlow, drainTypes(t, red))
	require.Equal(t, publicFlow, drainTypes(t, blue))
	require.Equal(t, publicFlow, drainTypes(t, disp))
}

func TestStartRoundSongUnavailable(t *testing.T) {
	ctrl, sel := newTestController(t)
	ctx := context.Background()
	const code = "AB12CD"

	_, err := ctrl.EnsureRoom(code, room.Settings{})
	require.NoError(t, err)
	red := registerConn(t, ctrl, code, registry.RoleTeam, "Red")
	blue := registerConn(t, ctrl, code, registry.RoleTeam, "Blue")
	_, err = ctrl.JoinTeam(code, "Red", red.ID)
	require.NoError(t, err)
	_, err = ctrl.JoinTeam(code, "Blue", blue.ID)
	require.NoError(t, err)
	require.NoError(t, ctrl.StartGame(code))

	sel.err = errors.New("catalog down")
	require.ErrorIs(t, ctrl.StartRound(ctx, code), room.ErrSongUnavailable)

	// The failed fetch released its reservation, so the next attempt works.
	sel.err = nil
	require.NoError(t, ctrl.StartRound(ctx, code))
}

func TestAnswerTimeoutForwardsEmptyAnswer(t *testing.T) {
	ctrl, _ := newTestController(t)
	ctrl.answerTimeout = 20 * time.Millisecond
	ctx := context.Background()
	const code = "AB12CD"

	_, err := ctrl.EnsureRoom(code, room.Settings{})
	require.NoError(t, err)
	mgr := registerConn(t, ctrl, code, registry.RoleManager, "")
	red := registerConn(t, ctrl, code, registry.RoleTeam, "Red")
	blue := registerConn(t, ctrl, code, registry.RoleTeam, "Blue")
	_, err = ctrl.JoinTeam(code, "Red", red.ID)
	require.NoError(t, err)
	_, err = ctrl.JoinTeam(code, "Blue", blue.ID)
	require.NoError(t, err)
	require.NoError(t, ctrl.StartGame(code))
	require.NoError(t, ctrl.StartRound(ctx, code))

	_, err = ctrl.Buzz(code, "Red", 800)
	require.NoError(t, err)

	drainTypes(t, mgr)
	deadline := time.After(time.Second)
	for {
		select {
		case raw := <-mgr.Out:
			var env protocol.Envelope
			require.NoError(t, json.Unmarshal(raw, &env))
			if env.Type != protocol.EvtAnswerSubmitted {
				continue
			}
			var data map[string]any
			require.NoError(t, json.Unmarshal(env.Data, &data))
			require.Equal(t, "Red", data["team_name"])
			// An empty answer still goes to the manager for scoring.
			require.NoError(t, ctrl.EvaluateAnswer(code, false, false, false))
			return
		case <-deadline:
			t.Fatal("no answer_submitted after timeout")
		}
	}
}

func TestReconnectReceivesSnapshot(t *testing.T) {
	ctrl, _ := newTestController(t)
	ctx := context.Background()
	const code = "AB12CD"

	_, err := ctrl.EnsureRoom(code, room.Settings{MaxRounds: 5})
	require.NoError(t, err)
	red := registerConn(t, ctrl, code, registry.RoleTeam, "Red")
	blue := registerConn(t, ctrl, code, registry.RoleTeam, "Blue")
	_, err = ctrl.JoinTeam(code, "Red", red.ID)
	require.NoError(t, err)
	_, err = ctrl.JoinTeam(code, "Blue", blue.ID)
	require.NoError(t, err)
	require.NoError(t, ctrl.StartGame(code))
	require.NoError(t, ctrl.StartRound(ctx, code))

	ctrl.Registry().Unregister(red.ID)
	ctrl.HandleDisconnect(code, "Red")

	red2 := registerConn(t, ctrl, code, registry.RoleTeam, "Red")
	res, err := ctrl.JoinTeam(code, "red", red2.ID)
	require.NoError(t, err)
	require.True(t, res.Reconnected)

	// The rejoining connection gets the snapshot first, then the broadcast.
	data := expectEvent(t, red2, protocol.EvtGameState)
	require.Equal(t, code, data["room_code"])
	require.Equal(t, "playing", data["status"])
	require.Equal(t, float64(1), data["current_round"])
	expectEvent(t, red2, protocol.EvtTeamReconnected)
}

func TestKickTeam(t *testing.T) {
	ctrl, _ := newTestController(t)
	const code = "AB12CD"

	_, err := ctrl.EnsureRoom(code, room.Settings{})
	require.NoError(t, err)
	mgr := registerConn(t, ctrl, code, registry.RoleManager, "")
	red := registerConn(t, ctrl, code, registry.RoleTeam, "Red")
	_, err = ctrl.JoinTeam(code, "Red", red.ID)
	require.NoError(t, err)
	drainTypes(t, mgr)

	require.NoError(t, ctrl.KickTeam(code, "red"))

	data := expectEvent(t, red, protocol.EvtTeamJoined)
	require.Equal(t, "Red", data["team_name"])
	data = expectEvent(t, red, protocol.EvtError)
	require.Equal(t, protocol.CodeTeamKicked, data["code"])

	data = expectEvent(t, mgr, protocol.EvtTeamLeft)
	require.Equal(t, "Red", data["team_name"])
	require.Equal(t, float64(0), data["team_count"])

	require.Equal(t, 1, ctrl.Registry().ConnectionCount(code), "kicked connection is dropped")

	closeCode, _ := red.CloseInfo()
	require.Equal(t, protocol.CloseTeamKicked, closeCode)

	// The kicked socket's read loop exits next and reports a disconnect; the
	// team is already gone, so no second team_left goes out.
	ctrl.HandleDisconnect(code, "Red")
	require.Empty(t, drainTypes(t, mgr))
}

func TestDeleteRoomDropsEverything(t *testing.T) {
	ctrl, _ := newTestController(t)
	const code = "AB12CD"

	_, err := ctrl.EnsureRoom(code, room.Settings{})
	require.NoError(t, err)
	mgr := registerConn(t, ctrl, code, registry.RoleManager, "")
	registerConn(t, ctrl, code, registry.RoleDisplay, "")

	require.NoError(t, ctrl.DeleteRoom("ab12cd"))
	require.ErrorIs(t, ctrl.DeleteRoom(code), room.ErrGameNotFound)
	require.Equal(t, 0, ctrl.Registry().ConnectionCount(code))

	closeCode, _ := mgr.CloseInfo()
	require.Equal(t, protocol.CloseRoomRemoved, closeCode)

	_, err = ctrl.Snapshot(code)
	require.ErrorIs(t, err, room.ErrGameNotFound)
}

func TestEnsureRoomRejectsMalformedCode(t *testing.T) {
	ctrl, _ := newTestController(t)
	_, err := ctrl.EnsureRoom("nope", room.Settings{})
	require.ErrorIs(t, err, room.ErrGameNotFound)
}

func TestReapStaleConnectionsMarksTeamsDisconnected(t *testing.T) {
	ctrl, _ := newTestController(t)
	const code = "AB12CD"

	_, err := ctrl.EnsureRoom(code, room.Settings{})
	require.NoError(t, err)
	red := registerConn(t, ctrl, code, registry.RoleTeam, "Red")
	blue := registerConn(t, ctrl, code, registry.RoleTeam, "Blue")
	_, err = ctrl.JoinTeam(code, "Red", red.ID)
	require.NoError(t, err)
	_, err = ctrl.JoinTeam(code, "Blue", blue.ID)
	require.NoError(t, err)
	require.NoError(t, ctrl.StartGame(code))

	// Only Red goes silent.
	time.Sleep(10 * time.Millisecond)
	ctrl.Heartbeat(blue.ID)
	reaped := ctrl.Registry().ReapStale(5 * time.Millisecond)
	require.Equal(t, []registry.ReapedTeam{{Room: code, TeamName: "Red"}}, reaped)
	for _, r := range reaped {
		ctrl.HandleDisconnect(r.Room, r.TeamName)
	}

	snap, err := ctrl.Snapshot(code)
	require.NoError(t, err)
	require.Len(t, snap.Teams, 2, "mid-game disconnects keep the session")
	for _, team := range snap.Teams {
		switch team.Name {
		case "Red":
			require.Equal(t, room.TeamDisconnected, team.Status)
		case "Blue":
			require.Equal(t, room.TeamActive, team.Status)
		}
	}
}
