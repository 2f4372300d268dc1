// internal/room/room_test.go
package room

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/soundclash/session-service/internal/config"
	"github.com/soundclash/session-service/internal/models"
	"github.com/stretchr/testify/require"
)

func testSong(id int) *models.Song {
	return &models.Song{
		ID:        id,
		Title:     fmt.Sprintf("Song %d", id),
		Artist:    "Artist",
		YoutubeID: "yt123",
		Genres:    []string{"rock"},
	}
}

// newPlayingRoom builds a started game with the given teams.
func newPlayingRoom(t *testing.T, teams ...string) *GameRoom {
	t.Helper()
	g := NewGameRoom("AB12CD", Settings{MaxRounds: 3})
	for _, name := range teams {
		_, err := g.JoinTeam(name, uuid.New())
		require.NoError(t, err)
	}
	require.NoError(t, g.StartGame())
	return g
}

// startRound begins and commits one round.
func startRound(t *testing.T, g *GameRoom, songID int) *RoundRecord {
	t.Helper()
	_, _, err := g.BeginRound()
	require.NoError(t, err)
	return g.CommitRound(testSong(songID))
}

func TestJoinTeamValidation(t *testing.T) {
	g := NewGameRoom("AB12CD", Settings{})

	for _, name := range []string{
		"",
		"   ",
		strings.Repeat("x", config.MaxTeamNameLen+1),
		"Team <script>",
		"Bad\nName",
		"Quote'Team",
	} {
		_, err := g.JoinTeam(name, uuid.New())
		require.ErrorIs(t, err, ErrInvalidTeamName, "name %q should be rejected", name)
	}

	res, err := g.JoinTeam("  The Rockers  ", uuid.New())
	require.NoError(t, err)
	require.Equal(t, "The Rockers", res.TeamName, "names are trimmed")
}

func TestJoinTeamDuplicateIsCaseInsensitive(t *testing.T) {
	g := NewGameRoom("AB12CD", Settings{})
	_, err := g.JoinTeam("Red Team", uuid.New())
	require.NoError(t, err)

	_, err = g.JoinTeam("red team", uuid.New())
	require.ErrorIs(t, err, ErrDuplicateTeamName)
	_, err = g.JoinTeam("RED TEAM", uuid.New())
	require.ErrorIs(t, err, ErrDuplicateTeamName)
}

func TestJoinTeamCapacity(t *testing.T) {
	g := NewGameRoom("AB12CD", Settings{})
	for i := 0; i < config.MaxTeams; i++ {
		_, err := g.JoinTeam(fmt.Sprintf("Team %d", i), uuid.New())
		require.NoError(t, err)
	}
	_, err := g.JoinTeam("One Too Many", uuid.New())
	require.ErrorIs(t, err, ErrRoomFull)
}

func TestJoinTeamAfterStart(t *testing.T) {
	g := newPlayingRoom(t, "Red", "Blue")
	_, err := g.JoinTeam("Latecomer", uuid.New())
	require.ErrorIs(t, err, ErrGameAlreadyStarted)
}

func TestStartGameRequiresMinimumTeams(t *testing.T) {
	g := NewGameRoom("AB12CD", Settings{})
	require.ErrorIs(t, g.StartGame(), ErrNotEnoughTeams)

	_, err := g.JoinTeam("Solo", uuid.New())
	require.NoError(t, err)
	require.ErrorIs(t, g.StartGame(), ErrNotEnoughTeams)

	_, err = g.JoinTeam("Duo", uuid.New())
	require.NoError(t, err)
	require.NoError(t, g.StartGame())
	require.ErrorIs(t, g.StartGame(), ErrGameAlreadyStarted)
}

func TestDisconnectWhileWaitingRemovesTeam(t *testing.T) {
	g := NewGameRoom("AB12CD", Settings{})
	_, err := g.JoinTeam("Red", uuid.New())
	require.NoError(t, err)

	found, removed, roster := g.HandleDisconnect("Red")
	require.True(t, found)
	require.True(t, removed)
	require.Empty(t, roster)

	// The team is gone now; a second disconnect for the same name reports
	// nothing to announce.
	found, removed, _ = g.HandleDisconnect("Red")
	require.False(t, found)
	require.False(t, removed)
}

func TestReconnectKeepsIdentityAndScore(t *testing.T) {
	g := newPlayingRoom(t, "Red", "Blue")

	startRound(t, g, 1)
	_, err := g.Buzz("Red", 900)
	require.NoError(t, err)
	_, err = g.SubmitAnswer("Red", "Song 1", "Artist", "")
	require.NoError(t, err)
	_, _, err = g.Evaluate(true, true, false)
	require.NoError(t, err)
	require.Equal(t, 15, g.TeamScores()["Red"])

	found, removed, roster := g.HandleDisconnect("Red")
	require.True(t, found)
	require.False(t, removed, "sessions survive disconnects mid-game")
	require.Len(t, roster, 2)

	res, err := g.JoinTeam("red", uuid.New())
	require.NoError(t, err)
	require.True(t, res.Reconnected)
	require.Equal(t, "Red", res.TeamName, "original casing is kept")
	require.Equal(t, 15, g.TeamScores()["Red"], "score survives reconnection")
}

func TestActiveTeamCannotBeRejoined(t *testing.T) {
	g := newPlayingRoom(t, "Red", "Blue")
	_, err := g.JoinTeam("Red", uuid.New())
	require.ErrorIs(t, err, ErrDuplicateTeamName)
}

func TestRoundFlow(t *testing.T) {
	g := newPlayingRoom(t, "Red", "Blue")

	r := startRound(t, g, 1)
	require.Equal(t, 1, r.Number)
	require.Equal(t, RoundSongPlaying, r.State)
	require.Equal(t, config.SongStartOffsetSec, r.SongStartOffset)

	_, err := g.SubmitAnswer("Red", "a", "b", "c")
	require.ErrorIs(t, err, ErrInvalidRoundState, "no answer before a buzz")

	claim, err := g.Buzz("Blue", 1200)
	require.NoError(t, err)
	require.Equal(t, "Blue", claim.TeamName)
	require.Equal(t, 1200, claim.ReactionTimeMs)
	require.Equal(t, RoundBuzzerLocked, r.State)

	_, err = g.Buzz("Red", 1300)
	require.ErrorIs(t, err, ErrAlreadyClaimed)

	_, err = g.SubmitAnswer("Red", "a", "b", "c")
	require.ErrorIs(t, err, ErrNotBuzzerWinner)

	ans, err := g.SubmitAnswer("blue", "Song 1", "Artist", "Movie")
	require.NoError(t, err, "winner check is case-insensitive")
	require.Equal(t, "Blue", ans.TeamName)
	require.Equal(t, RoundEvaluating, r.State)

	score, scores, err := g.Evaluate(true, false, true)
	require.NoError(t, err)
	require.Equal(t, config.PointsSong+config.PointsMovieTV, score.PointsEarned)
	require.Equal(t, 15, scores["Blue"])
	require.Equal(t, 0, scores["Red"])
	require.Equal(t, RoundCompleted, r.State)
}

func TestBuzzBeforeAnyRound(t *testing.T) {
	g := newPlayingRoom(t, "Red", "Blue")
	_, err := g.Buzz("Red", 500)
	require.ErrorIs(t, err, ErrInvalidRoundState)
}

func TestBuzzByUnknownTeam(t *testing.T) {
	g := newPlayingRoom(t, "Red", "Blue")
	startRound(t, g, 1)
	_, err := g.Buzz("Intruder", 500)
	require.ErrorIs(t, err, ErrGameNotFound)
}

func TestRoundStateForwardOnly(t *testing.T) {
	r := newRound(1, testSong(1), config.SongStartOffsetSec)

	require.ErrorIs(t, r.advance(RoundEvaluating), ErrInvalidRoundState, "no skipping forward")
	require.NoError(t, r.advance(RoundBuzzerLocked))
	require.ErrorIs(t, r.advance(RoundSongPlaying), ErrInvalidRoundState, "no going back")
	require.NoError(t, r.advance(RoundEvaluating))
	require.NoError(t, r.advance(RoundCompleted))
	require.ErrorIs(t, r.advance(RoundCompleted), ErrInvalidRoundState, "completed is terminal")

	// Completion is reachable directly from any non-terminal state.
	r2 := newRound(2, testSong(2), config.SongStartOffsetSec)
	require.NoError(t, r2.advance(RoundCompleted))
	require.False(t, r2.EndedAt.IsZero())
}

func TestBeginRoundGuards(t *testing.T) {
	g := NewGameRoom("AB12CD", Settings{MaxRounds: 1})
	_, err := g.JoinTeam("Red", uuid.New())
	require.NoError(t, err)

	_, _, err = g.BeginRound()
	require.ErrorIs(t, err, ErrInvalidRoundState, "no rounds before the game starts")

	_, err = g.JoinTeam("Blue", uuid.New())
	require.NoError(t, err)
	require.NoError(t, g.StartGame())

	_, _, err = g.BeginRound()
	require.NoError(t, err)
	_, _, err = g.BeginRound()
	require.ErrorIs(t, err, ErrRoundInFlight, "reservation blocks a second begin")

	g.AbortRound()
	_, _, err = g.BeginRound()
	require.NoError(t, err, "abort releases the reservation")
	g.CommitRound(testSong(1))

	_, _, err = g.BeginRound()
	require.ErrorIs(t, err, ErrRoundInFlight, "in-flight round blocks the next one")

	_, err = g.SkipRound()
	require.NoError(t, err)
	_, _, err = g.BeginRound()
	require.ErrorIs(t, err, ErrMaxRoundsReached)
}

func TestBeginRoundExcludesPlayedSongs(t *testing.T) {
	g := newPlayingRoom(t, "Red", "Blue")

	startRound(t, g, 7)
	_, err := g.SkipRound()
	require.NoError(t, err)

	_, excludeIDs, err := g.BeginRound()
	require.NoError(t, err)
	require.Equal(t, []int{7}, excludeIDs)
}

func TestSkipRoundFromEveryInFlightState(t *testing.T) {
	g := newPlayingRoom(t, "Red", "Blue")

	// From SongPlaying.
	startRound(t, g, 1)
	rec, err := g.SkipRound()
	require.NoError(t, err)
	require.Equal(t, RoundCompleted, rec.State)

	// From BuzzerLocked.
	startRound(t, g, 2)
	_, err = g.Buzz("Red", 800)
	require.NoError(t, err)
	rec, err = g.SkipRound()
	require.NoError(t, err)
	require.Equal(t, RoundCompleted, rec.State)

	// From Evaluating.
	startRound(t, g, 3)
	_, err = g.Buzz("Red", 800)
	require.NoError(t, err)
	_, err = g.SubmitAnswer("Red", "x", "", "")
	require.NoError(t, err)
	rec, err = g.SkipRound()
	require.NoError(t, err)
	require.Equal(t, RoundCompleted, rec.State)

	require.Equal(t, 0, g.TeamScores()["Red"], "skipped rounds award nothing")

	_, err = g.SkipRound()
	require.ErrorIs(t, err, ErrInvalidRoundState, "nothing left to skip")
}

func TestAnswerTimeoutMovesToEvaluating(t *testing.T) {
	g := newPlayingRoom(t, "Red", "Blue")
	r := startRound(t, g, 1)

	_, err := g.Buzz("Red", 700)
	require.NoError(t, err)

	fired := make(chan struct{})
	g.ArmAnswerTimer(20*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("answer timer never fired")
	}

	g.Mu.Lock()
	require.Equal(t, RoundEvaluating, r.State)
	require.NotNil(t, r.Answer)
	require.Equal(t, "Red", r.Answer.TeamName)
	require.Empty(t, r.Answer.SongName, "timeout forwards an empty answer")
	g.Mu.Unlock()

	// The manager can still score the empty answer as wrong.
	score, _, err := g.Evaluate(false, false, false)
	require.NoError(t, err)
	require.Equal(t, 0, score.PointsEarned)
}

func TestAnswerTimerCancelledBySubmission(t *testing.T) {
	g := newPlayingRoom(t, "Red", "Blue")
	r := startRound(t, g, 1)

	_, err := g.Buzz("Red", 700)
	require.NoError(t, err)

	fired := make(chan struct{})
	g.ArmAnswerTimer(30*time.Millisecond, func() { close(fired) })

	_, err = g.SubmitAnswer("Red", "Song 1", "", "")
	require.NoError(t, err)

	select {
	case <-fired:
		t.Fatal("timer fired after submission")
	case <-time.After(80 * time.Millisecond):
	}

	g.Mu.Lock()
	require.Equal(t, "Song 1", r.Answer.SongName)
	g.Mu.Unlock()
}

func TestEndGameWinnerAndTieBreak(t *testing.T) {
	g := newPlayingRoom(t, "Zebra", "apple", "Mango")
	g.Mu.Lock()
	g.Scores["Zebra"] = 15
	g.Scores["apple"] = 15
	g.Scores["Mango"] = 10
	g.Mu.Unlock()

	result, err := g.EndGame()
	require.NoError(t, err)
	require.Equal(t, "apple", result.Winner, "ties break alphabetically, case-insensitive")
	require.Equal(t, 15, result.Scores["Zebra"])

	_, err = g.EndGame()
	require.ErrorIs(t, err, ErrInvalidRoundState, "a finished game stays finished")
}

func TestEndGameCompletesInFlightRound(t *testing.T) {
	g := newPlayingRoom(t, "Red", "Blue")
	r := startRound(t, g, 1)
	_, err := g.Buzz("Red", 600)
	require.NoError(t, err)

	result, err := g.EndGame()
	require.NoError(t, err)
	require.Equal(t, RoundCompleted, r.State)
	require.Equal(t, 1, result.RoundsPlayed)
}

func TestRosterOrderedByJoinTime(t *testing.T) {
	g := NewGameRoom("AB12CD", Settings{})
	for _, name := range []string{"Charlie", "Alpha", "Bravo"} {
		_, err := g.JoinTeam(name, uuid.New())
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}
	require.Equal(t, []string{"Charlie", "Alpha", "Bravo"}, g.Roster())
}

func TestCanonicalAndValidCode(t *testing.T) {
	require.Equal(t, "AB12CD", CanonicalCode("  ab12cd "))
	require.True(t, ValidCode("AB12CD"))
	require.False(t, ValidCode("AB12C"))
	require.False(t, ValidCode("AB12CDE"))
	require.False(t, ValidCode("AB12C!"))
}
