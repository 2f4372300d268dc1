// internal/room/round.go
package room

import (
	"time"

	"github.com/soundclash/session-service/internal/models"
)

// RoundState is the lifecycle state of a single round. Transitions only move
// forward; see Advance.
type RoundState string

const (
	RoundNotStarted   RoundState = "not_started"
	RoundSongPlaying  RoundState = "song_playing"
	RoundBuzzerLocked RoundState = "buzzer_locked"
	RoundEvaluating   RoundState = "evaluating"
	RoundCompleted    RoundState = "completed"
)

// order maps each round state to its position in the forward-only chain.
var roundStateOrder = map[RoundState]int{
	RoundNotStarted:   0,
	RoundSongPlaying:  1,
	RoundBuzzerLocked: 2,
	RoundEvaluating:   3,
	RoundCompleted:    4,
}

// RoundRecord holds everything that happened in one round. It is owned by its
// GameRoom and must only be touched under the room's mutex.
type RoundRecord struct {
	Number int        `json:"round_number"`
	State  RoundState `json:"state"`

	Song            *models.Song `json:"song,omitempty"`
	SongStartOffset int          `json:"song_start_offset"`

	// BuzzerWinner is set at most once per round, by the arbiter.
	BuzzerWinner   string    `json:"buzzer_winner,omitempty"`
	BuzzedAt       time.Time `json:"buzzed_at,omitzero"`
	ReactionTimeMs int       `json:"reaction_time_ms,omitempty"`

	Answer *models.TeamAnswer `json:"answer,omitempty"`
	Score  *models.RoundScore `json:"score,omitempty"`

	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitzero"`

	// answerTimer fires the answer timeout while in BuzzerLocked. Cleared on
	// submission or completion; guarded by the owning room's mutex.
	answerTimer *time.Timer
}

// newRound creates a round in SongPlaying with the selected song.
func newRound(number int, song *models.Song, startOffset int) *RoundRecord {
	return &RoundRecord{
		Number:          number,
		State:           RoundSongPlaying,
		Song:            song,
		SongStartOffset: startOffset,
		StartedAt:       time.Now(),
	}
}

// advance moves the round to next if that is a legal forward transition.
// Completion is reachable from any non-terminal state (skip path); every other
// transition must step exactly one state forward. Returns ErrInvalidRoundState
// otherwise. Caller holds the room mutex.
func (r *RoundRecord) advance(next RoundState) error {
	cur, curOK := roundStateOrder[r.State]
	nxt, nxtOK := roundStateOrder[next]
	if !curOK || !nxtOK {
		return ErrInvalidRoundState
	}
	if next == RoundCompleted {
		if r.State == RoundCompleted {
			return ErrInvalidRoundState
		}
	} else if nxt != cur+1 {
		return ErrInvalidRoundState
	}
	r.State = next
	if next == RoundCompleted {
		r.EndedAt = time.Now()
		r.stopAnswerTimer()
	}
	return nil
}

// stopAnswerTimer cancels a pending answer timeout, if any. Caller holds the
// room mutex.
func (r *RoundRecord) stopAnswerTimer() {
	if r.answerTimer != nil {
		r.answerTimer.Stop()
		r.answerTimer = nil
	}
}

// InFlight reports whether this round still needs action before another round
// may start.
func (r *RoundRecord) InFlight() bool {
	return r.State != RoundCompleted
}
