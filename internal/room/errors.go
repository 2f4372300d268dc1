// internal/room/errors.go
package room

import "errors"

// Validation errors. Surfaced to the originating client as a rejection
// envelope; never fatal and never retried.
var (
	ErrDuplicateTeamName = errors.New("team name already taken in this room")
	ErrRoomFull          = errors.New("room is full")
	ErrInvalidTeamName   = errors.New("invalid team name")
	ErrNotEnoughTeams    = errors.New("not enough teams to start")
)

// State-machine errors. Indicate a stale or duplicate client command.
var (
	ErrInvalidRoundState  = errors.New("operation not valid in current round state")
	ErrAlreadyClaimed     = errors.New("buzzer already claimed for this round")
	ErrGameAlreadyStarted = errors.New("game already started")
	ErrGameNotFound       = errors.New("game not found")
	ErrNotBuzzerWinner    = errors.New("team did not win the buzzer")
	ErrRoundInFlight      = errors.New("a round is already in progress")
	ErrMaxRoundsReached   = errors.New("maximum number of rounds reached")
)

// ErrSongUnavailable is returned by start_round when the song catalog cannot
// supply a track. The round is not created (fail-closed).
var ErrSongUnavailable = errors.New("no song available from catalog")
