// internal/room/buzzer.go
package room

import "time"

// BuzzClaim is the outcome of a successful buzzer claim. The timestamp is the
// server's receipt time; the client-reported reaction time is carried for
// display only and plays no part in arbitration.
type BuzzClaim struct {
	TeamName       string
	Timestamp      time.Time
	ReactionTimeMs int
}

// BuzzerArbiter admits at most one buzz per round. TryClaim must be invoked
// under the owning room's mutex so the check-and-set below is atomic with
// respect to every other command on the room; two concurrent claims can then
// never both observe an unclaimed round.
type BuzzerArbiter struct{}

// TryClaim attempts to claim the buzzer for team on the given round. The first
// claim in SongPlaying wins and locks the round; later claims get
// ErrAlreadyClaimed and are neither queued nor retried.
func (BuzzerArbiter) TryClaim(r *RoundRecord, team string, reactionMs int) (BuzzClaim, error) {
	if r.State != RoundSongPlaying || r.BuzzerWinner != "" {
		return BuzzClaim{}, ErrAlreadyClaimed
	}
	now := time.Now()
	r.BuzzerWinner = team
	r.BuzzedAt = now
	r.ReactionTimeMs = reactionMs
	r.State = RoundBuzzerLocked
	return BuzzClaim{TeamName: team, Timestamp: now, ReactionTimeMs: reactionMs}, nil
}
