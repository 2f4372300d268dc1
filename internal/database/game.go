// internal/database/game.go
package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// FinishedGame is the record persisted when a room reaches Finished.
type FinishedGame struct {
	RoomCode     string
	Winner       string
	Scores       map[string]int
	RoundsPlayed int
	FinishedAt   time.Time
}

// SaveFinishedGame upserts the final result for a room. Scores are stored as
// a JSON document since the in-memory room is the source of truth and this
// table exists for history queries only.
func (s *Store) SaveFinishedGame(ctx context.Context, game FinishedGame) error {
	if s == nil {
		return nil
	}
	scores, err := json.Marshal(game.Scores)
	if err != nil {
		return fmt.Errorf("marshal scores for game %s: %w", game.RoomCode, err)
	}

	q := `
		INSERT INTO finished_games (room_code, winner, scores, rounds_played, finished_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (room_code) DO UPDATE
		SET winner = EXCLUDED.winner,
		    scores = EXCLUDED.scores,
		    rounds_played = EXCLUDED.rounds_played,
		    finished_at = EXCLUDED.finished_at
	`
	if _, err := s.pool.Exec(ctx, q, game.RoomCode, game.Winner, scores, game.RoundsPlayed, game.FinishedAt); err != nil {
		return fmt.Errorf("save finished game %s: %w", game.RoomCode, err)
	}
	return nil
}
