// internal/session/snapshot.go
package session

import (
	"sort"
	"time"

	"github.com/soundclash/session-service/internal/models"
	"github.com/soundclash/session-service/internal/room"
)

// TeamInfo is one team's entry in a state snapshot.
type TeamInfo struct {
	Name     string        `json:"name"`
	Status   room.Liveness `json:"status"`
	Score    int           `json:"score"`
	JoinedAt time.Time     `json:"joined_at"`
}

// RoundInfo summarizes the current round in a snapshot.
type RoundInfo struct {
	Number          int                `json:"number"`
	State           room.RoundState    `json:"state"`
	Song            *models.Song       `json:"song,omitempty"`
	SongStartOffset int                `json:"song_start_offset"`
	BuzzerWinner    string             `json:"buzzer_winner,omitempty"`
	Score           *models.RoundScore `json:"score,omitempty"`
}

// Snapshot is the full observable state of a room at one instant. It is what
// a reconnecting client receives to rebuild its view, and what the status
// endpoint serves.
type Snapshot struct {
	RoomCode     string         `json:"room_code"`
	Status       room.Lifecycle `json:"status"`
	MaxRounds    int            `json:"max_rounds"`
	Genres       []string       `json:"genres,omitempty"`
	CurrentRound int            `json:"current_round"`
	Teams        []TeamInfo     `json:"teams"`
	Scores       map[string]int `json:"scores"`
	Round        *RoundInfo     `json:"round,omitempty"`
	Connections  int            `json:"connections"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Snapshot returns the current state of the room identified by code.
func (c *Controller) Snapshot(code string) (*Snapshot, error) {
	r, err := c.lookup(code)
	if err != nil {
		return nil, err
	}
	return c.buildSnapshot(r), nil
}

// buildSnapshot reads the room's full state under its mutex. All payload
// values are copies; the snapshot never aliases live room state.
func (c *Controller) buildSnapshot(r *room.GameRoom) *Snapshot {
	r.Mu.Lock()
	defer r.Mu.Unlock()

	snap := &Snapshot{
		RoomCode:     r.Code,
		Status:       r.State,
		MaxRounds:    r.MaxRounds,
		Genres:       r.Genres,
		CurrentRound: r.CurrentRound,
		Scores:       make(map[string]int, len(r.Scores)),
		Connections:  c.registry.ConnectionCount(r.Code),
		CreatedAt:    r.CreatedAt,
	}
	for name, score := range r.Scores {
		snap.Scores[name] = score
	}
	for _, ts := range r.Teams {
		snap.Teams = append(snap.Teams, TeamInfo{
			Name:     ts.Name,
			Status:   ts.Status,
			Score:    r.Scores[ts.Name],
			JoinedAt: ts.JoinedAt,
		})
	}
	sort.Slice(snap.Teams, func(i, j int) bool {
		a, b := snap.Teams[i], snap.Teams[j]
		if a.JoinedAt.Equal(b.JoinedAt) {
			return a.Name < b.Name
		}
		return a.JoinedAt.Before(b.JoinedAt)
	})

	if n := len(r.Rounds); n > 0 {
		rec := r.Rounds[n-1]
		snap.Round = &RoundInfo{
			Number:          rec.Number,
			State:           rec.State,
			Song:            rec.Song,
			SongStartOffset: rec.SongStartOffset,
			BuzzerWinner:    rec.BuzzerWinner,
			Score:           rec.Score,
		}
	}
	return snap
}
