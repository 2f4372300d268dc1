// internal/session/dispatcher.go
package session

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/soundclash/session-service/internal/cache"
	"github.com/soundclash/session-service/internal/models"
	"github.com/soundclash/session-service/internal/protocol"
	"github.com/soundclash/session-service/internal/registry"
	"github.com/soundclash/session-service/internal/room"
)

// Dispatcher maps accepted room mutations to outbound events and fans them
// out to the right audience through the connection registry. Payloads are
// built purely from post-mutation state, so redelivering current state after
// a reconnect is just recomputing the same payloads.
type Dispatcher struct {
	registry *registry.Registry
	journal  *cache.Journal
	logger   *logrus.Logger
}

// NewDispatcher wires a Dispatcher. journal may be nil.
func NewDispatcher(reg *registry.Registry, journal *cache.Journal, logger *logrus.Logger) *Dispatcher {
	return &Dispatcher{registry: reg, journal: journal, logger: logger}
}

// rosterPayload accompanies every roster change.
type rosterPayload struct {
	TeamName  string   `json:"team_name"`
	Teams     []string `json:"teams"`
	TeamCount int      `json:"team_count"`
}

type gameStartedPayload struct {
	RoomCode  string `json:"room_code"`
	MaxRounds int    `json:"max_rounds"`
}

type roundStartedPayload struct {
	RoundNumber     int          `json:"round_number"`
	Song            *models.Song `json:"song"`
	SongStartOffset int          `json:"song_start_offset"`
}

type buzzerLockedPayload struct {
	TeamName       string    `json:"team_name"`
	Timestamp      time.Time `json:"timestamp"`
	ReactionTimeMs int       `json:"reaction_time_ms"`
}

type answerSubmittedPayload struct {
	TeamName string             `json:"team_name"`
	Answer   *models.TeamAnswer `json:"answer"`
}

type roundCompletedPayload struct {
	RoundNumber int                `json:"round_number"`
	Skipped     bool               `json:"skipped,omitempty"`
	Score       *models.RoundScore `json:"score,omitempty"`
	TeamScores  map[string]int     `json:"team_scores"`
}

type gameFinishedPayload struct {
	Winner      string         `json:"winner"`
	Scores      map[string]int `json:"scores"`
	TotalRounds int            `json:"total_rounds"`
}

// TeamJoined notifies every role in the room of a new roster.
func (d *Dispatcher) TeamJoined(code, teamName string, roster []string) {
	d.broadcastAll(code, protocol.EvtTeamJoined, rosterPayload{
		TeamName: teamName, Teams: roster, TeamCount: len(roster),
	})
}

// TeamLeft notifies every role of a departure (voluntary, kick, or reap).
func (d *Dispatcher) TeamLeft(code, teamName string, roster []string) {
	d.broadcastAll(code, protocol.EvtTeamLeft, rosterPayload{
		TeamName: teamName, Teams: roster, TeamCount: len(roster),
	})
}

// TeamReconnected announces that a known team's transport is live again.
func (d *Dispatcher) TeamReconnected(code, teamName string, roster []string) {
	d.broadcastAll(code, protocol.EvtTeamReconnected, rosterPayload{
		TeamName: teamName, Teams: roster, TeamCount: len(roster),
	})
}

// GameStarted announces the Waiting -> Playing transition.
func (d *Dispatcher) GameStarted(code string, maxRounds int) {
	d.broadcastAll(code, protocol.EvtGameStarted, gameStartedPayload{
		RoomCode: code, MaxRounds: maxRounds,
	})
}

// RoundStarted carries the round number and song metadata to all roles.
func (d *Dispatcher) RoundStarted(code string, r *room.RoundRecord) {
	d.broadcastAll(code, protocol.EvtRoundStarted, roundStartedPayload{
		RoundNumber:     r.Number,
		Song:            r.Song,
		SongStartOffset: r.SongStartOffset,
	})
}

// BuzzerLocked announces the arbitration winner with the server receipt time.
func (d *Dispatcher) BuzzerLocked(code string, claim room.BuzzClaim) {
	d.broadcastAll(code, protocol.EvtBuzzerLocked, buzzerLockedPayload{
		TeamName:       claim.TeamName,
		Timestamp:      claim.Timestamp,
		ReactionTimeMs: claim.ReactionTimeMs,
	})
}

// AnswerSubmitted goes to managers only; teams never see each other's raw
// answers.
func (d *Dispatcher) AnswerSubmitted(code string, answer *models.TeamAnswer) {
	payload, err := protocol.Marshal(protocol.EvtAnswerSubmitted, answerSubmittedPayload{
		TeamName: answer.TeamName, Answer: answer,
	})
	if err != nil {
		d.logger.Errorf("marshal %s for room %s: %v", protocol.EvtAnswerSubmitted, code, err)
		return
	}
	d.registry.BroadcastRole(code, registry.RoleManager, payload)
	d.journalEvent(code, protocol.EvtAnswerSubmitted)
}

// RoundCompleted reports the evaluation (or skip) with updated cumulative
// scores to all roles.
func (d *Dispatcher) RoundCompleted(code string, roundNumber int, skipped bool, score *models.RoundScore, teamScores map[string]int) {
	d.broadcastAll(code, protocol.EvtRoundCompleted, roundCompletedPayload{
		RoundNumber: roundNumber,
		Skipped:     skipped,
		Score:       score,
		TeamScores:  teamScores,
	})
}

// GameFinished reports the winner and final scores to all roles.
func (d *Dispatcher) GameFinished(code string, result room.GameResult) {
	d.broadcastAll(code, protocol.EvtGameFinished, gameFinishedPayload{
		Winner:      result.Winner,
		Scores:      result.Scores,
		TotalRounds: result.RoundsPlayed,
	})
}

// SendEvent delivers one event to a single connection.
func (d *Dispatcher) SendEvent(connID uuid.UUID, evType string, data any) {
	payload, err := protocol.Marshal(evType, data)
	if err != nil {
		d.logger.Errorf("marshal %s: %v", evType, err)
		return
	}
	d.registry.Send(connID, payload)
}

// SendError delivers a rejection envelope to a single connection.
func (d *Dispatcher) SendError(connID uuid.UUID, code, message string) {
	d.SendEvent(connID, protocol.EvtError, protocol.ErrorData{Code: code, Message: message})
}

// SendTeamError delivers a rejection envelope to a team's live connection.
func (d *Dispatcher) SendTeamError(roomCode, teamName, code, message string) {
	payload, err := protocol.Marshal(protocol.EvtError, protocol.ErrorData{Code: code, Message: message})
	if err != nil {
		d.logger.Errorf("marshal %s: %v", protocol.EvtError, err)
		return
	}
	d.registry.SendTeam(roomCode, teamName, payload)
}

// broadcastAll marshals once and fans the event out to every live connection
// in the room. Sends are fire-and-forget relative to the mutation that
// produced them; callers invoke this after releasing the room mutex.
func (d *Dispatcher) broadcastAll(code, evType string, data any) {
	payload, err := protocol.Marshal(evType, data)
	if err != nil {
		d.logger.Errorf("marshal %s for room %s: %v", evType, code, err)
		return
	}
	d.registry.Broadcast(code, payload, uuid.Nil, "")
	d.journalEvent(code, evType)
}

// journalEvent pushes a record onto the Redis journal without blocking the
// caller on journal latency.
func (d *Dispatcher) journalEvent(code, evType string) {
	if d.journal == nil {
		return
	}
	record := cache.EventRecord{
		RoomCode:  code,
		EventType: evType,
		Timestamp: time.Now().Unix(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := d.journal.Publish(ctx, record); err != nil {
			d.logger.Warnf("journal publish failed for room %s: %v", code, err)
		}
	}()
}
