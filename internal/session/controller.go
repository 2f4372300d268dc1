// internal/session/controller.go

// Package session owns the command surface of the service: every mutation of
// a game room enters through the Controller, which validates against the
// room, applies the mutation under the room mutex, and hands the accepted
// result to the Dispatcher for fan-out. Rejections flow back to the caller
// as sentinel errors.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/soundclash/session-service/internal/config"
	"github.com/soundclash/session-service/internal/database"
	"github.com/soundclash/session-service/internal/models"
	"github.com/soundclash/session-service/internal/protocol"
	"github.com/soundclash/session-service/internal/registry"
	"github.com/soundclash/session-service/internal/room"
)

// SongSelector picks the next track from the external catalog.
type SongSelector interface {
	SelectRandom(ctx context.Context, genres []string, excludeIDs []int) (*models.Song, error)
}

// Controller coordinates rooms, connections, and the catalog. It holds no
// game state of its own; rooms are the single source of truth and the
// controller sequences commands against them.
type Controller struct {
	store    *room.RoomStore
	registry *registry.Registry
	dispatch *Dispatcher
	songs    SongSelector
	db       *database.Store
	logger   *logrus.Logger

	answerTimeout time.Duration
}

// NewController wires a Controller. db may be nil to disable persistence.
func NewController(store *room.RoomStore, reg *registry.Registry, dispatch *Dispatcher, songs SongSelector, db *database.Store, logger *logrus.Logger) *Controller {
	return &Controller{
		store:         store,
		registry:      reg,
		dispatch:      dispatch,
		songs:         songs,
		db:            db,
		logger:        logger,
		answerTimeout: config.AnswerTimeout,
	}
}

// Registry exposes the connection registry for transport handlers.
func (c *Controller) Registry() *registry.Registry {
	return c.registry
}

// EnsureRoom creates the room for code if it does not exist yet, applying
// settings on first creation only.
func (c *Controller) EnsureRoom(code string, settings room.Settings) (*room.GameRoom, error) {
	code = room.CanonicalCode(code)
	if !room.ValidCode(code) {
		return nil, room.ErrGameNotFound
	}
	return c.store.GetOrCreate(code, settings), nil
}

// lookup resolves a canonical room code to its live room.
func (c *Controller) lookup(code string) (*room.GameRoom, error) {
	r, ok := c.store.Get(room.CanonicalCode(code))
	if !ok {
		return nil, room.ErrGameNotFound
	}
	return r, nil
}

// JoinTeam admits or reconnects a team and announces the roster change. On
// reconnection the joining connection also receives a full state snapshot so
// the client can rebuild its view.
func (c *Controller) JoinTeam(code, teamName string, connID uuid.UUID) (room.JoinResult, error) {
	r, err := c.lookup(code)
	if err != nil {
		return room.JoinResult{}, err
	}
	result, err := r.JoinTeam(teamName, connID)
	if err != nil {
		return room.JoinResult{}, err
	}

	if result.Reconnected {
		c.dispatch.SendEvent(connID, protocol.EvtGameState, c.buildSnapshot(r))
		c.dispatch.TeamReconnected(r.Code, result.TeamName, result.Roster)
	} else {
		c.dispatch.TeamJoined(r.Code, result.TeamName, result.Roster)
	}
	c.logger.WithFields(logrus.Fields{
		"room":        r.Code,
		"team":        result.TeamName,
		"reconnected": result.Reconnected,
	}).Info("team joined")
	return result, nil
}

// LeaveTeam handles a voluntary exit; the session and score are destroyed.
func (c *Controller) LeaveTeam(code, teamName string) error {
	r, err := c.lookup(code)
	if err != nil {
		return err
	}
	_, roster, err := r.RemoveTeam(teamName)
	if err != nil {
		return err
	}
	c.dispatch.TeamLeft(r.Code, teamName, roster)
	return nil
}

// HandleDisconnect reacts to an abrupt transport loss for a team connection.
// The room decides whether the session is destroyed or parked for
// reconnection; either way the room learns the roster changed. A team that is
// already gone (kicked, or removed by an earlier disconnect) announces
// nothing; the roster change was broadcast when it was removed.
func (c *Controller) HandleDisconnect(code, teamName string) {
	r, err := c.lookup(code)
	if err != nil {
		return
	}
	found, removed, roster := r.HandleDisconnect(teamName)
	if !found {
		return
	}
	c.dispatch.TeamLeft(r.Code, teamName, roster)
	c.logger.WithFields(logrus.Fields{
		"room":    r.Code,
		"team":    teamName,
		"removed": removed,
	}).Info("team disconnected")
}

// StartGame moves the room into Playing and announces it.
func (c *Controller) StartGame(code string) error {
	r, err := c.lookup(code)
	if err != nil {
		return err
	}
	if err := r.StartGame(); err != nil {
		return err
	}
	c.dispatch.GameStarted(r.Code, r.MaxRounds)
	return nil
}

// StartRound reserves the next round, fetches a song from the catalog, and
// commits the round. The catalog call runs outside the room mutex; a failed
// fetch releases the reservation and leaves the room unchanged.
func (c *Controller) StartRound(ctx context.Context, code string) error {
	r, err := c.lookup(code)
	if err != nil {
		return err
	}
	roundNumber, excludeIDs, err := r.BeginRound()
	if err != nil {
		return err
	}

	song, err := c.songs.SelectRandom(ctx, r.Genres, excludeIDs)
	if err != nil {
		r.AbortRound()
		c.logger.WithFields(logrus.Fields{
			"room":  r.Code,
			"round": roundNumber,
		}).Warnf("song selection failed: %v", err)
		return fmt.Errorf("%w: %v", room.ErrSongUnavailable, err)
	}

	rec := r.CommitRound(song)
	c.dispatch.RoundStarted(r.Code, rec)
	return nil
}

// Buzz arbitrates a buzzer press. The winner locks the buzzer for the room
// and starts the answer timeout; losers get the rejection back.
func (c *Controller) Buzz(code, teamName string, reactionMs int) (room.BuzzClaim, error) {
	r, err := c.lookup(code)
	if err != nil {
		return room.BuzzClaim{}, err
	}
	claim, err := r.Buzz(teamName, reactionMs)
	if err != nil {
		return room.BuzzClaim{}, err
	}

	c.dispatch.BuzzerLocked(r.Code, claim)
	r.ArmAnswerTimer(c.answerTimeout, func() {
		c.logger.WithFields(logrus.Fields{
			"room": r.Code,
			"team": claim.TeamName,
		}).Info("answer timeout, forwarding empty answer")
		c.dispatch.AnswerSubmitted(r.Code, &models.TeamAnswer{
			TeamName:    claim.TeamName,
			SubmittedAt: time.Now(),
		})
	})
	return claim, nil
}

// SubmitAnswer records the buzzer winner's answer and forwards it to the
// managers for evaluation.
func (c *Controller) SubmitAnswer(code, teamName, songName, artistName, movieTVName string) error {
	r, err := c.lookup(code)
	if err != nil {
		return err
	}
	ans, err := r.SubmitAnswer(teamName, songName, artistName, movieTVName)
	if err != nil {
		return err
	}
	c.dispatch.AnswerSubmitted(r.Code, ans)
	return nil
}

// EvaluateAnswer applies the manager verdict, awards points, and completes
// the round.
func (c *Controller) EvaluateAnswer(code string, songCorrect, artistCorrect, movieTVCorrect bool) error {
	r, err := c.lookup(code)
	if err != nil {
		return err
	}
	score, scores, err := r.Evaluate(songCorrect, artistCorrect, movieTVCorrect)
	if err != nil {
		return err
	}
	c.dispatch.RoundCompleted(r.Code, r.CurrentRoundNumber(), false, score, scores)
	return nil
}

// SkipRound abandons the current round with no points awarded.
func (c *Controller) SkipRound(code string) error {
	r, err := c.lookup(code)
	if err != nil {
		return err
	}
	rec, err := r.SkipRound()
	if err != nil {
		return err
	}
	c.dispatch.RoundCompleted(r.Code, rec.Number, true, nil, r.TeamScores())
	return nil
}

// EndGame finishes the game, announces the result, and persists it
// write-behind so the command path never waits on the database.
func (c *Controller) EndGame(code string) (room.GameResult, error) {
	r, err := c.lookup(code)
	if err != nil {
		return room.GameResult{}, err
	}
	result, err := r.EndGame()
	if err != nil {
		return room.GameResult{}, err
	}
	c.dispatch.GameFinished(r.Code, result)
	c.logger.WithFields(logrus.Fields{
		"room":   r.Code,
		"winner": result.Winner,
		"rounds": result.RoundsPlayed,
	}).Info("game finished")

	c.persistResult(r.Code, result)
	return result, nil
}

// persistResult saves a finished game in the background.
func (c *Controller) persistResult(code string, result room.GameResult) {
	if c.db == nil {
		return
	}
	record := database.FinishedGame{
		RoomCode:     code,
		Winner:       result.Winner,
		Scores:       result.Scores,
		RoundsPlayed: result.RoundsPlayed,
		FinishedAt:   time.Now(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.db.SaveFinishedGame(ctx, record); err != nil {
			c.logger.Errorf("persist finished game %s: %v", code, err)
		}
	}()
}

// KickTeam removes a team at the manager's request. The kicked client gets
// the reason before its connection is dropped.
func (c *Controller) KickTeam(code, teamName string) error {
	r, err := c.lookup(code)
	if err != nil {
		return err
	}
	c.dispatch.SendTeamError(r.Code, teamName, protocol.CodeTeamKicked, "removed by the game manager")
	connID, roster, err := r.RemoveTeam(teamName)
	if err != nil {
		return err
	}
	if connID != uuid.Nil {
		c.registry.UnregisterWithClose(connID, protocol.CloseTeamKicked, "removed by the game manager")
	}
	c.dispatch.TeamLeft(r.Code, teamName, roster)
	c.logger.WithFields(logrus.Fields{"room": r.Code, "team": teamName}).Info("team kicked")
	return nil
}

// DeleteRoom destroys the room and drops every connection attached to it.
func (c *Controller) DeleteRoom(code string) error {
	code = room.CanonicalCode(code)
	if !c.store.Delete(code) {
		return room.ErrGameNotFound
	}
	c.registry.CloseRoom(code, protocol.CloseRoomRemoved, "room removed")
	c.logger.WithField("room", code).Info("room deleted")
	return nil
}

// GameCounts reports how many rooms are live, total and per lifecycle state.
func (c *Controller) GameCounts() (int, map[room.Lifecycle]int) {
	byState := map[room.Lifecycle]int{
		room.StateWaiting:  0,
		room.StatePlaying:  0,
		room.StateFinished: 0,
	}
	total := 0
	for _, r := range c.store.All() {
		r.Mu.Lock()
		state := r.State
		r.Mu.Unlock()
		byState[state]++
		total++
	}
	return total, byState
}

// Heartbeat refreshes a connection's liveness timestamp.
func (c *Controller) Heartbeat(connID uuid.UUID) {
	c.registry.Touch(connID)
}

// ReapStaleConnections drops connections without a recent heartbeat and
// applies disconnect semantics for the team connections among them.
func (c *Controller) ReapStaleConnections() {
	for _, reaped := range c.registry.ReapStale(config.StaleTimeout) {
		c.HandleDisconnect(reaped.Room, reaped.TeamName)
	}
}

// RunJanitor periodically reaps stale connections and destroys rooms that
// have been idle with no active team past the idle TTL. Blocks until ctx is
// cancelled.
func (c *Controller) RunJanitor(ctx context.Context) {
	ticker := time.NewTicker(config.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.ReapStaleConnections()
			c.sweepIdleRooms()
		}
	}
}

// sweepIdleRooms deletes rooms whose last activity is past the idle TTL and
// which no active team is still attached to.
func (c *Controller) sweepIdleRooms() {
	cutoff := time.Now().Add(-config.RoomIdleTTL)
	for _, r := range c.store.All() {
		last, anyActive := r.IdleSince()
		if anyActive || last.After(cutoff) {
			continue
		}
		c.logger.WithField("room", r.Code).Info("sweeping idle room")
		if err := c.DeleteRoom(r.Code); err != nil && !errors.Is(err, room.ErrGameNotFound) {
			c.logger.Warnf("sweep room %s: %v", r.Code, err)
		}
	}
}
