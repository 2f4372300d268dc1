// internal/room/room.go
package room

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/soundclash/session-service/internal/config"
	"github.com/soundclash/session-service/internal/models"
)

// Lifecycle is the coarse state of a room.
type Lifecycle string

const (
	StateWaiting  Lifecycle = "waiting"
	StatePlaying  Lifecycle = "playing"
	StateFinished Lifecycle = "finished"
)

// Liveness describes whether a team's transport is currently attached.
type Liveness string

const (
	TeamActive       Liveness = "active"
	TeamDisconnected Liveness = "disconnected"
)

// TeamSession is one team's identity within a room. The room owns the
// identity; the connection is replaceable without losing it (reconnection).
type TeamSession struct {
	Name     string    `json:"name"`
	ConnID   uuid.UUID `json:"-"` // uuid.Nil while disconnected
	Status   Liveness  `json:"status"`
	JoinedAt time.Time `json:"joined_at"`
	LastSeen time.Time `json:"last_seen"`
}

// Settings are the room parameters delivered by the control-plane notify call.
type Settings struct {
	MaxRounds int      `json:"max_rounds"`
	Genres    []string `json:"genres"`
}

// GameRoom holds the entire live state for one game, keyed by room code.
// Every state-mutating method takes the room mutex for its full duration, so
// commands against one room are serialized while rooms stay independent.
type GameRoom struct {
	Code string // canonical uppercase form

	Mu sync.Mutex

	State     Lifecycle
	MaxRounds int
	Genres    []string

	// Teams maps team name -> session. Names are unique under
	// case-insensitive comparison; the display-cased name is the key.
	Teams  map[string]*TeamSession
	Scores map[string]int

	Rounds       []*RoundRecord
	CurrentRound int

	CreatedAt    time.Time
	StartedAt    time.Time
	FinishedAt   time.Time
	LastActivity time.Time

	// Removed is set within the same critical section as the room's final
	// mutation; connection handlers observing it self-terminate.
	Removed bool

	// roundPending guards the window between reserving a round number and
	// committing the fetched song, so two concurrent start_round commands
	// cannot both create round N+1.
	roundPending bool

	arbiter BuzzerArbiter
}

// NewGameRoom creates a room in Waiting with the given settings.
func NewGameRoom(code string, settings Settings) *GameRoom {
	maxRounds := settings.MaxRounds
	if maxRounds <= 0 {
		maxRounds = config.DefaultMaxRounds
	}
	now := time.Now()
	return &GameRoom{
		Code:         code,
		State:        StateWaiting,
		MaxRounds:    maxRounds,
		Genres:       settings.Genres,
		Teams:        make(map[string]*TeamSession),
		Scores:       make(map[string]int),
		CreatedAt:    now,
		LastActivity: now,
	}
}

// CanonicalCode uppercases a room code for indexing and output.
func CanonicalCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidCode reports whether code is a well-formed room code: exactly six
// alphanumeric characters.
func ValidCode(code string) bool {
	if len(code) != config.RoomCodeLen {
		return false
	}
	for _, c := range code {
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		default:
			return false
		}
	}
	return true
}

var forbiddenNameChars = "<>\"'&\n\r\t"

// validateTeamName returns ErrInvalidTeamName for empty, oversized, or
// unsafe names.
func validateTeamName(name string) error {
	if name == "" {
		return ErrInvalidTeamName
	}
	if len([]rune(name)) > config.MaxTeamNameLen {
		return ErrInvalidTeamName
	}
	if strings.ContainsAny(name, forbiddenNameChars) {
		return ErrInvalidTeamName
	}
	return nil
}

// findTeam locates a session by case-insensitive name. Caller holds Mu.
func (g *GameRoom) findTeam(name string) (*TeamSession, bool) {
	for key, ts := range g.Teams {
		if strings.EqualFold(key, name) {
			return ts, true
		}
	}
	return nil, false
}

// touch records activity for idle-TTL accounting. Caller holds Mu.
func (g *GameRoom) touch() {
	g.LastActivity = time.Now()
}

// JoinResult reports what a JoinTeam call did.
type JoinResult struct {
	TeamName    string // display-cased name actually registered
	Reconnected bool
	Roster      []string
}

// JoinTeam admits a new team while Waiting, or reattaches a disconnected
// team's session in any state (reconnection). The connID becomes the team's
// live transport handle.
func (g *GameRoom) JoinTeam(name string, connID uuid.UUID) (JoinResult, error) {
	name = strings.TrimSpace(name)
	if err := validateTeamName(name); err != nil {
		return JoinResult{}, err
	}

	g.Mu.Lock()
	defer g.Mu.Unlock()

	if g.Removed {
		return JoinResult{}, ErrGameNotFound
	}

	if ts, ok := g.findTeam(name); ok {
		if ts.Status == TeamDisconnected {
			// Reconnection: same identity, new transport. Score untouched.
			ts.ConnID = connID
			ts.Status = TeamActive
			ts.LastSeen = time.Now()
			g.touch()
			return JoinResult{TeamName: ts.Name, Reconnected: true, Roster: g.rosterLocked()}, nil
		}
		return JoinResult{}, ErrDuplicateTeamName
	}

	if g.State != StateWaiting {
		return JoinResult{}, ErrGameAlreadyStarted
	}
	if len(g.Teams) >= config.MaxTeams {
		return JoinResult{}, ErrRoomFull
	}

	now := time.Now()
	g.Teams[name] = &TeamSession{
		Name:     name,
		ConnID:   connID,
		Status:   TeamActive,
		JoinedAt: now,
		LastSeen: now,
	}
	g.Scores[name] = 0
	g.touch()
	return JoinResult{TeamName: name, Roster: g.rosterLocked()}, nil
}

// RemoveTeam destroys a team's session and score. Used for explicit leave and
// manager kick. Returns the removed team's live connection id (uuid.Nil when
// disconnected) and the updated roster.
func (g *GameRoom) RemoveTeam(name string) (uuid.UUID, []string, error) {
	g.Mu.Lock()
	defer g.Mu.Unlock()

	ts, ok := g.findTeam(name)
	if !ok {
		return uuid.Nil, nil, ErrGameNotFound
	}
	connID := ts.ConnID
	delete(g.Teams, ts.Name)
	delete(g.Scores, ts.Name)
	g.touch()
	return connID, g.rosterLocked(), nil
}

// HandleDisconnect reacts to an abrupt transport loss for a team. While
// Waiting the team is removed outright; once the game has started the session
// is kept as Disconnected so score and identity survive a reconnect. found is
// false when no such session exists, which happens when the team was already
// removed (kick, explicit leave) before its transport went down.
func (g *GameRoom) HandleDisconnect(name string) (found, removed bool, roster []string) {
	g.Mu.Lock()
	defer g.Mu.Unlock()

	ts, ok := g.findTeam(name)
	if !ok {
		return false, false, g.rosterLocked()
	}
	if g.State == StateWaiting {
		delete(g.Teams, ts.Name)
		delete(g.Scores, ts.Name)
		g.touch()
		return true, true, g.rosterLocked()
	}
	ts.ConnID = uuid.Nil
	ts.Status = TeamDisconnected
	ts.LastSeen = time.Now()
	g.touch()
	return true, false, g.rosterLocked()
}

// StartGame moves Waiting -> Playing once enough teams have joined.
func (g *GameRoom) StartGame() error {
	g.Mu.Lock()
	defer g.Mu.Unlock()

	if g.State != StateWaiting {
		return ErrGameAlreadyStarted
	}
	if len(g.Teams) < config.MinTeams {
		return ErrNotEnoughTeams
	}
	g.State = StatePlaying
	g.StartedAt = time.Now()
	g.touch()
	return nil
}

// BeginRound reserves the next round slot and returns the song IDs already
// played, for exclusion. The reservation blocks concurrent BeginRound calls
// until CommitRound or AbortRound resolves it; the catalog fetch itself
// happens outside the room mutex.
func (g *GameRoom) BeginRound() (roundNumber int, excludeIDs []int, err error) {
	g.Mu.Lock()
	defer g.Mu.Unlock()

	if g.State != StatePlaying {
		return 0, nil, ErrInvalidRoundState
	}
	if g.roundPending {
		return 0, nil, ErrRoundInFlight
	}
	if n := len(g.Rounds); n > 0 && g.Rounds[n-1].InFlight() {
		return 0, nil, ErrRoundInFlight
	}
	if g.CurrentRound >= g.MaxRounds {
		return 0, nil, ErrMaxRoundsReached
	}

	for _, r := range g.Rounds {
		if r.Song != nil {
			excludeIDs = append(excludeIDs, r.Song.ID)
		}
	}
	g.roundPending = true
	return g.CurrentRound + 1, excludeIDs, nil
}

// CommitRound appends the round reserved by BeginRound with its selected song
// and puts it in SongPlaying.
func (g *GameRoom) CommitRound(song *models.Song) *RoundRecord {
	g.Mu.Lock()
	defer g.Mu.Unlock()

	g.roundPending = false
	g.CurrentRound++
	r := newRound(g.CurrentRound, song, config.SongStartOffsetSec)
	g.Rounds = append(g.Rounds, r)
	g.touch()
	return r
}

// AbortRound releases a BeginRound reservation after a failed song fetch.
// No round state exists afterwards (fail-closed).
func (g *GameRoom) AbortRound() {
	g.Mu.Lock()
	g.roundPending = false
	g.Mu.Unlock()
}

// currentRoundLocked returns the newest round or nil. Caller holds Mu.
func (g *GameRoom) currentRoundLocked() *RoundRecord {
	if len(g.Rounds) == 0 {
		return nil
	}
	return g.Rounds[len(g.Rounds)-1]
}

// Buzz runs the buzzer arbitration for team against the current round. The
// whole check-and-set happens under the room mutex, so exactly one concurrent
// caller can ever win.
func (g *GameRoom) Buzz(team string, reactionMs int) (BuzzClaim, error) {
	g.Mu.Lock()
	defer g.Mu.Unlock()

	ts, ok := g.findTeam(team)
	if !ok {
		return BuzzClaim{}, ErrGameNotFound
	}
	r := g.currentRoundLocked()
	if r == nil {
		return BuzzClaim{}, ErrInvalidRoundState
	}
	claim, err := g.arbiter.TryClaim(r, ts.Name, reactionMs)
	if err != nil {
		return BuzzClaim{}, err
	}
	g.touch()
	return claim, nil
}

// ArmAnswerTimer schedules the answer timeout for the round that was just
// locked. If the round is still in BuzzerLocked when it fires, onTimeout is
// invoked after the state has been advanced to Evaluating with an empty
// answer. A completed or progressed round makes the timer a no-op.
func (g *GameRoom) ArmAnswerTimer(d time.Duration, onTimeout func()) {
	g.Mu.Lock()
	defer g.Mu.Unlock()

	r := g.currentRoundLocked()
	if r == nil || r.State != RoundBuzzerLocked {
		return
	}
	roundNumber := r.Number
	r.answerTimer = time.AfterFunc(d, func() {
		if g.timeoutAnswer(roundNumber) {
			onTimeout()
		}
	})
}

// timeoutAnswer applies the answer timeout to the given round if it is still
// waiting for one. Reports whether the timeout took effect.
func (g *GameRoom) timeoutAnswer(roundNumber int) bool {
	g.Mu.Lock()
	defer g.Mu.Unlock()

	r := g.currentRoundLocked()
	if r == nil || r.Number != roundNumber || r.State != RoundBuzzerLocked {
		return false
	}
	r.answerTimer = nil
	r.Answer = &models.TeamAnswer{TeamName: r.BuzzerWinner, SubmittedAt: time.Now()}
	if err := r.advance(RoundEvaluating); err != nil {
		return false
	}
	g.touch()
	return true
}

// SubmitAnswer records the buzzer winner's answer and moves the round to
// Evaluating. Only the team that won the buzzer may submit.
func (g *GameRoom) SubmitAnswer(team, songName, artistName, movieTVName string) (*models.TeamAnswer, error) {
	g.Mu.Lock()
	defer g.Mu.Unlock()

	r := g.currentRoundLocked()
	if r == nil || r.State != RoundBuzzerLocked {
		return nil, ErrInvalidRoundState
	}
	if !strings.EqualFold(r.BuzzerWinner, team) {
		return nil, ErrNotBuzzerWinner
	}
	r.stopAnswerTimer()
	ans := &models.TeamAnswer{
		TeamName:    r.BuzzerWinner,
		SongName:    songName,
		ArtistName:  artistName,
		MovieTVName: movieTVName,
		SubmittedAt: time.Now(),
	}
	r.Answer = ans
	if err := r.advance(RoundEvaluating); err != nil {
		return nil, err
	}
	g.touch()
	return ans, nil
}

// Evaluate applies the manager's per-category verdict, awards points to the
// buzzer winner, completes the round, and returns the round score plus the
// updated cumulative scores.
func (g *GameRoom) Evaluate(songCorrect, artistCorrect, movieTVCorrect bool) (*models.RoundScore, map[string]int, error) {
	g.Mu.Lock()
	defer g.Mu.Unlock()

	r := g.currentRoundLocked()
	if r == nil || r.State != RoundEvaluating {
		return nil, nil, ErrInvalidRoundState
	}
	if r.BuzzerWinner == "" {
		return nil, nil, ErrInvalidRoundState
	}

	points := 0
	if songCorrect {
		points += config.PointsSong
	}
	if artistCorrect {
		points += config.PointsArtist
	}
	if movieTVCorrect {
		points += config.PointsMovieTV
	}

	score := &models.RoundScore{
		TeamName:       r.BuzzerWinner,
		SongCorrect:    songCorrect,
		ArtistCorrect:  artistCorrect,
		MovieTVCorrect: movieTVCorrect,
		PointsEarned:   points,
	}
	r.Score = score
	if err := r.advance(RoundCompleted); err != nil {
		return nil, nil, err
	}
	g.Scores[r.BuzzerWinner] += points
	g.touch()
	return score, g.scoresLocked(), nil
}

// SkipRound completes the current round from any non-terminal state with no
// points awarded.
func (g *GameRoom) SkipRound() (*RoundRecord, error) {
	g.Mu.Lock()
	defer g.Mu.Unlock()

	r := g.currentRoundLocked()
	if r == nil || !r.InFlight() {
		return nil, ErrInvalidRoundState
	}
	if err := r.advance(RoundCompleted); err != nil {
		return nil, err
	}
	g.touch()
	return r, nil
}

// GameResult is the outcome of EndGame.
type GameResult struct {
	Winner       string
	Scores       map[string]int
	RoundsPlayed int
}

// EndGame moves the room to Finished, completing any in-flight round, and
// determines the winner: the team with the strictly highest cumulative score,
// ties broken by case-insensitive alphabetical order of team name.
func (g *GameRoom) EndGame() (GameResult, error) {
	g.Mu.Lock()
	defer g.Mu.Unlock()

	if g.State == StateFinished {
		return GameResult{}, ErrInvalidRoundState
	}
	if r := g.currentRoundLocked(); r != nil && r.InFlight() {
		_ = r.advance(RoundCompleted)
	}
	g.State = StateFinished
	g.FinishedAt = time.Now()
	g.touch()

	return GameResult{
		Winner:       g.winnerLocked(),
		Scores:       g.scoresLocked(),
		RoundsPlayed: g.CurrentRound,
	}, nil
}

// winnerLocked picks the highest-scoring team, alphabetical on ties.
// Caller holds Mu.
func (g *GameRoom) winnerLocked() string {
	winner := ""
	best := 0
	for name, score := range g.Scores {
		switch {
		case winner == "", score > best:
			winner, best = name, score
		case score == best && strings.ToLower(name) < strings.ToLower(winner):
			winner = name
		}
	}
	return winner
}

// MarkRemoved flags the room as destroyed so in-flight connection handlers
// self-terminate, and stops any pending round timer.
func (g *GameRoom) MarkRemoved() {
	g.Mu.Lock()
	defer g.Mu.Unlock()
	g.Removed = true
	if r := g.currentRoundLocked(); r != nil {
		r.stopAnswerTimer()
	}
}

// IdleSince reports the last activity time and whether any team is still
// marked active, for the janitor's idle-TTL sweep.
func (g *GameRoom) IdleSince() (time.Time, bool) {
	g.Mu.Lock()
	defer g.Mu.Unlock()
	anyActive := false
	for _, ts := range g.Teams {
		if ts.Status == TeamActive {
			anyActive = true
			break
		}
	}
	return g.LastActivity, anyActive
}

// rosterLocked returns team names ordered by join time. Caller holds Mu.
func (g *GameRoom) rosterLocked() []string {
	sessions := make([]*TeamSession, 0, len(g.Teams))
	for _, ts := range g.Teams {
		sessions = append(sessions, ts)
	}
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].JoinedAt.Equal(sessions[j].JoinedAt) {
			return sessions[i].Name < sessions[j].Name
		}
		return sessions[i].JoinedAt.Before(sessions[j].JoinedAt)
	})
	names := make([]string, len(sessions))
	for i, ts := range sessions {
		names[i] = ts.Name
	}
	return names
}

// scoresLocked copies the cumulative score map. Caller holds Mu.
func (g *GameRoom) scoresLocked() map[string]int {
	scores := make(map[string]int, len(g.Scores))
	for name, score := range g.Scores {
		scores[name] = score
	}
	return scores
}

// CurrentRoundNumber reports how many rounds have been created so far.
func (g *GameRoom) CurrentRoundNumber() int {
	g.Mu.Lock()
	defer g.Mu.Unlock()
	return g.CurrentRound
}

// Roster returns the current team names ordered by join time.
func (g *GameRoom) Roster() []string {
	g.Mu.Lock()
	defer g.Mu.Unlock()
	return g.rosterLocked()
}

// TeamScores returns a copy of the cumulative scores.
func (g *GameRoom) TeamScores() map[string]int {
	g.Mu.Lock()
	defer g.Mu.Unlock()
	return g.scoresLocked()
}
