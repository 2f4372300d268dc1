// internal/protocol/protocol.go

// Package protocol defines the wire format spoken over the room WebSockets:
// a JSON envelope {type, data, timestamp} with a closed set of message kinds
// per direction. Unknown types are rejected explicitly, never ignored.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the outer frame of every message in both directions.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Client -> server message types.
const (
	MsgTeamJoin       = "team_join"
	MsgTeamLeave      = "team_leave"
	MsgPing           = "ping"
	MsgBuzzPressed    = "buzz_pressed"
	MsgSubmitAnswer   = "submit_answer"
	MsgStartGame      = "start_game"
	MsgStartRound     = "start_round"
	MsgEvaluateAnswer = "evaluate_answer"
	MsgSkipRound      = "skip_round"
	MsgEndGame        = "end_game"
)

// Server -> client event types.
const (
	EvtPong             = "pong"
	EvtError            = "error"
	EvtConnectionAck    = "connection_ack"
	EvtManagerConnected = "manager_connected"
	EvtDisplayConnected = "display_connected"
	EvtTeamJoined       = "team_joined"
	EvtTeamLeft         = "team_left"
	EvtTeamReconnected  = "team_reconnected"
	EvtGameStarted      = "game_started"
	EvtRoundStarted     = "round_started"
	EvtBuzzerLocked     = "buzzer_locked"
	EvtBuzzRejected     = "buzz_rejected"
	EvtAnswerSubmitted  = "answer_submitted"
	EvtRoundCompleted   = "round_completed"
	EvtGameFinished     = "game_finished"
	EvtGameState        = "game_state"
)

// Custom WebSocket close codes, beyond the standard range. These give a
// disconnected client a machine-readable reason for the closure.
const (
	CloseBadSubprotocol  = 3000 // Client connected with an unsupported subprotocol.
	CloseInvalidRoomCode = 3001 // Room code in the WS URL is malformed or unknown.
	CloseRoomRemoved     = 3002 // Room was destroyed while the connection was live.
	CloseTeamKicked      = 3003 // Team was removed by the game manager.
)

// ErrUnknownType is wrapped by Decode for any type outside the closed set.
var ErrUnknownType = fmt.Errorf("unknown message type")

// ClientMessage is the closed sum of messages a client may send. Handlers
// switch exhaustively over the concrete types.
type ClientMessage interface {
	clientMessage()
}

// TeamJoin announces a team name on a fresh team connection. The same message
// from a known, disconnected team is treated as reconnection.
type TeamJoin struct {
	TeamName string `json:"team_name"`
}

// TeamLeave is an explicit, voluntary exit; the session is destroyed rather
// than kept for reconnection.
type TeamLeave struct{}

// Ping is the client heartbeat; the server answers with pong and refreshes
// the connection's liveness timestamp.
type Ping struct{}

// BuzzPressed is a buzzer claim. ReactionTimeMs is client-measured and is
// recorded for display only; arbitration uses server receipt order.
type BuzzPressed struct {
	ReactionTimeMs int `json:"reaction_time_ms"`
}

// SubmitAnswer carries the buzzing team's answer fields.
type SubmitAnswer struct {
	SongName    string `json:"song_name"`
	ArtistName  string `json:"artist_name"`
	MovieTVName string `json:"movie_tv_name"`
}

// StartGame, StartRound, SkipRound and EndGame are manager commands with no
// payload.
type StartGame struct{}
type StartRound struct{}
type SkipRound struct{}
type EndGame struct{}

// EvaluateAnswer is the manager's per-category verdict for the current round.
type EvaluateAnswer struct {
	SongCorrect    bool `json:"song_correct"`
	ArtistCorrect  bool `json:"artist_correct"`
	MovieTVCorrect bool `json:"movie_tv_correct"`
}

func (TeamJoin) clientMessage()       {}
func (TeamLeave) clientMessage()      {}
func (Ping) clientMessage()           {}
func (BuzzPressed) clientMessage()    {}
func (SubmitAnswer) clientMessage()   {}
func (StartGame) clientMessage()      {}
func (StartRound) clientMessage()     {}
func (EvaluateAnswer) clientMessage() {}
func (SkipRound) clientMessage()      {}
func (EndGame) clientMessage()        {}

// Decode parses a raw frame into one of the closed client message kinds.
// A missing or unknown type yields ErrUnknownType.
func Decode(raw []byte) (ClientMessage, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}
	switch env.Type {
	case MsgTeamJoin:
		var m TeamJoin
		if err := unmarshalData(env.Data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case MsgTeamLeave:
		return TeamLeave{}, nil
	case MsgPing:
		return Ping{}, nil
	case MsgBuzzPressed:
		var m BuzzPressed
		if err := unmarshalData(env.Data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case MsgSubmitAnswer:
		var m SubmitAnswer
		if err := unmarshalData(env.Data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case MsgStartGame:
		return StartGame{}, nil
	case MsgStartRound:
		return StartRound{}, nil
	case MsgEvaluateAnswer:
		var m EvaluateAnswer
		if err := unmarshalData(env.Data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case MsgSkipRound:
		return SkipRound{}, nil
	case MsgEndGame:
		return EndGame{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

func unmarshalData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid message data: %w", err)
	}
	return nil
}

// Marshal frames an outbound event with the current timestamp. Data may be
// nil for payload-free events like pong.
func Marshal(evType string, data any) ([]byte, error) {
	env := Envelope{Type: evType, Timestamp: time.Now()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal %s data: %w", evType, err)
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

// ErrorData is the payload of an error/rejection envelope.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Rejection codes carried in ErrorData.Code.
const (
	CodeDuplicateTeamName  = "DUPLICATE_TEAM_NAME"
	CodeRoomFull           = "ROOM_FULL"
	CodeInvalidTeamName    = "INVALID_TEAM_NAME"
	CodeNotEnoughTeams     = "NOT_ENOUGH_TEAMS"
	CodeInvalidRoundState  = "INVALID_ROUND_STATE"
	CodeAlreadyClaimed     = "BUZZER_ALREADY_CLAIMED"
	CodeGameAlreadyStarted = "GAME_ALREADY_STARTED"
	CodeGameNotFound       = "GAME_NOT_FOUND"
	CodeSongUnavailable    = "SONG_UNAVAILABLE"
	CodeTeamKicked         = "TEAM_KICKED"
	CodeBadMessage         = "BAD_MESSAGE"
	CodeNotAllowed         = "NOT_ALLOWED"
)
