// internal/registry/registry.go
package registry

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Role identifies what kind of participant a connection belongs to.
type Role string

const (
	RoleTeam    Role = "team"
	RoleManager Role = "manager"
	RoleDisplay Role = "display"
)

// outBufferSize is the per-connection outbound queue depth. A queue that
// fills up counts as a transport failure for that connection.
const outBufferSize = 32

// Conn is one live transport registered with the registry. Outbound traffic
// goes through Out, drained by the connection's write pump; Cancel tears down
// the read loop.
type Conn struct {
	ID       uuid.UUID
	Room     string
	Role     Role
	TeamName string // set for RoleTeam only

	Out      chan []byte
	Cancel   context.CancelFunc
	LastSeen time.Time

	closed bool // guarded by the registry mutex

	// Close reason for the transport, recorded before Out is closed so the
	// write pump can relay it to the client. Guarded by closeMu.
	closeMu     sync.Mutex
	closeCode   int
	closeReason string
}

// setClose records the close code and reason the write pump should use.
func (c *Conn) setClose(code int, reason string) {
	c.closeMu.Lock()
	c.closeCode = code
	c.closeReason = reason
	c.closeMu.Unlock()
}

// CloseInfo returns the recorded close code and reason; code 0 means none
// was recorded and the transport may close generically.
func (c *Conn) CloseInfo() (int, string) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closeCode, c.closeReason
}

// ReapedTeam identifies a team connection removed by ReapStale. The caller
// decides what the disconnect means for game semantics; the registry only
// manages its own indexes.
type ReapedTeam struct {
	Room     string
	TeamName string
}

// Registry owns all live connections, indexed by id and by room. It never
// mutates room state; disconnect semantics belong to the session controller.
type Registry struct {
	mu     sync.Mutex
	conns  map[uuid.UUID]*Conn
	byRoom map[string]map[uuid.UUID]*Conn
	logger *logrus.Logger
}

// New creates an empty Registry.
func New(logger *logrus.Logger) *Registry {
	return &Registry{
		conns:  make(map[uuid.UUID]*Conn),
		byRoom: make(map[string]map[uuid.UUID]*Conn),
		logger: logger,
	}
}

// Register adds a new transport for the given room and role and returns its
// connection record. For RoleTeam a name that is already live in the room is
// rejected; reconnection of a disconnected team is legitimate because its old
// connection has already been unregistered.
func (reg *Registry) Register(room string, role Role, teamName string, cancel context.CancelFunc) (*Conn, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if role == RoleTeam && teamName != "" {
		for _, c := range reg.byRoom[room] {
			if c.Role == RoleTeam && strings.EqualFold(c.TeamName, teamName) {
				return nil, ErrTeamNameLive
			}
		}
	}

	conn := &Conn{
		ID:       uuid.New(),
		Room:     room,
		Role:     role,
		TeamName: teamName,
		Out:      make(chan []byte, outBufferSize),
		Cancel:   cancel,
		LastSeen: time.Now(),
	}
	reg.conns[conn.ID] = conn
	if reg.byRoom[room] == nil {
		reg.byRoom[room] = make(map[uuid.UUID]*Conn)
	}
	reg.byRoom[room][conn.ID] = conn
	return conn, nil
}

// SetTeamName binds a team name to an already-registered connection. Team
// connections register anonymously and claim a name with their join message.
func (reg *Registry) SetTeamName(id uuid.UUID, teamName string) {
	reg.mu.Lock()
	if conn, ok := reg.conns[id]; ok {
		conn.TeamName = teamName
	}
	reg.mu.Unlock()
}

// Unregister removes a connection from all indexes, closes its outbound
// channel, and cancels its read loop. Idempotent.
func (reg *Registry) Unregister(id uuid.UUID) {
	reg.mu.Lock()
	conn, ok := reg.conns[id]
	if ok {
		delete(reg.conns, id)
		if roomConns, exists := reg.byRoom[conn.Room]; exists {
			delete(roomConns, id)
			if len(roomConns) == 0 {
				delete(reg.byRoom, conn.Room)
			}
		}
		if !conn.closed {
			conn.closed = true
			close(conn.Out)
		}
	}
	reg.mu.Unlock()

	if ok && conn.Cancel != nil {
		conn.Cancel()
	}
}

// UnregisterWithClose records a close code and reason for the connection's
// transport, then unregisters it. The write pump relays the reason to the
// client when it drains out.
func (reg *Registry) UnregisterWithClose(id uuid.UUID, code int, reason string) {
	reg.mu.Lock()
	conn, ok := reg.conns[id]
	reg.mu.Unlock()
	if ok {
		conn.setClose(code, reason)
	}
	reg.Unregister(id)
}

// Send queues payload for one connection. Best-effort: a closed or saturated
// outbound queue counts as transport failure, triggers Unregister, and
// returns false. Never panics back into the caller.
func (reg *Registry) Send(id uuid.UUID, payload []byte) bool {
	reg.mu.Lock()
	conn, ok := reg.conns[id]
	if !ok || conn.closed {
		reg.mu.Unlock()
		return false
	}
	select {
	case conn.Out <- payload:
		reg.mu.Unlock()
		return true
	default:
		reg.mu.Unlock()
		reg.logger.WithFields(logrus.Fields{
			"conn": id,
			"room": conn.Room,
			"role": conn.Role,
		}).Warn("outbound queue full, dropping connection")
		reg.Unregister(id)
		return false
	}
}

// Broadcast sends payload to every live connection in the room except the
// excluded connection id and/or team name. Per-connection failures are
// isolated and do not abort the remaining sends.
func (reg *Registry) Broadcast(room string, payload []byte, excludeConn uuid.UUID, excludeTeam string) {
	for _, c := range reg.roomConns(room) {
		if c.ID == excludeConn {
			continue
		}
		if excludeTeam != "" && c.Role == RoleTeam && strings.EqualFold(c.TeamName, excludeTeam) {
			continue
		}
		reg.Send(c.ID, payload)
	}
}

// BroadcastRole restricts fan-out to connections of one role in the room.
func (reg *Registry) BroadcastRole(room string, role Role, payload []byte) {
	for _, c := range reg.roomConns(room) {
		if c.Role == role {
			reg.Send(c.ID, payload)
		}
	}
}

// SendTeam delivers payload to the named team's live connection, if any.
func (reg *Registry) SendTeam(room, teamName string, payload []byte) bool {
	reg.mu.Lock()
	var target uuid.UUID
	found := false
	for _, c := range reg.byRoom[room] {
		if c.Role == RoleTeam && strings.EqualFold(c.TeamName, teamName) {
			target = c.ID
			found = true
			break
		}
	}
	reg.mu.Unlock()
	if !found {
		return false
	}
	return reg.Send(target, payload)
}

// TeamsIn returns the team names with a live connection in the room.
func (reg *Registry) TeamsIn(room string) []string {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	var teams []string
	for _, c := range reg.byRoom[room] {
		if c.Role == RoleTeam {
			teams = append(teams, c.TeamName)
		}
	}
	return teams
}

// ConnectionCount returns how many live connections the room has, any role.
func (reg *Registry) ConnectionCount(room string) int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.byRoom[room])
}

// HasRole reports whether at least one connection of the role is live.
func (reg *Registry) HasRole(room string, role Role) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	for _, c := range reg.byRoom[room] {
		if c.Role == role {
			return true
		}
	}
	return false
}

// Touch updates a connection's last-heartbeat timestamp.
func (reg *Registry) Touch(id uuid.UUID) {
	reg.mu.Lock()
	if conn, ok := reg.conns[id]; ok {
		conn.LastSeen = time.Now()
	}
	reg.mu.Unlock()
}

// ReapStale unregisters every connection whose last heartbeat is older than
// timeout, and returns the team connections among them so the caller can mark
// those sessions disconnected. Manager and display connections hold no game
// state and are simply discarded. Runs periodically, not on the hot path.
func (reg *Registry) ReapStale(timeout time.Duration) []ReapedTeam {
	cutoff := time.Now().Add(-timeout)

	reg.mu.Lock()
	var stale []*Conn
	for _, c := range reg.conns {
		if c.LastSeen.Before(cutoff) {
			stale = append(stale, c)
		}
	}
	reg.mu.Unlock()

	var reaped []ReapedTeam
	for _, c := range stale {
		reg.logger.WithFields(logrus.Fields{
			"conn": c.ID,
			"room": c.Room,
			"role": c.Role,
		}).Info("reaping stale connection")
		reg.Unregister(c.ID)
		if c.Role == RoleTeam {
			reaped = append(reaped, ReapedTeam{Room: c.Room, TeamName: c.TeamName})
		}
	}
	return reaped
}

// CloseRoom unregisters every connection belonging to the room with the
// given close code and reason, exactly once per connection even if closes
// race with in-flight messages.
func (reg *Registry) CloseRoom(room string, code int, reason string) {
	for _, c := range reg.roomConns(room) {
		reg.UnregisterWithClose(c.ID, code, reason)
	}
}

// roomConns snapshots the room's connections so sends happen outside the
// registry lock.
func (reg *Registry) roomConns(room string) []*Conn {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	conns := make([]*Conn, 0, len(reg.byRoom[room]))
	for _, c := range reg.byRoom[room] {
		conns = append(conns, c)
	}
	return conns
}
