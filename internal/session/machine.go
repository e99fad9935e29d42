package session

import (
	"log"
	"sync"
)

// State is the lifecycle phase of a matchmaking/chat cycle.
type State int

const (
	Idle State = iota
	Searching
	Matched // transient: a match was announced but the room is not yet established
	Active
	Ended
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Searching:
		return "searching"
	case Matched:
		return "matched"
	case Active:
		return "active"
	case Ended:
		return "ended"
	}
	return "unknown"
}

// Machine validates lifecycle transitions for one matchmaking cycle.
// Illegal transitions are no-ops that return false, never errors: a
// cancel while idle simply doesn't apply. Events carrying a room id
// that is not the active room are rejected the same way, which is the
// safety net against a previous room's late events landing in a new
// session.
type Machine struct {
	mu      sync.Mutex
	state   State
	roomID  string
	peerID  string
	lastErr string
}

func New() *Machine {
	return &Machine{state: Idle}
}

// StartMatchmaking moves Idle (or a finished Ended cycle) to
// Searching.
func (m *Machine) StartMatchmaking() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Idle && m.state != Ended {
		log.Printf("[SESSION] startMatchmaking ignored in state %s", m.state)
		return false
	}
	m.state = Searching
	m.roomID = ""
	m.peerID = ""
	m.lastErr = ""
	return true
}

// StopMatchmaking returns Searching to Idle.
func (m *Machine) StopMatchmaking() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Searching {
		return false
	}
	m.state = Idle
	return true
}

// MatchFound moves Searching to Active via the transient Matched
// phase, binding the room and peer.
func (m *Machine) MatchFound(roomID, peerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Searching {
		log.Printf("[SESSION] matchFound for room %s ignored in state %s", roomID, m.state)
		return false
	}
	m.state = Matched
	m.roomID = roomID
	m.peerID = peerID
	// Room establishment is immediate at this layer.
	m.state = Active
	return true
}

// MatchmakingError returns Searching to Idle, recording the server's
// message for the caller to surface.
func (m *Machine) MatchmakingError(msg string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Searching {
		return false
	}
	m.state = Idle
	m.lastErr = msg
	return true
}

// EndChat moves Active to the terminal Ended state. roomID must match
// the active room; pass the active room id for local intents too. A
// stale or unknown room id is rejected.
func (m *Machine) EndChat(roomID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Active {
		return false
	}
	if roomID != m.roomID {
		log.Printf("[SESSION] end for stale room %s ignored (active: %s)", roomID, m.roomID)
		return false
	}
	m.state = Ended
	return true
}

// IsActiveRoom reports whether roomID is the currently active room.
// The stale-event guard for everything the router applies.
func (m *Machine) IsActiveRoom(roomID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == Active && roomID != "" && roomID == m.roomID
}

// State returns the current phase.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Room returns the bound room and peer ids; empty outside a session.
func (m *Machine) Room() (roomID, peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roomID, m.peerID
}

// LastError returns the most recent matchmaking error message.
func (m *Machine) LastError() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}
