// Package session implements the per-connection state machine a broker runs
// from CONNECT to teardown. QoS 0 is the only delivery level this package
// tracks, so there is no inflight/pending-acknowledgment bookkeeping and no
// persisted-session resume: every session starts and ends with the TCP
// connection it rides on.
package session

import (
	"sync"
	"time"
)

// State is the lifecycle of a broker-side session.
type State byte

const (
	// StateConnecting is set from New until the CONNECT handshake finishes.
	StateConnecting State = iota
	// StateConnected is set once CONNACK has been sent with a success code.
	StateConnected
	// StateClosing is set once teardown has begun (DISCONNECT received, the
	// network connection dropped, or the broker is shutting the client down).
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Session holds the negotiated identity of one connection for its lifetime.
// All fields besides the embedded mutex are set once during the CONNECT
// handshake and read thereafter; state is the only field that mutates after
// handshake completion.
type Session struct {
	mu sync.RWMutex

	ClientID        string
	Username        string
	CleanSession    bool
	ProtocolVersion byte // 4 (MQTT 3.1.1) or 5 (MQTT 5.0)
	KeepAlive       time.Duration
	ConnectedAt     time.Time

	state State
}

// New creates a session in StateConnecting. It becomes StateConnected once
// the broker has accepted the CONNECT packet and written CONNACK.
func New(clientID string, protocolVersion byte) *Session {
	return &Session{
		ClientID:        clientID,
		ProtocolVersion: protocolVersion,
		state:           StateConnecting,
	}
}

// MarkConnected transitions Connecting -> Connected. It is a no-op if the
// session has already moved past Connecting.
func (s *Session) MarkConnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateConnecting {
		s.state = StateConnected
		s.ConnectedAt = time.Now()
	}
}

// MarkClosing transitions to Closing from any state. It is idempotent.
func (s *Session) MarkClosing() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateClosing
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// IsConnected reports whether the session has completed its handshake and
// has not yet begun teardown.
func (s *Session) IsConnected() bool {
	return s.State() == StateConnected
}
