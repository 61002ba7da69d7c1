// Package lobby implements the connection broker: sessions, rooms, the event
// board and the relay protocol, all driven from a single Hub event loop.
package lobby

import (
	"time"

	"github.com/cory-johannsen/lobby/internal/account"
)

// Conn is the outbound half of a client transport.
type Conn interface {
	// Send queues one text frame without blocking. A non-nil error means the
	// frame was not queued and the connection should be dropped.
	Send(data []byte) error
	// Close flushes queued frames and closes the transport. It is idempotent
	// and safe to call from any goroutine.
	Close()
	// RemoteAddr returns the client's source address without port.
	RemoteAddr() string
}

// Transport is a Conn that can also receive frames.
type Transport interface {
	Conn
	// ReadMessage blocks until the next inbound frame arrives or the transport fails.
	ReadMessage() ([]byte, error)
}

// State is a session's position relative to rooms.
type State int

const (
	// StateLobby: no room, no relay target. Receives lobby broadcasts.
	StateLobby State = iota
	// StateOwner: owns Session.room.
	StateOwner
	// StatePeerPending: waiting on a server-mode owner to configure Session.room.
	StatePeerPending
	// StatePeerConnected: raw frames are relayed to Session.relayTarget.
	StatePeerConnected
)

func (s State) String() string {
	switch s {
	case StateLobby:
		return "lobby"
	case StateOwner:
		return "owner"
	case StatePeerPending:
		return "peer_pending"
	case StatePeerConnected:
		return "peer_connected"
	default:
		return "unknown"
	}
}

// Session is the server-side state of one live connection. Every field except
// id and conn is owned by the Hub loop.
type Session struct {
	id   string
	conn Conn
	addr string

	registered bool
	closing    bool

	authenticated bool
	identity      account.Identity
	nickname      string
	avatar        string
	connectionKey string
	keyPresented  bool
	status        *string
	serverMode    bool
	// authPending is set while a register or login result is outstanding;
	// frames received meanwhile wait in backlog.
	authPending bool
	backlog     [][]byte

	state State
	// room is set in every state except StateLobby.
	room *Room
	// relayTarget is set only in StatePeerConnected.
	relayTarget *Session

	awaitingBeat bool
	keyTimer     *time.Timer
	beatTimer    *time.Timer
}

func newSession(id string, conn Conn) *Session {
	return &Session{
		id:   id,
		conn: conn,
		addr: conn.RemoteAddr(),
	}
}

// ID returns the session's process-unique identifier.
func (s *Session) ID() string { return s.id }

func (s *Session) inLobby() bool { return s.room == nil }

func (s *Session) owns(r *Room) bool {
	return s.state == StateOwner && s.room == r
}

// toLobby clears every room relation.
func (s *Session) toLobby() {
	s.state = StateLobby
	s.room = nil
	s.relayTarget = nil
}

func (s *Session) stopTimers() {
	if s.keyTimer != nil {
		s.keyTimer.Stop()
	}
	if s.beatTimer != nil {
		s.beatTimer.Stop()
	}
}
