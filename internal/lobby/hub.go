package lobby

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/cory-johannsen/lobby/internal/account"
	"github.com/cory-johannsen/lobby/internal/config"
)

// maxAuthBacklog bounds the frames held for a session while its register or
// login result is outstanding.
const maxAuthBacklog = 256

// ErrStopped is returned once the hub's event loop has exited.
var ErrStopped = errors.New("hub stopped")

// Authenticator resolves credentials into identities. *account.Service
// implements it.
type Authenticator interface {
	Register(ctx context.Context, username, password, avatar string) (account.Identity, error)
	Login(ctx context.Context, username, password, avatar string) (account.Identity, error)
	Guest() account.Identity
	UpdateAvatar(ctx context.Context, id account.Identity, avatar string) error
}

// BanPolicy is the Ban Registry as seen by the hub. *policy.Registry implements it.
type BanPolicy interface {
	ContentFilter
	KeyBanned(key string) bool
	AddressBanned(addr string) bool
	BanAddress(addr string)
}

// Hub owns every registry and runs all mutations on one loop. Transports
// feed it through Accept, Deliver and Disconnect, which may be called from
// any goroutine.
type Hub struct {
	cfg      config.LobbyConfig
	accounts Authenticator
	bans     BanPolicy
	logger   *zap.Logger

	clients *clients
	rooms   RoomRegistry
	board   *Board
	ids     *idSource
	now     func() time.Time

	tasks chan func()
	done  chan struct{}
	// ctx is the Run context; valid only on the loop.
	ctx context.Context
	// closed sessions awaiting teardown at the end of the current task.
	dying []*Session
}

// NewHub creates a Hub with cfg.ServerSlots unowned server slots.
//
// Precondition: cfg must be validated; accounts, bans and logger must be non-nil.
// Postcondition: The Hub processes nothing until Run is called.
func NewHub(cfg config.LobbyConfig, accounts Authenticator, bans BanPolicy, logger *zap.Logger) *Hub {
	h := &Hub{
		cfg:      cfg,
		accounts: accounts,
		bans:     bans,
		logger:   logger,
		clients:  newClients(),
		rooms:    NewRoomRegistry(cfg.ServerSlots),
		ids:      newIDSource(),
		now:      time.Now,
		tasks:    make(chan func(), 256),
		done:     make(chan struct{}),
		ctx:      context.Background(),
	}
	h.board = NewBoard(cfg.MaxEvents, bans, func() time.Time { return h.now() })
	return h
}

// Run processes tasks until ctx is cancelled, then closes every connection.
//
// Postcondition: Accept, Deliver and Disconnect become no-ops once Run returns.
func (h *Hub) Run(ctx context.Context) error {
	h.ctx = ctx
	h.logger.Info("hub running",
		zap.Int("server_slots", h.cfg.ServerSlots),
		zap.Int("max_events", h.cfg.MaxEvents),
	)
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return nil
		case fn := <-h.tasks:
			fn()
			h.reap()
		}
	}
}

// Ping round-trips a task through the event loop. It fails if the hub has
// stopped or the loop does not respond before ctx ends.
func (h *Hub) Ping(ctx context.Context) error {
	done := make(chan struct{})
	if !h.post(func() { close(done) }) {
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-h.done:
		return ErrStopped
	case <-ctx.Done():
		return fmt.Errorf("waiting for event loop: %w", ctx.Err())
	}
}

// Done is closed when Run returns.
func (h *Hub) Done() <-chan struct{} { return h.done }

func (h *Hub) shutdown() {
	for _, s := range h.clients.all() {
		s.stopTimers()
		s.conn.Close()
	}
	h.logger.Info("hub stopped", zap.Int("sessions", h.clients.len()))
}

// post schedules fn on the loop. It reports false if the hub has stopped.
func (h *Hub) post(fn func()) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.tasks <- fn:
		return true
	case <-h.done:
		return false
	}
}

// after schedules fn on the loop once d has elapsed.
func (h *Hub) after(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() { h.post(fn) })
}

// Accept creates a session for conn and schedules its admission.
//
// Precondition: conn must be open.
// Postcondition: The returned session is admitted, or denied and closed, on the loop.
func (h *Hub) Accept(conn Conn) *Session {
	s := newSession(h.ids.next(), conn)
	h.post(func() { h.admit(s) })
	return s
}

// Deliver schedules one inbound frame from s.
func (h *Hub) Deliver(s *Session, data []byte) {
	h.post(func() { h.receive(s, data) })
}

// Disconnect schedules teardown of s after its transport has gone away.
func (h *Hub) Disconnect(s *Session) {
	h.post(func() {
		s.closing = true
		h.teardown(s)
	})
}

// HandleConn runs a transport to completion: it admits the session, delivers
// every frame read, and tears the session down when reading fails.
func (h *Hub) HandleConn(ctx context.Context, t Transport) error {
	s := h.Accept(t)
	defer h.Disconnect(s)
	stop := context.AfterFunc(ctx, t.Close)
	defer stop()

	for {
		data, err := t.ReadMessage()
		if err != nil {
			return fmt.Errorf("session %s: %w", s.id, err)
		}
		h.Deliver(s, data)
	}
}

func (h *Hub) admit(s *Session) {
	if h.bans.AddressBanned(s.addr) {
		h.logger.Info("banned address denied",
			zap.String("session_id", s.id),
			zap.String("remote_addr", s.addr),
		)
		h.send(s, "denied", "banned")
		time.AfterFunc(h.cfg.CloseDelay, s.conn.Close)
		return
	}

	h.clients.insert(s)
	s.registered = true
	s.keyTimer = h.after(h.cfg.KeyDeadline, func() { h.keyExpired(s) })
	h.logger.Info("session opened",
		zap.String("session_id", s.id),
		zap.String("remote_addr", s.addr),
		zap.Int("sessions", h.clients.len()),
	)

	h.send(s, "roomlist", h.roomList(), h.board.List(), h.clientList(), s.id)
	s.beatTimer = h.after(h.cfg.HeartbeatInterval, func() { h.heartbeat(s) })
}

func (h *Hub) keyExpired(s *Session) {
	if !s.registered || s.closing || s.keyPresented {
		return
	}
	h.logger.Info("connection key deadline passed", zap.String("session_id", s.id))
	h.send(s, "denied", "key")
	h.after(h.cfg.CloseDelay, func() { h.close(s) })
}

func (h *Hub) heartbeat(s *Session) {
	if !s.registered || s.closing {
		return
	}
	if s.awaitingBeat {
		h.logger.Info("heartbeat missed", zap.String("session_id", s.id))
		h.close(s)
		return
	}
	s.awaitingBeat = true
	if err := s.conn.Send([]byte(heartbeatFrame)); err != nil {
		h.close(s)
		return
	}
	s.beatTimer = h.after(h.cfg.HeartbeatInterval, func() { h.heartbeat(s) })
}

func (h *Hub) receive(s *Session, data []byte) {
	if !s.registered || s.closing {
		return
	}
	if string(data) == heartbeatFrame {
		s.awaitingBeat = false
		return
	}
	if s.state == StatePeerConnected {
		h.send(s.relayTarget, "onmessage", s.id, string(data))
		return
	}
	if s.authPending {
		if len(s.backlog) >= maxAuthBacklog {
			h.logger.Info("auth backlog overflow",
				zap.String("session_id", s.id),
				zap.Int("frames", len(s.backlog)),
			)
			h.close(s)
			return
		}
		s.backlog = append(s.backlog, data)
		return
	}

	cmd, err := ParseCommand(data)
	if err != nil {
		h.send(s, "denied", "banned")
		return
	}
	if cmd == nil {
		return
	}
	h.dispatch(s, cmd)
}

// send encodes and queues a notice. A failed send closes the recipient.
func (h *Hub) send(s *Session, name string, payload ...any) {
	data, err := encodeNotice(name, payload...)
	if err != nil {
		h.logger.Error("encoding notice", zap.String("notice", name), zap.Error(err))
		return
	}
	h.sendRaw(s, data)
}

func (h *Hub) sendRaw(s *Session, data []byte) {
	if s.closing {
		return
	}
	if err := s.conn.Send(data); err != nil {
		h.logger.Debug("send failed, closing",
			zap.String("session_id", s.id),
			zap.Error(err),
		)
		h.close(s)
	}
}

// close shuts the transport and queues teardown for the end of the current task.
func (h *Hub) close(s *Session) {
	if s.closing {
		return
	}
	s.closing = true
	s.conn.Close()
	if s.registered {
		h.dying = append(h.dying, s)
	}
}

// replay feeds frames held during a pending authentication back through
// receive in arrival order. It stops early if a replayed frame starts another
// authentication.
func (h *Hub) replay(s *Session) {
	for len(s.backlog) > 0 && !s.authPending {
		data := s.backlog[0]
		s.backlog = s.backlog[1:]
		h.receive(s, data)
	}
	if len(s.backlog) == 0 {
		s.backlog = nil
	}
}

func (h *Hub) reap() {
	for len(h.dying) > 0 {
		s := h.dying[0]
		h.dying = h.dying[1:]
		h.teardown(s)
	}
}

// teardown dissolves every room s owns, removes s, notifies its relay owner
// and broadcasts the change.
func (h *Hub) teardown(s *Session) {
	if !s.registered {
		return
	}
	s.registered = false
	s.stopTimers()

	attached := s.room != nil
	h.detach(s)
	h.clients.remove(s)
	if attached {
		h.broadcastRooms()
	} else {
		h.broadcastClients()
	}

	h.logger.Info("session closed",
		zap.String("session_id", s.id),
		zap.String("remote_addr", s.addr),
		zap.Int("sessions", h.clients.len()),
	)
}

// detach returns s to the lobby: an owned room is dissolved, a pending
// handoff is withdrawn and a relay owner is told its peer left.
func (h *Hub) detach(s *Session) {
	switch s.state {
	case StateOwner:
		h.dissolve(s.room)
	case StatePeerPending:
		if s.room.pendingHandoff == s {
			s.room.pendingHandoff = nil
		}
	case StatePeerConnected:
		h.send(s.relayTarget, "onclose", s.id)
	}
	s.toLobby()
}

// dissolve sends selfclose to every session attached to r, returns them to
// the lobby and removes r, or releases it if r is a server slot.
func (h *Hub) dissolve(r *Room) {
	owner := r.owner
	for _, c := range h.clients.all() {
		if c != owner && c.room == r {
			h.send(c, "selfclose")
			c.toLobby()
		}
	}
	if r.slot {
		r.release()
	} else {
		h.rooms.Remove(r)
	}
	if owner != nil {
		owner.toLobby()
	}
	h.logger.Debug("room dissolved", zap.String("room_key", r.key))
}

// nickname resolves a client-supplied nickname: strings are truncated,
// anything else becomes the default.
func (h *Hub) nickname(supplied *string) string {
	if supplied == nil {
		return h.cfg.DefaultNickname
	}
	return truncate(*supplied, h.cfg.MaxNickname)
}

// normalizeAvatar trims avatar and rejects empty or oversized values.
func (h *Hub) normalizeAvatar(avatar string) string {
	avatar = strings.TrimSpace(avatar)
	if avatar == "" || utf8.RuneCountInString(avatar) > h.cfg.MaxAvatar {
		return ""
	}
	return avatar
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
