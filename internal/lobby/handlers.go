package lobby

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/lobby/internal/account"
)

// authOK is the success payload of the auth notice.
type authOK struct {
	OK       bool   `json:"ok"`
	Username string `json:"username"`
	Guest    bool   `json:"guest"`
	Nickname string `json:"nickname"`
	Avatar   string `json:"avatar"`
}

// authFailed is the failure payload of the auth notice.
type authFailed struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason"`
}

// dispatch routes cmd to its handler. Everything except authentication and
// key presentation requires an authenticated session.
func (h *Hub) dispatch(s *Session, cmd Command) {
	switch c := cmd.(type) {
	case Register:
		h.register(s, c)
		return
	case Login:
		h.login(s, c)
		return
	case Guest:
		h.guest(s, c)
		return
	case PresentKey:
		h.presentKey(s, c)
		return
	}

	if !s.authenticated {
		h.send(s, "authrequired")
		return
	}

	switch c := cmd.(type) {
	case CreateRoom:
		h.createRoom(s, c)
	case EnterRoom:
		h.enterRoom(s, c)
	case ChangeAvatar:
		h.changeAvatar(s, c)
	case ClaimServer:
		h.claimServer(s, c)
	case Events:
		h.events(s, c)
	case SetConfig:
		h.setConfig(s, c)
	case SetStatus:
		h.setStatus(s, c)
	case SendTo:
		h.sendTo(s, c)
	case CloseClient:
		h.closeClient(s, c)
	}
}

// register and login hash off the loop. The session's later frames are held
// until completeAuth applies the result, so commands keep their order.
func (h *Hub) register(s *Session, c Register) {
	avatar := h.normalizeAvatar(c.Avatar)
	ctx := h.ctx
	s.authPending = true
	go func() {
		start := time.Now()
		id, err := h.accounts.Register(ctx, c.Username, c.Password, avatar)
		h.post(func() { h.completeAuth(s, "register", id, err, avatar, start) })
	}()
}

func (h *Hub) login(s *Session, c Login) {
	avatar := h.normalizeAvatar(c.Avatar)
	ctx := h.ctx
	s.authPending = true
	go func() {
		start := time.Now()
		id, err := h.accounts.Login(ctx, c.Username, c.Password, avatar)
		h.post(func() { h.completeAuth(s, "login", id, err, avatar, start) })
	}()
}

func (h *Hub) completeAuth(s *Session, command string, id account.Identity, err error, avatar string, start time.Time) {
	s.authPending = false
	if !s.registered || s.closing {
		s.backlog = nil
		return
	}
	defer h.replay(s)

	if err != nil {
		reason := account.Reason(err)
		if reason == "error" {
			h.logger.Error("account backend failure",
				zap.String("session_id", s.id),
				zap.String("command", command),
				zap.Error(err),
			)
		}
		h.send(s, "auth", authFailed{OK: false, Reason: reason})
		return
	}

	h.authenticate(s, id, truncate(id.Username, h.cfg.MaxNickname), firstNonEmpty(id.Avatar, avatar, h.cfg.DefaultAvatar))
	h.logger.Info("session authenticated",
		zap.String("session_id", s.id),
		zap.String("command", command),
		zap.String("username", id.Username),
		zap.Duration("elapsed", time.Since(start)),
	)
}

func (h *Hub) guest(s *Session, c Guest) {
	id := h.accounts.Guest()
	avatar := firstNonEmpty(h.normalizeAvatar(c.Avatar), h.cfg.DefaultAvatar)
	h.authenticate(s, id, truncate(guestName(h.cfg.GuestPrefix), h.cfg.MaxNickname), avatar)
}

func (h *Hub) authenticate(s *Session, id account.Identity, nickname, avatar string) {
	s.authenticated = true
	s.identity = id
	s.nickname = nickname
	s.avatar = avatar
	h.broadcastClients()
	h.send(s, "auth", authOK{
		OK:       true,
		Username: id.Username,
		Guest:    id.Guest,
		Nickname: nickname,
		Avatar:   avatar,
	})
}

func (h *Hub) presentKey(s *Session, c PresentKey) {
	key, ok := keyFromPayload(c.Payload)
	if !ok {
		s.keyTimer.Stop()
		h.send(s, "denied", "key")
		h.close(s)
		return
	}
	if h.bans.KeyBanned(key) {
		h.logger.Warn("banned connection key",
			zap.String("session_id", s.id),
			zap.String("remote_addr", s.addr),
		)
		h.bans.BanAddress(s.addr)
		h.close(s)
		return
	}
	s.connectionKey = key
	s.keyPresented = true
	s.keyTimer.Stop()
}

// banSession widens a key violation into an address ban and drops the connection.
func (h *Hub) banSession(s *Session, why string) {
	h.logger.Warn("connection key rejected",
		zap.String("session_id", s.id),
		zap.String("remote_addr", s.addr),
		zap.String("reason", why),
	)
	h.bans.BanAddress(s.addr)
	h.close(s)
}

func (h *Hub) createRoom(s *Session, c CreateRoom) {
	if !s.keyPresented || c.Key != s.connectionKey {
		return
	}
	if s.state != StateLobby {
		h.detach(s)
	}
	s.nickname = h.nickname(c.Nickname)
	s.avatar = firstNonEmpty(h.normalizeAvatar(c.Avatar), s.avatar)

	r := &Room{key: c.Key, owner: s}
	h.rooms.Insert(r)
	s.state = StateOwner
	s.room = r
	s.status = nil
	h.logger.Info("room created", zap.String("session_id", s.id), zap.String("room_key", r.key))
	h.send(s, "createroom", r.key)
}

func (h *Hub) enterRoom(s *Session, c EnterRoom) {
	s.nickname = h.nickname(c.Nickname)
	s.avatar = firstNonEmpty(h.normalizeAvatar(c.Avatar), s.avatar)

	r := h.rooms.FindByKey(c.Key)
	if r == nil || r.owner == nil || r.owner == s {
		h.send(s, "enterroomfailed")
		return
	}
	if s.state != StateLobby {
		h.detach(s)
	}

	switch {
	case r.serverMode && r.pendingHandoff == nil && truthy(c.Config) && truthy(c.Mode):
		h.send(r.owner, "createroom", r.index, c.Config, c.Mode)
		r.pendingHandoff = s
		r.owner.nickname = s.nickname
		r.owner.avatar = s.avatar
		s.state = StatePeerPending
		s.room = r
		s.status = nil
	case !r.configured() || r.closedToEntry():
		// The entrant is not attached to r: it stays in the lobby, keeps
		// receiving broadcasts and gets no selfclose if r is later dissolved.
		h.send(s, "enterroomfailed")
	default:
		s.state = StatePeerConnected
		s.room = r
		s.relayTarget = r.owner
		s.status = nil
		h.send(r.owner, "onconnection", s.id)
	}
	h.broadcastRooms()
}

func (h *Hub) changeAvatar(s *Session, c ChangeAvatar) {
	s.nickname = h.nickname(c.Nickname)
	s.avatar = firstNonEmpty(h.normalizeAvatar(c.Avatar), s.avatar)
	if !s.identity.Guest && s.avatar != "" {
		id, avatar, ctx := s.identity, s.avatar, h.ctx
		go func() {
			if err := h.accounts.UpdateAvatar(ctx, id, avatar); err != nil {
				h.logger.Warn("persisting avatar", zap.String("username", id.Username), zap.Error(err))
			}
		}()
	}
	h.broadcastClients()
}

func (h *Hub) claimServer(s *Session, c ClaimServer) {
	if c.Slot != nil {
		s.serverMode = true
		r := h.rooms.At(c.Slot.Index)
		if r == nil || r.owner != nil {
			h.send(s, "reloadroom", true)
			return
		}
		h.claim(s, r)
		s.nickname = h.nickname(c.Slot.Nickname)
		s.avatar = firstNonEmpty(h.normalizeAvatar(c.Slot.Avatar), s.avatar)
		h.send(s, "createroom", r.index, struct{}{}, "auto")
		return
	}

	for _, r := range h.rooms.All() {
		if r.owner == nil {
			s.serverMode = true
			h.claim(s, r)
			break
		}
	}
	h.broadcastRooms()
}

func (h *Hub) claim(s *Session, r *Room) {
	if s.state != StateLobby {
		h.detach(s)
	}
	r.owner = s
	r.serverMode = true
	s.state = StateOwner
	s.room = r
	h.logger.Info("server slot claimed", zap.String("session_id", s.id), zap.String("room_key", r.key))
}

func (h *Hub) events(s *Session, c Events) {
	key, ok := asString(c.Key)
	switch {
	case !ok:
		h.banSession(s, "malformed")
		return
	case h.bans.KeyBanned(key):
		h.banSession(s, "banned")
		return
	case !s.keyPresented || key != s.connectionKey:
		h.banSession(s, "mismatch")
		return
	}
	if key == "" || !truthy(c.Target) {
		return
	}

	changed := false
	if id, ok := asString(c.Target); ok {
		switch c.Type {
		case "join":
			changed = h.board.Join(id, key)
		case "leave":
			changed = h.board.Leave(id, key)
		}
	} else if req, ok := ParseEventRequest(c.Target); ok {
		avatar := firstNonEmpty(h.normalizeAvatar(req.Avatar), h.cfg.DefaultAvatar)
		ev, err := h.board.Create(req, h.ids.next(), key, h.nickname(req.Nickname), avatar)
		if err != nil {
			h.send(s, "eventsdenied", deniedReason(err))
			return
		}
		h.logger.Info("event created", zap.String("session_id", s.id), zap.String("event_id", ev.ID))
		changed = true
	}
	if changed {
		h.broadcastEvents()
	}
}

func (h *Hub) setConfig(s *Session, c SetConfig) {
	if r := s.room; r != nil && s.owns(r) {
		if r.serverMode {
			r.serverMode = false
			if p := r.pendingHandoff; p != nil {
				if p.registered && p.state == StatePeerPending && p.room == r {
					p.state = StatePeerConnected
					p.relayTarget = s
					h.send(s, "onconnection", p.id)
				}
				r.pendingHandoff = nil
			}
		}
		r.config = c.Config
	}
	h.broadcastRooms()
}

func (h *Hub) setStatus(s *Session, c SetStatus) {
	s.status = c.Text
	h.broadcastClients()
}

func (h *Hub) sendTo(s *Session, c SendTo) {
	target := h.clients.get(c.Target)
	if target == nil || target.relayTarget != s {
		return
	}
	h.sendRaw(target, relayPayload(c.Message))
}

func (h *Hub) closeClient(s *Session, c CloseClient) {
	target := h.clients.get(c.Target)
	if target == nil || target.relayTarget != s {
		return
	}
	h.close(target)
}

// relayPayload unwraps a JSON string into its text; other values pass through
// as their JSON encoding.
func relayPayload(raw json.RawMessage) []byte {
	if s, ok := asString(raw); ok {
		return []byte(s)
	}
	if len(raw) == 0 {
		return []byte("null")
	}
	return raw
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
