package lobby

import "go.uber.org/zap"

// serverEntry stands in for a server-mode room in the room list.
const serverEntry = "server"

// roomList snapshots the listed rooms. Configured interactive rooms render as
// [ownerNickname, ownerAvatar, config, memberCount, key]; server-mode rooms as
// "server". Owners of configured rooms nobody is counted in are told to reload.
func (h *Hub) roomList() []any {
	counts := make(map[*Room]int)
	for _, s := range h.clients.order {
		if s.room != nil && !s.serverMode {
			counts[s.room]++
		}
	}

	list := make([]any, 0, len(h.rooms.All()))
	for _, r := range h.rooms.All() {
		switch {
		case r.serverMode:
			list = append(list, serverEntry)
		case r.owner != nil && r.configured():
			if counts[r] == 0 {
				h.send(r.owner, "reloadroom")
			}
			list = append(list, []any{
				nullable(r.owner.nickname),
				nullable(r.owner.avatar),
				r.config,
				counts[r],
				r.key,
			})
		}
	}
	return list
}

// clientList snapshots every session as
// [nickname, avatar, inLobby, status, id, connectionKey].
func (h *Hub) clientList() [][]any {
	list := make([][]any, 0, h.clients.len())
	for _, s := range h.clients.order {
		var status any
		if s.status != nil {
			status = *s.status
		}
		list = append(list, []any{
			nullable(s.nickname),
			nullable(s.avatar),
			s.inLobby(),
			status,
			s.id,
			nullable(s.connectionKey),
		})
	}
	return list
}

// toLobby sends one pre-encoded notice to every lobby-resident session.
func (h *Hub) toLobby(name string, payload ...any) {
	data, err := encodeNotice(name, payload...)
	if err != nil {
		h.logger.Error("encoding broadcast", zap.String("notice", name), zap.Error(err))
		return
	}
	for _, s := range h.clients.all() {
		if s.registered && s.inLobby() {
			h.sendRaw(s, data)
		}
	}
}

func (h *Hub) broadcastRooms() {
	h.toLobby("updaterooms", h.roomList(), h.clientList())
}

func (h *Hub) broadcastClients() {
	h.toLobby("updateclients", h.clientList())
}

func (h *Hub) broadcastEvents() {
	h.toLobby("updateevents", h.board.List())
}
