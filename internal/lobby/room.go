package lobby

import (
	"encoding/json"
	"strconv"
)

// Room is a hosted game instance. A room without an owner is removed, except
// for server slots, which stay in the registry unowned.
type Room struct {
	key        string
	owner      *Session
	config     json.RawMessage
	serverMode bool
	// pendingHandoff is the peer waiting for a server-mode owner to configure the room.
	pendingHandoff *Session
	// slot rooms are provisioned at startup; index is their stable registry position.
	slot  bool
	index int
}

// Key returns the room identifier.
func (r *Room) Key() string { return r.key }

func (r *Room) configured() bool { return truthy(r.config) }

// release returns a server slot to the unowned pool.
func (r *Room) release() {
	r.owner = nil
	r.config = nil
	r.serverMode = false
	r.pendingHandoff = nil
}

// closedToEntry reports whether the config marks the game started without
// ready observation.
func (r *Room) closedToEntry() bool {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(r.config, &fields); err != nil {
		return false
	}
	if !truthy(fields["gameStarted"]) {
		return false
	}
	return !truthy(fields["observe"]) || !truthy(fields["observeReady"])
}

// RoomRegistry stores the active rooms. Indexed implementations can replace
// the default linear one without touching protocol handling.
type RoomRegistry interface {
	Insert(r *Room)
	Remove(r *Room)
	// FindByKey returns the first room with key, or nil.
	FindByKey(key string) *Room
	// At returns the room at registry index i, or nil.
	At(i int) *Room
	// All returns rooms in registry order. Callers must not modify the slice.
	All() []*Room
}

type roomList struct {
	rooms []*Room
}

// NewRoomRegistry returns a linear-scan RoomRegistry pre-populated with
// slots unowned server slots keyed "0".."slots-1".
func NewRoomRegistry(slots int) RoomRegistry {
	l := &roomList{}
	for i := 0; i < slots; i++ {
		l.Insert(&Room{key: strconv.Itoa(i), slot: true, index: i})
	}
	return l
}

func (l *roomList) Insert(r *Room) {
	l.rooms = append(l.rooms, r)
}

func (l *roomList) Remove(r *Room) {
	for i, x := range l.rooms {
		if x == r {
			l.rooms = append(l.rooms[:i], l.rooms[i+1:]...)
			return
		}
	}
}

func (l *roomList) FindByKey(key string) *Room {
	for _, r := range l.rooms {
		if r.key == key {
			return r
		}
	}
	return nil
}

func (l *roomList) At(i int) *Room {
	if i < 0 || i >= len(l.rooms) {
		return nil
	}
	return l.rooms[i]
}

func (l *roomList) All() []*Room {
	return l.rooms
}

// clients is the Client Registry: live sessions by id in connection order.
type clients struct {
	byID  map[string]*Session
	order []*Session
}

func newClients() *clients {
	return &clients{byID: make(map[string]*Session)}
}

func (c *clients) insert(s *Session) {
	c.byID[s.id] = s
	c.order = append(c.order, s)
}

func (c *clients) remove(s *Session) {
	if c.byID[s.id] != s {
		return
	}
	delete(c.byID, s.id)
	for i, x := range c.order {
		if x == s {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

func (c *clients) get(id string) *Session {
	return c.byID[id]
}

// all returns a snapshot safe to iterate while sessions are removed.
func (c *clients) all() []*Session {
	return append([]*Session(nil), c.order...)
}

func (c *clients) len() int { return len(c.order) }
