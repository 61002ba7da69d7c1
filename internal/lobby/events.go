package lobby

import (
	"encoding/json"
	"errors"
	"slices"
	"time"
)

// Event creation failures, named by their eventsdenied reason.
var (
	ErrEventTotal  = errors.New("event board is full")
	ErrEventTime   = errors.New("event is not in the future")
	ErrEventBanned = errors.New("event content is banned")
)

// deniedReason maps an event creation error onto its wire reason.
func deniedReason(err error) string {
	switch {
	case errors.Is(err, ErrEventTotal):
		return "total"
	case errors.Is(err, ErrEventTime):
		return "time"
	case errors.Is(err, ErrEventBanned):
		return "ban"
	default:
		return "error"
	}
}

// ContentFilter decides whether free text may be published.
type ContentFilter interface {
	ContentBanned(content string) bool
}

// EventRequest is a decoded event creation payload.
type EventRequest struct {
	// UTC is the scheduled start in epoch milliseconds. It is only meaningful
	// when the payload carried a number.
	UTC      int64
	utcOK    bool
	Content  string
	Nickname *string
	Avatar   string
	fields   map[string]json.RawMessage
}

// ParseEventRequest decodes an object carrying utc, day, hour and content.
// It reports false for anything else.
func ParseEventRequest(raw json.RawMessage) (EventRequest, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return EventRequest{}, false
	}
	for _, k := range []string{"utc", "day", "hour", "content"} {
		if _, ok := fields[k]; !ok {
			return EventRequest{}, false
		}
	}
	content, ok := asString(fields["content"])
	if !ok {
		return EventRequest{}, false
	}
	req := EventRequest{Content: content, fields: fields}
	if f, ok := asNumber(fields["utc"]); ok {
		req.UTC = int64(f)
		req.utcOK = true
	}
	if s, ok := asString(fields["nickname"]); ok {
		req.Nickname = &s
	}
	req.Avatar, _ = asString(fields["avatar"])
	return req, true
}

// Event is a scheduled community event.
type Event struct {
	ID       string
	UTC      int64
	Content  string
	Creator  string
	Members  []string
	Nickname string
	Avatar   string
	fields   map[string]json.RawMessage
}

// MarshalJSON renders the creation payload extended with the server-assigned fields.
func (e *Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.fields)+5)
	for k, v := range e.fields {
		out[k] = v
	}
	out["id"] = e.ID
	out["creator"] = e.Creator
	out["members"] = e.Members
	out["nickname"] = e.Nickname
	out["avatar"] = e.Avatar
	return json.Marshal(out)
}

// Board is the bounded, time-expiring Event Board. It is not safe for
// concurrent use; the Hub loop owns it.
type Board struct {
	max    int
	filter ContentFilter
	now    func() time.Time
	events []*Event
}

// NewBoard creates a Board holding at most max events.
//
// Precondition: max > 0; filter and now must be non-nil.
func NewBoard(max int, filter ContentFilter, now func() time.Time) *Board {
	return &Board{max: max, filter: filter, now: now}
}

// Create validates req and prepends the resulting event with creator as its
// sole member. Checks run in order: board size, schedule, content.
//
// Postcondition: On error the board is unchanged.
func (b *Board) Create(req EventRequest, id, creator, nickname, avatar string) (*Event, error) {
	if len(b.events) >= b.max {
		return nil, ErrEventTotal
	}
	if !req.utcOK || req.UTC <= b.now().UnixMilli() {
		return nil, ErrEventTime
	}
	if b.filter.ContentBanned(req.Content) {
		return nil, ErrEventBanned
	}
	ev := &Event{
		ID:       id,
		UTC:      req.UTC,
		Content:  req.Content,
		Creator:  creator,
		Members:  []string{creator},
		Nickname: nickname,
		Avatar:   avatar,
		fields:   req.fields,
	}
	b.events = slices.Insert(b.events, 0, ev)
	return ev, nil
}

// Join adds member to the event with id. It reports whether the event exists.
func (b *Board) Join(id, member string) bool {
	for _, ev := range b.events {
		if ev.ID == id {
			if !slices.Contains(ev.Members, member) {
				ev.Members = append(ev.Members, member)
			}
			return true
		}
	}
	return false
}

// Leave removes member from the event with id, dropping the event once it has
// no members. It reports whether the event exists.
func (b *Board) Leave(id, member string) bool {
	for i, ev := range b.events {
		if ev.ID != id {
			continue
		}
		if j := slices.Index(ev.Members, member); j >= 0 {
			ev.Members = slices.Delete(ev.Members, j, j+1)
			if len(ev.Members) == 0 {
				b.events = slices.Delete(b.events, i, i+1)
			}
		}
		return true
	}
	return false
}

// List prunes elapsed events and returns the rest, most recent first.
// The returned slice is never nil.
func (b *Board) List() []*Event {
	now := b.now().UnixMilli()
	b.events = slices.DeleteFunc(b.events, func(ev *Event) bool {
		return ev.UTC <= now
	})
	if b.events == nil {
		return []*Event{}
	}
	return b.events
}

// Len returns the number of events held, including any not yet pruned.
func (b *Board) Len() int { return len(b.events) }
