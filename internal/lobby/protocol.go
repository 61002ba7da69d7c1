package lobby

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
)

// envelopeTag is the first element of every inbound command.
const envelopeTag = "server"

// heartbeatFrame is both the liveness probe and its acknowledgement.
const heartbeatFrame = "heartbeat"

// ErrMalformed is returned by ParseCommand for frames that are not a JSON array.
var ErrMalformed = errors.New("frame is not a JSON array")

// Command is one decoded inbound command.
type Command interface {
	// Name returns the wire command name.
	Name() string
}

// Register creates an account and authenticates the session.
type Register struct {
	Username string
	Password string
	Avatar   string
}

// Login authenticates against an existing account.
type Login struct {
	Username string
	Password string
	Avatar   string
}

// Guest authenticates with a synthesized identity.
type Guest struct {
	Avatar string
}

// PresentKey carries the connection-key payload, a JSON array whose first
// element is the key.
type PresentKey struct {
	Payload json.RawMessage
}

// CreateRoom opens a room keyed by the caller's connection key.
type CreateRoom struct {
	Key      string
	Nickname *string
	Avatar   string
}

// EnterRoom joins the room with Key. Config and Mode are only used when the
// room is a server slot awaiting provisioning.
type EnterRoom struct {
	Key      string
	Nickname *string
	Avatar   string
	Config   json.RawMessage
	Mode     json.RawMessage
}

// ChangeAvatar updates the caller's display attributes.
type ChangeAvatar struct {
	Nickname *string
	Avatar   string
}

// SlotClaim names a specific server slot.
type SlotClaim struct {
	Index    int
	Nickname *string
	Avatar   string
}

// ClaimServer claims a server slot. A nil Slot claims the first unowned one.
type ClaimServer struct {
	Slot *SlotClaim
}

// Events joins, leaves or creates a scheduled event.
type Events struct {
	Target json.RawMessage
	Key    json.RawMessage
	Type   string
}

// SetConfig stores the owner's room config.
type SetConfig struct {
	Config json.RawMessage
}

// SetStatus sets the presence text; nil clears it.
type SetStatus struct {
	Text *string
}

// SendTo pushes a message to one of the owner's peers.
type SendTo struct {
	Target  string
	Message json.RawMessage
}

// CloseClient disconnects one of the owner's peers.
type CloseClient struct {
	Target string
}

func (Register) Name() string     { return "register" }
func (Login) Name() string        { return "login" }
func (Guest) Name() string        { return "guest" }
func (PresentKey) Name() string   { return "key" }
func (CreateRoom) Name() string   { return "create" }
func (EnterRoom) Name() string    { return "enter" }
func (ChangeAvatar) Name() string { return "changeAvatar" }
func (ClaimServer) Name() string  { return "server" }
func (Events) Name() string       { return "events" }
func (SetConfig) Name() string    { return "config" }
func (SetStatus) Name() string    { return "status" }
func (SendTo) Name() string       { return "send" }
func (CloseClient) Name() string  { return "close" }

type args []json.RawMessage

func (a args) raw(i int) json.RawMessage {
	if i >= len(a) {
		return nil
	}
	return a[i]
}

func (a args) str(i int) (string, bool) {
	return asString(a.raw(i))
}

func (a args) text(i int) string {
	s, _ := a.str(i)
	return s
}

func (a args) optStr(i int) *string {
	if s, ok := a.str(i); ok {
		return &s
	}
	return nil
}

// ident reads an identifier that clients send either as a string or a number.
func (a args) ident(i int) (string, bool) {
	raw := a.raw(i)
	if s, ok := asString(raw); ok {
		return s, true
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil && n != "" {
		return n.String(), true
	}
	return "", false
}

func asString(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || raw[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func asNumber(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, false
	}
	return f, true
}

// truthy applies JavaScript truthiness to a JSON value. Absent values are falsy.
func truthy(raw json.RawMessage) bool {
	v := bytes.TrimSpace(raw)
	if len(v) == 0 {
		return false
	}
	switch string(v) {
	case "null", "false", `""`:
		return false
	}
	if f, ok := asNumber(v); ok {
		return f != 0
	}
	return true
}

// ParseCommand decodes one inbound frame. It returns ErrMalformed when the
// frame is not a JSON array, and a nil Command for arrays that are not
// addressed to the server or name an unknown command.
func ParseCommand(data []byte) (Command, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil || parts == nil {
		return nil, ErrMalformed
	}
	if tag, ok := args(parts).str(0); !ok || tag != envelopeTag {
		return nil, nil
	}
	name, ok := args(parts).str(1)
	if !ok {
		return nil, nil
	}
	a := args(parts[2:])

	switch name {
	case "register":
		return Register{Username: a.text(0), Password: a.text(1), Avatar: a.text(3)}, nil
	case "login":
		return Login{Username: a.text(0), Password: a.text(1), Avatar: a.text(3)}, nil
	case "guest":
		return Guest{Avatar: a.text(1)}, nil
	case "key":
		return PresentKey{Payload: a.raw(0)}, nil
	case "create":
		key, ok := a.str(0)
		if !ok {
			return nil, nil
		}
		return CreateRoom{Key: key, Nickname: a.optStr(1), Avatar: a.text(2)}, nil
	case "enter":
		key, ok := a.ident(0)
		if !ok {
			return nil, nil
		}
		return EnterRoom{Key: key, Nickname: a.optStr(1), Avatar: a.text(2), Config: a.raw(3), Mode: a.raw(4)}, nil
	case "changeAvatar":
		return ChangeAvatar{Nickname: a.optStr(0), Avatar: a.text(1)}, nil
	case "server":
		return parseClaim(a.raw(0)), nil
	case "events":
		return Events{Target: a.raw(0), Key: a.raw(1), Type: a.text(2)}, nil
	case "config":
		return SetConfig{Config: a.raw(0)}, nil
	case "status":
		return SetStatus{Text: a.optStr(0)}, nil
	case "send":
		id, ok := a.ident(0)
		if !ok {
			return nil, nil
		}
		return SendTo{Target: id, Message: a.raw(1)}, nil
	case "close":
		id, ok := a.ident(0)
		if !ok {
			return nil, nil
		}
		return CloseClient{Target: id}, nil
	default:
		return nil, nil
	}
}

// parseClaim reads server([index, nickname, avatar]). A truthy argument that
// does not carry a usable index claims slot -1, which never exists.
func parseClaim(raw json.RawMessage) ClaimServer {
	if !truthy(raw) {
		return ClaimServer{}
	}
	claim := &SlotClaim{Index: -1}
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err == nil {
		a := args(parts)
		if f, ok := asNumber(a.raw(0)); ok && f == float64(int(f)) {
			claim.Index = int(f)
		} else if s, ok := a.str(0); ok {
			if n, err := strconv.Atoi(s); err == nil {
				claim.Index = n
			}
		}
		claim.Nickname = a.optStr(1)
		claim.Avatar = a.text(2)
	}
	return ClaimServer{Slot: claim}
}

// keyFromPayload extracts the connection key from a key() payload.
func keyFromPayload(raw json.RawMessage) (string, bool) {
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil || len(parts) == 0 {
		return "", false
	}
	return asString(parts[0])
}

// encodeNotice serializes an outbound notice as [name, payload...].
func encodeNotice(name string, payload ...any) ([]byte, error) {
	frame := make([]any, 0, len(payload)+1)
	frame = append(frame, name)
	frame = append(frame, payload...)
	return json.Marshal(frame)
}

// nullable renders an unset string as JSON null.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
