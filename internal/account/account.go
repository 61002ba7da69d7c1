// Package account validates credentials and resolves lobby identities against
// a pluggable Store.
package account

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Failure sentinels. Each maps onto the reason code sent to the client.
var (
	ErrInvalid  = errors.New("invalid username or password format")
	ErrExists   = errors.New("account already exists")
	ErrNotFound = errors.New("account not found")
	ErrPassword = errors.New("wrong password")
)

// Reason returns the wire reason code for an error returned by Service.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrInvalid):
		return "invalid"
	case errors.Is(err, ErrExists):
		return "exists"
	case errors.Is(err, ErrNotFound):
		return "notfound"
	case errors.Is(err, ErrPassword):
		return "password"
	default:
		return "error"
	}
}

// Record is a persisted account. The lookup key is the lowercased username;
// Username keeps the original case for display.
type Record struct {
	Username  string `json:"username"`
	Salt      string `json:"salt"`
	Hash      string `json:"hash"`
	Avatar    string `json:"avatar"`
	CreatedAt int64  `json:"createdAt"`
}

// Store is the durable username → Record mapping.
type Store interface {
	// Lookup returns the record for key or ErrNotFound.
	Lookup(ctx context.Context, key string) (Record, error)
	// Insert adds a record, or returns ErrExists if key is taken.
	Insert(ctx context.Context, key string, rec Record) error
	// SetAvatar replaces the stored avatar, or returns ErrNotFound.
	SetAvatar(ctx context.Context, key, avatar string) error
}

// Identity is the authenticated principal attached to a session.
type Identity struct {
	Username string
	Guest    bool
	// Avatar is the stored account avatar; empty for guests and accounts without one.
	Avatar string
}

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]{3,16}$`)

// NormalizeUsername trims surrounding whitespace.
func NormalizeUsername(name string) string {
	return strings.TrimSpace(name)
}

// Key returns the case-insensitive lookup key for a username.
func Key(username string) string {
	return strings.ToLower(NormalizeUsername(username))
}

// ValidUsername reports whether name is 3-16 characters of [A-Za-z0-9_].
func ValidUsername(name string) bool {
	return usernamePattern.MatchString(name)
}

// ValidPassword reports whether password is 6-64 characters long.
func ValidPassword(password string) bool {
	n := utf8.RuneCountInString(password)
	return n >= 6 && n <= 64
}

// Service implements register, login and guest authentication.
type Service struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates a Service backed by store.
//
// Precondition: store and logger must be non-nil.
func NewService(store Store, logger *zap.Logger) *Service {
	return &Service{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Register creates a new account.
//
// Postcondition: Returns the new Identity, or ErrInvalid / ErrExists with the
// store unchanged.
func (s *Service) Register(ctx context.Context, username, password, avatar string) (Identity, error) {
	username = NormalizeUsername(username)
	if !ValidUsername(username) || !ValidPassword(password) {
		return Identity{}, ErrInvalid
	}

	salt, err := NewSalt()
	if err != nil {
		return Identity{}, fmt.Errorf("generating salt: %w", err)
	}
	rec := Record{
		Username:  username,
		Salt:      salt,
		Hash:      HashPassword(password, salt),
		Avatar:    avatar,
		CreatedAt: s.now().UnixMilli(),
	}
	if err := s.store.Insert(ctx, Key(username), rec); err != nil {
		if errors.Is(err, ErrExists) {
			return Identity{}, ErrExists
		}
		return Identity{}, fmt.Errorf("inserting account: %w", err)
	}

	s.logger.Info("account registered", zap.String("username", username))
	return Identity{Username: username, Avatar: avatar}, nil
}

// Login verifies credentials. A non-empty avatar replaces the stored one.
//
// Postcondition: Returns the Identity, or ErrInvalid / ErrNotFound / ErrPassword.
func (s *Service) Login(ctx context.Context, username, password, avatar string) (Identity, error) {
	username = NormalizeUsername(username)
	if !ValidUsername(username) || !ValidPassword(password) {
		return Identity{}, ErrInvalid
	}

	key := Key(username)
	rec, err := s.store.Lookup(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Identity{}, ErrNotFound
		}
		return Identity{}, fmt.Errorf("looking up account: %w", err)
	}
	if !CheckPassword(password, rec.Salt, rec.Hash) {
		return Identity{}, ErrPassword
	}

	if avatar != "" {
		if err := s.store.SetAvatar(ctx, key, avatar); err != nil {
			s.logger.Warn("updating avatar on login",
				zap.String("username", rec.Username),
				zap.Error(err),
			)
		} else {
			rec.Avatar = avatar
		}
	}

	return Identity{Username: rec.Username, Avatar: rec.Avatar}, nil
}

// Guest synthesizes a pseudo-account that never collides with a registered one.
func (s *Service) Guest() Identity {
	return Identity{Username: "guest_" + uuid.NewString(), Guest: true}
}

// UpdateAvatar persists avatar for a registered identity. Guests are ignored.
func (s *Service) UpdateAvatar(ctx context.Context, id Identity, avatar string) error {
	if id.Guest || id.Username == "" {
		return nil
	}
	if err := s.store.SetAvatar(ctx, Key(id.Username), avatar); err != nil {
		return fmt.Errorf("updating avatar for %s: %w", id.Username, err)
	}
	return nil
}
