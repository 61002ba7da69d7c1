// Package filestore persists accounts as a single JSON document of the form
// {"users": {"<lowercase username>": Record}}.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/lobby/internal/account"
)

type document struct {
	Users map[string]account.Record `json:"users"`
}

// Store is an account.Store kept in memory and rewritten wholesale on every
// mutation. Write failures are logged; the in-memory map stays authoritative.
type Store struct {
	path   string
	logger *zap.Logger

	mu    sync.Mutex
	users map[string]account.Record
}

// Open loads the document at path. A missing or unreadable document yields an
// empty store.
//
// Precondition: path must be non-empty; logger must be non-nil.
// Postcondition: Returns a usable Store; never fails.
func Open(path string, logger *zap.Logger) *Store {
	start := time.Now()
	s := &Store{
		path:   path,
		logger: logger,
		users:  make(map[string]account.Record),
	}

	users, err := load(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		logger.Info("account document not found, starting empty", zap.String("path", path))
	case err != nil:
		logger.Warn("account document unreadable, starting empty",
			zap.String("path", path),
			zap.Error(err),
		)
	default:
		s.users = users
		logger.Info("accounts loaded",
			zap.String("path", path),
			zap.Int("count", len(users)),
			zap.Duration("elapsed", time.Since(start)),
		)
	}
	return s
}

func load(path string) (map[string]account.Record, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	if doc.Users == nil {
		return nil, fmt.Errorf("decoding %s: missing users object", path)
	}
	return doc.Users, nil
}

// Lookup implements account.Store.
func (s *Store) Lookup(_ context.Context, key string) (account.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.users[key]
	if !ok {
		return account.Record{}, account.ErrNotFound
	}
	return rec, nil
}

// Insert implements account.Store.
func (s *Store) Insert(_ context.Context, key string, rec account.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[key]; ok {
		return account.ErrExists
	}
	s.users[key] = rec
	s.saveLocked()
	return nil
}

// SetAvatar implements account.Store.
func (s *Store) SetAvatar(_ context.Context, key, avatar string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.users[key]
	if !ok {
		return account.ErrNotFound
	}
	rec.Avatar = avatar
	s.users[key] = rec
	s.saveLocked()
	return nil
}

// Len returns the number of accounts.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

func (s *Store) saveLocked() {
	if err := write(s.path, document{Users: s.users}); err != nil {
		s.logger.Error("saving accounts", zap.String("path", s.path), zap.Error(err))
	}
}

// write replaces path via a sibling temp file and rename.
func write(path string, doc document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding accounts: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}
