// Package policy holds the process-wide ban lists: connection keys, source
// addresses and content words.
package policy

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/cory-johannsen/lobby/internal/config"
)

// File is the on-disk ban policy document.
type File struct {
	BannedKeys      []string `yaml:"banned_keys"`
	BannedAddresses []string `yaml:"banned_addresses"`
	BannedWords     []string `yaml:"banned_words"`
}

// LoadFile reads a YAML ban policy from path.
//
// Precondition: path must name a readable YAML file.
// Postcondition: Returns the parsed policy or a non-nil error.
func LoadFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("reading policy file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("parsing policy file %s: %w", path, err)
	}
	return f, nil
}

// Registry is the Ban Registry. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	keys   map[string]struct{}
	addrs  map[string]struct{}
	words  []string
	logger *zap.Logger
}

// New creates a Registry seeded with the given entries. Empty words are
// dropped since they would match every string.
func New(logger *zap.Logger, f File) *Registry {
	r := &Registry{
		keys:   make(map[string]struct{}, len(f.BannedKeys)),
		addrs:  make(map[string]struct{}, len(f.BannedAddresses)),
		logger: logger,
	}
	for _, k := range f.BannedKeys {
		r.keys[k] = struct{}{}
	}
	for _, a := range f.BannedAddresses {
		r.addrs[a] = struct{}{}
	}
	for _, w := range f.BannedWords {
		if w != "" {
			r.words = append(r.words, w)
		}
	}
	return r
}

// FromConfig builds a Registry from the inline lists in cfg merged with the
// policy file it names, if any.
func FromConfig(cfg config.PolicyConfig, logger *zap.Logger) (*Registry, error) {
	merged := File{
		BannedKeys:      append([]string(nil), cfg.BannedKeys...),
		BannedAddresses: append([]string(nil), cfg.BannedAddresses...),
		BannedWords:     append([]string(nil), cfg.BannedWords...),
	}
	if cfg.File != "" {
		f, err := LoadFile(cfg.File)
		if err != nil {
			return nil, err
		}
		merged.BannedKeys = append(merged.BannedKeys, f.BannedKeys...)
		merged.BannedAddresses = append(merged.BannedAddresses, f.BannedAddresses...)
		merged.BannedWords = append(merged.BannedWords, f.BannedWords...)
	}
	r := New(logger, merged)
	logger.Info("ban policy loaded",
		zap.Int("keys", len(r.keys)),
		zap.Int("addresses", len(r.addrs)),
		zap.Int("words", len(r.words)),
	)
	return r, nil
}

// KeyBanned reports whether key is on the banned-key list.
func (r *Registry) KeyBanned(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.keys[key]
	return ok
}

// AddressBanned reports whether addr has been banned.
func (r *Registry) AddressBanned(addr string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.addrs[addr]
	return ok
}

// BanAddress adds addr to the banned-address set for the rest of the process lifetime.
func (r *Registry) BanAddress(addr string) {
	r.mu.Lock()
	_, had := r.addrs[addr]
	r.addrs[addr] = struct{}{}
	r.mu.Unlock()
	if !had {
		r.logger.Warn("address banned", zap.String("remote_addr", addr))
	}
}

// ContentBanned reports whether content contains any banned word.
func (r *Registry) ContentBanned(content string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, w := range r.words {
		if strings.Contains(content, w) {
			return true
		}
	}
	return false
}
