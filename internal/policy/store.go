package policy

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	guardErrors "github.com/starwreckntx/mergeguard/internal/errors"
	"github.com/starwreckntx/mergeguard/internal/store"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Store resolves the active policy snapshot. Resolution order: persisted
// operator override, configured YAML file, last-known-good, built-in
// minimal policy. The snapshot never hot-swaps under a dependent; callers
// hold the *Document they read until they explicitly re-read.
type Store struct {
	worker     *store.Worker
	policyFile string

	mu       sync.RWMutex
	active   *Document
	lastGood *Document
}

func NewStore(worker *store.Worker, policyFile string) *Store {
	return &Store{
		worker:     worker,
		policyFile: policyFile,
	}
}

// Load resolves and caches the active policy. It never fails; a broken
// source logs and falls through to the next one.
func (s *Store) Load() *Document {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.resolve()
	s.active = doc
	s.lastGood = doc
	return doc
}

// Active returns the cached snapshot, loading on first use.
func (s *Store) Active() *Document {
	s.mu.RLock()
	doc := s.active
	s.mu.RUnlock()
	if doc != nil {
		return doc
	}
	return s.Load()
}

// Reload re-resolves after an operator edit. In-flight gates keep the
// snapshot they already hold.
func (s *Store) Reload() *Document {
	return s.Load()
}

func (s *Store) resolve() *Document {
	if doc := s.loadOverride(); doc != nil {
		return doc
	}
	if doc := s.loadFile(); doc != nil {
		return doc
	}
	if s.lastGood != nil {
		slog.Warn("No loadable policy source, keeping last-known-good",
			"version", s.lastGood.PolicyVersion)
		return s.lastGood
	}
	slog.Info("Using built-in minimal policy")
	return Builtin()
}

func (s *Store) loadOverride() *Document {
	var doc Document
	err := s.worker.GetInto(store.KeyCustomPolicy, &doc)
	if errors.Is(err, guardErrors.ErrNotFound) {
		return nil
	}
	if err != nil {
		slog.Warn("Failed to read policy override", "error", err)
		return nil
	}
	if err := doc.Validate(); err != nil {
		slog.Warn("Persisted policy override failed validation, ignoring", "error", err)
		return nil
	}
	slog.Info("Loaded policy override", "version", doc.PolicyVersion)
	return &doc
}

func (s *Store) loadFile() *Document {
	if s.policyFile == "" {
		return nil
	}
	doc, err := ParseFile(s.policyFile)
	if err != nil {
		slog.Warn("Failed to load policy file, falling back", "path", s.policyFile, "error", err)
		return nil
	}
	slog.Info("Loaded policy file", "path", s.policyFile, "version", doc.PolicyVersion)
	return doc
}

// ParseFile reads and validates a YAML policy document.
func ParseFile(path string) (*Document, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("read policy %s: %w", path, err)
	}
	var doc Document
	if err := k.Unmarshal("", &doc); err != nil {
		return nil, fmt.Errorf("decode policy %s: %w", path, err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// SaveOverride validates and persists an operator-supplied policy, then
// swaps the active snapshot.
func (s *Store) SaveOverride(doc *Document) error {
	if err := doc.Validate(); err != nil {
		return err
	}
	if err := s.worker.Put(store.KeyCustomPolicy, doc); err != nil {
		return fmt.Errorf("persist policy override: %w", err)
	}
	s.mu.Lock()
	s.active = doc
	s.lastGood = doc
	s.mu.Unlock()
	slog.Info("Policy override saved", "version", doc.PolicyVersion)
	return nil
}

// ClearOverride removes the persisted override and re-resolves. The
// last-known-good snapshot is dropped too; keeping it would hand the
// cleared override right back.
func (s *Store) ClearOverride() error {
	if err := s.worker.Delete(store.KeyCustomPolicy); err != nil {
		return fmt.Errorf("clear policy override: %w", err)
	}
	s.mu.Lock()
	s.active = nil
	s.lastGood = nil
	s.mu.Unlock()
	s.Reload()
	return nil
}
