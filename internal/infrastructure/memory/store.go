// Package memory provides an in-process store implementing the engine's
// record and rule persistence contracts. It is the default store for tests
// and embedded library use; semantics (per-record atomicity, owner-scoped
// content uniqueness, sealed event chains, atomic statistics) mirror the
// Postgres repositories.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dataguardlabs/dataguard/internal/domain/audit"
	"github.com/dataguardlabs/dataguard/internal/domain/errors"
	"github.com/dataguardlabs/dataguard/internal/domain/record"
	"github.com/dataguardlabs/dataguard/internal/domain/rule"
)

type recordEntry struct {
	mu     sync.Mutex
	rec    *record.ProtectedRecord
	events []*audit.Event
}

// Store holds records, their audit trails and DLP rules in memory.
type Store struct {
	mu      sync.RWMutex
	records map[uuid.UUID]*recordEntry
	rules   map[uuid.UUID]*rule.DLPRule

	// dedup indexes active records by owner + integrity hash
	dedup map[string]uuid.UUID
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		records: make(map[uuid.UUID]*recordEntry),
		rules:   make(map[uuid.UUID]*rule.DLPRule),
		dedup:   make(map[string]uuid.UUID),
	}
}

func dedupKey(ownerID, hash string) string {
	return ownerID + "\x00" + hash
}

// CreateRecord persists a record and its creation event atomically,
// enforcing owner-scoped content uniqueness among active records.
func (s *Store) CreateRecord(_ context.Context, rec *record.ProtectedRecord, created *audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.ID]; exists {
		return errors.NewConflictError("record id already exists")
	}
	key := dedupKey(rec.OwnerID, rec.IntegrityHash)
	if existing, exists := s.dedup[key]; exists {
		return errors.NewDuplicateContentError(existing.String())
	}

	entry := &recordEntry{rec: rec.Clone()}
	if created != nil {
		if _, err := created.Seal(""); err != nil {
			return err
		}
		entry.events = append(entry.events, created)
	}

	s.records[rec.ID] = entry
	s.dedup[key] = rec.ID
	return nil
}

// GetRecord returns a private copy of the record.
func (s *Store) GetRecord(_ context.Context, id uuid.UUID) (*record.ProtectedRecord, error) {
	s.mu.RLock()
	entry, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return nil, errors.ErrRecordNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.rec.Clone(), nil
}

// FindActiveByOwnerAndHash resolves the dedup index.
func (s *Store) FindActiveByOwnerAndHash(_ context.Context, ownerID, integrityHash string) (*record.ProtectedRecord, error) {
	s.mu.RLock()
	id, ok := s.dedup[dedupKey(ownerID, integrityHash)]
	var entry *recordEntry
	if ok {
		entry = s.records[id]
	}
	s.mu.RUnlock()
	if entry == nil {
		return nil, errors.ErrRecordNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.rec.Clone(), nil
}

// UpdateRecord applies the mutation under the record's lock so concurrent
// updates serialize and no grant or event append is lost. The returned
// event, if any, is sealed onto the record's hash chain in the same
// critical section as the state change.
func (s *Store) UpdateRecord(_ context.Context, id uuid.UUID, apply func(rec *record.ProtectedRecord) (*audit.Event, error)) (*record.ProtectedRecord, error) {
	s.mu.RLock()
	entry, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return nil, errors.ErrRecordNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	working := entry.rec.Clone()
	ev, err := apply(working)
	if err != nil {
		return nil, err
	}

	wasDeleted := entry.rec.IsDeleted
	working.Version = entry.rec.Version + 1

	if ev != nil {
		prevHash := ""
		if n := len(entry.events); n > 0 {
			prevHash = entry.events[n-1].EventHash
		}
		if _, err := ev.Seal(prevHash); err != nil {
			return nil, err
		}
		entry.events = append(entry.events, ev)
	}
	entry.rec = working

	if !wasDeleted && working.IsDeleted {
		s.mu.Lock()
		delete(s.dedup, dedupKey(working.OwnerID, working.IntegrityHash))
		s.mu.Unlock()
	}

	return working.Clone(), nil
}

// ListRecords returns copies of every record, creation order not guaranteed.
func (s *Store) ListRecords(_ context.Context) ([]*record.ProtectedRecord, error) {
	s.mu.RLock()
	entries := make([]*recordEntry, 0, len(s.records))
	for _, e := range s.records {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]*record.ProtectedRecord, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.rec.Clone())
		e.mu.Unlock()
	}
	return out, nil
}

// QueryEvents returns the record's audit events in append order. The slice
// is the authoritative order; timestamps only carry microsecond precision
// and cannot break ties between events appended in the same microsecond.
func (s *Store) QueryEvents(_ context.Context, recordID uuid.UUID) ([]*audit.Event, error) {
	s.mu.RLock()
	entry, ok := s.records[recordID]
	s.mu.RUnlock()
	if !ok {
		return nil, errors.ErrRecordNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	out := make([]*audit.Event, len(entry.events))
	copy(out, entry.events)
	return out, nil
}

// --- rule store ---

// ListEnabled returns copies of every enabled rule.
func (s *Store) ListEnabled(_ context.Context) ([]*rule.DLPRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*rule.DLPRule, 0, len(s.rules))
	for _, r := range s.rules {
		if r.Enabled {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

// GetRule returns a copy of the rule.
func (s *Store) GetRule(_ context.Context, id uuid.UUID) (*rule.DLPRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rules[id]
	if !ok {
		return nil, errors.ErrRuleNotFound
	}
	return r.Clone(), nil
}

// CreateRule persists a new rule.
func (s *Store) CreateRule(_ context.Context, r *rule.DLPRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[r.ID]; exists {
		return errors.NewConflictError("rule id already exists")
	}
	s.rules[r.ID] = r.Clone()
	return nil
}

// UpdateRule applies the mutation under the store lock. Statistics are
// carried over from the stored rule so an update never loses concurrent
// trigger counts.
func (s *Store) UpdateRule(_ context.Context, id uuid.UUID, apply func(r *rule.DLPRule) error) (*rule.DLPRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.rules[id]
	if !ok {
		return nil, errors.ErrRuleNotFound
	}

	working := current.Clone()
	if err := apply(working); err != nil {
		return nil, err
	}
	working.Statistics = current.Statistics

	s.rules[id] = working
	return working.Clone(), nil
}

// RecordTrigger atomically increments the counter for the firing action and
// advances lastTriggeredAt. Exactly one increment per evaluation call.
func (s *Store) RecordTrigger(_ context.Context, id uuid.UUID, action rule.Action, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rules[id]
	if !ok {
		return errors.ErrRuleNotFound
	}

	r.Statistics.TotalMatches++
	switch action {
	case rule.ActionBlock:
		r.Statistics.BlockedCount++
	case rule.ActionWarn:
		r.Statistics.WarnedCount++
	case rule.ActionLog:
		r.Statistics.LoggedCount++
	}
	t := at
	r.Statistics.LastTriggeredAt = &t
	return nil
}
