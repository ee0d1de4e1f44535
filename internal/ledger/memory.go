package ledger

import (
	"context"
	"errors"
	"sync"

	"github.com/mapleshot/mapleshot/internal/models"
)

// MemoryStore is an in-process Store used by tests and local runs. It
// copies field maps on the way in and out so callers cannot alias the
// stored record.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Fields

	// FailNext forces the next operation to fail, for exercising
	// persistence-error paths.
	FailNext bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Fields)}
}

var errMemoryStoreFailure = errors.New("injected store failure")

func (s *MemoryStore) Fetch(_ context.Context, key string) (Fields, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.takeFailure() {
		return nil, false, errMemoryStoreFailure
	}
	f, ok := s.records[key]
	if !ok {
		return nil, false, nil
	}
	return copyFields(f), true, nil
}

func (s *MemoryStore) Create(_ context.Context, key string, f Fields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.takeFailure() {
		return errMemoryStoreFailure
	}
	s.records[key] = copyFields(f)
	return nil
}

func (s *MemoryStore) Update(_ context.Context, key string, f Fields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.takeFailure() {
		return errMemoryStoreFailure
	}
	s.records[key] = copyFields(f)
	return nil
}

// Seed installs a raw record, bypassing the ledger. Test helper.
func (s *MemoryStore) Seed(key string, f Fields) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = copyFields(f)
}

func (s *MemoryStore) takeFailure() bool {
	if s.FailNext {
		s.FailNext = false
		return true
	}
	return false
}

func copyFields(f Fields) Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// MemoryEventSet is an in-process EventSet for tests.
type MemoryEventSet struct {
	mu   sync.Mutex
	seen map[string]models.TopUpRecord

	// FailNextMark forces the next Mark to fail, for exercising the
	// lost-mark redelivery path.
	FailNextMark bool
}

func NewMemoryEventSet() *MemoryEventSet {
	return &MemoryEventSet{seen: make(map[string]models.TopUpRecord)}
}

func (s *MemoryEventSet) Seen(_ context.Context, eventID string, t models.CreditType) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[eventID+"|"+string(t)]
	return ok, nil
}

func (s *MemoryEventSet) Mark(_ context.Context, rec models.TopUpRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailNextMark {
		s.FailNextMark = false
		return errMemoryStoreFailure
	}
	s.seen[rec.EventID+"|"+string(rec.CreditType)] = rec
	return nil
}
