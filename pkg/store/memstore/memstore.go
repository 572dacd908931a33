// Package memstore implements the store gateway in process memory. It
// backs local single-binary mode and hermetic tests. Semantics mirror the
// PostgreSQL implementation: the same compare-and-set transitions, the same
// sentinel errors, and the same cascade deletes, just under one mutex
// instead of row locks.
package memstore

import (
	"sync"
	"time"

	"github.com/forgeline/forgeline/pkg/models"
	"github.com/forgeline/forgeline/pkg/store"
	"github.com/google/uuid"
)

// MemStore is the in-memory store gateway. All operations take the single
// mutex, so every method is linearizable; claim races resolve the same way
// the row-locked SQL paths do.
type MemStore struct {
	mu sync.Mutex

	projects map[string]*models.Project
	features map[string]*models.Feature
	runs     map[string]*models.AgentRun
	messages map[string]*models.AgentMessage
	threads  map[string]*models.AgentThread
	queue    map[string]*models.QueueEntry

	// seqs records insertion order per entity id. Timestamps from the same
	// process can collide; the sequence breaks ordering ties
	// deterministically where SQL would fall back to the id column.
	seqs map[string]int64
	seq  int64
}

// New creates an empty in-memory store.
func New() *MemStore {
	return &MemStore{
		projects: make(map[string]*models.Project),
		features: make(map[string]*models.Feature),
		runs:     make(map[string]*models.AgentRun),
		messages: make(map[string]*models.AgentMessage),
		threads:  make(map[string]*models.AgentThread),
		queue:    make(map[string]*models.QueueEntry),
		seqs:     make(map[string]int64),
	}
}

// interface guard
var _ store.Store = (*MemStore)(nil)

// newID returns a fresh record id.
func newID() string {
	return uuid.New().String()
}

// track assigns the next insertion sequence to the given record id.
// Callers must hold the mutex.
func (s *MemStore) track(id string) {
	s.seq++
	s.seqs[id] = s.seq
}

// untrack forgets a deleted record's sequence. Callers must hold the mutex.
func (s *MemStore) untrack(id string) {
	delete(s.seqs, id)
}

// earlier orders two records by creation time with the insertion sequence
// as tiebreak. Callers must hold the mutex.
func (s *MemStore) earlier(aID string, aAt time.Time, bID string, bAt time.Time) bool {
	if !aAt.Equal(bAt) {
		return aAt.Before(bAt)
	}
	return s.seqs[aID] < s.seqs[bID]
}
