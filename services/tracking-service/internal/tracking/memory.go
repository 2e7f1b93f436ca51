package tracking

import (
	"context"
	"sort"
	"sync"

	"github.com/tareqmahmud/libraryfeed/events"
)

// Memory is an in-process Store used in tests and local development.
type Memory struct {
	mu   sync.Mutex
	byID map[string]int
	recs []Record
}

func NewMemory() *Memory {
	return &Memory{byID: map[string]int{}}
}

func (s *Memory) UpsertIfAbsent(_ context.Context, rec Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[rec.EventID]; ok {
		return false, nil
	}
	s.byID[rec.EventID] = len(s.recs)
	s.recs = append(s.recs, rec)
	return true, nil
}

func (s *Memory) Exists(_ context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byID[eventID]
	return ok, nil
}

func (s *Memory) ListByEntity(_ context.Context, kind events.EntityKind, entityID string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Record
	for _, rec := range s.recs {
		if rec.EntityKind == kind && rec.EntityID == entityID {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].OccurredAt.Before(out[j].OccurredAt)
	})
	return out, nil
}

// Len reports the total number of stored records.
func (s *Memory) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}
