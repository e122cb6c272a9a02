package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/scheme-crawler/internal/crawler"
)

// SchemeStore keeps the first record written for each external id.
type SchemeStore struct {
	mu      sync.RWMutex
	records map[string]crawler.SchemeRecord
	slugs   map[string]string
}

// NewSchemeStore constructs an empty SchemeStore.
func NewSchemeStore() *SchemeStore {
	return &SchemeStore{
		records: make(map[string]crawler.SchemeRecord),
		slugs:   make(map[string]string),
	}
}

// SaveScheme stores rec unless its external id or slug is already present.
func (s *SchemeStore) SaveScheme(_ context.Context, rec crawler.SchemeRecord) (crawler.SaveOutcome, error) {
	if rec.ExternalID == "" {
		return crawler.SaveError, fmt.Errorf("external id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ExternalID]; ok {
		return crawler.SaveDuplicate, nil
	}
	if _, ok := s.slugs[rec.Slug]; ok {
		return crawler.SaveDuplicate, nil
	}
	if rec.Status == "" {
		rec.Status = crawler.RecordPending
	}
	s.records[rec.ExternalID] = rec
	s.slugs[rec.Slug] = rec.ExternalID
	return crawler.SaveSuccess, nil
}

// Get returns the stored record for externalID.
func (s *SchemeStore) Get(externalID string) (crawler.SchemeRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[externalID]
	return rec, ok
}

// Len reports how many records are stored.
func (s *SchemeStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
