package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"drmsync/go-sync-agent/internal/model"
)

// SubmissionsKey is the fixed key holding the queue snapshot.
const SubmissionsKey = "dr_form_submissions"

// KV is the blob storage the submission queue persists into.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
}

// SubmissionStore keeps the ordered submission queue in memory and writes the whole
// snapshot through to the KV on every mutation. Index 0 is the newest record.
type SubmissionStore struct {
	kv    KV
	mu    sync.Mutex
	items []model.Submission
}

// NewSubmissionStore returns an empty queue backed by kv. Call LoadAll to hydrate it.
func NewSubmissionStore(kv KV) *SubmissionStore {
	return &SubmissionStore{kv: kv}
}

// LoadAll reads the persisted snapshot and replaces the in-memory queue with it.
func (s *SubmissionStore) LoadAll(ctx context.Context) ([]model.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := s.kv.Get(ctx, SubmissionsKey)
	if errors.Is(err, ErrNotFound) {
		s.items = nil
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load submissions: %w", err)
	}

	var items []model.Submission
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode submissions: %w", err)
	}
	s.items = items
	return cloneSubmissions(items), nil
}

// Append inserts sub at the head of the queue.
func (s *SubmissionStore) Append(ctx context.Context, sub model.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make([]model.Submission, 0, len(s.items)+1)
	next = append(next, sub)
	next = append(next, s.items...)
	if err := s.persist(ctx, next); err != nil {
		return err
	}
	s.items = next
	return nil
}

// Update applies mutate to the record with the given id and persists the result.
// It reports false without writing when the id is unknown.
func (s *SubmissionStore) Update(ctx context.Context, id string, mutate func(*model.Submission)) (model.Submission, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOf(id)
	if idx < 0 {
		return model.Submission{}, false, nil
	}

	next := cloneSubmissions(s.items)
	mutate(&next[idx])
	// identity fields are immutable
	next[idx].ID = s.items[idx].ID
	next[idx].CreatedAt = s.items[idx].CreatedAt

	if err := s.persist(ctx, next); err != nil {
		return model.Submission{}, true, err
	}
	s.items = next
	return next[idx], true, nil
}

// Delete removes the record with the given id.
func (s *SubmissionStore) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOf(id)
	if idx < 0 {
		return false, nil
	}

	next := make([]model.Submission, 0, len(s.items)-1)
	next = append(next, s.items[:idx]...)
	next = append(next, s.items[idx+1:]...)
	if err := s.persist(ctx, next); err != nil {
		return false, err
	}
	s.items = next
	return true, nil
}

// Snapshot returns a copy of the queue, newest first.
func (s *SubmissionStore) Snapshot() []model.Submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneSubmissions(s.items)
}

// Get returns a copy of a single record.
func (s *SubmissionStore) Get(id string) (model.Submission, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOf(id)
	if idx < 0 {
		return model.Submission{}, false
	}
	return s.items[idx], true
}

func (s *SubmissionStore) indexOf(id string) int {
	for i := range s.items {
		if s.items[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *SubmissionStore) persist(ctx context.Context, items []model.Submission) error {
	if items == nil {
		items = []model.Submission{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode submissions: %w", err)
	}
	if err := s.kv.Put(ctx, SubmissionsKey, data); err != nil {
		return fmt.Errorf("save submissions: %w", err)
	}
	return nil
}

func cloneSubmissions(items []model.Submission) []model.Submission {
	if items == nil {
		return nil
	}
	out := make([]model.Submission, len(items))
	copy(out, items)
	return out
}
