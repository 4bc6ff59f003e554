package fingerprint

import (
	"context"
	"sync"
	"time"

	"github.com/Skyjoy0512/voicenote/internal/apperr"
	"github.com/Skyjoy0512/voicenote/internal/docstore"
)

var _ Store = (*DocStore)(nil)

// DocStore keeps fingerprints as userEmbeddings documents in the metadata
// store. It serves deployments without Postgres; per-user locks stand in for
// row locks since the document store has no transactions across Get and Set.
type DocStore struct {
	docs docstore.Store
	now  func() time.Time

	mu    sync.Mutex
	users map[string]*sync.Mutex
}

// NewDocStore wraps the given document store.
func NewDocStore(docs docstore.Store) *DocStore {
	return &DocStore{docs: docs, now: time.Now, users: map[string]*sync.Mutex{}}
}

func docKey(userID string) string {
	return "userEmbeddings/" + userID
}

func (s *DocStore) userLock(userID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users[userID] == nil {
		s.users[userID] = &sync.Mutex{}
	}
	return s.users[userID]
}

// Get returns the user's fingerprint, or (nil, nil) when absent.
func (s *DocStore) Get(ctx context.Context, userID string) (*Fingerprint, error) {
	var fp Fingerprint
	err := s.docs.Get(ctx, docKey(userID), &fp)
	if apperr.KindOf(err) == apperr.KindNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &fp, nil
}

// Update folds the embedding into the stored fingerprint under the per-user
// lock.
func (s *DocStore) Update(ctx context.Context, userID string, embedding []float32, quality float64) (*Fingerprint, error) {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	old, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	merged := merge(old, embedding, quality, s.now())
	if err := s.docs.Set(ctx, docKey(userID), merged); err != nil {
		return nil, err
	}
	return &merged, nil
}

// Stats reports presence and counters.
func (s *DocStore) Stats(ctx context.Context, userID string) (Stats, error) {
	fp, err := s.Get(ctx, userID)
	if err != nil {
		return Stats{}, err
	}
	if fp == nil {
		return Stats{}, nil
	}
	return Stats{
		Present:     true,
		AudioCount:  fp.AudioCount,
		Quality:     fp.Quality,
		LastUpdated: fp.LastUpdated,
	}, nil
}
