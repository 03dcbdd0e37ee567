// Package notification holds the in-memory, identity-scoped notification set
// with its derived unread count.
package notification

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"ops-notification-service/internal/feed"
	"ops-notification-service/internal/logging"
	"ops-notification-service/internal/models"
)

var ErrNotificationNotFound = errors.New("notification not found")

// Mutator propagates local changes back to the feed.
type Mutator interface {
	Mutate(ctx context.Context, id string, patch feed.Patch) error
}

// Snapshot is an immutable view handed to readers.
type Snapshot struct {
	Records     []models.Notification `json:"records"`
	UnreadCount int                   `json:"unread_count"`
}

// Store is the ordered notification set of one identity. It is not safe for
// concurrent use; its owner serialises every call.
type Store struct {
	identity models.Identity
	mutator  Mutator
	logger   *logging.Logger

	records map[string]models.Notification
	ordered []models.Notification

	ctx       context.Context
	cancel    context.CancelFunc
	discarded atomic.Bool
	pending   sync.WaitGroup
}

func New(identity models.Identity, mutator Mutator, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Store{
		identity: identity,
		mutator:  mutator,
		logger:   logger,
		records:  make(map[string]models.Notification),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (s *Store) Identity() models.Identity {
	return s.identity
}

// ApplyBatch inserts or replaces every record by id and re-sorts. A record
// already read locally stays read even if the batch says otherwise.
func (s *Store) ApplyBatch(batch []models.Notification) {
	if len(batch) == 0 {
		return
	}
	for _, n := range batch {
		if existing, ok := s.records[n.ID]; ok && existing.Read && !n.Read {
			n.Read = true
		}
		s.records[n.ID] = n
	}
	s.reorder()
}

func (s *Store) reorder() {
	ordered := make([]models.Notification, 0, len(s.records))
	for _, n := range s.records {
		ordered = append(ordered, n)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if !ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].CreatedAt.After(ordered[j].CreatedAt)
		}
		return ordered[i].ID < ordered[j].ID
	})
	s.ordered = ordered
}

// UnreadCount counts unread records. It is never cached.
func (s *Store) UnreadCount() int {
	count := 0
	for _, n := range s.ordered {
		if !n.Read {
			count++
		}
	}
	return count
}

// Get returns the merged record for id.
func (s *Store) Get(id string) (models.Notification, bool) {
	n, ok := s.records[id]
	return n, ok
}

func (s *Store) Len() int {
	return len(s.ordered)
}

func (s *Store) Snapshot() Snapshot {
	records := make([]models.Notification, len(s.ordered))
	copy(records, s.ordered)
	return Snapshot{Records: records, UnreadCount: s.UnreadCount()}
}

// MarkRead flips the record to read locally and asks the feed to do the same
// in the background. A rejected write is logged and the local flag stays set.
func (s *Store) MarkRead(id string) error {
	n, ok := s.records[id]
	if !ok {
		return ErrNotificationNotFound
	}
	if n.Read {
		return nil
	}
	s.setRead(id)
	s.reorder()
	s.mutate(id)
	return nil
}

// MarkAllRead flips every currently unread record and fires one mutation per
// id without waiting for them. It returns the ids it marked.
func (s *Store) MarkAllRead() []string {
	var ids []string
	for _, n := range s.ordered {
		if !n.Read {
			ids = append(ids, n.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	for _, id := range ids {
		s.setRead(id)
	}
	s.reorder()
	for _, id := range ids {
		s.mutate(id)
	}
	return ids
}

func (s *Store) setRead(id string) {
	n := s.records[id]
	n.Read = true
	s.records[id] = n
}

func (s *Store) mutate(id string) {
	if s.mutator == nil || s.discarded.Load() {
		return
	}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		err := s.mutator.Mutate(s.ctx, id, feed.Patch{Read: true})
		if err == nil {
			return
		}
		if s.discarded.Load() {
			// Owner is gone; nothing left to reconcile.
			return
		}
		var mutErr *feed.MutationError
		if !errors.As(err, &mutErr) {
			err = &feed.MutationError{ID: id, Err: err}
		}
		s.logger.Warnf("Mark-read for %s (%s) not applied remotely: %v", id, s.identity, err)
	}()
}

// Discard cancels in-flight mutations and detaches their callbacks. The
// store must not be used afterwards.
func (s *Store) Discard() {
	if s.discarded.Swap(true) {
		return
	}
	s.cancel()
}

func (s *Store) Discarded() bool {
	return s.discarded.Load()
}

// Wait blocks until every mutation issued so far has completed.
func (s *Store) Wait() {
	s.pending.Wait()
}
