package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ops-notification-service/internal/logging"
	"ops-notification-service/internal/models"
	"ops-notification-service/internal/utils"
)

var (
	ErrHubClosed     = errors.New("feed hub closed")
	ErrScopeMismatch = errors.New("credential does not match subscription scope")
)

// Repository is the persistent side of the Hub.
type Repository interface {
	ListNotifications(ctx context.Context, tenantID, recipientID string, limit int) ([]models.Notification, error)
	MarkNotificationRead(ctx context.Context, id string) (models.Notification, error)
	CreateNotification(ctx context.Context, n models.Notification) error
}

// Verifier validates a subscription credential and reports when it expires.
type Verifier interface {
	VerifyAccess(token string) (models.Identity, time.Time, error)
}

type HubOptions struct {
	SnapshotLimit int
	// RetryDelay is the first wait between snapshot load retries; it doubles
	// up to 30s.
	RetryDelay time.Duration
	Logger     *logging.Logger
}

// Hub fans persisted and ingested notifications out to live subscribers.
type Hub struct {
	repo       Repository
	verifier   Verifier
	logger     *logging.Logger
	limit      int
	retryDelay time.Duration

	mu     sync.Mutex
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool
}

var _ Source = (*Hub)(nil)

func NewHub(repo Repository, verifier Verifier, opts HubOptions) *Hub {
	if opts.SnapshotLimit <= 0 {
		opts.SnapshotLimit = 200
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 500 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Hub{
		repo:       repo,
		verifier:   verifier,
		logger:     opts.Logger,
		limit:      opts.SnapshotLimit,
		retryDelay: opts.RetryDelay,
		subs:       make(map[uint64]*subscriber),
	}
}

type subscriber struct {
	id        uint64
	query     Query
	onBatch   BatchFunc
	onError   ErrorFunc
	expiresAt time.Time
	rejected  error

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	queue [][]models.Notification
	wake  chan struct{}
}

func (s *subscriber) push(batch []models.Notification) {
	s.mu.Lock()
	s.queue = append(s.queue, batch)
	s.mu.Unlock()
	s.signal()
}

func (s *subscriber) pushFront(batch []models.Notification) {
	s.mu.Lock()
	s.queue = append([][]models.Notification{batch}, s.queue...)
	s.mu.Unlock()
	s.signal()
}

func (s *subscriber) pop() ([]models.Notification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, false
	}
	batch := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	return batch, true
}

func (s *subscriber) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) matches(n models.Notification) bool {
	return n.TenantID == s.query.TenantID && n.RecipientID == s.query.RecipientID
}

// Subscribe verifies q.Credential and starts delivering the initial snapshot
// followed by every matching push. Rejections are reported through onError.
func (h *Hub) Subscribe(q Query, onBatch BatchFunc, onError ErrorFunc) CancelFunc {
	ctx, cancel := context.WithCancel(context.Background())
	s := &subscriber{
		query:   q,
		onBatch: onBatch,
		onError: onError,
		ctx:     ctx,
		cancel:  cancel,
		wake:    make(chan struct{}, 1),
	}

	identity, expiresAt, err := h.verifier.VerifyAccess(q.Credential)
	if err == nil && (identity.TenantID != q.TenantID || identity.RecipientID != q.RecipientID) {
		err = ErrScopeMismatch
	}
	if err != nil {
		s.rejected = &AuthError{Reason: "subscribe rejected", Err: err}
	}
	s.expiresAt = expiresAt

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		s.rejected = &TransientError{Err: ErrHubClosed}
		go h.run(s)
		return CancelFunc(cancel)
	}
	h.nextID++
	s.id = h.nextID
	if s.rejected == nil {
		h.subs[s.id] = s
	}
	h.mu.Unlock()

	go h.run(s)
	return func() {
		h.remove(s.id)
		cancel()
	}
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	delete(h.subs, id)
	h.mu.Unlock()
}

func (h *Hub) run(s *subscriber) {
	defer h.remove(s.id)
	defer s.cancel()

	if s.rejected != nil {
		h.logger.Warnf("Feed subscription %s/%s rejected: %v", s.query.TenantID, s.query.RecipientID, s.rejected)
		if s.ctx.Err() == nil {
			s.onError(s.rejected)
		}
		return
	}

	snapshot, ok := h.loadSnapshot(s)
	if !ok {
		return
	}
	s.pushFront(snapshot)

	var expiry <-chan time.Time
	if !s.expiresAt.IsZero() {
		timer := time.NewTimer(time.Until(s.expiresAt))
		defer timer.Stop()
		expiry = timer.C
	}

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-expiry:
			if s.ctx.Err() == nil {
				s.onError(&AuthError{Reason: "credential expired"})
			}
			return
		case <-s.wake:
			for {
				batch, ok := s.pop()
				if !ok {
					break
				}
				if s.ctx.Err() != nil {
					return
				}
				s.onBatch(batch)
			}
		}
	}
}

// loadSnapshot retries transient repository failures until it succeeds or
// the subscription is cancelled, reporting each failure to the subscriber.
func (h *Hub) loadSnapshot(s *subscriber) ([]models.Notification, bool) {
	delay := h.retryDelay
	for {
		records, err := h.repo.ListNotifications(s.ctx, s.query.TenantID, s.query.RecipientID, h.limit)
		if err == nil {
			if records == nil {
				records = []models.Notification{}
			}
			return records, true
		}
		if s.ctx.Err() != nil {
			return nil, false
		}
		h.logger.Warnf("Snapshot load for %s/%s failed: %v", s.query.TenantID, s.query.RecipientID, err)
		s.onError(&TransientError{Err: err})
		if utils.Wait(s.ctx, delay) != nil {
			return nil, false
		}
		if delay *= 2; delay > 30*time.Second {
			delay = 30 * time.Second
		}
	}
}

// Publish pushes n to every subscriber scoped to its tenant and recipient.
func (h *Hub) Publish(n models.Notification) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	delivered := 0
	for _, s := range h.subs {
		if s.matches(n) {
			s.push([]models.Notification{n})
			delivered++
		}
	}
	return delivered
}

// Ingest persists a new notification and pushes it to live subscribers.
func (h *Hub) Ingest(ctx context.Context, n models.Notification) error {
	if err := n.Validate(); err != nil {
		return fmt.Errorf("invalid notification: %w", err)
	}
	if err := h.repo.CreateNotification(ctx, n); err != nil {
		return fmt.Errorf("failed to ingest notification %s: %w", n.ID, err)
	}
	delivered := h.Publish(n)
	h.logger.Debugf("Ingested notification %s for %s/%s (subscribers=%d)", n.ID, n.TenantID, n.RecipientID, delivered)
	return nil
}

// Mutate applies patch and pushes the updated record back to subscribers.
func (h *Hub) Mutate(ctx context.Context, id string, patch Patch) error {
	if !patch.Read {
		return nil
	}
	updated, err := h.repo.MarkNotificationRead(ctx, id)
	if err != nil {
		return &MutationError{ID: id, Err: err}
	}
	h.Publish(updated)
	return nil
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close cancels every subscription; later subscribes fail with ErrHubClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	subs := h.subs
	h.subs = make(map[uint64]*subscriber)
	h.mu.Unlock()
	for _, s := range subs {
		s.cancel()
	}
}
