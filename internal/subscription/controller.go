// Package subscription keeps one live notification feed subscription per
// identity and recovers it after authorization failures.
package subscription

import (
	"context"
	"errors"
	"sync"
	"time"

	"ops-notification-service/internal/alert"
	"ops-notification-service/internal/feed"
	"ops-notification-service/internal/identity"
	"ops-notification-service/internal/logging"
	"ops-notification-service/internal/models"
	"ops-notification-service/internal/notification"
)

// ErrNoSubscription is returned by store operations while no identity is
// subscribed.
var ErrNoSubscription = errors.New("no active subscription")

const (
	msgReconnecting = "reconnecting"
	msgReauth       = "session expired, please sign in again"
)

// Event is what watchers see on every state or snapshot change.
type Event struct {
	State          State                 `json:"state"`
	Identity       *models.Identity      `json:"identity,omitempty"`
	Snapshot       notification.Snapshot `json:"snapshot"`
	RetryCount     int                   `json:"retry_count"`
	LastError      string                `json:"last_error,omitempty"`
	Terminal       bool                  `json:"terminal,omitempty"`
	ReauthRequired bool                  `json:"reauth_required,omitempty"`
	Message        string                `json:"message,omitempty"`
}

type Options struct {
	Source   feed.Source
	Identity identity.Provider
	Recovery RecoveryPolicy
	// NewDispatcher builds the alert dispatcher paired with each new store.
	// Nil disables local alerts.
	NewDispatcher func(models.Identity) *alert.Dispatcher
	// OnReauthRequired is called, outside any lock, when the controller
	// gives up on an identity.
	OnReauthRequired func(models.Identity)
	Logger           *logging.Logger

	// Consecutive transient errors are escalated to recovery once there are
	// at least TransientThreshold of them and the first is older than
	// TransientHorizon. A zero threshold never escalates.
	TransientThreshold int
	TransientHorizon   time.Duration

	Now func() time.Time
}

// Controller drives the subscription state machine. Every callback from the
// feed carries the generation it was opened with; a callback whose
// generation is no longer current does nothing.
type Controller struct {
	opts   Options
	logger *logging.Logger
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	closed         bool
	state          State
	identity       *models.Identity
	generation     uint64
	store          *notification.Store
	dispatcher     *alert.Dispatcher
	cancelFeed     feed.CancelFunc
	cancelRecovery context.CancelFunc
	retryCount     int
	lastErr        error
	transientCount int
	transientSince time.Time
	unbind         func()

	watchers    map[int]chan Event
	nextWatcher int
}

func New(opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	if opts.Recovery.Logger == nil {
		opts.Recovery.Logger = logger
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		opts:     opts,
		logger:   logger,
		now:      now,
		ctx:      ctx,
		cancel:   cancel,
		watchers: make(map[int]chan Event),
	}
}

// Bind makes the controller follow the identity provider: sign-in starts a
// subscription, sign-out stops it.
func (c *Controller) Bind() {
	remove := c.opts.Identity.OnIdentityChange(func(id *models.Identity) {
		if id == nil {
			c.Stop()
			return
		}
		c.Start(*id)
	})
	c.mu.Lock()
	if c.unbind != nil {
		c.unbind()
	}
	c.unbind = remove
	c.mu.Unlock()

	if id := c.opts.Identity.CurrentIdentity(); id != nil {
		c.Start(*id)
	}
}

// Start subscribes for id. It is a no-op if id already has an active
// subscription; a different identity first tears the current one down.
func (c *Controller) Start(id models.Identity) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.identity != nil && *c.identity == id && c.state.active() {
		c.mu.Unlock()
		return
	}
	hadIdentity := c.identity != nil
	release := c.teardownLocked()
	if hadIdentity {
		c.emitLocked(c.eventLocked())
	}

	c.identity = &id
	c.store = notification.New(id, c.opts.Source, c.logger)
	if c.opts.NewDispatcher != nil {
		c.dispatcher = c.opts.NewDispatcher(id)
	}
	gen, q := c.openLocked()
	c.logger.Infof("Subscribing to notifications for %s (generation %d)", id, gen)
	c.mu.Unlock()

	release()
	c.subscribe(gen, q)
}

// Stop cancels the feed handle and any recovery in progress and discards the
// store. It is safe to call at any time, repeatedly.
func (c *Controller) Stop() {
	c.mu.Lock()
	wasIdle := c.state == Idle && c.identity == nil
	release := c.teardownLocked()
	if !wasIdle {
		c.emitLocked(c.eventLocked())
	}
	c.mu.Unlock()
	release()
}

// Close stops the controller, detaches it from the identity provider and
// closes every watch channel.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	unbind := c.unbind
	c.unbind = nil
	c.mu.Unlock()

	if unbind != nil {
		unbind()
	}
	c.Stop()

	c.mu.Lock()
	c.closed = true
	for id, ch := range c.watchers {
		delete(c.watchers, id)
		close(ch)
	}
	c.mu.Unlock()
	c.cancel()
}

// teardownLocked moves to Idle and returns the cancellations to run once the
// lock is released.
func (c *Controller) teardownLocked() func() {
	c.generation++
	cancelFeed, cancelRecovery := c.cancelFeed, c.cancelRecovery
	c.cancelFeed, c.cancelRecovery = nil, nil
	if c.store != nil {
		c.store.Discard()
		c.store = nil
	}
	c.dispatcher = nil
	c.identity = nil
	c.state = Idle
	c.retryCount = 0
	c.lastErr = nil
	c.resetTransientLocked()
	return func() {
		if cancelFeed != nil {
			cancelFeed()
		}
		if cancelRecovery != nil {
			cancelRecovery()
		}
	}
}

// openLocked enters Connecting under a fresh generation and returns the query
// to subscribe with.
func (c *Controller) openLocked() (uint64, feed.Query) {
	c.generation++
	c.state = Connecting
	c.resetTransientLocked()
	c.emitLocked(c.eventLocked())
	return c.generation, feed.Query{
		TenantID:    c.identity.TenantID,
		RecipientID: c.identity.RecipientID,
		Credential:  c.opts.Identity.Credential(),
	}
}

func (c *Controller) subscribe(gen uint64, q feed.Query) {
	cancel := c.opts.Source.Subscribe(q,
		func(batch []models.Notification) { c.onBatch(gen, batch) },
		func(err error) { c.onError(gen, err) },
	)
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		cancel()
		return
	}
	c.cancelFeed = cancel
	c.mu.Unlock()
}

func (c *Controller) onBatch(gen uint64, batch []models.Notification) {
	c.mu.Lock()
	if gen != c.generation || c.store == nil {
		c.mu.Unlock()
		return
	}
	c.store.ApplyBatch(batch)
	if c.state == Connecting {
		c.state = Live
		c.retryCount = 0
		c.lastErr = nil
		c.logger.Infof("Subscription for %s is live", c.identity)
	}
	c.resetTransientLocked()

	var alerts []alert.Alert
	dispatcher := c.dispatcher
	if dispatcher != nil {
		// Alert on the merged records so a locally read one stays quiet.
		merged := make([]models.Notification, 0, len(batch))
		for _, n := range batch {
			if m, ok := c.store.Get(n.ID); ok {
				merged = append(merged, m)
			}
		}
		alerts = dispatcher.Select(merged, c.now())
	}
	c.emitLocked(c.eventLocked())
	c.mu.Unlock()

	if len(alerts) > 0 {
		go dispatcher.Deliver(c.ctx, alerts)
	}
}

func (c *Controller) onError(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.generation || !c.state.active() || c.state == Recovering {
		c.mu.Unlock()
		return
	}

	switch feed.Classify(err) {
	case feed.ClassMutation:
		c.logger.Warnf("Ignoring mutation error on feed for %s: %v", c.identity, err)
		c.mu.Unlock()
		return
	case feed.ClassTransient:
		if !c.escalateLocked(err) {
			c.mu.Unlock()
			return
		}
		c.logger.Warnf("Transient feed errors for %s not resolved, reauthenticating", c.identity)
	default:
		c.logger.Warnf("Feed authorization failed for %s: %v", c.identity, err)
	}

	cancelFeed := c.cancelFeed
	c.cancelFeed = nil
	c.generation++
	gen = c.generation
	c.state = Recovering
	c.lastErr = err
	c.resetTransientLocked()
	ctx, cancel := context.WithCancel(c.ctx)
	c.cancelRecovery = cancel
	retryCount := c.retryCount
	ev := c.eventLocked()
	ev.Message = msgReconnecting
	c.emitLocked(ev)
	c.mu.Unlock()

	if cancelFeed != nil {
		cancelFeed()
	}
	go c.recover(ctx, gen, retryCount)
}

// escalateLocked records a transient error and reports whether the episode
// has lasted long enough to be treated as an authorization failure.
func (c *Controller) escalateLocked(err error) bool {
	now := c.now()
	if c.transientCount == 0 {
		c.transientSince = now
	}
	c.transientCount++
	c.lastErr = err
	c.logger.Warnf("Transient feed error for %s (%d in a row): %v", c.identity, c.transientCount, err)

	threshold := c.opts.TransientThreshold
	if threshold <= 0 || c.transientCount < threshold || now.Sub(c.transientSince) < c.opts.TransientHorizon {
		c.emitLocked(c.eventLocked())
		return false
	}
	return true
}

func (c *Controller) resetTransientLocked() {
	c.transientCount = 0
	c.transientSince = time.Time{}
}

func (c *Controller) recover(ctx context.Context, gen uint64, retryCount int) {
	err := c.opts.Recovery.Run(ctx, retryCount, func(attempt int) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if gen != c.generation {
			return
		}
		c.retryCount = attempt
		ev := c.eventLocked()
		ev.Message = msgReconnecting
		c.emitLocked(ev)
	})

	c.mu.Lock()
	if gen != c.generation || c.closed {
		c.mu.Unlock()
		return
	}
	if c.cancelRecovery != nil {
		c.cancelRecovery()
		c.cancelRecovery = nil
	}

	if err != nil {
		c.state = Failed
		c.lastErr = err
		id := *c.identity
		ev := c.eventLocked()
		ev.Terminal = true
		ev.ReauthRequired = true
		ev.Message = msgReauth
		c.emitLocked(ev)
		c.logger.Errorf("Giving up on subscription for %s: %v", id, err)
		c.mu.Unlock()

		if c.opts.OnReauthRequired != nil {
			c.opts.OnReauthRequired(id)
		}
		return
	}

	c.lastErr = nil
	gen, q := c.openLocked()
	c.logger.Infof("Credential refreshed for %s, resubscribing (generation %d)", c.identity, gen)
	c.mu.Unlock()
	c.subscribe(gen, q)
}

// Watch returns a channel of events starting with the current one. A full
// channel drops its oldest event. The returned func stops the watch.
func (c *Controller) Watch(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := c.nextWatcher
	c.nextWatcher++
	c.watchers[id] = ch
	ch <- c.eventLocked()
	c.mu.Unlock()

	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if ch, ok := c.watchers[id]; ok {
			delete(c.watchers, id)
			close(ch)
		}
	}
}

func (c *Controller) emitLocked(ev Event) {
	for _, ch := range c.watchers {
		select {
		case ch <- ev:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- ev:
		default:
		}
	}
}

func (c *Controller) eventLocked() Event {
	ev := Event{
		State:      c.state,
		RetryCount: c.retryCount,
		Snapshot:   c.snapshotLocked(),
	}
	if c.identity != nil {
		id := *c.identity
		ev.Identity = &id
	}
	if c.lastErr != nil {
		ev.LastError = c.lastErr.Error()
	}
	if c.state == Failed {
		ev.Terminal = true
		ev.ReauthRequired = true
		ev.Message = msgReauth
	}
	return ev
}

func (c *Controller) snapshotLocked() notification.Snapshot {
	if c.store == nil {
		return notification.Snapshot{Records: []models.Notification{}}
	}
	return c.store.Snapshot()
}

// Current returns the event a new watcher would see first.
func (c *Controller) Current() Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eventLocked()
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Snapshot() notification.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// MarkRead marks id read in the current store.
func (c *Controller) MarkRead(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store == nil {
		return ErrNoSubscription
	}
	if err := c.store.MarkRead(id); err != nil {
		return err
	}
	c.emitLocked(c.eventLocked())
	return nil
}

// MarkAllRead marks every unread record read and returns their ids.
func (c *Controller) MarkAllRead() ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store == nil {
		return nil, ErrNoSubscription
	}
	ids := c.store.MarkAllRead()
	if len(ids) > 0 {
		c.emitLocked(c.eventLocked())
	}
	return ids, nil
}
