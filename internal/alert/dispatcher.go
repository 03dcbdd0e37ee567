// Package alert decides which incoming notifications deserve a local alert
// and hands them to the configured sinks.
package alert

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"ops-notification-service/internal/logging"
	"ops-notification-service/internal/models"
)

// DefaultWindow is used when no freshness window is configured.
const DefaultWindow = 10 * time.Second

// Alert is one notification selected for local display.
type Alert struct {
	Notification models.Notification `json:"notification"`
	Message      Message             `json:"message"`
}

// Sink displays alerts somewhere: a browser socket, a chat channel.
type Sink interface {
	Name() string
	Alert(ctx context.Context, a Alert) error
}

type DispatcherOptions struct {
	// Window is the maximum age, against wall clock at arrival, of an
	// alertable record.
	Window     time.Duration
	Permission *Permission
	// Limiter caps alerts across the dispatcher's lifetime. Nil means no cap.
	Limiter *rate.Limiter
	Sinks   []Sink
	Logger  *logging.Logger
}

// Dispatcher belongs to one store instance. Each record id is alerted at
// most once during its lifetime.
type Dispatcher struct {
	opts DispatcherOptions

	mu   sync.Mutex
	seen map[string]struct{}
}

func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Dispatcher{opts: opts, seen: make(map[string]struct{})}
}

func (d *Dispatcher) fresh(n models.Notification, now time.Time) bool {
	age := now.Sub(n.CreatedAt)
	return age <= d.opts.Window && age >= -d.opts.Window
}

// Select returns the alerts batch should raise at now. Every unread, fresh,
// unseen record is marked seen whether or not it is returned: a denied
// permission or an exhausted limiter suppresses it for good.
func (d *Dispatcher) Select(batch []models.Notification, now time.Time) []Alert {
	d.mu.Lock()
	defer d.mu.Unlock()

	var candidates []models.Notification
	for _, n := range batch {
		if n.Read || !d.fresh(n, now) {
			continue
		}
		if _, ok := d.seen[n.ID]; ok {
			continue
		}
		d.seen[n.ID] = struct{}{}
		candidates = append(candidates, n)
	}
	if len(candidates) == 0 || !d.opts.Permission.Granted() {
		return nil
	}

	alerts := make([]Alert, 0, len(candidates))
	for _, n := range candidates {
		if d.opts.Limiter != nil && !d.opts.Limiter.AllowN(now, 1) {
			d.opts.Logger.Debugf("Alert for notification %s suppressed by rate limit", n.ID)
			continue
		}
		alerts = append(alerts, Alert{Notification: n, Message: Format(n)})
	}
	return alerts
}

// Deliver hands alerts to every sink concurrently and waits for them. Sink
// failures are logged and otherwise ignored.
func (d *Dispatcher) Deliver(ctx context.Context, alerts []Alert) {
	if len(alerts) == 0 || len(d.opts.Sinks) == 0 {
		return
	}
	var g errgroup.Group
	for _, sink := range d.opts.Sinks {
		sink := sink
		g.Go(func() error {
			for _, a := range alerts {
				if err := sink.Alert(ctx, a); err != nil {
					d.opts.Logger.Errorf("Failed to deliver alert %s via %s: %v", a.Notification.ID, sink.Name(), err)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Dispatch selects and delivers in one step.
func (d *Dispatcher) Dispatch(ctx context.Context, batch []models.Notification, now time.Time) []Alert {
	alerts := d.Select(batch, now)
	d.Deliver(ctx, alerts)
	return alerts
}

// Seen reports whether id was already considered by this dispatcher.
func (d *Dispatcher) Seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.seen[id]
	return ok
}
