package alert

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"ops-notification-service/internal/models"
)

type recordingSink struct {
	mu   sync.Mutex
	ids  []string
	fail error
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Alert(ctx context.Context, a Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, a.Notification.ID)
	return s.fail
}

func (s *recordingSink) delivered() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ids...)
}

func granted() *Permission {
	p := &Permission{}
	p.Request(true)
	return p
}

func fault(id string, read bool, at time.Time) models.Notification {
	return models.Notification{ID: id, TenantID: "plant-1", RecipientID: "u1", CreatedAt: at, Read: read, Kind: models.KindFault, Payload: models.Payload{Title: "Inverter " + id}}
}

func TestSelectFiltersReadAndStaleRecords(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	d := NewDispatcher(DispatcherOptions{Window: 10 * time.Second, Permission: granted()})

	alerts := d.Select([]models.Notification{
		fault("fresh", false, now.Add(-2*time.Second)),
		fault("read", true, now.Add(-time.Second)),
		fault("stale", false, now.Add(-time.Hour)),
		fault("edge", false, now.Add(-10*time.Second)),
	}, now)

	if len(alerts) != 2 || alerts[0].Notification.ID != "fresh" || alerts[1].Notification.ID != "edge" {
		t.Fatalf("unexpected alerts %+v", alerts)
	}
	if alerts[0].Message.Title != "Fault: Inverter fresh" {
		t.Fatalf("unexpected title %q", alerts[0].Message.Title)
	}
}

func TestSelectDedupsByID(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	d := NewDispatcher(DispatcherOptions{Window: 10 * time.Second, Permission: granted()})
	batch := []models.Notification{fault("1", false, now)}

	if got := d.Select(batch, now); len(got) != 1 {
		t.Fatalf("expected first batch to alert, got %d", len(got))
	}
	if got := d.Select(batch, now.Add(time.Second)); len(got) != 0 {
		t.Fatalf("expected duplicate to be suppressed, got %d", len(got))
	}
}

func TestSelectWithoutPermissionNeverQueues(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	perm := &Permission{}
	d := NewDispatcher(DispatcherOptions{Window: 10 * time.Second, Permission: perm})
	batch := []models.Notification{fault("1", false, now)}

	if got := d.Select(batch, now); got != nil {
		t.Fatalf("expected no alerts without permission, got %+v", got)
	}
	if perm.Request(true) != ResultGranted {
		t.Fatalf("expected granted result")
	}
	if got := d.Select(batch, now); len(got) != 0 {
		t.Fatalf("record seen before permission must not alert later, got %+v", got)
	}
	if got := d.Select([]models.Notification{fault("2", false, now)}, now); len(got) != 1 {
		t.Fatalf("expected new record to alert after grant, got %d", len(got))
	}
}

func TestSelectRespectsRateLimit(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	d := NewDispatcher(DispatcherOptions{
		Window:     10 * time.Second,
		Permission: granted(),
		Limiter:    rate.NewLimiter(rate.Every(time.Minute), 2),
	})

	alerts := d.Select([]models.Notification{fault("1", false, now), fault("2", false, now), fault("3", false, now)}, now)
	if len(alerts) != 2 {
		t.Fatalf("expected 2 alerts within burst, got %d", len(alerts))
	}
	if !d.Seen("3") {
		t.Fatalf("rate-limited record must still be marked seen")
	}
}

func TestDispatchDeliversToEverySink(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	ok := &recordingSink{}
	broken := &recordingSink{fail: errors.New("socket closed")}
	d := NewDispatcher(DispatcherOptions{Permission: granted(), Sinks: []Sink{ok, broken}})

	alerts := d.Dispatch(context.Background(), []models.Notification{fault("1", false, now)}, now)
	if len(alerts) != 1 {
		t.Fatalf("expected one alert, got %d", len(alerts))
	}
	if got := ok.delivered(); len(got) != 1 || got[0] != "1" {
		t.Fatalf("unexpected delivery %v", got)
	}
	if got := broken.delivered(); len(got) != 1 {
		t.Fatalf("failing sink should still be attempted, got %v", got)
	}
}

func TestFormatBranchesOnKind(t *testing.T) {
	cases := []struct {
		kind  models.Kind
		title string
		want  string
	}{
		{models.KindFault, "", "Fault: Equipment fault"},
		{models.KindComment, "Ticket 12", "Comment on Ticket 12"},
		{models.KindStatusChange, "Inverter 4", "Inverter 4 changed status"},
		{models.KindSystem, "", "System notice"},
	}
	for _, tc := range cases {
		got := Format(models.Notification{Kind: tc.kind, Payload: models.Payload{Title: tc.title}})
		if got.Title != tc.want {
			t.Fatalf("Format(%s, %q) = %q, want %q", tc.kind, tc.title, got.Title, tc.want)
		}
	}
}
