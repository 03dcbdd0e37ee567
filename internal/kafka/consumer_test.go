package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"ops-notification-service/internal/logging"
	"ops-notification-service/internal/models"
	"ops-notification-service/internal/utils"
)

type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		msg := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

type fakeIngester struct {
	mu    sync.Mutex
	got   []models.Notification
	fails int
}

func (f *fakeIngester) Ingest(ctx context.Context, n models.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("db unavailable")
	}
	f.got = append(f.got, n)
	return nil
}

func (f *fakeIngester) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.got)
}

func message(t *testing.T, offset int64, ev models.FeedEvent) kafka.Message {
	t.Helper()
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	return kafka.Message{Offset: offset, Value: b}
}

func TestConsumerIngestsAndCommits(t *testing.T) {
	reader := &fakeReader{msgs: []kafka.Message{
		message(t, 1, models.FeedEvent{RequestID: "r1", TenantID: "plant-1", RecipientID: "u1", Kind: models.KindFault}),
		{Offset: 2, Value: []byte("not json")},
		message(t, 3, models.FeedEvent{RequestID: "r3", TenantID: "plant-1", RecipientID: "u1", Kind: models.KindComment}),
	}}
	ingester := &fakeIngester{fails: 1}
	c := newConsumer(reader, ingester, logging.Discard())
	c.backoff = utils.Backoff{MaxAttempts: 3, BaseDelay: time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(reader.commits()) < 3 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run returned error: %v", err)
	}

	if got := reader.commits(); len(got) != 3 {
		t.Fatalf("expected 3 commits, got %v", got)
	}
	if ingester.count() != 2 {
		t.Fatalf("expected 2 ingested notifications, got %d", ingester.count())
	}
}

func TestConsumerIngestsHealthyMessageWithoutDelay(t *testing.T) {
	reader := &fakeReader{}
	ingester := &fakeIngester{}
	c := newConsumer(reader, ingester, logging.Discard())

	start := time.Now()
	c.handle(context.Background(), message(t, 7, models.FeedEvent{RequestID: "r7", TenantID: "plant-1", RecipientID: "u1", Kind: models.KindFault}))
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Fatalf("healthy ingest took %s", elapsed)
	}
	if ingester.count() != 1 {
		t.Fatalf("expected 1 ingested notification, got %d", ingester.count())
	}
	if got := reader.commits(); len(got) != 1 || got[0] != 7 {
		t.Fatalf("expected offset 7 committed, got %v", got)
	}
}
