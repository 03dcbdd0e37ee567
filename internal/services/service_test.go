package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"ops-notification-service/internal/alert"
	"ops-notification-service/internal/auth"
	"ops-notification-service/internal/feed"
	"ops-notification-service/internal/logging"
	"ops-notification-service/internal/models"
)

type fakeConn struct {
	mu     sync.Mutex
	msgs   []Message
	fail   bool
	closed bool
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("broken pipe")
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	c.msgs = append(c.msgs, m)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) count(kind string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, m := range c.msgs {
		if m.Type == kind {
			n++
		}
	}
	return n
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeAuth struct {
	denied map[string]bool
}

func (a *fakeAuth) Issue(ctx context.Context, id models.Identity) (auth.Credential, error) {
	if a.denied[id.RecipientID] {
		return auth.Credential{}, &auth.Error{Status: 403, Code: "forbidden", Message: "not a member"}
	}
	return auth.Credential{AccessToken: "access-" + id.RecipientID, RefreshToken: "refresh-" + id.RecipientID}, nil
}

func (a *fakeAuth) Refresh(ctx context.Context, refreshToken string) (auth.Credential, error) {
	return auth.Credential{AccessToken: "refreshed"}, nil
}

func (a *fakeAuth) Confirm(ctx context.Context, accessToken string) (models.Identity, error) {
	return models.Identity{}, errors.New("not used")
}

type fakeSource struct {
	mu   sync.Mutex
	subs []feed.Query
	push []feed.BatchFunc
}

func (f *fakeSource) Subscribe(q feed.Query, onBatch feed.BatchFunc, onError feed.ErrorFunc) feed.CancelFunc {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, q)
	f.push = append(f.push, onBatch)
	return func() {}
}

func (f *fakeSource) Mutate(ctx context.Context, id string, patch feed.Patch) error { return nil }

func (f *fakeSource) last() (feed.Query, feed.BatchFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[len(f.subs)-1], f.push[len(f.push)-1]
}

func (f *fakeSource) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestService(src *fakeSource) *Service {
	return New(Options{
		Source:      src,
		Auth:        &fakeAuth{denied: map[string]bool{"intruder": true}},
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		AlertWindow: time.Minute,
		Logger:      logging.Discard(),
	})
}

func TestSessionLifecycle(t *testing.T) {
	src := &fakeSource{}
	svc := newTestService(src)
	defer svc.Close()

	sess, cred, err := svc.CreateSession(context.Background(), models.Identity{TenantID: "plant-1", RecipientID: "op-1"})
	if err != nil {
		t.Fatalf("create session failed: %v", err)
	}
	if cred.AccessToken != "access-op-1" {
		t.Fatalf("unexpected credential %+v", cred)
	}
	if src.count() != 1 {
		t.Fatalf("expected subscription on create, got %d", src.count())
	}
	q, _ := src.last()
	if q.Credential != "access-op-1" || q.RecipientID != "op-1" {
		t.Fatalf("unexpected query %+v", q)
	}

	conn := &fakeConn{}
	if err := svc.AddConnection(sess.ID, conn); err != nil {
		t.Fatalf("add connection failed: %v", err)
	}
	if res, err := svc.RequestPermission(sess.ID, true); err != nil || res != alert.ResultGranted {
		t.Fatalf("request permission failed: %v %v", res, err)
	}

	_, push := src.last()
	push([]models.Notification{{ID: "n1", TenantID: "plant-1", RecipientID: "op-1", CreatedAt: time.Now(), Kind: models.KindFault}})
	waitUntil(t, "alert over socket", func() bool { return conn.count(MessageAlert) == 1 })
	waitUntil(t, "live state over socket", func() bool { return conn.count(MessageState) >= 2 })
	if got := sess.Controller.Snapshot().UnreadCount; got != 1 {
		t.Fatalf("expected unread 1, got %d", got)
	}

	if _, err := svc.SwitchIdentity(context.Background(), sess.ID, models.Identity{TenantID: "plant-1", RecipientID: "op-2"}); err != nil {
		t.Fatalf("switch failed: %v", err)
	}
	if q, _ := src.last(); q.RecipientID != "op-2" {
		t.Fatalf("expected resubscribe for op-2, got %+v", q)
	}
	if len(sess.Controller.Snapshot().Records) != 0 {
		t.Fatalf("expected fresh store after switch")
	}

	if err := svc.CloseSession(sess.ID); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if !conn.isClosed() {
		t.Fatalf("expected socket closed with the session")
	}
	if _, err := svc.Get(sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestCreateSessionRejectsNonMember(t *testing.T) {
	src := &fakeSource{}
	svc := newTestService(src)
	defer svc.Close()

	_, _, err := svc.CreateSession(context.Background(), models.Identity{TenantID: "plant-1", RecipientID: "intruder"})
	var authErr *auth.Error
	if !errors.As(err, &authErr) || authErr.Status != 403 {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if svc.SessionCount() != 0 || src.count() != 0 {
		t.Fatalf("rejected sign-in must not create a session")
	}
}

func TestWebSocketManagerPrunesBrokenConnections(t *testing.T) {
	m := NewWebSocketManager(2, logging.Discard())
	good, bad := &fakeConn{}, &fakeConn{fail: true}
	if err := m.AddConnection("s1", good); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if err := m.AddConnection("s1", bad); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if err := m.AddConnection("s1", &fakeConn{}); err == nil {
		t.Fatalf("expected connection limit error")
	}

	if sent := m.Send("s1", []byte(`{"type":"state"}`)); sent != 1 {
		t.Fatalf("expected one successful write, got %d", sent)
	}
	if m.Count("s1") != 1 || !bad.isClosed() {
		t.Fatalf("expected broken connection to be pruned and closed")
	}
}
