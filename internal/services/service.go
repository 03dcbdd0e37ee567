// Package services owns the dashboard sessions: one identity provider,
// subscription controller and alert permission per session, plus the
// WebSocket fan-out that carries their events to the browser.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"ops-notification-service/internal/alert"
	"ops-notification-service/internal/auth"
	"ops-notification-service/internal/feed"
	"ops-notification-service/internal/identity"
	"ops-notification-service/internal/logging"
	"ops-notification-service/internal/models"
	"ops-notification-service/internal/subscription"
)

var ErrSessionNotFound = errors.New("session not found")

// Authenticator issues credentials for new sign-ins and backs the
// per-session identity provider.
type Authenticator interface {
	identity.Authenticator
	Issue(ctx context.Context, id models.Identity) (auth.Credential, error)
}

type Options struct {
	Source feed.Source
	Auth   Authenticator

	MaxAttempts int
	BaseDelay   time.Duration
	Exponential bool

	AlertWindow        time.Duration
	AlertRatePerMinute int
	AlertBurst         int
	// Sinks receive every alert of every session next to its own sockets.
	Sinks []alert.Sink

	TransientThreshold int
	TransientHorizon   time.Duration

	MaxConnectionsPerSession int
	Logger                   *logging.Logger
}

// Session is one dashboard session.
type Session struct {
	ID         string
	Identity   *identity.Session
	Controller *subscription.Controller
	Permission *alert.Permission
	CreatedAt  time.Time

	done chan struct{}
}

// Message is the envelope written to a session's sockets.
type Message struct {
	Type  string              `json:"type"`
	Event *subscription.Event `json:"event,omitempty"`
	Alert *alert.Alert        `json:"alert,omitempty"`
}

const (
	MessageState = "state"
	MessageAlert = "alert"
)

// Service is the session registry.
type Service struct {
	opts      Options
	logger    *logging.Logger
	wsManager *WebSocketManager

	mu       sync.Mutex
	sessions map[string]*Session
}

func New(opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Service{
		opts:      opts,
		logger:    opts.Logger,
		wsManager: NewWebSocketManager(opts.MaxConnectionsPerSession, opts.Logger),
		sessions:  make(map[string]*Session),
	}
}

// Logger exposes the Service's logger
func (s *Service) Logger() *logging.Logger {
	return s.logger
}

// CreateSession signs id in and starts its subscription.
func (s *Service) CreateSession(ctx context.Context, id models.Identity) (*Session, auth.Credential, error) {
	cred, err := s.opts.Auth.Issue(ctx, id)
	if err != nil {
		return nil, auth.Credential{}, err
	}

	sess := &Session{
		ID:         uuid.NewString(),
		Identity:   identity.NewSession(s.opts.Auth),
		Permission: &alert.Permission{},
		CreatedAt:  time.Now(),
		done:       make(chan struct{}),
	}
	sess.Controller = subscription.New(subscription.Options{
		Source:   s.opts.Source,
		Identity: sess.Identity,
		Recovery: subscription.RecoveryPolicy{
			MaxAttempts: s.opts.MaxAttempts,
			BaseDelay:   s.opts.BaseDelay,
			Exponential: s.opts.Exponential,
			Refresher:   sess.Identity,
			Confirmer:   sess.Identity,
			Logger:      s.logger,
		},
		NewDispatcher: func(models.Identity) *alert.Dispatcher {
			return s.newDispatcher(sess)
		},
		OnReauthRequired: func(id models.Identity) {
			s.logger.Warnf("Session %s needs %s to sign in again", sess.ID, id)
		},
		Logger:             s.logger,
		TransientThreshold: s.opts.TransientThreshold,
		TransientHorizon:   s.opts.TransientHorizon,
	})

	events, _ := sess.Controller.Watch(16)
	go s.forward(sess, events)

	sess.Identity.SignIn(id, cred)
	sess.Controller.Bind()

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	s.logger.Infof("Created session %s for %s", sess.ID, id)
	return sess, cred, nil
}

func (s *Service) newDispatcher(sess *Session) *alert.Dispatcher {
	var limiter *rate.Limiter
	if s.opts.AlertRatePerMinute > 0 {
		burst := s.opts.AlertBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(s.opts.AlertRatePerMinute)), burst)
	}
	sinks := append([]alert.Sink{&socketSink{sessionID: sess.ID, manager: s.wsManager}}, s.opts.Sinks...)
	return alert.NewDispatcher(alert.DispatcherOptions{
		Window:     s.opts.AlertWindow,
		Permission: sess.Permission,
		Limiter:    limiter,
		Sinks:      sinks,
		Logger:     s.logger,
	})
}

// forward relays controller events to the session's sockets until the watch
// channel is closed.
func (s *Service) forward(sess *Session, events <-chan subscription.Event) {
	defer close(sess.done)
	for ev := range events {
		ev := ev
		payload, err := json.Marshal(Message{Type: MessageState, Event: &ev})
		if err != nil {
			s.logger.Errorf("Failed to encode event for session %s: %v", sess.ID, err)
			continue
		}
		s.wsManager.Send(sess.ID, payload)
	}
}

func (s *Service) Get(sessionID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return sess, nil
}

// SwitchIdentity signs a different (or the same) identity into the session.
func (s *Service) SwitchIdentity(ctx context.Context, sessionID string, id models.Identity) (auth.Credential, error) {
	sess, err := s.Get(sessionID)
	if err != nil {
		return auth.Credential{}, err
	}
	cred, err := s.opts.Auth.Issue(ctx, id)
	if err != nil {
		return auth.Credential{}, err
	}
	sess.Identity.SignIn(id, cred)
	s.logger.Infof("Session %s switched to %s", sessionID, id)
	return cred, nil
}

// SignOut clears the session identity; its subscription goes idle.
func (s *Service) SignOut(sessionID string) error {
	sess, err := s.Get(sessionID)
	if err != nil {
		return err
	}
	sess.Identity.SignOut()
	return nil
}

// RequestPermission records the browser's answer to the alert prompt.
func (s *Service) RequestPermission(sessionID string, granted bool) (alert.Result, error) {
	sess, err := s.Get(sessionID)
	if err != nil {
		return "", err
	}
	return sess.Permission.Request(granted), nil
}

// CloseSession tears the session down and closes its sockets.
func (s *Service) CloseSession(sessionID string) error {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	s.closeSession(sess)
	return nil
}

func (s *Service) closeSession(sess *Session) {
	sess.Controller.Close()
	<-sess.done
	s.wsManager.CloseSession(sess.ID)
	s.logger.Infof("Closed session %s", sess.ID)
}

// AddConnection attaches a socket to the session and sends it the current
// state.
func (s *Service) AddConnection(sessionID string, conn Conn) error {
	sess, err := s.Get(sessionID)
	if err != nil {
		return err
	}
	if err := s.wsManager.AddConnection(sessionID, conn); err != nil {
		return err
	}
	ev := sess.Controller.Current()
	payload, err := json.Marshal(Message{Type: MessageState, Event: &ev})
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	s.wsManager.Send(sessionID, payload)
	return nil
}

func (s *Service) RemoveConnection(sessionID string, conn Conn) {
	s.wsManager.RemoveConnection(sessionID, conn)
}

func (s *Service) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close tears down every session.
func (s *Service) Close() {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*Session)
	s.mu.Unlock()
	for _, sess := range sessions {
		s.closeSession(sess)
	}
}

// socketSink delivers alerts to the sockets of one session.
type socketSink struct {
	sessionID string
	manager   *WebSocketManager
}

func (k *socketSink) Name() string { return "websocket" }

func (k *socketSink) Alert(ctx context.Context, a alert.Alert) error {
	payload, err := json.Marshal(Message{Type: MessageAlert, Alert: &a})
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}
	k.manager.Send(k.sessionID, payload)
	return nil
}
