// Package identity supplies the authenticated identity and its bearer
// credential to the subscription core.
package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"ops-notification-service/internal/auth"
	"ops-notification-service/internal/feed"
	"ops-notification-service/internal/models"
)

var (
	ErrSignedOut        = errors.New("no identity signed in")
	ErrIdentityMismatch = errors.New("confirmed identity does not match session identity")
)

// Provider is what the subscription core needs from the identity layer.
type Provider interface {
	CurrentIdentity() *models.Identity
	Credential() string
	OnIdentityChange(fn func(*models.Identity)) (remove func())
	RefreshCredential(ctx context.Context) error
	ConfirmIdentity(ctx context.Context) error
}

// Authenticator exchanges and validates credentials.
type Authenticator interface {
	Refresh(ctx context.Context, refreshToken string) (auth.Credential, error)
	Confirm(ctx context.Context, accessToken string) (models.Identity, error)
}

// Session is a Provider for one dashboard session.
type Session struct {
	auth Authenticator

	mu        sync.Mutex
	identity  *models.Identity
	cred      auth.Credential
	listeners map[int]func(*models.Identity)
	nextID    int
}

var _ Provider = (*Session)(nil)

func NewSession(a Authenticator) *Session {
	return &Session{auth: a, listeners: make(map[int]func(*models.Identity))}
}

// SignIn sets identity and credential and notifies listeners. A repeated
// sign-in for the same identity notifies too, so a Failed subscription can
// restart with the new credential.
func (s *Session) SignIn(identity models.Identity, cred auth.Credential) {
	s.mu.Lock()
	s.cred = cred
	id := identity
	s.identity = &id
	fns := s.listenersLocked()
	s.mu.Unlock()

	for _, fn := range fns {
		fn(&id)
	}
}

// SignOut clears the identity and notifies listeners with nil.
func (s *Session) SignOut() {
	s.mu.Lock()
	if s.identity == nil {
		s.mu.Unlock()
		return
	}
	s.identity = nil
	s.cred = auth.Credential{}
	fns := s.listenersLocked()
	s.mu.Unlock()

	for _, fn := range fns {
		fn(nil)
	}
}

func (s *Session) listenersLocked() []func(*models.Identity) {
	fns := make([]func(*models.Identity), 0, len(s.listeners))
	for i := 0; i < s.nextID; i++ {
		if fn, ok := s.listeners[i]; ok {
			fns = append(fns, fn)
		}
	}
	return fns
}

func (s *Session) CurrentIdentity() *models.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity == nil {
		return nil
	}
	id := *s.identity
	return &id
}

func (s *Session) Credential() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cred.AccessToken
}

// CredentialInfo returns the full credential, for handing back to the UI.
func (s *Session) CredentialInfo() auth.Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cred
}

func (s *Session) OnIdentityChange(fn func(*models.Identity)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// RefreshCredential swaps the refresh token for a new credential. A sign-out
// or identity change while the call is in flight discards the result.
func (s *Session) RefreshCredential(ctx context.Context) error {
	s.mu.Lock()
	if s.identity == nil {
		s.mu.Unlock()
		return &feed.AuthError{Reason: "refresh", Err: ErrSignedOut}
	}
	identity := *s.identity
	refreshToken := s.cred.RefreshToken
	s.mu.Unlock()

	cred, err := s.auth.Refresh(ctx, refreshToken)
	if err != nil {
		return &feed.AuthError{Reason: "refresh", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity == nil || *s.identity != identity {
		return &feed.AuthError{Reason: "refresh", Err: ErrIdentityMismatch}
	}
	s.cred = cred
	return nil
}

// ConfirmIdentity validates the current access token against the issuer.
func (s *Session) ConfirmIdentity(ctx context.Context) error {
	s.mu.Lock()
	if s.identity == nil {
		s.mu.Unlock()
		return &feed.AuthError{Reason: "confirm", Err: ErrSignedOut}
	}
	identity := *s.identity
	token := s.cred.AccessToken
	s.mu.Unlock()

	confirmed, err := s.auth.Confirm(ctx, token)
	if err != nil {
		return &feed.AuthError{Reason: "confirm", Err: err}
	}
	if confirmed != identity {
		return &feed.AuthError{Reason: "confirm", Err: fmt.Errorf("%w: %s != %s", ErrIdentityMismatch, confirmed, identity)}
	}
	return nil
}
