package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"ops-notification-service/internal/models"
)

const (
	audience = "ops-notifications"

	KindAccess  = "access"
	KindRefresh = "refresh"
)

var ErrNotMember = errors.New("recipient is not a member of tenant")

// Error is a credential failure with an HTTP-ish status and a stable code.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func unauthorized(msg string) *Error {
	return &Error{Status: 401, Code: "unauthorized", Message: msg}
}

func forbidden(msg string) *Error {
	return &Error{Status: 403, Code: "forbidden", Message: msg}
}

// Claims are the verified contents of a token. The recipient is the
// subject.
type Claims struct {
	TenantID string `json:"tenant_id"`
	Kind     string `json:"kind"`
	jwt.RegisteredClaims
}

func (c Claims) Identity() models.Identity {
	return models.Identity{RecipientID: c.Subject, TenantID: c.TenantID}
}

// Credential is the opaque bearer pair handed to a signed-in session.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// MembershipChecker confirms a recipient still belongs to a tenant.
type MembershipChecker interface {
	IsTenantMember(ctx context.Context, tenantID, recipientID string) (bool, error)
}

// Issuer signs and verifies HS256 JWT access and refresh tokens.
type Issuer struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	members    MembershipChecker
	now        func() time.Time
}

func NewIssuer(secret string, accessTTL, refreshTTL time.Duration, members MembershipChecker) *Issuer {
	return &Issuer{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		members:    members,
		now:        time.Now,
	}
}

// Issue confirms membership and returns a fresh credential for identity.
func (i *Issuer) Issue(ctx context.Context, identity models.Identity) (Credential, error) {
	if err := i.checkMember(ctx, identity); err != nil {
		return Credential{}, err
	}
	now := i.now()
	access, err := i.sign(identity, KindAccess, now.Add(i.accessTTL))
	if err != nil {
		return Credential{}, err
	}
	refresh, err := i.sign(identity, KindRefresh, now.Add(i.refreshTTL))
	if err != nil {
		return Credential{}, err
	}
	return Credential{AccessToken: access, RefreshToken: refresh, ExpiresAt: now.Add(i.accessTTL)}, nil
}

// Refresh exchanges a refresh token for a new credential.
func (i *Issuer) Refresh(ctx context.Context, refreshToken string) (Credential, error) {
	claims, err := i.Verify(refreshToken, KindRefresh)
	if err != nil {
		return Credential{}, err
	}
	return i.Issue(ctx, claims.Identity())
}

// Confirm verifies an access token and that its identity is still a member.
func (i *Issuer) Confirm(ctx context.Context, accessToken string) (models.Identity, error) {
	claims, err := i.Verify(accessToken, KindAccess)
	if err != nil {
		return models.Identity{}, err
	}
	identity := claims.Identity()
	if err := i.checkMember(ctx, identity); err != nil {
		return models.Identity{}, err
	}
	return identity, nil
}

// VerifyAccess satisfies feed.Verifier.
func (i *Issuer) VerifyAccess(token string) (models.Identity, time.Time, error) {
	claims, err := i.Verify(token, KindAccess)
	if err != nil {
		return models.Identity{}, time.Time{}, err
	}
	return claims.Identity(), claims.ExpiresAt.Time, nil
}

func (i *Issuer) checkMember(ctx context.Context, identity models.Identity) error {
	if identity.RecipientID == "" || identity.TenantID == "" {
		return unauthorized("identity is incomplete")
	}
	if i.members == nil {
		return nil
	}
	ok, err := i.members.IsTenantMember(ctx, identity.TenantID, identity.RecipientID)
	if err != nil {
		return fmt.Errorf("failed to check membership for %s: %w", identity, err)
	}
	if !ok {
		return forbidden(ErrNotMember.Error())
	}
	return nil
}

func (i *Issuer) sign(identity models.Identity, kind string, exp time.Time) (string, error) {
	claims := Claims{
		TenantID: identity.TenantID,
		Kind:     kind,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   identity.RecipientID,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(i.now()),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign %s token: %w", kind, err)
	}
	return token, nil
}

// Verify checks signature, audience, kind and expiry of token.
func (i *Issuer) Verify(token, kind string) (Claims, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return i.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return Claims{}, unauthorized("token expired")
	case errors.Is(err, jwt.ErrTokenMalformed):
		return Claims{}, unauthorized("invalid token format")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return Claims{}, unauthorized("token signature mismatch")
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return Claims{}, unauthorized("invalid aud claim")
	default:
		return Claims{}, unauthorized("invalid token")
	}
	if claims.Kind != kind {
		return Claims{}, unauthorized("wrong token kind")
	}
	return claims, nil
}
