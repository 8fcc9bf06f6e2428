// Package token issues and verifies the signed tokens minted by this service:
// short-lived access tokens, long-lived refresh tokens, and the locally-scoped
// session tokens handed to hourly staff. Externally managed sessions are owned
// by the identity provider and never pass through here.
package token

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"tably.dev/internal/ids"
)

// Token kinds. Verification pins the expected kind, so a refresh token can
// never stand in for an access token and vice versa.
const (
	KindAccess       = "access"
	KindRefresh      = "refresh"
	KindStaffSession = "staff_session"
)

const (
	defaultIssuer     = "tably"
	defaultAudience   = "tably-api"
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 24 * time.Hour * 14

	bearerPrefix = "Bearer "
)

// ErrInvalidToken indicates the token failed validation for any reason:
// malformed, expired, wrong signature, wrong kind.
var ErrInvalidToken = errors.New("token: invalid token")

// Claims are the JWT claims carried by service-issued tokens.
type Claims struct {
	Kind string `json:"kind"`
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Service signs and verifies tokens. It is pure over its configured secrets;
// all state lives in the tokens themselves.
type Service struct {
	accessSecret  []byte
	refreshSecret []byte
	issuer        string
	audience      string
	accessTTL     time.Duration
	refreshTTL    time.Duration
	now           func() time.Time
}

// Option configures Service behavior.
type Option func(*Service)

// WithIssuer overrides the issuer claim.
func WithIssuer(issuer string) Option {
	return func(s *Service) {
		if v := strings.TrimSpace(issuer); v != "" {
			s.issuer = v
		}
	}
}

// WithAudience overrides the audience claim.
func WithAudience(aud string) Option {
	return func(s *Service) {
		if v := strings.TrimSpace(aud); v != "" {
			s.audience = v
		}
	}
}

// WithAccessTTL configures access and staff session token lifetime.
func WithAccessTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.accessTTL = ttl
		}
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs a Service. Access and refresh tokens are signed with
// distinct secrets; both are required.
func NewService(accessSecret, refreshSecret string, opts ...Option) (*Service, error) {
	accessSecret = strings.TrimSpace(accessSecret)
	refreshSecret = strings.TrimSpace(refreshSecret)
	if accessSecret == "" || refreshSecret == "" {
		return nil, errors.New("token: both access and refresh secrets are required")
	}
	if accessSecret == refreshSecret {
		return nil, errors.New("token: access and refresh secrets must differ")
	}
	s := &Service{
		accessSecret:  []byte(accessSecret),
		refreshSecret: []byte(refreshSecret),
		issuer:        defaultIssuer,
		audience:      defaultAudience,
		accessTTL:     defaultAccessTTL,
		refreshTTL:    defaultRefreshTTL,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// IssueAccessToken signs a short-lived access token for the subject.
func (s *Service) IssueAccessToken(subject, role string) (string, time.Time, error) {
	return s.issue(KindAccess, subject, role, s.accessTTL, s.accessSecret)
}

// IssueStaffSessionToken signs the locally-scoped token handed out after a
// successful staff password login. It shares the access secret but carries a
// distinct kind so it is never interchangeable with an access token.
func (s *Service) IssueStaffSessionToken(subject, role string) (string, time.Time, error) {
	return s.issue(KindStaffSession, subject, role, s.accessTTL, s.accessSecret)
}

// IssueRefreshToken signs a long-lived refresh token for the subject.
func (s *Service) IssueRefreshToken(subject string) (string, time.Time, error) {
	return s.issue(KindRefresh, subject, "", s.refreshTTL, s.refreshSecret)
}

func (s *Service) issue(kind, subject, role string, ttl time.Duration, secret []byte) (string, time.Time, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", time.Time{}, errors.New("token: subject is required")
	}
	now := s.now().UTC()
	exp := now.Add(ttl)
	claims := Claims{
		Kind: kind,
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        ids.Request(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Verify validates signature, issuer, audience, expiry, algorithm and kind.
// Access and staff session tokens verify against the access secret, refresh
// tokens against the refresh secret.
func (s *Service) Verify(raw, expectedKind string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalidToken
	}
	secret := s.accessSecret
	if expectedKind == KindRefresh {
		secret = s.refreshSecret
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return s.now().UTC() }),
	)
	parsed, err := parser.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		return secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Kind != expectedKind {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ExtractFromHeader strips the bearer prefix from an Authorization header.
// It returns empty, not an error, when the header is absent or unusable —
// unauthenticated access is a valid outcome for public endpoints.
func ExtractFromHeader(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearerPrefix)) {
		return ""
	}
	return strings.TrimSpace(header[len(bearerPrefix):])
}

// IsExpired reports whether the token's expiry has passed. It never errors:
// a malformed token or one without an expiry reports expired, since callers
// use this for soft UX such as pre-emptive refresh.
func (s *Service) IsExpired(raw string) bool {
	exp := ExpiryOf(raw)
	if exp.IsZero() {
		return true
	}
	return s.now().UTC().After(exp)
}

// ExpiryOf returns the token's expiry without verifying the signature, or the
// zero time when it cannot be determined.
func ExpiryOf(raw string) time.Time {
	claims := decodeUnverified(raw)
	if claims == nil || claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// DecodeSubject returns the subject claim without verifying the signature.
// Used only for convenience lookups where the credential itself is forwarded
// downstream for real enforcement; returns empty on any decode failure.
func DecodeSubject(raw string) string {
	claims := decodeUnverified(raw)
	if claims == nil {
		return ""
	}
	return strings.TrimSpace(claims.Subject)
}

func decodeUnverified(raw string) *Claims {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil
	}
	return claims
}
