package token

import (
	"errors"
	"testing"
	"time"
)

func newTestService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	svc, err := NewService("access-secret", "refresh-secret", opts...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func TestAccessTokenRoundTrip(t *testing.T) {
	svc := newTestService(t, WithIssuer("test-issuer"))

	raw, exp, err := svc.IssueAccessToken("user-42", "manager")
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	if time.Until(exp) <= 0 {
		t.Fatalf("expected future expiry, got %v", exp)
	}

	claims, err := svc.Verify(raw, KindAccess)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "user-42" {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
	if claims.Role != "manager" {
		t.Fatalf("unexpected role: %s", claims.Role)
	}
	if claims.Issuer != "test-issuer" {
		t.Fatalf("unexpected issuer: %s", claims.Issuer)
	}
}

func TestRefreshTokenRejectedAsAccess(t *testing.T) {
	svc := newTestService(t)

	refresh, _, err := svc.IssueRefreshToken("user-42")
	if err != nil {
		t.Fatalf("IssueRefreshToken: %v", err)
	}
	if _, err := svc.Verify(refresh, KindAccess); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("refresh token verified as access: %v", err)
	}

	access, _, err := svc.IssueAccessToken("user-42", "staff")
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	if _, err := svc.Verify(access, KindRefresh); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("access token verified as refresh: %v", err)
	}
}

func TestStaffSessionKindIsDistinct(t *testing.T) {
	svc := newTestService(t)

	session, _, err := svc.IssueStaffSessionToken("user-7", "staff")
	if err != nil {
		t.Fatalf("IssueStaffSessionToken: %v", err)
	}
	if _, err := svc.Verify(session, KindStaffSession); err != nil {
		t.Fatalf("Verify staff session: %v", err)
	}
	if _, err := svc.Verify(session, KindAccess); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("staff session accepted as access token")
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	svc := newTestService(t, WithClock(func() time.Time { return past }), WithAccessTTL(time.Minute))

	raw, _, err := svc.IssueAccessToken("user-42", "staff")
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}

	live := newTestService(t)
	if _, err := live.Verify(raw, KindAccess); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired token verified: %v", err)
	}
	if !live.IsExpired(raw) {
		t.Fatalf("IsExpired should report true for an expired token")
	}
}

func TestExtractFromHeader(t *testing.T) {
	if got := ExtractFromHeader("Bearer abc.def.ghi"); got != "abc.def.ghi" {
		t.Fatalf("unexpected token: %q", got)
	}
	if got := ExtractFromHeader("bearer abc"); got != "abc" {
		t.Fatalf("scheme should be case-insensitive, got %q", got)
	}
	if got := ExtractFromHeader(""); got != "" {
		t.Fatalf("missing header must yield empty, got %q", got)
	}
	if got := ExtractFromHeader("Basic dXNlcg=="); got != "" {
		t.Fatalf("foreign scheme must yield empty, got %q", got)
	}
}

func TestInspectionHelpersNeverFail(t *testing.T) {
	svc := newTestService(t)

	if !svc.IsExpired("not-a-token") {
		t.Fatalf("malformed token must report expired")
	}
	if !ExpiryOf("not-a-token").IsZero() {
		t.Fatalf("malformed token must report zero expiry")
	}
	if got := DecodeSubject("not-a-token"); got != "" {
		t.Fatalf("malformed token must decode to empty subject, got %q", got)
	}

	raw, _, err := svc.IssueAccessToken("user-9", "staff")
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	if got := DecodeSubject(raw); got != "user-9" {
		t.Fatalf("DecodeSubject=%q", got)
	}
	if svc.IsExpired(raw) {
		t.Fatalf("fresh token reported expired")
	}
}

func TestNewServiceValidatesSecrets(t *testing.T) {
	if _, err := NewService("", "refresh"); err == nil {
		t.Fatalf("expected error for missing access secret")
	}
	if _, err := NewService("same", "same"); err == nil {
		t.Fatalf("expected error for identical secrets")
	}
}
