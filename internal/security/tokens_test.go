package security

import (
	"testing"
	"time"
)

func TestTokenProvider_IssueAndValidate(t *testing.T) {
	p, err := NewTestTokenProvider(15 * time.Minute)
	if err != nil {
		t.Fatalf("NewTestTokenProvider: %v", err)
	}

	access, err := p.IssueAccess("s1", "u1", "t1", "staff")
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	if access.Token == "" || access.JTI == "" {
		t.Fatal("access token or jti empty")
	}
	if access.ExpiresAt.Before(time.Now()) {
		t.Fatal("expires at in the past")
	}
	ac, err := p.ValidateAccess(access.Token)
	if err != nil {
		t.Fatalf("ValidateAccess: %v", err)
	}
	if ac.SessionID != "s1" || ac.Subject != "u1" || ac.TenantID != "t1" || ac.Role != "staff" {
		t.Errorf("ValidateAccess: got %+v", ac)
	}

	refresh, err := p.IssueRefresh("s1", "u1", "t1")
	if err != nil {
		t.Fatalf("IssueRefresh: %v", err)
	}
	rc, err := p.ValidateRefresh(refresh.Token)
	if err != nil {
		t.Fatalf("ValidateRefresh: %v", err)
	}
	if rc.ID != refresh.JTI || rc.SessionID != "s1" || rc.TenantID != "t1" {
		t.Errorf("ValidateRefresh: got %+v", rc)
	}
}

func TestTokenProvider_RejectsInvalid(t *testing.T) {
	p, err := NewTestTokenProvider(15 * time.Minute)
	if err != nil {
		t.Fatalf("NewTestTokenProvider: %v", err)
	}
	if _, err := p.ValidateAccess("invalid-token"); err != ErrInvalidToken {
		t.Errorf("ValidateAccess: want ErrInvalidToken, got %v", err)
	}
	if _, err := p.ValidateRefresh("invalid-token"); err != ErrInvalidToken {
		t.Errorf("ValidateRefresh: want ErrInvalidToken, got %v", err)
	}
}

func TestTokenProvider_RejectsOtherKey(t *testing.T) {
	p, _ := NewTestTokenProvider(15 * time.Minute)
	key, err := SigningKey("")
	if err != nil {
		t.Fatalf("SigningKey: %v", err)
	}
	other, err := NewTokenProvider(key, "test-issuer", "test-audience", time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("NewTokenProvider: %v", err)
	}
	tok, _ := other.IssueAccess("s", "u", "t", "staff")
	if _, err := p.ValidateAccess(tok.Token); err != ErrInvalidToken {
		t.Errorf("foreign token: want ErrInvalidToken, got %v", err)
	}
}

func TestTokenProvider_Expired(t *testing.T) {
	p, _ := NewTestTokenProvider(time.Minute)
	now := time.Now()
	p.nowF = func() time.Time { return now.Add(-2 * time.Hour) }
	tok, err := p.IssueAccess("s", "u", "t", "staff")
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	p.nowF = func() time.Time { return now }
	if _, err := p.ValidateAccess(tok.Token); err != ErrInvalidToken {
		t.Errorf("expired token: want ErrInvalidToken, got %v", err)
	}
}

func TestParseClaims(t *testing.T) {
	p, _ := NewTestTokenProvider(10 * time.Minute)
	tok, _ := p.IssueAccess("s1", "u1", "t1", "admin")

	c, err := ParseClaims(tok.Token)
	if err != nil {
		t.Fatalf("ParseClaims: %v", err)
	}
	if c.Subject != "u1" || c.TenantID != "t1" || c.Role != "admin" {
		t.Errorf("claims = %+v", c)
	}
	if !c.ExpiresAt.Equal(tok.ExpiresAt.Truncate(time.Second)) {
		t.Errorf("ExpiresAt = %v, want %v", c.ExpiresAt, tok.ExpiresAt.Truncate(time.Second))
	}

	if _, err := ParseClaims("opaque"); err != ErrInvalidToken {
		t.Errorf("opaque token: want ErrInvalidToken, got %v", err)
	}
}

func TestExpiresAt_FallsBackForOpaqueTokens(t *testing.T) {
	issued := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	if got := ExpiresAt("opaque", issued, 15*time.Minute); !got.Equal(issued.Add(15 * time.Minute)) {
		t.Errorf("ExpiresAt = %v, want issued+15m", got)
	}
}
