package auth

import (
	"errors"
	"testing"
	"time"
)

func newTestJWTService() *JWTService {
	return NewJWTService(JWTConfig{
		SigningKey: "test-secret-key-at-least-32-chars!",
		Issuer:     "mail-dispatch-test",
		Audience:   "mail-dispatch-api",
		Expiry:     15 * time.Minute,
	})
}

func TestGenerateToken(t *testing.T) {
	svc := newTestJWTService()

	token, err := svc.GenerateToken("acme")
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	if token == "" {
		t.Fatal("GenerateToken() returned empty token")
	}
}

func TestValidateToken_Valid(t *testing.T) {
	svc := newTestJWTService()

	token, err := svc.GenerateToken("acme")
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}

	client, err := svc.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if client != "acme" {
		t.Errorf("client = %q, want acme", client)
	}
}

func TestValidateToken_Expired(t *testing.T) {
	svc := NewJWTService(JWTConfig{
		SigningKey: "test-secret-key-at-least-32-chars!",
		Expiry:     -1 * time.Minute,
	})

	token, err := svc.GenerateToken("acme")
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}

	if _, err := svc.ValidateToken(token); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("ValidateToken() error = %v, want ErrTokenExpired", err)
	}
}

func TestValidateToken_WrongKey(t *testing.T) {
	token, err := newTestJWTService().GenerateToken("acme")
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}

	other := NewJWTService(JWTConfig{SigningKey: "a-completely-different-signing-key"})
	if _, err := other.ValidateToken(token); err == nil {
		t.Error("ValidateToken() accepted token signed with a different key")
	}
}

func TestValidateToken_Malformed(t *testing.T) {
	svc := newTestJWTService()
	if _, err := svc.ValidateToken("not.a.token"); !errors.Is(err, ErrTokenMalformed) {
		t.Errorf("ValidateToken() error = %v, want ErrTokenMalformed", err)
	}
}
