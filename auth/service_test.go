package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestService_IssueAndVerify(t *testing.T) {
	svc := NewService("test-secret")

	token, err := svc.IssueToken(Operator{ID: "op-7", Role: RoleSupervisor}, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	op, err := svc.VerifyToken(token)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if op.ID != "op-7" || op.Role != RoleSupervisor {
		t.Fatalf("unexpected operator %+v", op)
	}
}

func TestService_RejectsExpiredToken(t *testing.T) {
	svc := NewService("test-secret")
	token, err := svc.IssueToken(Operator{ID: "op-1"}, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, err := svc.VerifyToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestService_RejectsWrongSecret(t *testing.T) {
	token, err := NewService("secret-a").IssueToken(Operator{ID: "op-1"}, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := NewService("secret-b").VerifyToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestService_RejectsUnknownRoleAndMissingSubject(t *testing.T) {
	secret := []byte("test-secret")
	svc := NewService(string(secret))

	for name, claims := range map[string]jwt.MapClaims{
		"role":    {"sub": "op-1", "role": "broker_admin", "exp": time.Now().Add(time.Hour).Unix()},
		"subject": {"role": "operator", "exp": time.Now().Add(time.Hour).Unix()},
	} {
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
		if err != nil {
			t.Fatalf("%s: sign: %v", name, err)
		}
		if _, err := svc.VerifyToken(signed); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: expected ErrInvalidToken, got %v", name, err)
		}
	}
}

func TestBearerToken(t *testing.T) {
	if tok, err := BearerToken("Bearer abc.def"); err != nil || tok != "abc.def" {
		t.Fatalf("unexpected %q %v", tok, err)
	}
	for _, h := range []string{"", "Basic abc", "Bearer"} {
		if _, err := BearerToken(h); !errors.Is(err, ErrMissingToken) {
			t.Fatalf("%q: expected ErrMissingToken, got %v", h, err)
		}
	}
}
