package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingToken signals a request without a bearer token.
	ErrMissingToken = errors.New("auth: missing bearer token")
	// ErrInvalidToken signals a token that fails verification.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Service verifies operator tokens. Tokens are issued elsewhere; IssueToken
// exists for tooling and tests.
type Service struct {
	jwtSecret []byte
	now       func() time.Time
}

func NewService(jwtSecret string) *Service {
	return &Service{jwtSecret: []byte(jwtSecret), now: time.Now}
}

// Enabled reports whether a secret is configured.
func (s *Service) Enabled() bool {
	return s != nil && len(s.jwtSecret) > 0
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", ErrMissingToken
	}
	return strings.TrimSpace(header[len(prefix):]), nil
}

// VerifyToken validates a JWT token and returns the operator it names.
func (s *Service) VerifyToken(tokenString string) (Operator, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil {
		return Operator{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Operator{}, ErrInvalidToken
	}
	sub, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return Operator{}, fmt.Errorf("%w: missing sub", ErrInvalidToken)
	}
	role := RoleOperator
	if raw, ok := claims["role"].(string); ok && raw != "" {
		role = Role(raw)
	}
	if !isValidRole(role) {
		return Operator{}, fmt.Errorf("%w: role %q", ErrInvalidToken, role)
	}
	return Operator{ID: sub, Role: role}, nil
}

// IssueToken signs a token for an operator.
func (s *Service) IssueToken(op Operator, ttl time.Duration) (string, error) {
	if op.Role == "" {
		op.Role = RoleOperator
	}
	now := s.now()
	claims := jwt.MapClaims{
		"sub":  op.ID,
		"role": op.Role,
		"exp":  now.Add(ttl).Unix(),
		"iat":  now.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

func isValidRole(role Role) bool {
	switch role {
	case RoleOperator, RoleSupervisor:
		return true
	default:
		return false
	}
}
