package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/aura-webinar/livesession/internal/models"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrInvalidRole  = errors.New("invalid role claim")
)

// Claims holds JWT claims including user ID, email and session role.
type Claims struct {
	UserID uuid.UUID `json:"user_id"`
	Email  string    `json:"email"`
	Name   string    `json:"name"`
	Role   string    `json:"role"`
	jwt.RegisteredClaims
}

// Identity is the authenticated caller as seen by the live-session core.
type Identity struct {
	UserID uuid.UUID
	Email  string
	Name   string
	Role   models.Role
}

// Identity converts claims to an Identity, rejecting unknown roles.
func (c *Claims) Identity() (Identity, error) {
	role, ok := models.ParseRole(c.Role)
	if !ok {
		return Identity{}, ErrInvalidRole
	}
	return Identity{
		UserID: c.UserID,
		Email:  models.NormalizeEmail(c.Email),
		Name:   c.Name,
		Role:   role,
	}, nil
}

// JWTService handles token generation and validation.
type JWTService struct {
	secret      []byte
	expireHours int
}

// NewJWTService creates a JWT service.
func NewJWTService(secret string, expireHours int) *JWTService {
	return &JWTService{
		secret:      []byte(secret),
		expireHours: expireHours,
	}
}

// Generate creates a new JWT for the identity. Production tokens are issued by the identity provider;
// this is used by tests and local tooling.
func (s *JWTService) Generate(id Identity) (string, error) {
	claims := Claims{
		UserID: id.UserID,
		Email:  id.Email,
		Name:   id.Name,
		Role:   string(id.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Duration(s.expireHours) * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ID:        uuid.New().String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate parses and validates a JWT, returning claims or error.
func (s *JWTService) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ValidateIdentity validates a token and returns the caller identity.
func (s *JWTService) ValidateIdentity(tokenString string) (Identity, error) {
	claims, err := s.Validate(tokenString)
	if err != nil {
		return Identity{}, err
	}
	return claims.Identity()
}
