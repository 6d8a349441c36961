package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-ns-core/internal/config"
	"github.com/lorawan-server/lorawan-ns-core/pkg/crypto"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
)

// Claims are carried by operator access tokens
type Claims struct {
	jwt.RegisteredClaims
	Operator string `json:"operator"`
}

// JWTManager issues and checks operator tokens. Operators and their bcrypt
// hashes come from the configuration.
type JWTManager struct {
	config    config.JWTConfig
	operators map[string]string
	now       func() time.Time
}

// NewJWTManager creates a new JWT manager
func NewJWTManager(cfg config.JWTConfig, operators []config.OperatorConfig) *JWTManager {
	m := &JWTManager{
		config:    cfg,
		operators: make(map[string]string, len(operators)),
		now:       time.Now,
	}
	for _, op := range operators {
		m.operators[op.Username] = op.PasswordHash
	}
	return m
}

// Login checks the credentials of an operator and issues an access token
func (m *JWTManager) Login(username, password string) (string, time.Time, error) {
	hash, ok := m.operators[username]
	if !ok || !crypto.VerifyPassword(password, hash) {
		return "", time.Time{}, ErrInvalidCredentials
	}
	return m.GenerateToken(username)
}

// GenerateToken signs an access token for operator
func (m *JWTManager) GenerateToken(operator string) (string, time.Time, error) {
	now := m.now()
	expires := now.Add(m.config.AccessTokenTTL)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   operator,
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    m.config.Issuer,
			ID:        uuid.NewString(),
		},
		Operator: operator,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(m.config.Secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return signed, expires, nil
}

// ValidateToken validates a token
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(m.config.Secret), nil
	},
		jwt.WithIssuer(m.config.Issuer),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if _, known := m.operators[claims.Operator]; !known {
		return nil, fmt.Errorf("%w: unknown operator %q", ErrInvalidToken, claims.Operator)
	}
	return claims, nil
}
