// Package auth выдаёт и проверяет bearer-токены для управляющих эндпоинтов.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken токен не прошёл проверку подписи или истёк
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrInvalidCredentials неверный пароль оператора
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrLoginDisabled пароль оператора не настроен
	ErrLoginDisabled = errors.New("auth: login disabled")
)

const issuer = "memreplay"

// Claims represents JWT claims
type Claims struct {
	Operator string `json:"operator"`
	jwt.RegisteredClaims
}

// Authenticator подписывает токены общим секретом (HS256)
type Authenticator struct {
	secret       []byte
	passwordHash string
	ttl          time.Duration
	now          func() time.Time
}

// NewAuthenticator создаёт аутентификатор. passwordHash (bcrypt) может быть пустым,
// тогда Login недоступен и токены выдаются только через GenerateToken.
func NewAuthenticator(secret, passwordHash string, ttl time.Duration) (*Authenticator, error) {
	if len(secret) < 16 {
		return nil, errors.New("secret key must be at least 16 bytes")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Authenticator{
		secret:       []byte(secret),
		passwordHash: passwordHash,
		ttl:          ttl,
		now:          time.Now,
	}, nil
}

// GenerateToken creates a signed token for the operator
func (a *Authenticator) GenerateToken(operator string) (string, error) {
	now := a.now()
	claims := &Claims{
		Operator: operator,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   operator,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// ValidateToken checks token validity and returns its claims
func (a *Authenticator) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		// Verify signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(a.now))

	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Login проверяет пароль оператора и выдаёт токен
func (a *Authenticator) Login(operator, password string) (string, error) {
	if a.passwordHash == "" {
		return "", ErrLoginDisabled
	}
	if !CheckPassword(a.passwordHash, password) {
		return "", ErrInvalidCredentials
	}
	return a.GenerateToken(operator)
}

// GenerateSecureSecret случайный секрет для auth.jwt_secret (32 байта в base64)
func GenerateSecureSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
