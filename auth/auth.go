package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"batchflow/config"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrTokenRevoked       = errors.New("token has been invalidated")
	ErrInvalidClaims      = errors.New("invalid token claims")
)

const issuer = "batchflow"

// Authenticator issues and checks HS256 tokens for the single admin user.
type Authenticator struct {
	secret         []byte
	username       string
	hashedPassword []byte
	ttl            time.Duration
	now            func() time.Time

	mu      sync.RWMutex
	revoked map[string]struct{}
}

// New hashes the configured password once; plain text is not kept.
func New(cfg *config.AuthConfig) (*Authenticator, error) {
	if cfg.Secret == "" {
		return nil, errors.New("auth secret is empty")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(cfg.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	ttl := cfg.GetTokenTTL()
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	return &Authenticator{
		secret:         []byte(cfg.Secret),
		username:       cfg.Username,
		hashedPassword: hash,
		ttl:            ttl,
		now:            time.Now,
		revoked:        make(map[string]struct{}),
	}, nil
}

// ValidateCredentials checks if the provided credentials are valid
func (a *Authenticator) ValidateCredentials(creds Credentials) error {
	userOK := subtle.ConstantTimeCompare([]byte(creds.Username), []byte(a.username)) == 1
	passErr := bcrypt.CompareHashAndPassword(a.hashedPassword, []byte(creds.Password))
	if !userOK || passErr != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// GenerateToken creates a new JWT token for the given username
func (a *Authenticator) GenerateToken(username string) (string, error) {
	now := a.now()
	claims := Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

// ValidateToken checks if a token is valid and returns the username
func (a *Authenticator) ValidateToken(tokenString string) (string, error) {
	a.mu.RLock()
	_, revoked := a.revoked[tokenString]
	a.mu.RUnlock()
	if revoked {
		return "", ErrTokenRevoked
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(a.now))
	if err != nil {
		return "", fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid || claims.Username == "" {
		return "", ErrInvalidClaims
	}
	return claims.Username, nil
}

// InvalidateToken revokes a token until the process restarts (logout).
func (a *Authenticator) InvalidateToken(token string) {
	a.mu.Lock()
	a.revoked[token] = struct{}{}
	a.mu.Unlock()
}
