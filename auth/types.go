package auth

import "github.com/golang-jwt/jwt/v5"

// Credentials represents user login credentials
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Claims represents JWT claims
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// UserContextKey is the key used to store username in context
type contextKey string

const UserContextKey contextKey = "user"
