package httpapi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"tillbook/internal/domain"
	"tillbook/internal/service"
	"tillbook/internal/store"
)

// UserStore is the credential slice of the repository.
type UserStore interface {
	GetUserByUsername(ctx context.Context, username string) (*domain.UserAccount, error)
	CreateUser(ctx context.Context, user domain.UserAccount) error
}

// AuthManager issues and verifies login tokens for till operators.
type AuthManager struct {
	users  UserStore
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewAuthManager(users UserStore, secret string, ttl time.Duration) *AuthManager {
	return &AuthManager{
		users:  users,
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

type tokenClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Login checks credentials and returns a signed token. Wrong username
// and wrong password are indistinguishable to the caller.
func (a *AuthManager) Login(ctx context.Context, req domain.LoginRequest) (*domain.LoginResponse, error) {
	username := strings.TrimSpace(req.Username)
	if username == "" || req.Password == "" {
		return nil, fmt.Errorf("%w: username and password are required", store.ErrInvalidInput)
	}

	user, err := a.users.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: bad credentials", service.ErrUnauthorized)
		}
		return nil, err
	}
	if !user.Active {
		return nil, fmt.Errorf("%w: account disabled", service.ErrUnauthorized)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)); err != nil {
		return nil, fmt.Errorf("%w: bad credentials", service.ErrUnauthorized)
	}

	expiresAt := a.now().Add(a.ttl)
	claims := tokenClaims{
		Role: user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.Username,
			IssuedAt:  jwt.NewNumericDate(a.now()),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	return &domain.LoginResponse{
		AccessToken: token,
		Role:        user.Role,
		ExpiresAt:   expiresAt.UTC().Format(time.RFC3339),
	}, nil
}

// Verify parses a bearer token back into an actor.
func (a *AuthManager) Verify(tokenString string) (domain.Actor, error) {
	var claims tokenClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return a.now() }))
	if err != nil || !token.Valid {
		return domain.Actor{}, fmt.Errorf("%w: invalid token", service.ErrUnauthorized)
	}
	return domain.Actor{Username: claims.Subject, Role: claims.Role}, nil
}

// Bootstrap creates the initial cashier account when the user table is
// empty, so a fresh install is usable.
func (a *AuthManager) Bootstrap(ctx context.Context, username string, password string, role string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	err = a.users.CreateUser(ctx, domain.UserAccount{
		Username: username,
		Password: string(hash),
		Role:     role,
		Active:   true,
	})
	if errors.Is(err, store.ErrConflict) {
		return nil
	}
	return err
}
