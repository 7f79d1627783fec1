package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"golang.org/x/crypto/bcrypt"
)

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleEditor Role = "editor"
)

func (r Role) Valid() bool { return r == RoleAdmin || r == RoleEditor }

var (
	ErrUserNotFound       = errors.New("auth: user not found")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrInactive           = errors.New("auth: user is inactive")
)

type User struct {
	ID           int64  `json:"id"`
	Username     string `json:"username"`
	Email        string `json:"email"`
	PasswordHash string `json:"-"`
	Role         Role   `json:"role"`
	Active       bool   `json:"active"`
}

func (u User) HasRole(roles ...Role) bool {
	return slices.Contains(roles, u.Role)
}

func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("auth: empty password")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash password: %w", err)
	}
	return string(h), nil
}

func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

type UserSource interface {
	GetUserByLogin(ctx context.Context, login string) (User, error)
}

type Authenticator struct {
	users UserSource
}

func NewAuthenticator(users UserSource) *Authenticator {
	return &Authenticator{users: users}
}

// Authenticate accepts a username or an email as login.
func (a *Authenticator) Authenticate(ctx context.Context, login, password string) (User, error) {
	u, err := a.users.GetUserByLogin(ctx, login)
	if errors.Is(err, ErrUserNotFound) {
		// сравниваем с фиктивным хешем, чтобы время ответа не выдавало существование логина
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return User{}, ErrInvalidCredentials
	}
	if err != nil {
		return User{}, err
	}
	if !CheckPassword(u.PasswordHash, password) {
		return User{}, ErrInvalidCredentials
	}
	if !u.Active {
		return User{}, ErrInactive
	}
	return u, nil
}

var dummyHash = []byte("$2a$10$7EqJtq98hPqEX7fNZaFWoOhi5BWX4Z.Kx4c5E2.G0a3L0pWuN3qQ6")
