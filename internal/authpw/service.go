// Package authpw manages archive accounts: password sign-in and the admin
// operations on user records.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"conarchive/api/internal/rbac"
	"conarchive/api/internal/store"
)

var (
	ErrInvalidLogin = errors.New("invalid user name or password")
	ErrUserExists   = errors.New("user already exists")
	ErrUserNotFound = errors.New("user not found")
)

const minPasswordLength = 8

// FieldError reports which input field was rejected.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// UserStore defines the storage interface for accounts
type UserStore interface {
	GetUserByID(ctx context.Context, id int64) (store.User, error)
	GetUserByName(ctx context.Context, name string) (store.User, error)
	CreateUser(ctx context.Context, u store.User) (store.User, error)
	UpdateUser(ctx context.Context, u store.User) error
}

type Service struct {
	store UserStore
	cost  int
}

func NewService(users UserStore) *Service {
	return &Service{store: users, cost: bcrypt.DefaultCost}
}

// Login checks a user name and password. Unknown, disabled and mismatched
// accounts all fail the same way.
func (s *Service) Login(ctx context.Context, name, password string) (store.User, error) {
	name = strings.TrimSpace(name)
	if name == "" || password == "" {
		return store.User{}, ErrInvalidLogin
	}
	user, err := s.store.GetUserByName(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return store.User{}, ErrInvalidLogin
	}
	if err != nil {
		return store.User{}, fmt.Errorf("load user: %w", err)
	}
	if !user.Active {
		return store.User{}, ErrInvalidLogin
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return store.User{}, ErrInvalidLogin
	}
	return user, nil
}

// CreateUser adds an account. A deactivated account with the same name is
// reactivated with the new password and role instead.
func (s *Service) CreateUser(ctx context.Context, name, password, role string) (store.User, bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return store.User{}, false, &FieldError{Field: "user_name", Reason: "required"}
	}
	if err := checkPassword(password); err != nil {
		return store.User{}, false, err
	}
	if !rbac.Assignable(role) {
		return store.User{}, false, &FieldError{Field: "role", Reason: "must be editor, moderator or admin"}
	}
	hash, err := s.hash(password)
	if err != nil {
		return store.User{}, false, err
	}

	existing, err := s.store.GetUserByName(ctx, name)
	switch {
	case err == nil:
		if existing.Active {
			return store.User{}, false, ErrUserExists
		}
		existing.PasswordHash, existing.Role, existing.Active = hash, role, true
		if err := s.store.UpdateUser(ctx, existing); err != nil {
			return store.User{}, false, fmt.Errorf("reactivate user: %w", err)
		}
		return existing, true, nil
	case !errors.Is(err, store.ErrNotFound):
		return store.User{}, false, fmt.Errorf("load user: %w", err)
	}

	created, err := s.store.CreateUser(ctx, store.User{Name: name, PasswordHash: hash, Role: role, Active: true})
	if errors.Is(err, store.ErrDuplicate) {
		return store.User{}, false, ErrUserExists
	}
	if err != nil {
		return store.User{}, false, fmt.Errorf("create user: %w", err)
	}
	return created, false, nil
}

// Deactivate disables an account. Its submissions and audit entries stay.
func (s *Service) Deactivate(ctx context.Context, id int64) error {
	return s.modify(ctx, id, func(u *store.User) error {
		u.Active = false
		return nil
	})
}

func (s *Service) SetPassword(ctx context.Context, id int64, password string) error {
	if err := checkPassword(password); err != nil {
		return err
	}
	hash, err := s.hash(password)
	if err != nil {
		return err
	}
	return s.modify(ctx, id, func(u *store.User) error {
		u.PasswordHash = hash
		return nil
	})
}

func (s *Service) SetRole(ctx context.Context, id int64, role string) error {
	if !rbac.Assignable(role) {
		return &FieldError{Field: "role", Reason: "must be editor, moderator or admin"}
	}
	return s.modify(ctx, id, func(u *store.User) error {
		u.Role = role
		return nil
	})
}

func (s *Service) modify(ctx context.Context, id int64, change func(*store.User) error) error {
	user, err := s.store.GetUserByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return ErrUserNotFound
	}
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}
	if !user.Active {
		return ErrUserNotFound
	}
	if err := change(&user); err != nil {
		return err
	}
	if err := s.store.UpdateUser(ctx, user); err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	return nil
}

func (s *Service) hash(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

func checkPassword(password string) error {
	if len(password) < minPasswordLength {
		return &FieldError{Field: "password", Reason: "must be at least 8 characters"}
	}
	return nil
}
