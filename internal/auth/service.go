package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aura-webinar/conference/internal/models"
	"github.com/aura-webinar/conference/internal/store"
)

var (
	// ErrEmailTaken is returned when registering an email that already has an account.
	ErrEmailTaken = errors.New("email already registered")
	// ErrInvalidCredentials is returned for an unknown email or a wrong password.
	ErrInvalidCredentials = errors.New("invalid email or password")
)

// Service registers and authenticates presenters.
type Service struct {
	store store.Store
	jwt   *JWTService
}

// NewService creates an auth service.
func NewService(st store.Store, jwt *JWTService) *Service {
	return &Service{store: st, jwt: jwt}
}

// TokenResponse is the auth response with JWT.
type TokenResponse struct {
	Token string            `json:"token"`
	User  models.UserPublic `json:"user"`
}

// Register creates a presenter account and returns a token for it.
func (s *Service) Register(ctx context.Context, email, password, name string) (*TokenResponse, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if _, err := s.store.GetUserByEmail(ctx, email); err == nil {
		return nil, ErrEmailTaken
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("get user: %w", err)
	}
	hash, err := hashPassword(password)
	if errors.Is(err, ErrPasswordTooLong) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	u := &models.User{Email: email, Password: hash, Name: strings.TrimSpace(name)}
	if err := s.store.CreateUser(ctx, u); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	return s.issue(u)
}

// Login checks credentials and returns a fresh token.
func (s *Service) Login(ctx context.Context, email, password string) (*TokenResponse, error) {
	u, err := s.store.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if !checkPassword(password, u.Password) {
		return nil, ErrInvalidCredentials
	}
	return s.issue(u)
}

func (s *Service) issue(u *models.User) (*TokenResponse, error) {
	token, err := s.jwt.Generate(u.ID, u.Email, models.RolePresenter)
	if err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}
	return &TokenResponse{Token: token, User: u.ToPublic()}, nil
}
