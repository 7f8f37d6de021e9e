package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/ctflabs/instancer/internal/domain"
	"github.com/ctflabs/instancer/internal/repository"
	"github.com/ctflabs/instancer/pkg/crypto"
	jwtpkg "github.com/ctflabs/instancer/pkg/jwt"
)

// ErrInvalidCredentials indicates the identity check was rejected.
var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// Identity is the verified outcome consumed by the rest of the system.
type Identity struct {
	UserID   string
	Username string
	Admin    bool
}

// Service verifies submitted credentials against the user store and issues
// bearer sessions for the API surface.
type Service struct {
	users      repository.UserRepository
	logger     *slog.Logger
	secret     string
	sessionTTL time.Duration
}

// New constructs a Service.
func New(users repository.UserRepository, logger *slog.Logger, secret string, sessionTTL time.Duration) Service {
	return Service{users: users, logger: logger, secret: secret, sessionTTL: sessionTTL}
}

// Verify checks a username and secret against the user store.
func (s Service) Verify(ctx context.Context, username, secret string) (*Identity, error) {
	user, err := s.users.GetUserByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if err := crypto.ComparePassword(user.PasswordHash, secret); err != nil {
		return nil, ErrInvalidCredentials
	}
	return &Identity{UserID: user.ID, Username: user.Username, Admin: user.Admin}, nil
}

// Login verifies credentials and issues a session token.
func (s Service) Login(ctx context.Context, username, secret string) (*Identity, string, error) {
	identity, err := s.Verify(ctx, username, secret)
	if err != nil {
		return nil, "", err
	}
	token, err := jwtpkg.GenerateToken(identity.UserID, identity.Admin, s.secret, s.sessionTTL)
	if err != nil {
		return nil, "", err
	}
	s.logger.Info("user logged in", "user_id", identity.UserID)
	return identity, token, nil
}

// Authorize validates a bearer token and returns the associated identity.
func (s Service) Authorize(ctx context.Context, token string) (*Identity, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return nil, errors.New("token required")
	}
	claims, err := jwtpkg.Parse(trimmed, s.secret)
	if err != nil {
		return nil, err
	}
	user, err := s.users.GetUserByID(ctx, claims.UserID)
	if err != nil {
		return nil, err
	}
	return &Identity{UserID: user.ID, Username: user.Username, Admin: user.Admin}, nil
}

// EnsureAdmin creates the bootstrap admin account when it does not exist.
func (s Service) EnsureAdmin(ctx context.Context, username, password, email string) error {
	if username == "" || password == "" {
		return nil
	}
	if _, err := s.users.GetUserByUsername(ctx, username); err == nil {
		return nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	hash, err := crypto.HashPassword(password)
	if err != nil {
		return err
	}
	user := &domain.User{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Admin:        true,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		return err
	}
	s.logger.Info("bootstrap admin created", "user_id", user.ID, "username", username)
	return nil
}
