package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/chime/backend/internal/sessions"
	"github.com/MarcoPoloResearchLab/chime/backend/internal/users"
	"go.uber.org/zap"
)

// ServiceConfig describes the collaborators of the credential service.
type ServiceConfig struct {
	Users    *users.Service
	Sessions *sessions.Store
	Issuer   *TokenIssuer
	Verifier *GoogleVerifier
	Logger   *zap.Logger
}

// Service drives the credential flow: it validates credentials against the
// account store, issues session tokens and persists them for stateful checks.
type Service struct {
	users    *users.Service
	sessions *sessions.Store
	issuer   *TokenIssuer
	verifier *GoogleVerifier
	logger   *zap.Logger
}

// LoginResult pairs an issued token with the authenticated account.
type LoginResult struct {
	Token     string
	ExpiresAt time.Time
	User      users.User
}

// NewService constructs the credential service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Users == nil {
		return nil, fmt.Errorf("auth: users service required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("auth: session store required")
	}
	if cfg.Issuer == nil {
		return nil, fmt.Errorf("auth: token issuer required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		users:    cfg.Users,
		sessions: cfg.Sessions,
		issuer:   cfg.Issuer,
		verifier: cfg.Verifier,
		logger:   logger,
	}, nil
}

// Login validates the username/password pair, issues a token and records the session.
func (s *Service) Login(ctx context.Context, username, password string) (LoginResult, error) {
	user, err := s.users.Authenticate(ctx, username, password)
	if err != nil {
		return LoginResult{}, err
	}
	return s.establishSession(ctx, user)
}

// Register creates the account, issues a token and records the session.
func (s *Service) Register(ctx context.Context, name, username, password string) (LoginResult, error) {
	user, err := s.users.Register(ctx, name, username, password)
	if err != nil {
		return LoginResult{}, err
	}
	return s.establishSession(ctx, user)
}

// LoginWithGoogle verifies the Google ID token, provisions the account on
// first login and establishes a session.
func (s *Service) LoginWithGoogle(ctx context.Context, idToken string) (LoginResult, error) {
	if s.verifier == nil {
		return LoginResult{}, fmt.Errorf("auth: google login not configured")
	}
	claims, err := s.verifier.Verify(ctx, idToken)
	if err != nil {
		return LoginResult{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	user, err := s.users.ResolveGoogleUser(ctx, users.GoogleProfile{
		Subject:   claims.Subject,
		Email:     claims.Email,
		Name:      claims.Name,
		AvatarURL: claims.Picture,
	})
	if err != nil {
		return LoginResult{}, err
	}
	return s.establishSession(ctx, user)
}

// VerifyStateless delegates to the token issuer; signature and expiry only.
func (s *Service) VerifyStateless(token string) (Claims, error) {
	return s.issuer.VerifyStateless(token)
}

// VerifyStateful requires both a valid signature and a live session record, so
// revocation takes effect immediately.
func (s *Service) VerifyStateful(ctx context.Context, token string) (users.User, error) {
	claims, err := s.issuer.VerifyStateless(token)
	if err != nil {
		return users.User{}, err
	}
	if _, err := s.sessions.FindActive(ctx, token); err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			return users.User{}, ErrInvalidToken
		}
		return users.User{}, err
	}
	return s.users.FindByID(ctx, claims.Subject)
}

// Revoke deletes the session record. The token signature stays valid until
// natural expiry, so stateless check points keep accepting it; see DESIGN.md.
func (s *Service) Revoke(ctx context.Context, token string) error {
	return s.sessions.DeleteByToken(ctx, token)
}

func (s *Service) establishSession(ctx context.Context, user users.User) (LoginResult, error) {
	token, expiresAt, err := s.issuer.Issue(Identity{
		UserID:      user.ID,
		Handle:      user.Username,
		DisplayName: user.Name,
		Email:       user.Email,
	})
	if err != nil {
		return LoginResult{}, err
	}
	if err := s.sessions.Create(ctx, user.ID, token, expiresAt); err != nil {
		return LoginResult{}, err
	}
	s.logger.Debug("session established", zap.String("user_id", user.ID))
	return LoginResult{Token: token, ExpiresAt: expiresAt, User: user}, nil
}
