package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var (
	// ErrUsernameTaken indicates a registration attempt with an existing handle.
	ErrUsernameTaken = errors.New("users: username already exists")
	// ErrInvalidCredentials indicates a failed username/password check.
	ErrInvalidCredentials = errors.New("users: invalid username or password")
	// ErrUserNotFound indicates the requested account does not exist.
	ErrUserNotFound = errors.New("users: user not found")
	// ErrNoPushToken indicates the account has no registered device token.
	ErrNoPushToken = errors.New("users: no push token registered")
)

// GoogleProfile carries the identity-provider fields needed to provision an account.
type GoogleProfile struct {
	Subject   string
	Email     string
	Name      string
	AvatarURL string
}

// ServiceConfig describes the dependencies required by the account service.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service manages user accounts, credentials and device push tokens.
type Service struct {
	db  *gorm.DB
	now func() time.Time
}

// NewService constructs the account service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, now: clock}, nil
}

// Register creates a new account with a bcrypt-hashed password.
func (s *Service) Register(ctx context.Context, name, username, password string) (User, error) {
	name = normalize(name)
	username = normalize(username)
	if name == "" || username == "" || password == "" {
		return User{}, ErrInvalidCredentials
	}

	var existing User
	err := s.db.WithContext(ctx).Where("username = ?", username).First(&existing).Error
	if err == nil {
		return User{}, ErrUsernameTaken
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, err
	}

	user := User{
		ID:           uuid.NewString(),
		Name:         name,
		Username:     username,
		PasswordHash: string(hash),
	}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		return User{}, err
	}
	return user, nil
}

// Authenticate validates a username/password pair and returns the account.
func (s *Service) Authenticate(ctx context.Context, username, password string) (User, error) {
	username = normalize(username)
	if username == "" || password == "" {
		return User{}, ErrInvalidCredentials
	}

	var user User
	err := s.db.WithContext(ctx).Where("username = ?", username).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrInvalidCredentials
	}
	if err != nil {
		return User{}, err
	}
	if user.PasswordHash == "" {
		return User{}, ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return User{}, ErrInvalidCredentials
	}
	return user, nil
}

// ResolveGoogleUser returns the account linked to the Google subject, creating
// it on first login. Profile fields are refreshed on subsequent logins.
func (s *Service) ResolveGoogleUser(ctx context.Context, profile GoogleProfile) (User, error) {
	subject := normalize(profile.Subject)
	if subject == "" {
		return User{}, ErrUserNotFound
	}

	var user User
	err := s.db.WithContext(ctx).Where("google_id = ?", subject).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		user = User{
			ID:        uuid.NewString(),
			Name:      normalize(profile.Name),
			Username:  googleUsername(profile),
			Email:     normalize(profile.Email),
			GoogleID:  subject,
			AvatarURL: normalize(profile.AvatarURL),
		}
		if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
			return User{}, err
		}
		return user, nil
	}
	if err != nil {
		return User{}, err
	}

	updates := map[string]interface{}{"updated_at": s.now()}
	if email := normalize(profile.Email); email != "" && email != user.Email {
		updates["email"] = email
		user.Email = email
	}
	if name := normalize(profile.Name); name != "" && name != user.Name {
		updates["name"] = name
		user.Name = name
	}
	if avatar := normalize(profile.AvatarURL); avatar != "" && avatar != user.AvatarURL {
		updates["avatar_url"] = avatar
		user.AvatarURL = avatar
	}
	if err := s.db.WithContext(ctx).Model(&User{}).Where("id = ?", user.ID).Updates(updates).Error; err != nil {
		return User{}, err
	}
	return user, nil
}

// FindByID returns the account with the given id.
func (s *Service) FindByID(ctx context.Context, id string) (User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// UpdatePushToken stores the device push token for the account.
func (s *Service) UpdatePushToken(ctx context.Context, userID, pushToken string) error {
	result := s.db.WithContext(ctx).Model(&User{}).
		Where("id = ?", userID).
		Updates(map[string]interface{}{"push_token": normalize(pushToken), "updated_at": s.now()})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// PushToken returns the device token registered for the account.
func (s *Service) PushToken(ctx context.Context, userID string) (string, error) {
	user, err := s.FindByID(ctx, userID)
	if err != nil {
		return "", err
	}
	if user.PushToken == "" {
		return "", ErrNoPushToken
	}
	return user.PushToken, nil
}

// AllPushTokens returns every non-empty device token on record.
func (s *Service) AllPushTokens(ctx context.Context) ([]string, error) {
	var tokens []string
	err := s.db.WithContext(ctx).Model(&User{}).
		Where("push_token <> ''").
		Pluck("push_token", &tokens).Error
	if err != nil {
		return nil, err
	}
	return tokens, nil
}

func googleUsername(profile GoogleProfile) string {
	if email := normalize(profile.Email); email != "" {
		return email
	}
	return "google:" + normalize(profile.Subject)
}
