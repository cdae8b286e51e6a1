package sessions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrSessionNotFound indicates no live session record exists for the token.
var ErrSessionNotFound = errors.New("sessions: session not found")

// Record is a persisted session token. Rows are created on login and deleted on
// logout or by the expiry sweep; they are never updated in place.
type Record struct {
	Token     string    `gorm:"column:token;primaryKey;size:512;not null"`
	UserID    string    `gorm:"column:user_id;size:64;not null;index"`
	ExpiresAt time.Time `gorm:"column:expires_at;not null;index"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing session records.
func (Record) TableName() string {
	return "sessions"
}

// StoreConfig describes the dependencies required by the session store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store persists issued session tokens with their expiry.
type Store struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
}

// NewStore constructs the session store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("sessions: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, now: clock, logger: logger}, nil
}

// Create persists a session record for the token.
func (s *Store) Create(ctx context.Context, userID, token string, expiresAt time.Time) error {
	record := Record{
		Token:     token,
		UserID:    userID,
		ExpiresAt: expiresAt,
	}
	return s.db.WithContext(ctx).Create(&record).Error
}

// FindActive returns the session record for the token if it has not expired.
func (s *Store) FindActive(ctx context.Context, token string) (Record, error) {
	var record Record
	err := s.db.WithContext(ctx).
		Where("token = ? AND expires_at > ?", token, s.now()).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, ErrSessionNotFound
	}
	if err != nil {
		return Record{}, err
	}
	return record, nil
}

// DeleteByToken removes the session record for the token. Deleting an unknown
// token is not an error.
func (s *Store) DeleteByToken(ctx context.Context, token string) error {
	return s.db.WithContext(ctx).Where("token = ?", token).Delete(&Record{}).Error
}

// DeleteByUser removes every session record owned by the user.
func (s *Store) DeleteByUser(ctx context.Context, userID string) error {
	return s.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&Record{}).Error
}

// DeleteExpired removes all session records past their expiry and reports how
// many rows were swept.
func (s *Store) DeleteExpired(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at <= ?", s.now()).
		Delete(&Record{})
	return result.RowsAffected, result.Error
}

// StartSweeper runs the expiry sweep on the given interval until the context
// is cancelled.
func (s *Store) StartSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				swept, err := s.DeleteExpired(ctx)
				if err != nil {
					s.logger.Warn("session sweep failed", zap.Error(err))
					continue
				}
				if swept > 0 {
					s.logger.Info("expired sessions swept", zap.Int64("count", swept))
				}
			}
		}
	}()
}
