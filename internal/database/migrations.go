package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/chime/backend/internal/sessions"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationClearOrphanedSessions = "2026-08-12_clear_orphaned_sessions"
	migrationTrimPushTokens        = "2026-08-20_trim_push_tokens"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationClearOrphanedSessions, apply: clearOrphanedSessions},
		{name: migrationTrimPushTokens, apply: trimPushTokens},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// clearOrphanedSessions drops session rows whose owning account no longer
// exists; earlier builds deleted accounts without revoking their sessions.
func clearOrphanedSessions(db *gorm.DB) error {
	return db.
		Where("user_id NOT IN (SELECT id FROM users)").
		Delete(&sessions.Record{}).Error
}

// trimPushTokens strips whitespace captured by early registration clients.
func trimPushTokens(db *gorm.DB) error {
	return db.Exec("UPDATE users SET push_token = trim(push_token) WHERE push_token <> trim(push_token);").Error
}
