package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/filerobot/internal/designstate"
	"github.com/MarcoPoloResearchLab/filerobot/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillDesignStateUpdatedAt = "2026-10-01_backfill_design_state_updated_at"
	migrationBackfillIdentityUsernames    = "2026-10-01_backfill_identity_usernames"
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
		{name: migrationBackfillDesignStateUpdatedAt, apply: backfillDesignStateUpdatedAt},
		{name: migrationBackfillIdentityUsernames, apply: backfillIdentityUsernames},
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

// Rows imported without an update time read as the oldest state of their asset.
func backfillDesignStateUpdatedAt(db *gorm.DB) error {
	return db.Model(&designstate.Record{}).
		Where("updated_at_ms < created_at_ms").
		Update("updated_at_ms", gorm.Expr("created_at_ms")).Error
}

func backfillIdentityUsernames(db *gorm.DB) error {
	return db.Model(&users.Identity{}).
		Where("username = ?", "").
		Update("username", gorm.Expr("user_id")).Error
}
