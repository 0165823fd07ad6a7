package database

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/planner/internal/store"
	"github.com/MarcoPoloResearchLab/planner/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillProfiles = "2026-09-14_backfill_profiles"
	profilesTable             = "profiles"
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
		{name: migrationBackfillProfiles, apply: backfillProfiles},
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

// backfillProfiles creates the profile row for identities registered before
// sign-in started provisioning profiles.
func backfillProfiles(db *gorm.DB) error {
	var identities []users.Identity
	if err := db.Find(&identities).Error; err != nil {
		return err
	}
	for _, identity := range identities {
		var count int64
		if err := db.Model(&store.Document{}).
			Where("table_name = ? AND id = ?", profilesTable, identity.UserID).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			continue
		}
		created := identity.CreatedAt.UTC()
		if created.IsZero() {
			created = time.Now().UTC()
		}
		stamp := created.Format(time.RFC3339Nano)
		payload, err := json.Marshal(map[string]any{
			"id":           identity.UserID,
			"user_id":      identity.UserID,
			"display_name": identity.DisplayName,
			"avatar_url":   "",
			"timezone":     "UTC",
			"created_at":   stamp,
			"updated_at":   stamp,
		})
		if err != nil {
			return err
		}
		document := store.Document{
			Table:          profilesTable,
			ID:             identity.UserID,
			UserID:         identity.UserID,
			PayloadJSON:    string(payload),
			CreatedAtNanos: created.UnixNano(),
			UpdatedAtNanos: created.UnixNano(),
		}
		if err := db.Create(&document).Error; err != nil {
			return err
		}
	}
	return nil
}
