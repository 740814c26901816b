package database

import (
	"errors"
	"time"

	"github.com/Allenskoo856/mydocmost/internal/resource"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillDefaultViews = "2026-08-10_backfill_default_views"

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
		{name: migrationBackfillDefaultViews, apply: backfillDefaultViews},
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

// backfillDefaultViews promotes the oldest view of every database that has
// no default. Early builds created views without the default marker.
func backfillDefaultViews(db *gorm.DB) error {
	var databaseIDs []string
	err := db.Model(&resource.View{}).
		Distinct("database_id").
		Where("database_id NOT IN (?)",
			db.Model(&resource.View{}).Select("database_id").Where("is_default = ?", true)).
		Pluck("database_id", &databaseIDs).Error
	if err != nil {
		return err
	}

	for _, databaseID := range databaseIDs {
		var oldest resource.View
		err := db.Where("database_id = ?", databaseID).
			Order("created_at ASC").
			Take(&oldest).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := db.Model(&resource.View{}).
			Where("id = ?", oldest.ID).
			Update("is_default", true).Error; err != nil {
			return err
		}
	}
	return nil
}
