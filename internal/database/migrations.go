package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillAuditActors = "2026-10-01_backfill_audit_actors"

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
		{name: migrationBackfillAuditActors, apply: backfillAuditActors},
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
		if err := db.Transaction(migration.apply); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		logger.Info("database migration applied", zap.String("migration", migration.name))
	}
	return nil
}

// backfillAuditActors attributes rows written before audit columns existed to the system actor.
func backfillAuditActors(db *gorm.DB) error {
	for _, model := range []any{&store.Note{}, &store.View{}, &store.ViewObject{}} {
		for _, column := range []string{"created_by", "updated_by"} {
			if err := db.Model(model).
				Where(column+" = ?", "").
				Update(column, store.SystemActor).Error; err != nil {
				return err
			}
		}
	}
	return nil
}
