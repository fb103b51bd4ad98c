package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillSummaryPreviews = "2026-08-20_backfill_summary_previews"

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
		{name: migrationBackfillSummaryPreviews, apply: backfillSummaryPreviews},
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

// backfillSummaryPreviews fills preview columns on chat summaries created
// before previews were denormalized onto the row.
func backfillSummaryPreviews(db *gorm.DB) error {
	const statement = `
		UPDATE chat_summaries
		SET preview_item_id = (
			SELECT m.message_id FROM messages m
			WHERE m.chat_id = chat_summaries.chat_id
			ORDER BY m.created_at_ms DESC, m.message_id ASC
			LIMIT 1
		),
		preview_text = (
			SELECT substr(m.body, 1, 120) FROM messages m
			WHERE m.chat_id = chat_summaries.chat_id
			ORDER BY m.created_at_ms DESC, m.message_id ASC
			LIMIT 1
		)
		WHERE preview_item_id = ''
		AND EXISTS (SELECT 1 FROM messages m WHERE m.chat_id = chat_summaries.chat_id)`
	return db.Exec(statement).Error
}
