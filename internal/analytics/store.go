package analytics

import (
	"fmt"
	"time"

	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// maxStoredErrors caps the error log; older entries are pruned on
// insert.
const maxStoredErrors = 100

// Store persists usage analytics in SQLite via GORM.
type Store struct {
	db *gorm.DB
}

// NewStore opens (creating if necessary) the analytics database at
// path and runs migrations.
func NewStore(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path+"?_foreign_keys=ON"), &gorm.Config{
		Logger:      logger.Default.LogMode(logger.Silent),
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open analytics db: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return nil, fmt.Errorf("migrate analytics db: %w", err)
	}

	log.Debug().Str("path", path).Msg("Analytics store opened")
	return &Store{db: db}, nil
}

// runMigrations applies the analytics schema using gormigrate.
func runMigrations(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{
			ID: "001_analytics_tables",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&Conversation{}); err != nil {
					return err
				}
				return tx.AutoMigrate(&ErrorRecord{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("conversations", "error_records")
			},
		},
	})
	return m.Migrate()
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RecordConversation persists a finished session's usage.
func (s *Store) RecordConversation(c Conversation) error {
	if err := s.db.Create(&c).Error; err != nil {
		return fmt.Errorf("record conversation: %w", err)
	}
	return nil
}

// RecordError appends to the error log, pruning beyond the retention
// cap.
func (s *Store) RecordError(stage, message, sessionID string) error {
	rec := ErrorRecord{
		Stage:        stage,
		Message:      message,
		SessionID:    sessionID,
		CreatedEpoch: time.Now().UnixMilli(),
	}
	if err := s.db.Create(&rec).Error; err != nil {
		return fmt.Errorf("record error: %w", err)
	}

	// Keep only the newest maxStoredErrors entries.
	var count int64
	if err := s.db.Model(&ErrorRecord{}).Count(&count).Error; err != nil {
		return nil
	}
	if count > maxStoredErrors {
		err := s.db.Exec(
			`DELETE FROM error_records WHERE id NOT IN
			 (SELECT id FROM error_records ORDER BY id DESC LIMIT ?)`,
			maxStoredErrors,
		).Error
		if err != nil {
			log.Warn().Err(err).Msg("Failed to prune error log")
		}
	}
	return nil
}

// RecentErrors returns the newest limit error records, newest first.
func (s *Store) RecentErrors(limit int) ([]ErrorRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	var recs []ErrorRecord
	err := s.db.Order("id DESC").Limit(limit).Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("load error log: %w", err)
	}
	return recs, nil
}

// GetStats aggregates usage for the status endpoint.
func (s *Store) GetStats() (Stats, error) {
	var stats Stats

	if err := s.db.Model(&Conversation{}).Count(&stats.Conversations).Error; err != nil {
		return stats, fmt.Errorf("count conversations: %w", err)
	}
	if err := s.db.Model(&ErrorRecord{}).Count(&stats.Errors).Error; err != nil {
		return stats, fmt.Errorf("count errors: %w", err)
	}

	type totals struct {
		Turns      int64
		AudioBytes int64
		AvgLLM     float64
	}
	var t totals
	err := s.db.Model(&Conversation{}).
		Select("COALESCE(SUM(turns),0) AS turns, COALESCE(SUM(audio_bytes),0) AS audio_bytes, COALESCE(AVG(avg_llm_millis),0) AS avg_llm").
		Scan(&t).Error
	if err != nil {
		return stats, fmt.Errorf("aggregate conversations: %w", err)
	}

	stats.TotalTurns = t.Turns
	stats.TotalAudioBytes = t.AudioBytes
	stats.AvgLLMMillis = t.AvgLLM
	return stats, nil
}
