package audit

import (
	"log/slog"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// StoreSink persists audit entries to a SQLite database so the trail survives
// restarts. Insert failures are logged and swallowed; the sink never
// propagates errors to engine code paths.
type StoreSink struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewStoreSink opens (or creates) the audit database at path and migrates the
// entry schema.
func NewStoreSink(path string, logger *slog.Logger) (*StoreSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, err
	}
	return &StoreSink{db: db, logger: logger}, nil
}

// Record implements Sink.
func (s *StoreSink) Record(actor, action, details string, success bool) {
	if s == nil || s.db == nil {
		return
	}
	entry := Entry{
		ID:        uuid.NewString(),
		Actor:     actor,
		Action:    action,
		Details:   details,
		Success:   success,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.db.Create(&entry).Error; err != nil && s.logger != nil {
		s.logger.Error("audit store insert failed", slog.String("action", action), slog.String("error", err.Error()))
	}
}

// Recent returns the most recent limit entries, newest first.
func (s *StoreSink) Recent(limit int) ([]Entry, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	var entries []Entry
	err := s.db.Order("created_at desc").Limit(limit).Find(&entries).Error
	return entries, err
}
