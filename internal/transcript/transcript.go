// Package transcript is a best-effort conversation log for the bridge,
// backed by an embedded sqlite database. Correlation stays in memory;
// the transcript only exists so an operator can audit what was asked
// and answered.
package transcript

import (
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Entry is one message of a feedback conversation.
type Entry struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	SessionID string `gorm:"size:128;not null;index"`
	CallID    string `gorm:"size:128;not null;index"`
	Role      string `gorm:"size:16;not null"` // "request" or "reply"
	ChatID    string `gorm:"size:64"`
	UserName  string `gorm:"size:64"`
	Content   string `gorm:"type:text;not null"`
	CreatedAt time.Time
}

// Store records feedback conversations. It implements bridge.Recorder.
type Store struct {
	db *gorm.DB
}

// Open opens (or creates) the transcript database at path and migrates
// the schema. ":memory:" works for tests.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("transcript: open %s: %w", path, err)
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("transcript: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// RecordRequest logs an outbound feedback prompt.
func (s *Store) RecordRequest(sessionID, callID, chatID, text string) error {
	e := Entry{
		SessionID: sessionID,
		CallID:    callID,
		Role:      "request",
		ChatID:    chatID,
		Content:   text,
	}
	if err := s.db.Create(&e).Error; err != nil {
		return fmt.Errorf("transcript: record request: %w", err)
	}
	return nil
}

// RecordReply logs a correlated inbound reply.
func (s *Store) RecordReply(sessionID, callID, from, text string) error {
	e := Entry{
		SessionID: sessionID,
		CallID:    callID,
		Role:      "reply",
		UserName:  from,
		Content:   text,
	}
	if err := s.db.Create(&e).Error; err != nil {
		return fmt.Errorf("transcript: record reply: %w", err)
	}
	return nil
}

// Session returns every entry for a session in insertion order.
func (s *Store) Session(sessionID string) ([]Entry, error) {
	var entries []Entry
	err := s.db.Where("session_id = ?", sessionID).Order("id").Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("transcript: load session %s: %w", sessionID, err)
	}
	return entries, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("transcript: close: %w", err)
	}
	return sqlDB.Close()
}
