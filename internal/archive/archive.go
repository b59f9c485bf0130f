// Package archive is the write-behind durable record of session lifecycles and
// their message logs. The in-memory store stays authoritative; nothing here is
// read on the hot path.
package archive

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

var errMissingDatabase = errors.New("archive: database handle is required")

// SessionRecord summarizes one torn-down session.
type SessionRecord struct {
	SessionID    string    `gorm:"column:session_id;primaryKey;size:190;not null"`
	CreatedAt    time.Time `gorm:"column:created_at;not null"`
	EndedAt      time.Time `gorm:"column:ended_at;not null"`
	HostCallsign string    `gorm:"column:host_callsign;size:64"`
	PlayerCount  int       `gorm:"column:player_count;not null"`
	MessageCount int       `gorm:"column:message_count;not null"`
}

// TableName exposes the table backing session records.
func (SessionRecord) TableName() string {
	return "session_records"
}

// MessageRecord is one archived log entry.
type MessageRecord struct {
	MessageID  string    `gorm:"column:message_id;primaryKey;size:190;not null"`
	SessionID  string    `gorm:"column:session_id;size:190;not null;index"`
	SenderID   string    `gorm:"column:sender_id;size:190;not null"`
	TeamID     string    `gorm:"column:team_id;size:190"`
	Visibility string    `gorm:"column:visibility;size:16;not null"`
	Type       string    `gorm:"column:type;size:16;not null"`
	Content    string    `gorm:"column:content;size:512;not null"`
	SentAt     time.Time `gorm:"column:sent_at;not null"`
}

// TableName exposes the table backing message records.
func (MessageRecord) TableName() string {
	return "message_records"
}

// Store persists archive rows through gorm.
type Store struct {
	db *gorm.DB
}

// NewStore wraps a migrated database handle.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &Store{db: db}, nil
}

// RecordSession writes the session summary and its message log in one
// transaction.
func (s *Store) RecordSession(record SessionRecord, messages []MessageRecord) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&record).Error; err != nil {
			return err
		}
		if len(messages) == 0 {
			return nil
		}
		return tx.Create(&messages).Error
	})
}

// Purge removes archived sessions older than the cutoff along with their
// messages.
func (s *Store) Purge(cutoff time.Time) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var stale []SessionRecord
		if err := tx.Where("ended_at < ?", cutoff).Find(&stale).Error; err != nil {
			return err
		}
		for _, record := range stale {
			if err := tx.Where("session_id = ?", record.SessionID).Delete(&MessageRecord{}).Error; err != nil {
				return err
			}
			if err := tx.Delete(&record).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
