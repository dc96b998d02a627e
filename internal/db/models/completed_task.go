package models

import "time"

// CompletedTask is the append-only ledger of finished contributions. ToolName
// and ToolTitle are denormalized so the record survives tool deletion. The
// uniqueness constraint makes retried submissions idempotent instead of
// double-entering the ledger.
type CompletedTask struct {
	ID            uint      `gorm:"primaryKey"`
	ToolName      string    `gorm:"uniqueIndex:idx_completion;size:255;not null"`
	ToolTitle     string    `gorm:"size:255;not null"`
	Field         string    `gorm:"uniqueIndex:idx_completion;size:80;not null"`
	User          string    `gorm:"uniqueIndex:idx_completion;size:255;not null"`
	CompletedDate time.Time `gorm:"uniqueIndex:idx_completion;not null"`
	CreatedAt     time.Time
}
