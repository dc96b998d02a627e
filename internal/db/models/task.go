package models

import "time"

// Task is one outstanding "fill in annotation Field for tool ToolName" work
// item. At most one row exists per (tool, field) pair. LastAttempted is the
// claim stamp: the selection cooldown keys off it, and there is no explicit
// unclaim — a task reopens once the window elapses.
type Task struct {
	ID             uint   `gorm:"primaryKey"`
	ToolName       string `gorm:"uniqueIndex:idx_tool_field;size:255;not null"`
	Field          string `gorm:"uniqueIndex:idx_tool_field;size:80;not null"`
	LastAttempted  *time.Time
	TimesAttempted int       `gorm:"default:0"`
	LastUpdated    time.Time `gorm:"index"`

	Tool Tool `gorm:"foreignKey:ToolName;references:Name"`
}
