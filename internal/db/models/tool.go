package models

import "time"

// Tool mirrors one catalogued tool from the upstream registry. Rows are
// written only by the reconciliation pass; LastUpdated carries the pass-start
// timestamp so the staleness sweep can remove tools that vanished upstream.
type Tool struct {
	Name         string    `gorm:"primaryKey;size:255"`
	Title        string    `gorm:"size:255;not null"`
	Description  string    `gorm:"type:text;not null"`
	URL          string    `gorm:"size:2047;not null"`
	Deprecated   bool      `gorm:"default:false"`
	Experimental bool      `gorm:"default:false"`
	LastUpdated  time.Time `gorm:"index"`

	Tasks []Task `gorm:"foreignKey:ToolName;references:Name;constraint:OnDelete:CASCADE"`
}
