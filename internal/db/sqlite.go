package db

import (
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/toolhunt/toolhunt/internal/db/models"
)

// InitDB opens the SQLite database and runs migrations.
func InitDB(dbPath string) (*gorm.DB, error) {
	gdb, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	// Cascade deletes from Tool to Task rely on FK enforcement.
	if err := gdb.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
		return nil, err
	}

	if err := gdb.AutoMigrate(
		&models.Tool{},
		&models.Task{},
		&models.CompletedTask{},
		&models.User{},
	); err != nil {
		return nil, err
	}

	return gdb, nil
}
