package db

import (
	"fmt"

	"github.com/zulandar/batchyard/internal/config"
	"github.com/zulandar/batchyard/internal/models"
	"gorm.io/gorm"
)

// AllModels returns every GORM model for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.BatchChange{},
		&models.BatchSpec{},
		&models.ChangesetSpec{},
		&models.Changeset{},
		&models.ChangesetEvent{},
		&models.BatchSpecResolutionJob{},
		&models.BatchSpecWorkspace{},
		&models.BulkOperation{},
		&models.ChangesetJob{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// Init prepares the configured database: for MySQL it creates the schema
// first, then migrates every table.
func Init(cfg config.DatabaseConfig) (*gorm.DB, error) {
	if cfg.Driver == "mysql" {
		admin, err := ConnectAdmin(cfg)
		if err != nil {
			return nil, err
		}
		if err := CreateDatabase(admin, cfg.Database); err != nil {
			return nil, err
		}
	}
	gdb, err := Connect(cfg)
	if err != nil {
		return nil, err
	}
	if err := AutoMigrate(gdb); err != nil {
		return nil, err
	}
	return gdb, nil
}
