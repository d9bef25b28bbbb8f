package db

import (
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/yungbote/omop-automapper/internal/platform/logger"
)

// SQLiteService backs local runs and tests. SQLite has no row locks, so the
// pool is pinned to one connection to serialize writers.
type SQLiteService struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSQLiteService(logg *logger.Logger, dsn string) (*SQLiteService, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   newGormLogger(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite %q: %w", dsn, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	return &SQLiteService{db: db, log: logg.With("service", "SQLiteService")}, nil
}

func (s *SQLiteService) DB() *gorm.DB { return s.db }
