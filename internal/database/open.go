package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/cache"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/farms"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/jobruns"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/observations"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/quota"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/reports"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Models lists every table owned by the service.
func Models() []any {
	models := append([]any{}, farms.Models()...)
	models = append(models, observations.Models()...)
	return append(models,
		&cache.Entry{},
		&quota.UsageEvent{},
		&reports.Report{},
		&jobruns.JobRun{},
		&migrationRecord{},
	)
}

// Open connects with the named driver and performs schema migrations.
func Open(driver, dsn string, log *zap.Logger) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database dsn is required")
	}

	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite, "":
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}

	if driver != DriverPostgres {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := Migrate(db, log); err != nil {
		return nil, err
	}

	if log != nil {
		log.Info("database initialized", zap.String("driver", dialector.Name()))
	}

	return db, nil
}

// Migrate creates the schema and applies pending one-shot migrations.
func Migrate(db *gorm.DB, log *zap.Logger) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return err
	}
	return applyMigrations(db, log, registeredMigrations)
}
