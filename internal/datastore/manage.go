package datastore

import (
	"time"

	"gorm.io/gorm"

	"github.com/tphakala/birdnet-pipeline/internal/errors"
	"github.com/tphakala/birdnet-pipeline/internal/logger"
)

const slowQueryThreshold = 200 * time.Millisecond

// gormConfig routes GORM logging through the datastore module logger.
func gormConfig(log logger.Logger) *gorm.Config {
	return &gorm.Config{
		Logger:  logger.NewGormLoggerAdapter(log, slowQueryThreshold),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}
}

// performAutoMigration creates or updates the schema.
func performAutoMigration(db *gorm.DB, log logger.Logger, dbType string) error {
	migrationStart := time.Now()
	if err := db.AutoMigrate(&Detection{}); err != nil {
		return errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "auto_migrate").
			Context("db_type", dbType).
			Build()
	}
	log.Debug("database migration completed",
		logger.String("db_type", dbType),
		logger.Duration("duration", time.Since(migrationStart)))
	return nil
}

// closeDB closes the underlying sql.DB.
func (ds *DataStore) closeDB() error {
	if ds.DB == nil {
		return nil
	}
	sqlDB, err := ds.DB.DB()
	if err != nil {
		return errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "get_sql_db").
			Build()
	}
	if err := sqlDB.Close(); err != nil {
		return errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "close").
			Build()
	}
	ds.DB = nil
	return nil
}
