package datastore

import (
	"net"
	"strconv"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/tphakala/birdnet-pipeline/internal/conf"
	"github.com/tphakala/birdnet-pipeline/internal/errors"
	"github.com/tphakala/birdnet-pipeline/internal/logger"
)

const defaultMySQLPort = 3306

// MySQLStore implements Interface for MySQL
type MySQLStore struct {
	DataStore
	Settings conf.MySQLSettings
	Debug    bool
}

// NewMySQLStore returns an unopened MySQL store.
func NewMySQLStore(settings *conf.MySQLSettings, debug bool) *MySQLStore {
	return &MySQLStore{
		DataStore: DataStore{Logger: GetLogger()},
		Settings:  *settings,
		Debug:     debug,
	}
}

// DSN builds the driver connection string. Timestamps are read back in UTC.
func (store *MySQLStore) DSN() string {
	port := store.Settings.Port
	if port == 0 {
		port = defaultMySQLPort
	}
	cfg := mysqldriver.NewConfig()
	cfg.User = store.Settings.Username
	cfg.Passwd = store.Settings.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(store.Settings.Host, strconv.Itoa(port))
	cfg.DBName = store.Settings.Database
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	cfg.Timeout = 10 * time.Second
	cfg.Params = map[string]string{"charset": "utf8mb4"}
	return cfg.FormatDSN()
}

// Open sets up the MySQL database connection
func (store *MySQLStore) Open() error {
	db, err := gorm.Open(mysql.Open(store.DSN()), gormConfig(store.Logger))
	if err != nil {
		store.Logger.Error("failed to open MySQL database",
			logger.String("host", store.Settings.Host),
			logger.Int("port", store.Settings.Port),
			logger.String("database", store.Settings.Database),
			logger.Error(err))
		return errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "open").
			Context("db_type", "mysql").
			Build()
	}

	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	store.DB = db
	if err := performAutoMigration(db, store.Logger, "mysql"); err != nil {
		return err
	}
	if store.Debug {
		store.Logger.Info("MySQL database initialized",
			logger.String("host", store.Settings.Host),
			logger.String("database", store.Settings.Database))
	}
	return nil
}

// Close MySQL database connections
func (store *MySQLStore) Close() error {
	return store.closeDB()
}
