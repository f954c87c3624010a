package app

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spokecrm/spoke/config"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// getDatabase opens the bookkeeping database. sqlite lives under the
// workdir; postgres is for multi-instance deployments.
func getDatabase(cfg config.DBConfig, workdir string) *gorm.DB {
	level := logger.Warn
	if cfg.Debug {
		level = logger.Info
	}
	gormCfg := &gorm.Config{
		Logger: logger.Default.LogMode(level),
	}

	switch cfg.Type {
	case "postgres":
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			cfg.Host, cfg.Port, cfg.User, cfg.Passwd, cfg.Name)
		db, err := gorm.Open(postgres.Open(dsn), gormCfg)
		if err != nil {
			zap.S().Panicf("postgres connect error: %v", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			zap.S().Panicf("postgres pool error: %v", err)
		}
		sqlDB.SetMaxOpenConns(50)
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetConnMaxLifetime(time.Hour)
		return db
	case "sqlite", "":
		path := filepath.Join(workdir, cfg.Name+".db")
		db, err := gorm.Open(sqlite.Open(path+"?_foreign_keys=on"), gormCfg)
		if err != nil {
			zap.S().Panicf("sqlite open error: %v", err)
		}
		return db
	default:
		zap.S().Panicf("unsupported database type: %s", cfg.Type)
		return nil
	}
}
