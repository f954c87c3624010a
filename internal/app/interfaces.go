package app

import (
	"github.com/robfig/cron/v3"
	"github.com/spokecrm/spoke/config"
	"github.com/spokecrm/spoke/internal/dispatch"
	"github.com/spokecrm/spoke/internal/session"
	"gorm.io/gorm"
)

// DBProvider provides database access
type DBProvider interface {
	DB() *gorm.DB
}

// ConfigProvider provides application configuration
type ConfigProvider interface {
	Config() *config.AppConfig
}

// SchedulerProvider provides task scheduling capability
type SchedulerProvider interface {
	Scheduler() *cron.Cron
}

// SessionProvider provides the tenant session manager
type SessionProvider interface {
	Sessions() *session.Manager
}

// DispatchProvider provides the dispatch engine and job registry
type DispatchProvider interface {
	Engine() *dispatch.Engine
	Registry() *dispatch.Registry
}

// AppContext combines all provider interfaces for full application context.
// Services should depend on specific providers or this combined interface.
type AppContext interface {
	DBProvider
	ConfigProvider
	SchedulerProvider
	SessionProvider
	DispatchProvider

	// Application lifecycle methods
	MigrateDB(track bool) error
	InitDb()
	DropAll()
}
