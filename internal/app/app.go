package app

import (
	"os"
	"time"
	_ "time/tzdata"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/spokecrm/spoke/config"
	"github.com/spokecrm/spoke/internal/dispatch"
	"github.com/spokecrm/spoke/internal/domain"
	"github.com/spokecrm/spoke/internal/session"
	"github.com/spokecrm/spoke/internal/waclient"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
	"gorm.io/gorm"
)

type Application struct {
	appConfig *config.AppConfig
	gormDB    *gorm.DB
	sched     *cron.Cron

	sessions *session.Manager
	registry *dispatch.Registry
	engine   *dispatch.Engine
}

// Ensure Application implements all interfaces
var (
	_ DBProvider        = (*Application)(nil)
	_ ConfigProvider    = (*Application)(nil)
	_ SchedulerProvider = (*Application)(nil)
	_ AppContext        = (*Application)(nil)
)

func NewApplication(appConfig *config.AppConfig) *Application {
	return &Application{appConfig: appConfig}
}

func (a *Application) Config() *config.AppConfig {
	return a.appConfig
}

func (a *Application) DB() *gorm.DB {
	return a.gormDB
}

// OverrideDB replaces the application's database handle (used in tests).
func (a *Application) OverrideDB(db *gorm.DB) {
	a.gormDB = db
}

func (a *Application) Sessions() *session.Manager {
	return a.sessions
}

func (a *Application) Engine() *dispatch.Engine {
	return a.engine
}

func (a *Application) Registry() *dispatch.Registry {
	return a.registry
}

// Scheduler returns the cron scheduler
func (a *Application) Scheduler() *cron.Cron {
	return a.sched
}

func (a *Application) Init(cfg *config.AppConfig) error {
	loc, err := time.LoadLocation(cfg.System.Location)
	if err != nil {
		zap.S().Error("timezone config error")
	} else {
		time.Local = loc
	}

	a.initLogger(cfg)

	if err := os.MkdirAll(cfg.SessionDir(), 0o750); err != nil {
		return errors.Wrap(err, "create session dir")
	}

	// Initialize database connection
	if cfg.Database.Type == "" {
		cfg.Database.Type = "sqlite"
	}
	a.gormDB = getDatabase(cfg.Database, cfg.System.Workdir)
	zap.S().Infof("Database connection successful, type: %s", cfg.Database.Type)

	if err := a.MigrateDB(false); err != nil {
		zap.S().Errorf("database migration failed: %v", err)
	}

	dialer := waclient.NewDialer(cfg.SessionDir(), cfg.System.Debug)
	a.sessions = session.NewManager(dialer, a.gormDB)
	a.registry = dispatch.NewRegistry(cfg.Messaging.JobRetention())

	a.engine, err = dispatch.NewEngine(
		managerSource{a.sessions},
		a.registry,
		dispatch.Normalizer{
			CountryCode: cfg.Messaging.DefaultCountryCode,
			LocalLength: cfg.Messaging.LocalNumberLength,
		},
		dispatch.EngineConfig{
			DelayMin: cfg.Messaging.SendDelayMin(),
			DelayMax: cfg.Messaging.SendDelayMax(),
		},
	)
	if err != nil {
		return errors.Wrap(err, "init dispatch engine")
	}

	a.initJob()
	return nil
}

// initLogger builds the zap logger, teeing to a rotated file when enabled.
func (a *Application) initLogger(cfg *config.AppConfig) {
	var zapConfig zap.Config
	if cfg.Logger.Mode == "production" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
	}

	var logger *zap.Logger
	if cfg.Logger.FileEnable {
		lumberJackLogger := &lumberjack.Logger{
			Filename:   cfg.Logger.Filename,
			MaxSize:    64,
			MaxBackups: 7,
			MaxAge:     7,
			Compress:   false,
		}

		core := zapcore.NewTee(
			zapcore.NewCore(
				zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
				zapcore.AddSync(lumberJackLogger),
				zapConfig.Level,
			),
			zapcore.NewCore(
				zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
				zapcore.AddSync(os.Stdout),
				zapConfig.Level,
			),
		)
		logger = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	} else {
		var err error
		logger, err = zapConfig.Build(zap.AddCaller(), zap.AddCallerSkip(1))
		if err != nil {
			panic(err)
		}
	}

	zap.ReplaceGlobals(logger)
}

func (a *Application) MigrateDB(track bool) error {
	if track {
		return a.gormDB.Debug().Migrator().AutoMigrate(domain.Tables...)
	}
	return a.gormDB.Migrator().AutoMigrate(domain.Tables...)
}

func (a *Application) DropAll() {
	_ = a.gormDB.Migrator().DropTable(domain.Tables...)
}

func (a *Application) InitDb() {
	_ = a.gormDB.Migrator().DropTable(domain.Tables...)
	if err := a.gormDB.Migrator().AutoMigrate(domain.Tables...); err != nil {
		zap.S().Error(err)
	}
}

// Release releases application resources. Session handles are disconnected
// without deleting credentials, so tenants stay paired across restarts.
func (a *Application) Release() {
	if a.sched != nil {
		a.sched.Stop()
	}
	if a.engine != nil {
		a.engine.Stop()
	}
	if a.sessions != nil {
		a.sessions.Shutdown()
	}
	_ = zap.L().Sync()
}

// managerSource feeds ready session clients into the dispatch engine.
type managerSource struct {
	m *session.Manager
}

func (s managerSource) ReadySender(tenantID string) (dispatch.Sender, error) {
	client, err := s.m.ReadyClient(tenantID)
	if err != nil {
		return nil, err
	}
	return client, nil
}
