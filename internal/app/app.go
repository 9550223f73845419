package app

import (
	"context"
	"os"
	"runtime/debug"
	"time"
	_ "time/tzdata"

	"github.com/asaskevich/EventBus"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
	"gorm.io/gorm"

	"github.com/talkincode/devicelink/config"
	"github.com/talkincode/devicelink/internal/domain"
	"github.com/talkincode/devicelink/internal/repository"
	"github.com/talkincode/devicelink/internal/session"
	"github.com/talkincode/devicelink/internal/whatsapp"
	"github.com/talkincode/devicelink/pkg/metrics"
)

type Application struct {
	appConfig *config.AppConfig
	gormDB    *gorm.DB
	sched     *cron.Cron
	bus       EventBus.Bus
	devices   *repository.GormDeviceRepository
	manager   *session.Manager
}

// Ensure Application implements all interfaces
var (
	_ DBProvider        = (*Application)(nil)
	_ ConfigProvider    = (*Application)(nil)
	_ SchedulerProvider = (*Application)(nil)
	_ SessionProvider   = (*Application)(nil)
	_ EventBusProvider  = (*Application)(nil)
	_ AppContext        = (*Application)(nil)
)

func NewApplication(appConfig *config.AppConfig) *Application {
	return &Application{appConfig: appConfig, bus: EventBus.New()}
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

func (a *Application) Scheduler() *cron.Cron {
	return a.sched
}

func (a *Application) Bus() EventBus.Bus {
	return a.bus
}

func (a *Application) Manager() *session.Manager {
	return a.manager
}

// Devices returns the device repository.
func (a *Application) Devices() *repository.GormDeviceRepository {
	return a.devices
}

// Init sets up logging, metrics, the database, the whatsmeow transport, the
// session manager and background jobs.
func (a *Application) Init(ctx context.Context) error {
	cfg := a.appConfig
	loc, err := time.LoadLocation(cfg.System.Location)
	if err != nil {
		zap.S().Error("timezone config error")
	} else {
		time.Local = loc
	}

	initLogger(cfg)

	if err := metrics.InitMetrics(cfg.System.Workdir); err != nil {
		zap.S().Warn("Failed to initialize metrics:", err)
	}

	if cfg.Database.Type == "" {
		cfg.Database.Type = "postgres"
	}
	db, err := getDatabase(cfg.Database, cfg.System.Workdir)
	if err != nil {
		return errors.Wrap(err, "open database")
	}
	a.gormDB = db

	if err := a.MigrateDB(cfg.Database.Debug); err != nil {
		zap.S().Errorf("database migration failed: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return errors.Wrap(err, "obtain sql.DB")
	}
	transport, err := whatsapp.NewTransport(ctx, sqlDB, whatsapp.Config{
		Dialect:        cfg.Database.Type,
		ConnectTimeout: cfg.WhatsApp.ConnectTimeout,
		LogLevel:       cfg.WhatsApp.LogLevel,
	})
	if err != nil {
		return err
	}
	if err := a.InitSession(transport); err != nil {
		return err
	}
	return a.initJob()
}

// InitSession builds the session manager over the application database and
// the given transport, and wires lifecycle events to logs and metrics.
func (a *Application) InitSession(transport session.Transport) error {
	cfg := a.appConfig
	a.devices = repository.NewGormDeviceRepository(a.gormDB)
	registry := session.NewRegistry()
	mgr, err := session.NewManager(session.Config{
		MaxAttempts:    cfg.Session.MaxAttempts,
		BaseDelay:      cfg.Session.BaseDelay,
		ConnectTimeout: cfg.WhatsApp.ConnectTimeout,
		PoolSize:       cfg.Session.PoolSize,
		RestoreOnStart: cfg.Session.RestoreOnStart,
	}, registry, a.devices, transport, nil, session.WithEventBus(a.bus))
	if err != nil {
		return err
	}
	a.manager = mgr
	return a.subscribeEvents()
}

// Restore picks up devices left connected by a previous run.
func (a *Application) Restore(ctx context.Context) {
	n, err := a.manager.Restore(ctx)
	if err != nil {
		zap.L().Error("restore devices failed", zap.Error(err))
		return
	}
	metrics.SetGauge("device_restored", int64(n))
}

func initLogger(cfg *config.AppConfig) {
	var zapConfig zap.Config
	if cfg.Logger.Mode == "production" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
	}
	zapConfig.OutputPaths = []string{"stdout"}

	var logger *zap.Logger
	var err error
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
		logger = zap.New(core, zap.AddCaller())
	} else {
		logger, err = zapConfig.Build(zap.AddCaller())
		if err != nil {
			panic(err)
		}
	}
	zap.ReplaceGlobals(logger)
}

func (a *Application) MigrateDB(track bool) (err error) {
	defer func() {
		if err1 := recover(); err1 != nil {
			if os.Getenv("GO_DEGUB_TRACE") != "" {
				debug.PrintStack()
			}
			if err2, ok := err1.(error); ok {
				err = err2
				zap.S().Error(err2.Error())
			}
		}
	}()
	db := a.gormDB
	if track {
		db = db.Debug()
	}
	return db.Migrator().AutoMigrate(domain.Tables...)
}

func (a *Application) DropAll() {
	_ = a.gormDB.Migrator().DropTable(domain.Tables...)
}

// ReconcileNow runs one reconcile pass immediately
func (a *Application) ReconcileNow() (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	n, err := a.manager.Reconcile(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.SetGauge("device_reconciled", int64(n))
	}
	return n, nil
}

// Release releases application resources
func (a *Application) Release() {
	if a.sched != nil {
		<-a.sched.Stop().Done()
	}
	if a.manager != nil {
		a.manager.Close()
	}
	_ = metrics.Close()
	_ = zap.L().Sync()
}
