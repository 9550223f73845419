package app

import (
	"github.com/asaskevich/EventBus"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"github.com/talkincode/devicelink/config"
	"github.com/talkincode/devicelink/internal/session"
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

// SessionProvider provides the device session manager
type SessionProvider interface {
	Manager() *session.Manager
}

// EventBusProvider provides the lifecycle event bus
type EventBusProvider interface {
	Bus() EventBus.Bus
}

// AppContext combines all provider interfaces for full application context
// Services should depend on specific providers or this combined interface
type AppContext interface {
	DBProvider
	ConfigProvider
	SchedulerProvider
	SessionProvider
	EventBusProvider

	// Application lifecycle methods
	MigrateDB(track bool) error
	DropAll()
	// ReconcileNow runs one reconcile pass immediately
	ReconcileNow() (int, error)
}
