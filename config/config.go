package config

import (
	"os"
	"path"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// SysConfig system settings
type SysConfig struct {
	Appid    string `yaml:"appid"`
	Location string `yaml:"location"`
	Workdir  string `yaml:"workdir"`
	Debug    bool   `yaml:"debug"`
}

// WebConfig admin api settings
type WebConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DBConfig database settings
type DBConfig struct {
	Type     string `yaml:"type"` // postgres | sqlite
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Passwd   string `yaml:"passwd"`
	MaxConn  int    `yaml:"max_conn"`
	IdleConn int    `yaml:"idle_conn"`
	Debug    bool   `yaml:"debug"`
}

// LogConfig logging settings
type LogConfig struct {
	Mode       string `yaml:"mode"` // development | production
	FileEnable bool   `yaml:"file_enable"`
	Filename   string `yaml:"filename"`
}

// SessionConfig controls the reconnection state machine
type SessionConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	BaseDelay      time.Duration `yaml:"base_delay"`
	PoolSize       int           `yaml:"pool_size"`
	RestoreOnStart bool          `yaml:"restore_on_start"`
	ReconcileSpec  string        `yaml:"reconcile_spec"`
}

// AuthConfig bearer-token guard settings. Tokens are issued elsewhere.
type AuthConfig struct {
	JwtSecret string `yaml:"jwt_secret"`
	Disabled  bool   `yaml:"disabled"`
}

// WhatsAppConfig transport settings
type WhatsAppConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	LogLevel       string        `yaml:"log_level"`
}

type AppConfig struct {
	System   SysConfig      `yaml:"system"`
	Web      WebConfig      `yaml:"web"`
	Database DBConfig       `yaml:"database"`
	Logger   LogConfig      `yaml:"logger"`
	Session  SessionConfig  `yaml:"session"`
	Auth     AuthConfig     `yaml:"auth"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`
}

func (c *AppConfig) GetLogDir() string {
	return path.Join(c.System.Workdir, "logs")
}

func (c *AppConfig) GetDataDir() string {
	return path.Join(c.System.Workdir, "data")
}

func (c *AppConfig) initDirs() {
	_ = os.MkdirAll(c.GetLogDir(), 0o755)
	_ = os.MkdirAll(c.GetDataDir(), 0o755)
}

// DefaultAppConfig returns the built-in configuration
func DefaultAppConfig() *AppConfig {
	return &AppConfig{
		System: SysConfig{
			Appid:    "DeviceLink",
			Location: "UTC",
			Workdir:  "/var/devicelink",
		},
		Web: WebConfig{
			Host: "0.0.0.0",
			Port: 1816,
		},
		Database: DBConfig{
			Type:     "postgres",
			Host:     "127.0.0.1",
			Port:     5432,
			Name:     "devicelink",
			User:     "postgres",
			Passwd:   "postgres",
			MaxConn:  100,
			IdleConn: 10,
		},
		Logger: LogConfig{
			Mode:     "development",
			Filename: "/var/devicelink/logs/devicelink.log",
		},
		Session: SessionConfig{
			MaxAttempts:    5,
			BaseDelay:      time.Second,
			PoolSize:       64,
			RestoreOnStart: true,
			ReconcileSpec:  "@every 1m",
		},
		WhatsApp: WhatsAppConfig{
			ConnectTimeout: 30 * time.Second,
			LogLevel:       "INFO",
		},
	}
}

// LoadConfig reads a YAML file over the defaults and applies environment overrides.
// An empty path skips the file.
func LoadConfig(cfile string) (*AppConfig, error) {
	cfg := DefaultAppConfig()
	if cfile != "" {
		data, err := os.ReadFile(cfile)
		if err != nil {
			return nil, errors.Wrapf(err, "read config %s", cfile)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", cfile)
		}
	}
	applyEnv(cfg, os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.initDirs()
	return cfg, nil
}

// Validate checks values the runtime cannot work around.
func (c *AppConfig) Validate() error {
	switch strings.ToLower(c.Database.Type) {
	case "postgres", "postgresql", "sqlite", "sqlite3":
	default:
		return errors.Errorf("unsupported database type %q", c.Database.Type)
	}
	if c.Session.MaxAttempts < 0 {
		return errors.New("session.max_attempts must not be negative")
	}
	if c.Session.BaseDelay <= 0 {
		return errors.New("session.base_delay must be positive")
	}
	if !c.Auth.Disabled && c.Auth.JwtSecret == "" {
		return errors.New("auth.jwt_secret is required unless auth.disabled is set")
	}
	return nil
}

type lookupFunc func(key string) (string, bool)

func applyEnv(cfg *AppConfig, lookup lookupFunc) {
	setString := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = cast.ToInt(v)
		}
	}
	setBool := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = cast.ToBool(v)
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = cast.ToDuration(v)
		}
	}

	setString("DEVICELINK_SYSTEM_WORKDIR", &cfg.System.Workdir)
	setString("DEVICELINK_SYSTEM_LOCATION", &cfg.System.Location)
	setBool("DEVICELINK_SYSTEM_DEBUG", &cfg.System.Debug)

	setString("DEVICELINK_WEB_HOST", &cfg.Web.Host)
	setInt("DEVICELINK_WEB_PORT", &cfg.Web.Port)

	setString("DEVICELINK_DB_TYPE", &cfg.Database.Type)
	setString("DEVICELINK_DB_HOST", &cfg.Database.Host)
	setInt("DEVICELINK_DB_PORT", &cfg.Database.Port)
	setString("DEVICELINK_DB_NAME", &cfg.Database.Name)
	setString("DEVICELINK_DB_USER", &cfg.Database.User)
	setString("DEVICELINK_DB_PWD", &cfg.Database.Passwd)
	setBool("DEVICELINK_DB_DEBUG", &cfg.Database.Debug)

	setString("DEVICELINK_LOGGER_MODE", &cfg.Logger.Mode)
	setBool("DEVICELINK_LOGGER_FILE_ENABLE", &cfg.Logger.FileEnable)
	setString("DEVICELINK_LOGGER_FILENAME", &cfg.Logger.Filename)

	setInt("DEVICELINK_SESSION_MAX_ATTEMPTS", &cfg.Session.MaxAttempts)
	setDuration("DEVICELINK_SESSION_BASE_DELAY", &cfg.Session.BaseDelay)
	setInt("DEVICELINK_SESSION_POOL_SIZE", &cfg.Session.PoolSize)
	setBool("DEVICELINK_SESSION_RESTORE_ON_START", &cfg.Session.RestoreOnStart)

	setString("DEVICELINK_AUTH_JWT_SECRET", &cfg.Auth.JwtSecret)
	setBool("DEVICELINK_AUTH_DISABLED", &cfg.Auth.Disabled)

	setDuration("DEVICELINK_WHATSAPP_CONNECT_TIMEOUT", &cfg.WhatsApp.ConnectTimeout)
	setString("DEVICELINK_WHATSAPP_LOG_LEVEL", &cfg.WhatsApp.LogLevel)
}
