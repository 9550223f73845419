package whatsapp

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waLog "go.mau.fi/whatsmeow/util/log"
	"go.uber.org/zap"

	"github.com/talkincode/devicelink/internal/session"
)

// sessionMarker is stored in the whatsmeow device BusinessName so a session
// id can be mapped back to its persisted credentials.
const sessionMarker = "session:"

// Config for the whatsmeow transport.
type Config struct {
	// Dialect of the shared database: "sqlite3" or "postgres".
	Dialect        string
	ConnectTimeout time.Duration
	LogLevel       string
}

// Transport creates whatsmeow clients whose credentials live in the
// application database.
type Transport struct {
	container *sqlstore.Container
	cfg       Config
	log       waLog.Logger
	qr        *qrStore
}

var (
	_ session.Transport         = (*Transport)(nil)
	_ session.PairingCodeSource = (*Transport)(nil)
	_ session.SessionPurger     = (*Transport)(nil)
)

// Dialect maps a configured database type to the sqlstore dialect name.
func Dialect(dbType string) string {
	switch strings.ToLower(strings.TrimSpace(dbType)) {
	case "postgres", "postgresql":
		return "postgres"
	default:
		return "sqlite3"
	}
}

// NewTransport reuses db for whatsmeow's tables and runs their migrations.
func NewTransport(ctx context.Context, db *sql.DB, cfg Config) (*Transport, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	cfg.Dialect = Dialect(cfg.Dialect)
	log := NewLogger("whatsmeow", cfg.LogLevel)

	if cfg.Dialect == "sqlite3" {
		if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
			zap.L().Warn("whatsapp: unable to enable sqlite foreign_keys pragma", zap.Error(err))
		}
	}
	container := sqlstore.NewWithDB(db, cfg.Dialect, log.Sub("Database"))
	if err := container.Upgrade(); err != nil {
		zap.L().Error("whatsapp: sqlstore.Upgrade failed", zap.Error(err), zap.String("driver", cfg.Dialect))
		return nil, errors.Wrap(err, "sqlstore upgrade")
	}
	zap.L().Info("whatsapp: transport initialized", zap.String("driver", cfg.Dialect))
	return &Transport{container: container, cfg: cfg, log: log, qr: newQRStore()}, nil
}

// Create opens the session's websocket. Unpaired sessions connect too and then
// report ClientPairing while a QR code is waiting to be scanned.
func (t *Transport) Create(ctx context.Context, sessionID string, opts session.Options) (session.Client, error) {
	dev, err := t.device(sessionID, opts.Name)
	if err != nil {
		return nil, err
	}
	cli := whatsmeow.NewClient(dev, t.log.Sub("Client/"+sessionID))
	// reconnection is owned by the session manager
	cli.EnableAutoReconnect = false
	c := newConn(sessionID, cli, t.qr)

	ctx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- cli.Connect() }()
	select {
	case err := <-errc:
		if err != nil {
			c.Close()
			return nil, errors.Wrap(err, "whatsmeow connect")
		}
	case <-ctx.Done():
		c.Close()
		return nil, errors.Wrap(ctx.Err(), "whatsmeow connect")
	}
	zap.L().Info("whatsapp: client connected",
		zap.String("session", sessionID),
		zap.Bool("paired", dev.ID != nil),
		zap.String("jid", jidOf(dev)))
	return c, nil
}

// device returns the persisted whatsmeow device for sessionID or a fresh one
// that whatsmeow saves itself once pairing succeeds.
func (t *Transport) device(sessionID, name string) (*store.Device, error) {
	dev, err := t.findDevice(sessionID)
	if err != nil {
		return nil, err
	}
	if dev != nil {
		return dev, nil
	}
	dev = t.container.NewDevice()
	dev.PushName = name
	dev.BusinessName = sessionMarker + sessionID
	zap.L().Info("whatsapp: new device awaiting pairing", zap.String("session", sessionID))
	return dev, nil
}

func (t *Transport) findDevice(sessionID string) (*store.Device, error) {
	devices, err := t.container.GetAllDevices()
	if err != nil {
		return nil, errors.Wrap(err, "list whatsmeow devices")
	}
	marker := sessionMarker + sessionID
	for _, d := range devices {
		if d != nil && d.BusinessName == marker {
			return d, nil
		}
	}
	return nil, nil
}

// Purge deletes the stored credentials of sessionID, if any.
func (t *Transport) Purge(_ context.Context, sessionID string) error {
	t.qr.clear(sessionID)
	dev, err := t.findDevice(sessionID)
	if err != nil || dev == nil || dev.ID == nil {
		return err
	}
	if err := t.container.DeleteDevice(dev); err != nil {
		return errors.Wrap(err, "delete whatsmeow device")
	}
	zap.L().Info("whatsapp: deleted persisted whatsmeow store device", zap.String("session", sessionID), zap.String("jid", jidOf(dev)))
	return nil
}

// PairingCode returns the latest QR payload of sessionID; empty once paired.
func (t *Transport) PairingCode(sessionID string) string {
	return t.qr.get(sessionID)
}

// jidOf returns the account JID of dev, empty while it is unpaired.
func jidOf(dev *store.Device) string {
	if dev == nil || dev.ID == nil {
		return ""
	}
	return dev.ID.String()
}

func eventName(evt interface{}) string {
	return fmt.Sprintf("%T", evt)
}

type qrStore struct {
	mu    sync.RWMutex
	codes map[string]string
}

func newQRStore() *qrStore {
	return &qrStore{codes: make(map[string]string)}
}

func (q *qrStore) set(id, code string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.codes[id] = code
}

func (q *qrStore) get(id string) string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.codes[id]
}

func (q *qrStore) clear(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.codes, id)
}
