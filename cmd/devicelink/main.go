package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mdp/qrterminal/v3"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/talkincode/devicelink/config"
	"github.com/talkincode/devicelink/internal/adminapi"
	"github.com/talkincode/devicelink/internal/app"
	"github.com/talkincode/devicelink/internal/session"
	"github.com/talkincode/devicelink/internal/webserver"
)

var (
	version = "dev"

	cfile    = flag.String("c", "", "config yaml file")
	showVer  = flag.Bool("v", false, "print version")
	initdb   = flag.Bool("initdb", false, "drop and recreate the device table, then exit")
	pairName = flag.String("pair", "", "connect one device, print its QR code in the terminal and exit once paired")
	pairUser = flag.String("user", "", "owner user id (UUID) for -pair")
)

// options selects what a single invocation does besides serving the API.
type options struct {
	initdb   bool
	pairName string
	pairUser string
}

func main() {
	flag.Parse()
	if *showVer {
		fmt.Println(version)
		return
	}
	opts := options{initdb: *initdb, pairName: *pairName, pairUser: *pairUser}
	if err := opts.validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg, err := config.LoadConfig(*cfile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	application := app.NewApplication(cfg)
	code := 0
	if err := execute(ctx, application, opts); err != nil {
		zap.S().Errorf("devicelink stopped: %v", err)
		code = 1
	}
	application.Release()
	stop()
	os.Exit(code)
}

func (o options) validate() error {
	if o.pairName == "" {
		return nil
	}
	if strings.TrimSpace(o.pairName) == "" {
		return errors.New("-pair needs a device name")
	}
	if _, err := uuid.Parse(o.pairUser); err != nil {
		return errors.Errorf("-user must be a UUID, got %q", o.pairUser)
	}
	return nil
}

// execute initialises the application and runs the selected mode. Errors are
// returned so the caller can release resources before exiting.
func execute(ctx context.Context, application *app.Application, opts options) error {
	if err := opts.validate(); err != nil {
		return err
	}
	if err := application.Init(ctx); err != nil {
		return errors.Wrap(err, "init application")
	}

	switch {
	case opts.initdb:
		application.DropAll()
		return errors.Wrap(application.MigrateDB(true), "migrate database")
	case opts.pairName != "":
		return errors.Wrapf(pair(ctx, application.Manager(), opts.pairName, opts.pairUser), "pair %s", opts.pairName)
	}
	return run(ctx, application)
}

func run(ctx context.Context, application *app.Application) error {
	srv := webserver.Init(application.Config())
	adminapi.Init(application.Manager(), application.Devices())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		return srv.Shutdown(context.Background())
	})
	application.Restore(ctx)
	zap.S().Infof("devicelink %s started", version)
	return g.Wait()
}

// pair connects deviceName and renders every new pairing code until the
// session reports connected.
func pair(ctx context.Context, mgr *session.Manager, deviceName, userID string) error {
	device, err := mgr.ConnectDevice(ctx, userID, deviceName)
	if err != nil {
		return err
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	last := ""
	for {
		info, ok := mgr.Session(device.DeviceID)
		switch {
		case !ok:
			return errors.Errorf("device %s has no session", device.DeviceID)
		case info.State == session.StateConnected:
			fmt.Printf("device %s paired\n", device.DeviceID)
			return nil
		case info.State == session.StateAbandoned:
			return errors.Errorf("device %s gave up reconnecting", device.DeviceID)
		}
		if code, pending := mgr.PairingCode(device.DeviceID); pending && code != last {
			fmt.Printf("scan with WhatsApp to pair %s:\n", device.DeviceID)
			qrterminal.GenerateHalfBlock(code, qrterminal.L, os.Stdout)
			last = code
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
