package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	stdlog "log"
	"os"
	"os/signal"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/mdlayher/sdnotify"
	"github.com/vortexl2/vortexl2/config"
	"github.com/vortexl2/vortexl2/daemon"
	"github.com/vortexl2/vortexl2/internal/app"
	"github.com/vortexl2/vortexl2/internal/version"
	"golang.org/x/sys/unix"
)

type application struct {
	app      *app.App
	logger   log.Logger
	daemon   *daemon.Daemon
	notifier *sdnotify.Notifier
	sigChan  chan os.Signal
}

func newApplication(configPath string, verbose, nullDataplane bool) (*application, error) {

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, unix.SIGINT, unix.SIGTERM, unix.SIGHUP)

	a, err := app.New(app.Options{
		ConfigPath:    configPath,
		Verbose:       verbose,
		NullDataPlane: nullDataplane,
		LogOutput:     os.Stderr,
	})
	if err != nil {
		return nil, err
	}
	logger := log.With(a.Logger, "component", "forwardd")

	// Not running under systemd is fine.
	notifier, err := sdnotify.New()
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			level.Warn(logger).Log("message", "systemd notification unavailable", "error", err)
		}
		notifier = nil
	}

	fwd := &application{
		app:      a,
		logger:   logger,
		notifier: notifier,
		sigChan:  sigChan,
	}

	cfg := a.Config.Daemon
	cfg.Status = func(msg string) {
		fwd.notify(sdnotify.Statusf("%s", msg))
	}
	fwd.daemon, err = daemon.New(cfg, a.Store, a.Reconciler, a.Forward, a.Logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create forwarding daemon: %v", err)
	}
	return fwd, nil
}

func (app *application) notify(state ...string) {
	if app.notifier == nil {
		return
	}
	if err := app.notifier.Notify(state...); err != nil {
		level.Debug(app.logger).Log("message", "systemd notification failed", "error", err)
	}
}

func (app *application) close() {
	if app.notifier != nil {
		app.notifier.Close()
	}
	app.app.Close()
}

func (app *application) run() int {
	defer app.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	doneChan := make(chan error, 1)
	go func() {
		doneChan <- app.daemon.Run(ctx)
	}()

	level.Info(app.logger).Log(
		"message", "forwarding daemon started",
		"version", version.Version,
		"store", app.app.Store.Dir(),
		"haproxy_config", app.app.Forward.Config().ConfigPath)
	app.notify(sdnotify.Ready)

	var shutdown bool
	for {
		select {
		case sig := <-app.sigChan:
			if sig == unix.SIGHUP {
				level.Info(app.logger).Log("message", "received SIGHUP, regenerating forwarding")
				app.daemon.Resync()
				continue
			}
			if !shutdown {
				level.Info(app.logger).Log("message", "received signal, shutting down")
				shutdown = true
				app.notify(sdnotify.Stopping)
				cancel()
			} else {
				level.Info(app.logger).Log("message", "pending graceful shutdown")
			}
		case err := <-doneChan:
			if err != nil {
				level.Error(app.logger).Log("message", "forwarding daemon failed", "error", err)
				return 1
			}
			level.Info(app.logger).Log("message", "graceful shutdown complete")
			return 0
		}
	}
}

func main() {
	cfgPathPtr := flag.String("config", config.DefaultPath, "specify configuration file path")
	verbosePtr := flag.Bool("verbose", false, "toggle verbose log output")
	nullDataPlanePtr := flag.Bool("null", false, "toggle null data plane")
	versionPtr := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *versionPtr {
		fmt.Printf("vortexl2-forwardd %s\n", version.Version)
		return
	}

	app, err := newApplication(*cfgPathPtr, *verbosePtr, *nullDataPlanePtr)
	if err != nil {
		stdlog.Fatalf("failed to instantiate application: %v", err)
	}

	os.Exit(app.run())
}
