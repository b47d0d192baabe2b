// Package daemon keeps HAProxy forwarding only the ports of tunnels that
// are up.
//
// The daemon never changes tunnels.  It reads declarations from the store,
// observes each tunnel's kernel objects, and regenerates the forwarding
// configuration whenever the set of ports belonging to up tunnels changes.
// A pass runs on a fixed interval, and shortly after the store changes or
// Notify is called.  Triggers that arrive in a burst are debounced into a
// single pass.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/robfig/cron/v3"
	"github.com/vortexl2/vortexl2/forward"
	"github.com/vortexl2/vortexl2/store"
	"github.com/vortexl2/vortexl2/tunnel"
)

// Config controls the daemon's timing.
type Config struct {
	// Interval between unconditional passes.
	Interval time.Duration
	// Debounce is how long a trigger waits for further triggers before a
	// pass runs.
	Debounce time.Duration
	// ResyncSchedule is an optional cron expression on which the daemon
	// forgets what it last applied, forcing the live configuration to be
	// re-checked.
	ResyncSchedule string
	// Status, if set, is called with a summary after every pass.
	Status func(msg string)
}

// DefaultConfig polls every five seconds with a one second debounce.
func DefaultConfig() Config {
	return Config{
		Interval: 5 * time.Second,
		Debounce: time.Second,
	}
}

// Observer reports a tunnel's observed state.
type Observer interface {
	Observe(ctx context.Context, t tunnel.Tunnel) (*tunnel.Observation, error)
}

// Forwarder applies a forwarding plan.  Withdraw stops forwarding every
// port once forwarding is disabled.
type Forwarder interface {
	Generate(ctx context.Context, tunnels []tunnel.Tunnel, mode store.ForwardMode) (*forward.Result, error)
	Withdraw(ctx context.Context) (*forward.Result, error)
}

type applied struct {
	mode  store.ForwardMode
	units []forward.Unit
}

// Daemon is the forwarding control loop.
type Daemon struct {
	cfg      Config
	store    *store.Store
	observer Observer
	fwd      Forwarder
	logger   log.Logger
	trigger  chan struct{}

	// mu serializes passes and guards the fields below.
	mu    sync.Mutex
	cache *store.Snapshot
	last  *applied
}

// New creates a daemon.  A nil logger disables logging.
func New(cfg Config, st *store.Store, obs Observer, fwd Forwarder, logger log.Logger) (*Daemon, error) {
	if st == nil || obs == nil || fwd == nil {
		return nil, errors.New("store, observer and forwarder are required")
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = def.Debounce
	}
	return &Daemon{
		cfg:      cfg,
		store:    st,
		observer: obs,
		fwd:      fwd,
		logger:   log.With(logger, "component", "daemon"),
		trigger:  make(chan struct{}, 1),
	}, nil
}

// Notify requests a pass.  It never blocks.
func (d *Daemon) Notify() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// Resync forgets the last applied forwarding set and requests a pass, so
// that the live configuration is regenerated and re-checked.
func (d *Daemon) Resync() {
	d.mu.Lock()
	d.last = nil
	d.cache = nil
	d.mu.Unlock()
	level.Info(d.logger).Log("message", "forced resync")
	d.Notify()
}

// invalidate drops the cached store snapshot.
func (d *Daemon) invalidate() {
	d.mu.Lock()
	d.cache = nil
	d.mu.Unlock()
}

// Run drives passes until ctx is done.
func (d *Daemon) Run(ctx context.Context) error {
	watcher, err := d.watch()
	if err != nil {
		level.Warn(d.logger).Log("message", "store watch disabled, polling only", "error", err)
	}
	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	if watcher != nil {
		defer watcher.Close()
		events, errs = watcher.Events, watcher.Errors
	}

	if d.cfg.ResyncSchedule != "" {
		c := cron.New()
		if _, err := c.AddJob(d.cfg.ResyncSchedule, resyncJob{d}); err != nil {
			return fmt.Errorf("invalid resync schedule %q: %w", d.cfg.ResyncSchedule, err)
		}
		c.Start()
		defer c.Stop()
	}

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	var (
		debounce *time.Timer
		fire     <-chan time.Time
	)
	arm := func() {
		if fire == nil {
			debounce = time.NewTimer(d.cfg.Debounce)
			fire = debounce.C
		}
	}
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	level.Info(d.logger).Log(
		"message", "forward daemon started",
		"interval", d.cfg.Interval,
		"debounce", d.cfg.Debounce)
	d.runPass(ctx)

	for {
		select {
		case <-ctx.Done():
			level.Info(d.logger).Log("message", "forward daemon stopped")
			return nil
		case <-ticker.C:
			d.runPass(ctx)
		case <-d.trigger:
			arm()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if relevant(ev) {
				level.Debug(d.logger).Log("message", "store changed", "path", ev.Name, "op", ev.Op)
				d.invalidate()
				arm()
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			level.Warn(d.logger).Log("message", "store watch error", "error", err)
		case <-fire:
			fire = nil
			d.runPass(ctx)
		}
	}
}

func (d *Daemon) watch() (*fsnotify.Watcher, error) {
	dirs := []string{d.store.Dir(), d.store.TunnelsDir()}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, err
		}
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, dir := range dirs {
		if err := w.Add(dir); err != nil {
			w.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}
	return w, nil
}

// relevant ignores lock files and the temporary files of atomic writes.
func relevant(ev fsnotify.Event) bool {
	if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	base := filepath.Base(ev.Name)
	return !strings.HasPrefix(base, ".")
}

func (d *Daemon) runPass(ctx context.Context) {
	if err := d.Pass(ctx); err != nil && ctx.Err() == nil {
		level.Error(d.logger).Log("message", "forward pass failed", "error", err)
		d.status(fmt.Sprintf("pass failed: %v", err))
	}
}

func (d *Daemon) status(msg string) {
	if d.cfg.Status != nil {
		d.cfg.Status(msg)
	}
}

// Pass runs one reconciliation of the forwarding configuration.  On error
// the last applied set is kept, so the next pass tries again.
func (d *Daemon) Pass(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	snap, err := d.snapshot(ctx)
	if err != nil {
		return err
	}

	mode := snap.Global.ForwardMode
	var up []tunnel.Tunnel
	if mode == store.ForwardHAProxy {
		for _, t := range snap.Tunnels {
			obs, err := d.observer.Observe(ctx, t)
			if err != nil {
				level.Warn(d.logger).Log("message", "failed to observe tunnel", "tunnel_name", t.Name, "error", err)
				continue
			}
			if obs.State == tunnel.Up {
				up = append(up, t)
			}
		}
	}

	units, _ := forward.Plan(up)
	if d.last != nil && d.last.mode == mode && slices.Equal(d.last.units, units) {
		return nil
	}

	var res *forward.Result
	if mode == store.ForwardHAProxy {
		res, err = d.fwd.Generate(ctx, up, mode)
	} else {
		res, err = d.fwd.Withdraw(ctx)
	}
	if err != nil {
		return err
	}
	if res.Changed {
		level.Info(d.logger).Log(
			"message", "forwarding updated",
			"mode", mode,
			"ports", fmt.Sprint(forward.Ports(units)))
	}
	d.last = &applied{mode: mode, units: units}
	d.status(fmt.Sprintf("forwarding %d ports over %d tunnels", len(units), len(up)))
	return nil
}

// snapshot returns the store's records, re-reading them only when the
// generation marker has moved.  Called with d.mu held.
func (d *Daemon) snapshot(ctx context.Context) (*store.Snapshot, error) {
	if d.cache != nil {
		gen, err := d.store.Generation(ctx)
		if err != nil {
			return nil, err
		}
		if gen == d.cache.Generation {
			return d.cache, nil
		}
	}
	snap, err := d.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	d.cache = snap
	return snap, nil
}

type resyncJob struct {
	d *Daemon
}

func (j resyncJob) Run() {
	j.d.Resync()
}
