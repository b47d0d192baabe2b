// Package app wires settings, logging, the tunnel store, the reconciler and
// the forwarding generator together for the vortexl2 commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/vortexl2/vortexl2/config"
	"github.com/vortexl2/vortexl2/forward"
	"github.com/vortexl2/vortexl2/internal/lockfile"
	"github.com/vortexl2/vortexl2/store"
	"github.com/vortexl2/vortexl2/tunnel"
)

// Options select how an App is built.
type Options struct {
	// ConfigPath is the settings file.  A missing file means defaults.
	ConfigPath string
	Verbose    bool
	// NullDataPlane keeps kernel objects in memory instead of creating
	// them.
	NullDataPlane bool
	// LogOutput defaults to os.Stderr.
	LogOutput io.Writer
	// Commander runs HAProxy.  Nil runs real programs.
	Commander forward.Commander
}

// App holds the components shared by the vortexl2 commands.
type App struct {
	Config     *config.Config
	Logger     log.Logger
	Store      *store.Store
	Reconciler *tunnel.Reconciler
	Forward    *forward.Generator
}

// NewLogger returns a logfmt logger that drops debug output unless
// verbose is set.
func NewLogger(w io.Writer, verbose bool) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(w))
	if verbose {
		return level.NewFilter(logger, level.AllowDebug())
	}
	return level.NewFilter(logger, level.AllowInfo())
}

// New loads settings and builds the components.
func New(opts Options) (*App, error) {
	cfg, err := config.LoadFileOrDefault(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %v", err)
	}

	w := opts.LogOutput
	if w == nil {
		w = os.Stderr
	}
	logger := NewLogger(w, opts.Verbose)

	var dp tunnel.DataPlane
	if opts.NullDataPlane {
		dp = tunnel.NewNullDataPlane()
	} else {
		dp, err = tunnel.NewNetlinkDataPlane()
		if err != nil {
			return nil, fmt.Errorf("failed to open netlink data plane: %v", err)
		}
	}

	return &App{
		Config: cfg,
		Logger: logger,
		Store:  store.New(cfg.StoreDir, logger),
		Reconciler: tunnel.NewReconciler(dp, logger, tunnel.ReconcilerConfig{
			Retry:   cfg.Exec,
			Workers: cfg.ApplyWorkers,
		}),
		Forward: forward.NewGenerator(cfg.HAProxy, opts.Commander, logger),
	}, nil
}

// Close releases the data plane.
func (a *App) Close() error {
	return a.Reconciler.Close()
}

// ApplyResult is the outcome of Apply.
type ApplyResult struct {
	Report *tunnel.Report
	// Forward is nil if forwarding is disabled or no tunnel was applied.
	Forward *forward.Result
	// ForwardErr is set if the forwarding configuration could not be
	// updated.
	ForwardErr error
}

// OK reports whether every tunnel came up and forwarding was updated.
func (r *ApplyResult) OK() bool {
	return r.Report.OK() && r.ForwardErr == nil
}

// Apply brings up every tunnel matching names, or all tunnels if names is
// empty, then publishes the ports of the tunnels that came up.  Concurrent
// Apply calls in different processes run one at a time.
func (a *App) Apply(ctx context.Context, names ...string) (*ApplyResult, error) {
	l, err := lockfile.Exclusive(ctx, a.Config.ApplyLock)
	if err != nil {
		return nil, fmt.Errorf("failed to take apply lock: %w", err)
	}
	defer l.Release()

	snap, err := a.Store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	todo, err := selectTunnels(snap.Tunnels, names)
	if err != nil {
		return nil, err
	}

	res := &ApplyResult{Report: a.Reconciler.ApplyAll(ctx, todo)}
	for _, r := range res.Report.Results {
		if r.Err != nil {
			level.Error(a.Logger).Log("message", "tunnel apply failed", "tunnel_name", r.Name, "error", r.Err)
		}
	}

	if snap.Global.ForwardMode != store.ForwardHAProxy {
		return res, nil
	}

	// Ports of tunnels not applied this time follow their observed state.
	applied := make(map[string]tunnel.State, len(res.Report.Results))
	for _, r := range res.Report.Results {
		applied[r.Name] = r.State
	}
	var up []tunnel.Tunnel
	for _, t := range snap.Tunnels {
		state, ok := applied[t.Name]
		if !ok {
			obs, err := a.Reconciler.Observe(ctx, t)
			if err != nil {
				level.Warn(a.Logger).Log("message", "failed to observe tunnel", "tunnel_name", t.Name, "error", err)
				continue
			}
			state = obs.State
		}
		if state == tunnel.Up {
			up = append(up, t)
		}
	}
	res.Forward, res.ForwardErr = a.Forward.Generate(ctx, up, store.ForwardHAProxy)
	if res.ForwardErr != nil {
		level.Error(a.Logger).Log("message", "forwarding update failed", "error", res.ForwardErr)
	}
	return res, nil
}

func selectTunnels(all []tunnel.Tunnel, names []string) ([]tunnel.Tunnel, error) {
	if len(names) == 0 {
		return all, nil
	}
	byName := make(map[string]tunnel.Tunnel, len(all))
	for _, t := range all {
		byName[t.Name] = t
	}
	out := make([]tunnel.Tunnel, 0, len(names))
	for _, n := range names {
		t, ok := byName[n]
		if !ok {
			return nil, fmt.Errorf("%q: %w", n, store.ErrNotFound)
		}
		out = append(out, t)
	}
	return out, nil
}

// Remove tears the named tunnel down and deletes its record.  The record
// is kept if teardown fails.
func (a *App) Remove(ctx context.Context, name string) error {
	t, err := a.Store.Get(ctx, name)
	if err != nil {
		return err
	}
	if err := a.Reconciler.Teardown(ctx, t); err != nil {
		return err
	}
	return a.Store.Delete(ctx, name)
}

// Republish regenerates the forwarding configuration from the tunnels that
// are currently up.  With forwarding disabled every port is withdrawn.
func (a *App) Republish(ctx context.Context) (*forward.Result, error) {
	snap, err := a.Store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if snap.Global.ForwardMode != store.ForwardHAProxy {
		return a.Forward.Withdraw(ctx)
	}
	var up []tunnel.Tunnel
	for _, t := range snap.Tunnels {
		obs, err := a.Reconciler.Observe(ctx, t)
		if err != nil {
			return nil, err
		}
		if obs.State == tunnel.Up {
			up = append(up, t)
		}
	}
	return a.Forward.Generate(ctx, up, store.ForwardHAProxy)
}

// IsUserError reports whether err is a problem with the caller's input
// rather than the system.
func IsUserError(err error) bool {
	var verr *tunnel.ValidationError
	return errors.As(err, &verr) || errors.Is(err, store.ErrNotFound)
}
