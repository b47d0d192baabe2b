package forward

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/google/renameio/v2"
	"github.com/vortexl2/vortexl2/internal/lockfile"
	"github.com/vortexl2/vortexl2/internal/retry"
	"github.com/vortexl2/vortexl2/store"
	"github.com/vortexl2/vortexl2/tunnel"
)

// Config locates HAProxy and its configuration.
type Config struct {
	// ConfigPath is the live configuration HAProxy loads.
	ConfigPath string
	// BackupPath receives a copy of the live configuration the first time
	// it is replaced.
	BackupPath string
	// StagingPath holds a candidate configuration while it is checked.
	StagingPath string
	// Binary is the haproxy executable used to check configurations.
	Binary string
	// ReloadCommand reloads HAProxy gracefully.  RestartCommand is tried if
	// the reload fails.
	ReloadCommand  []string
	RestartCommand []string
	StatsBind      string
	MaxConn        uint32
	// LockPath serializes configuration changes between processes.
	LockPath string
	Retry    retry.Policy
}

// DefaultConfig manages the stock /etc/haproxy/haproxy.cfg through systemd.
func DefaultConfig() Config {
	return Config{
		ConfigPath:     "/etc/haproxy/haproxy.cfg",
		BackupPath:     "/etc/haproxy/haproxy.cfg.bak",
		StagingPath:    "/etc/haproxy/haproxy.cfg.vortexl2.tmp",
		Binary:         "haproxy",
		ReloadCommand:  []string{"systemctl", "reload", "haproxy"},
		RestartCommand: []string{"systemctl", "restart", "haproxy"},
		StatsBind:      "127.0.0.1:9999",
		MaxConn:        10000,
		LockPath:       "/run/vortexl2/haproxy.lock",
		Retry:          retry.DefaultPolicy(),
	}
}

// ForwardConfigError is a configuration that could not be staged or that
// HAProxy rejected.  The live configuration is left as it was.
type ForwardConfigError struct {
	Path   string
	Output string
	Err    error
}

func (e *ForwardConfigError) Error() string {
	msg := fmt.Sprintf("haproxy configuration %s: %v", e.Path, e.Err)
	if e.Output != "" {
		msg += "\n" + e.Output
	}
	return msg
}

func (e *ForwardConfigError) Unwrap() error {
	return e.Err
}

// Result describes a call to Generate.
type Result struct {
	// Changed is set if the live configuration was replaced and reloaded.
	Changed   bool
	Units     []Unit
	Conflicts []Conflict
}

// Generator keeps the HAProxy configuration in step with forwarded ports.
type Generator struct {
	cfg      Config
	cmd      Commander
	logger   log.Logger
	reloader *reloader

	mu sync.Mutex
	// written counts configurations installed and reloaded the number of
	// those the last successful reload covered.  A reload is owed while
	// they differ.
	written  uint64
	reloaded uint64
}

// NewGenerator returns a Generator.  A nil Commander runs real programs and
// a nil logger disables logging.
func NewGenerator(cfg Config, cmd Commander, logger log.Logger) *Generator {
	if cmd == nil {
		cmd = NewExecCommander()
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if cfg.StagingPath == "" {
		cfg.StagingPath = cfg.ConfigPath + ".vortexl2.tmp"
	}
	g := &Generator{
		cfg:    cfg,
		cmd:    cmd,
		logger: log.With(logger, "component", "forward"),
	}
	g.reloader = newReloader(g.reload)
	// An earlier process installed a configuration it never reloaded.
	if _, err := os.Stat(g.pendingPath()); err == nil {
		g.written = 1
	}
	return g
}

// Config returns the generator's settings.
func (g *Generator) Config() Config {
	return g.cfg
}

// pendingPath marks an installed configuration that HAProxy has not yet
// loaded.
func (g *Generator) pendingPath() string {
	return g.cfg.ConfigPath + ".vortexl2.reload"
}

// Generate brings the live configuration in line with the ports forwarded
// by tunnels.  With forwarding disabled it does nothing.  A reload that
// failed earlier is retried even if the configuration is unchanged.
func (g *Generator) Generate(ctx context.Context, tunnels []tunnel.Tunnel, mode store.ForwardMode) (*Result, error) {
	if mode != store.ForwardHAProxy {
		return &Result{}, nil
	}

	units, conflicts := Plan(tunnels)
	res := &Result{Units: units, Conflicts: conflicts}
	for _, c := range conflicts {
		level.Warn(g.logger).Log(
			"message", "port forwarded by more than one tunnel",
			"port", c.Port,
			"winner", c.Winner,
			"loser", c.Loser)
	}

	changed, err := g.install(ctx, Render(&g.cfg, units), false)
	if err != nil {
		return res, err
	}
	if changed {
		res.Changed = true
		level.Info(g.logger).Log(
			"message", "configuration updated",
			"path", g.cfg.ConfigPath,
			"ports", fmt.Sprint(Ports(units)))
	}
	return res, g.settle(ctx, false)
}

// Withdraw stops forwarding every port.  A live configuration written by
// vortexl2 is replaced with one that only serves statistics, and HAProxy is
// reloaded.  Any other live configuration is left alone.
func (g *Generator) Withdraw(ctx context.Context) (*Result, error) {
	res := &Result{}
	changed, err := g.install(ctx, Render(&g.cfg, nil), true)
	if err != nil {
		return res, err
	}
	if changed {
		res.Changed = true
		level.Info(g.logger).Log("message", "forwarding withdrawn", "path", g.cfg.ConfigPath)
	}
	return res, g.settle(ctx, false)
}

// Generated reports whether b is a configuration rendered by vortexl2.
func Generated(b []byte) bool {
	return bytes.HasPrefix(b, []byte(generatedMarker))
}

// install replaces the live configuration with data once HAProxy accepts
// it.  With ownedOnly set only a configuration vortexl2 generated is
// replaced.  The file lock is held only while the files change.
func (g *Generator) install(ctx context.Context, data []byte, ownedOnly bool) (bool, error) {
	l, err := lockfile.Exclusive(ctx, g.cfg.LockPath)
	if err != nil {
		return false, err
	}
	defer l.Release()

	live, err := os.ReadFile(g.cfg.ConfigPath)
	switch {
	case err == nil:
		if bytes.Equal(live, data) {
			level.Debug(g.logger).Log("message", "configuration unchanged")
			return false, nil
		}
		if ownedOnly && !Generated(live) {
			level.Debug(g.logger).Log("message", "live configuration not generated by vortexl2, leaving it")
			return false, nil
		}
		if err := g.backup(live); err != nil {
			return false, err
		}
	case errors.Is(err, os.ErrNotExist):
		if ownedOnly {
			return false, nil
		}
	default:
		return false, fmt.Errorf("failed to read %s: %w", g.cfg.ConfigPath, err)
	}

	if err := g.stage(ctx, data); err != nil {
		return false, err
	}
	if err := os.WriteFile(g.pendingPath(), nil, 0o600); err != nil {
		level.Warn(g.logger).Log("message", "failed to mark pending reload", "error", err)
	}
	if err := os.Rename(g.cfg.StagingPath, g.cfg.ConfigPath); err != nil {
		os.Remove(g.cfg.StagingPath)
		return false, &ForwardConfigError{Path: g.cfg.ConfigPath, Err: err}
	}

	g.mu.Lock()
	g.written++
	g.mu.Unlock()
	return true, nil
}

// settle reloads HAProxy if an installed configuration has not been
// loaded yet, or unconditionally with force set.  Concurrent callers share
// reloads.
func (g *Generator) settle(ctx context.Context, force bool) error {
	g.mu.Lock()
	want := g.written
	owed := g.reloaded < want
	g.mu.Unlock()
	if !owed && !force {
		return nil
	}

	if err := g.reloader.Do(ctx); err != nil {
		return err
	}

	g.mu.Lock()
	if g.reloaded < want {
		g.reloaded = want
	}
	done := g.reloaded == g.written
	g.mu.Unlock()
	if done {
		if err := os.Remove(g.pendingPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
			level.Warn(g.logger).Log("message", "failed to clear pending reload", "error", err)
		}
	}
	return nil
}

// Reload checks the live configuration and reloads HAProxy.
func (g *Generator) Reload(ctx context.Context) error {
	if err := g.checkLive(ctx); err != nil {
		return err
	}
	return g.settle(ctx, true)
}

func (g *Generator) checkLive(ctx context.Context) error {
	l, err := lockfile.Exclusive(ctx, g.cfg.LockPath)
	if err != nil {
		return err
	}
	defer l.Release()
	return g.check(ctx, g.cfg.ConfigPath)
}

// backup preserves the configuration found before our first write.
func (g *Generator) backup(live []byte) error {
	if g.cfg.BackupPath == "" {
		return nil
	}
	if _, err := os.Stat(g.cfg.BackupPath); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to stat %s: %w", g.cfg.BackupPath, err)
	}
	if err := renameio.WriteFile(g.cfg.BackupPath, live, 0o444); err != nil {
		return fmt.Errorf("failed to back up %s: %w", g.cfg.ConfigPath, err)
	}
	level.Info(g.logger).Log("message", "backed up original configuration", "path", g.cfg.BackupPath)
	return nil
}

// stage writes data to the staging path and has HAProxy check it.  The
// staged file is removed if the check fails.
func (g *Generator) stage(ctx context.Context, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(g.cfg.StagingPath), 0o755); err != nil {
		return &ForwardConfigError{Path: g.cfg.StagingPath, Err: err}
	}
	if err := os.WriteFile(g.cfg.StagingPath, data, 0o644); err != nil {
		os.Remove(g.cfg.StagingPath)
		return &ForwardConfigError{Path: g.cfg.StagingPath, Err: err}
	}
	if err := g.check(ctx, g.cfg.StagingPath); err != nil {
		os.Remove(g.cfg.StagingPath)
		return err
	}
	return nil
}

func (g *Generator) check(ctx context.Context, path string) error {
	return retry.Do(ctx, g.cfg.Retry, func(ctx context.Context) error {
		_, err := g.cmd.Run(ctx, g.cfg.Binary, "-c", "-f", path)
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			level.Error(g.logger).Log("message", "configuration rejected", "path", path, "error", err)
			return retry.Permanent(&ForwardConfigError{
				Path:   path,
				Output: strings.TrimSpace(string(exitErr.Output)),
				Err:    fmt.Errorf("rejected by %s (exit status %d)", g.cfg.Binary, exitErr.Code),
			})
		}
		return err
	}, g.notify("check"))
}

// reload asks HAProxy to reload, restarting it if the reload fails.
func (g *Generator) reload(ctx context.Context) error {
	err := g.runCommand(ctx, g.cfg.ReloadCommand)
	if err == nil {
		level.Info(g.logger).Log("message", "haproxy reloaded")
		return nil
	}
	if len(g.cfg.RestartCommand) == 0 {
		return fmt.Errorf("failed to reload haproxy: %w", err)
	}
	level.Warn(g.logger).Log("message", "reload failed, restarting haproxy", "error", err)
	if rerr := g.runCommand(ctx, g.cfg.RestartCommand); rerr != nil {
		return fmt.Errorf("failed to reload haproxy: %w", errors.Join(err, rerr))
	}
	level.Info(g.logger).Log("message", "haproxy restarted")
	return nil
}

func (g *Generator) runCommand(ctx context.Context, argv []string) error {
	if len(argv) == 0 {
		return errors.New("no command configured")
	}
	return retry.Do(ctx, g.cfg.Retry, func(ctx context.Context) error {
		_, err := g.cmd.Run(ctx, argv[0], argv[1:]...)
		return err
	}, g.notify(argv[0]))
}

func (g *Generator) notify(what string) retry.Notify {
	return func(err error, next time.Duration) {
		level.Debug(g.logger).Log("message", "retrying", "command", what, "error", err, "backoff", next)
	}
}
