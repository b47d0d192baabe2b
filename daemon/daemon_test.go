package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vortexl2/vortexl2/forward"
	"github.com/vortexl2/vortexl2/internal/retry"
	"github.com/vortexl2/vortexl2/store"
	"github.com/vortexl2/vortexl2/tunnel"
)

type fakeForwarder struct {
	mu          sync.Mutex
	calls       [][]uint16
	withdrawals int
	err         error
}

func (f *fakeForwarder) Generate(ctx context.Context, tunnels []tunnel.Tunnel, mode store.ForwardMode) (*forward.Result, error) {
	units, conflicts := forward.Plan(tunnels)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, forward.Ports(units))
	if f.err != nil {
		return nil, f.err
	}
	return &forward.Result{Changed: true, Units: units, Conflicts: conflicts}, nil
}

func (f *fakeForwarder) Withdraw(ctx context.Context) (*forward.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.withdrawals++
	if f.err != nil {
		return nil, f.err
	}
	return &forward.Result{}, nil
}

func (f *fakeForwarder) withdrawn() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.withdrawals
}

func (f *fakeForwarder) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeForwarder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeForwarder) last() []uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

type fixture struct {
	ctx   context.Context
	dp    tunnel.DataPlane
	rec   *tunnel.Reconciler
	store *store.Store
	fwd   *fakeForwarder
	d     *Daemon
}

func newFixture(t *testing.T, cfg Config, mode store.ForwardMode, tunnels ...tunnel.Tunnel) *fixture {
	ctx := context.Background()
	f := &fixture{
		ctx:   ctx,
		dp:    tunnel.NewNullDataPlane(),
		store: store.New(t.TempDir(), nil),
		fwd:   &fakeForwarder{},
	}
	f.rec = tunnel.NewReconciler(f.dp, nil, tunnel.ReconcilerConfig{
		Retry: retry.Policy{MaxAttempts: 1, Timeout: time.Second},
	})
	t.Cleanup(func() { f.rec.Close() })

	require.NoError(t, f.store.SetForwardMode(ctx, mode))
	for _, tun := range tunnels {
		require.NoError(t, f.store.Create(ctx, tun))
		require.NoError(t, f.rec.Apply(ctx, tun))
	}

	var err error
	f.d, err = New(cfg, f.store, f.rec, f.fwd, nil)
	require.NoError(t, err)
	return f
}

// haproxyCommander accepts every configuration and counts reloads.
type haproxyCommander struct {
	mu         sync.Mutex
	reloads    int
	failReload bool
}

func (c *haproxyCommander) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if name != "systemctl" {
		return nil, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reloads++
	if c.failReload {
		return nil, &forward.ExitError{Command: "systemctl reload haproxy", Code: 1}
	}
	return nil, nil
}

func (c *haproxyCommander) setFailReload(fail bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failReload = fail
}

func (c *haproxyCommander) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reloads
}

// withGenerator swaps the fixture's forwarder for a real generator writing
// to a temporary directory.
func (f *fixture) withGenerator(t *testing.T, cmd forward.Commander) forward.Config {
	dir := t.TempDir()
	cfg := forward.DefaultConfig()
	cfg.ConfigPath = filepath.Join(dir, "haproxy.cfg")
	cfg.BackupPath = filepath.Join(dir, "haproxy.cfg.bak")
	cfg.StagingPath = filepath.Join(dir, "haproxy.cfg.vortexl2.tmp")
	cfg.LockPath = filepath.Join(dir, "haproxy.lock")
	cfg.RestartCommand = nil
	cfg.Retry = retry.Policy{MaxAttempts: 1, Timeout: time.Second}

	var err error
	f.d, err = New(DefaultConfig(), f.store, f.rec, forward.NewGenerator(cfg, cmd, nil), nil)
	require.NoError(t, err)
	return cfg
}

func liveConfig(t *testing.T, cfg forward.Config) string {
	b, err := os.ReadFile(cfg.ConfigPath)
	require.NoError(t, err)
	return string(b)
}

func iranTunnel(name string, idx int, ports ...uint16) tunnel.Tunnel {
	t := tunnel.Allocate(name, tunnel.SideIran, nil)
	t.InterfaceIndex = idx
	t.TunnelID = uint32(1000 + idx*100)
	t.PeerTunnelID = t.TunnelID + 1000
	t.SessionID = uint32(10 + idx)
	t.PeerSessionID = uint32(20 + idx)
	t.LocalIP = "192.0.2.1"
	t.RemoteIP = "198.51.100.1"
	t.ForwardedPorts = ports
	return t
}

func TestPassFollowsTunnelState(t *testing.T) {
	f := newFixture(t, DefaultConfig(), store.ForwardHAProxy, iranTunnel("t1", 0, 443, 80))

	require.NoError(t, f.d.Pass(f.ctx))
	assert.Equal(t, 1, f.fwd.count())
	assert.Equal(t, []uint16{80, 443}, f.fwd.last())

	// Nothing changed, nothing regenerated.
	require.NoError(t, f.d.Pass(f.ctx))
	assert.Equal(t, 1, f.fwd.count())

	// The tunnel leaves Up: its ports are withdrawn though still declared.
	require.NoError(t, f.dp.SetLinkDown(f.ctx, "l2tpeth0"))
	require.NoError(t, f.d.Pass(f.ctx))
	assert.Equal(t, 2, f.fwd.count())
	assert.Empty(t, f.fwd.last())
	assert.Equal(t, tunnel.Failed, f.rec.Status("t1"))

	// And reinstated when it comes back.
	require.NoError(t, f.dp.SetLinkUp(f.ctx, "l2tpeth0"))
	require.NoError(t, f.d.Pass(f.ctx))
	assert.Equal(t, 3, f.fwd.count())
	assert.Equal(t, []uint16{80, 443}, f.fwd.last())
}

func TestPassOnlyUpTunnels(t *testing.T) {
	down := iranTunnel("t2", 1, 8080)
	f := newFixture(t, DefaultConfig(), store.ForwardHAProxy, iranTunnel("t1", 0, 443))
	require.NoError(t, f.store.Create(f.ctx, down))

	require.NoError(t, f.d.Pass(f.ctx))
	assert.Equal(t, []uint16{443}, f.fwd.last())
}

func TestPassModeNone(t *testing.T) {
	f := newFixture(t, DefaultConfig(), store.ForwardNone, iranTunnel("t1", 0, 443))
	require.NoError(t, f.d.Pass(f.ctx))
	assert.Equal(t, 0, f.fwd.count())
	assert.Equal(t, 1, f.fwd.withdrawn())

	require.NoError(t, f.d.Pass(f.ctx))
	assert.Equal(t, 1, f.fwd.withdrawn())

	require.NoError(t, f.store.SetForwardMode(f.ctx, store.ForwardHAProxy))
	require.NoError(t, f.d.Pass(f.ctx))
	assert.Equal(t, 1, f.fwd.count())

	require.NoError(t, f.store.SetForwardMode(f.ctx, store.ForwardNone))
	require.NoError(t, f.d.Pass(f.ctx))
	assert.Equal(t, 1, f.fwd.count())
	assert.Equal(t, 2, f.fwd.withdrawn())
}

func TestPassWithdrawsWhenForwardingDisabled(t *testing.T) {
	f := newFixture(t, DefaultConfig(), store.ForwardHAProxy, iranTunnel("t1", 0, 443))
	cmd := &haproxyCommander{}
	cfg := f.withGenerator(t, cmd)

	require.NoError(t, f.d.Pass(f.ctx))
	assert.Contains(t, liveConfig(t, cfg), "bind 0.0.0.0:443\n")
	assert.Equal(t, 1, cmd.count())

	require.NoError(t, f.store.SetForwardMode(f.ctx, store.ForwardNone))
	require.NoError(t, f.d.Pass(f.ctx))
	live := liveConfig(t, cfg)
	assert.NotContains(t, live, "bind 0.0.0.0:443")
	assert.Contains(t, live, "frontend vortexl2_stats\n")
	assert.Equal(t, 2, cmd.count())

	require.NoError(t, f.d.Pass(f.ctx))
	assert.Equal(t, 2, cmd.count())
}

func TestPassRetriesAfterFailure(t *testing.T) {
	f := newFixture(t, DefaultConfig(), store.ForwardHAProxy, iranTunnel("t1", 0, 443))
	boom := errors.New("haproxy is unhappy")
	f.fwd.setErr(boom)

	assert.ErrorIs(t, f.d.Pass(f.ctx), boom)
	f.fwd.setErr(nil)
	require.NoError(t, f.d.Pass(f.ctx))
	assert.Equal(t, 2, f.fwd.count())

	require.NoError(t, f.d.Pass(f.ctx))
	assert.Equal(t, 2, f.fwd.count())
}

func TestPassRetriesFailedReload(t *testing.T) {
	f := newFixture(t, DefaultConfig(), store.ForwardHAProxy, iranTunnel("t1", 0, 443))
	cmd := &haproxyCommander{failReload: true}
	cfg := f.withGenerator(t, cmd)

	require.Error(t, f.d.Pass(f.ctx))
	assert.Contains(t, liveConfig(t, cfg), "bind 0.0.0.0:443\n")
	assert.Equal(t, 1, cmd.count())

	// The new configuration is already in place, but still has to be loaded.
	cmd.setFailReload(false)
	require.NoError(t, f.d.Pass(f.ctx))
	assert.Equal(t, 2, cmd.count())

	require.NoError(t, f.d.Pass(f.ctx))
	assert.Equal(t, 2, cmd.count())
}

func TestResync(t *testing.T) {
	f := newFixture(t, DefaultConfig(), store.ForwardHAProxy, iranTunnel("t1", 0, 443))
	require.NoError(t, f.d.Pass(f.ctx))
	f.d.Resync()
	require.NoError(t, f.d.Pass(f.ctx))
	assert.Equal(t, 2, f.fwd.count())
}

func TestPassSeesStoreEdits(t *testing.T) {
	f := newFixture(t, DefaultConfig(), store.ForwardHAProxy, iranTunnel("t1", 0, 443))
	require.NoError(t, f.d.Pass(f.ctx))

	_, err := f.store.Update(f.ctx, "t1", func(t *tunnel.Tunnel) error {
		t.ForwardedPorts = append(t.ForwardedPorts, 8443)
		return nil
	})
	require.NoError(t, err)

	// The generation marker moved, so the cached records are re-read.
	require.NoError(t, f.d.Pass(f.ctx))
	assert.Equal(t, []uint16{443, 8443}, f.fwd.last())
}

func TestRunDebouncesBursts(t *testing.T) {
	cfg := Config{Interval: time.Hour, Debounce: 100 * time.Millisecond}
	f := newFixture(t, cfg, store.ForwardHAProxy, iranTunnel("t1", 0, 443))

	ctx, cancel := context.WithCancel(f.ctx)
	done := make(chan error, 1)
	go func() { done <- f.d.Run(ctx) }()

	require.Eventually(t, func() bool { return f.fwd.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	_, err := f.store.Update(f.ctx, "t1", func(t *tunnel.Tunnel) error {
		t.ForwardedPorts = []uint16{443, 8443}
		return nil
	})
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		f.d.Notify()
	}

	require.Eventually(t, func() bool { return f.fwd.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(3 * cfg.Debounce)
	assert.Equal(t, 2, f.fwd.count())
	assert.Equal(t, []uint16{443, 8443}, f.fwd.last())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunRejectsBadSchedule(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ResyncSchedule = "every now and then"
	f := newFixture(t, cfg, store.ForwardNone)
	assert.Error(t, f.d.Run(f.ctx))
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(DefaultConfig(), nil, nil, nil, nil)
	assert.Error(t, err)
}
