package forward

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vortexl2/vortexl2/internal/retry"
	"github.com/vortexl2/vortexl2/store"
	"github.com/vortexl2/vortexl2/tunnel"
)

// fakeCommander records invocations and fails commands on request.
type fakeCommander struct {
	mu    sync.Mutex
	calls []string
	// reject makes "haproxy -c" exit non-zero.
	reject bool
	// failReload makes the reload command exit non-zero.
	failReload bool
	// block, if set, holds every reload until it is closed.
	block chan struct{}
}

func (f *fakeCommander) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	line := strings.Join(append([]string{name}, args...), " ")
	f.mu.Lock()
	f.calls = append(f.calls, line)
	reject, failReload, block := f.reject, f.failReload, f.block
	f.mu.Unlock()

	switch {
	case name == "haproxy" && reject:
		return []byte("[ALERT] parsing error"), &ExitError{Command: line, Code: 1, Output: []byte("[ALERT] parsing error")}
	case strings.HasPrefix(line, "systemctl reload"):
		if block != nil {
			<-block
		}
		if failReload {
			return nil, &ExitError{Command: line, Code: 1}
		}
	}
	return nil, nil
}

func (f *fakeCommander) setFailReload(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failReload = fail
}

func (f *fakeCommander) count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func testConfig(t *testing.T) Config {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.ConfigPath = filepath.Join(dir, "haproxy.cfg")
	cfg.BackupPath = filepath.Join(dir, "haproxy.cfg.bak")
	cfg.StagingPath = filepath.Join(dir, "haproxy.cfg.vortexl2.tmp")
	cfg.LockPath = filepath.Join(dir, "run", "haproxy.lock")
	cfg.Retry = retry.Policy{MaxAttempts: 2, InitialInterval: time.Millisecond, Timeout: time.Second}
	return cfg
}

func iran(name string, target string, ports ...uint16) tunnel.Tunnel {
	return tunnel.Tunnel{
		Name:            name,
		Side:            tunnel.SideIran,
		RemoteForwardIP: target,
		ForwardedPorts:  ports,
	}
}

func TestPlan(t *testing.T) {
	kharej := iran("k1", "10.30.30.2", 22)
	kharej.Side = tunnel.SideKharej

	units, conflicts := Plan([]tunnel.Tunnel{
		iran("zeta", "10.30.31.2", 443, 8080),
		iran("alpha", "10.30.30.2", 443, 80, 2053),
		kharej,
		iran("noip", "", 9000),
	})

	expect := []Unit{
		{Port: 80, Tunnel: "alpha", Target: "10.30.30.2"},
		{Port: 443, Tunnel: "alpha", Target: "10.30.30.2"},
		{Port: 2053, Tunnel: "alpha", Target: "10.30.30.2"},
		{Port: 8080, Tunnel: "zeta", Target: "10.30.31.2"},
	}
	if diff := cmp.Diff(expect, units); diff != "" {
		t.Errorf("units mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]Conflict{{Port: 443, Winner: "alpha", Loser: "zeta"}}, conflicts); diff != "" {
		t.Errorf("conflicts mismatch (-want +got):\n%s", diff)
	}
}

func TestRender(t *testing.T) {
	cfg := DefaultConfig()
	units, _ := Plan([]tunnel.Tunnel{iran("t1", "10.30.30.2", 443, 80, 2053)})
	out := string(Render(&cfg, units))

	assert.Equal(t, 1, strings.Count(out, "\nglobal\n"))
	assert.Contains(t, out, "bind 127.0.0.1:9999\n")
	assert.Contains(t, out, "maxconn 10000\n")

	var order []string
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "frontend vortexl2_port_") {
			order = append(order, strings.TrimPrefix(line, "frontend vortexl2_port_"))
		}
	}
	if diff := cmp.Diff([]string{"80", "443", "2053"}, order); diff != "" {
		t.Errorf("frontend order mismatch (-want +got):\n%s", diff)
	}
	assert.Contains(t, out, "    bind 0.0.0.0:443\n")
	assert.Contains(t, out, "    server t1_443 10.30.30.2:443 check inter 10s fall 3 rise 2\n")

	again := string(Render(&cfg, units))
	if diff := cmp.Diff(out, again); diff != "" {
		t.Errorf("render is not deterministic:\n%s", diff)
	}
}

func TestRenderIPv6Target(t *testing.T) {
	cfg := DefaultConfig()
	out := string(Render(&cfg, []Unit{{Port: 80, Tunnel: "t6", Target: "fd00::2"}}))
	assert.Contains(t, out, "server t6_80 [fd00::2]:80 check")
}

func TestGenerate(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(cfg.ConfigPath, []byte("# distribution config\n"), 0o644))

	cmd := &fakeCommander{}
	g := NewGenerator(cfg, cmd, nil)
	tunnels := []tunnel.Tunnel{iran("t1", "10.30.30.2", 443, 80)}

	res, err := g.Generate(ctx, tunnels, store.ForwardHAProxy)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, []uint16{80, 443}, Ports(res.Units))
	assert.Equal(t, 1, cmd.count("haproxy -c -f "+cfg.StagingPath))
	assert.Equal(t, 1, cmd.count("systemctl reload haproxy"))

	live, err := os.ReadFile(cfg.ConfigPath)
	require.NoError(t, err)
	assert.Equal(t, string(Render(&cfg, res.Units)), string(live))

	backup, err := os.ReadFile(cfg.BackupPath)
	require.NoError(t, err)
	assert.Equal(t, "# distribution config\n", string(backup))
	fi, err := os.Stat(cfg.BackupPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o444), fi.Mode().Perm())

	_, err = os.Stat(cfg.StagingPath)
	assert.True(t, errors.Is(err, os.ErrNotExist), "staging file left behind")

	// Unchanged ports: nothing is written or reloaded.
	res, err = g.Generate(ctx, tunnels, store.ForwardHAProxy)
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, 1, cmd.count("systemctl reload haproxy"))

	// A second change leaves the original backup alone.
	tunnels[0].ForwardedPorts = []uint16{8443}
	res, err = g.Generate(ctx, tunnels, store.ForwardHAProxy)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	backup, err = os.ReadFile(cfg.BackupPath)
	require.NoError(t, err)
	assert.Equal(t, "# distribution config\n", string(backup))
}

func TestGenerateRetriesFailedReload(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.RestartCommand = nil
	cmd := &fakeCommander{failReload: true}
	g := NewGenerator(cfg, cmd, nil)
	tunnels := []tunnel.Tunnel{iran("t1", "10.30.30.2", 443)}

	_, err := g.Generate(ctx, tunnels, store.ForwardHAProxy)
	require.Error(t, err)
	reloads := cmd.count("systemctl reload haproxy")
	assert.Equal(t, int(cfg.Retry.MaxAttempts), reloads)

	// The configuration is already live, but HAProxy never loaded it.
	cmd.setFailReload(false)
	res, err := g.Generate(ctx, tunnels, store.ForwardHAProxy)
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, reloads+1, cmd.count("systemctl reload haproxy"))

	_, err = g.Generate(ctx, tunnels, store.ForwardHAProxy)
	require.NoError(t, err)
	assert.Equal(t, reloads+1, cmd.count("systemctl reload haproxy"))
	_, err = os.Stat(g.pendingPath())
	assert.True(t, errors.Is(err, os.ErrNotExist), "pending reload marker left behind")
}

func TestGenerateRetriesReloadAfterRestart(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.RestartCommand = nil
	cmd := &fakeCommander{failReload: true}
	tunnels := []tunnel.Tunnel{iran("t1", "10.30.30.2", 443)}

	_, err := NewGenerator(cfg, cmd, nil).Generate(ctx, tunnels, store.ForwardHAProxy)
	require.Error(t, err)
	reloads := cmd.count("systemctl reload haproxy")

	// A new process picks up the reload the previous one owed.
	cmd.setFailReload(false)
	res, err := NewGenerator(cfg, cmd, nil).Generate(ctx, tunnels, store.ForwardHAProxy)
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, reloads+1, cmd.count("systemctl reload haproxy"))

	_, err = NewGenerator(cfg, cmd, nil).Generate(ctx, tunnels, store.ForwardHAProxy)
	require.NoError(t, err)
	assert.Equal(t, reloads+1, cmd.count("systemctl reload haproxy"))
}

func TestWithdraw(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cmd := &fakeCommander{}
	g := NewGenerator(cfg, cmd, nil)

	// Nothing live: nothing to withdraw.
	res, err := g.Withdraw(ctx)
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Empty(t, cmd.calls)

	_, err = g.Generate(ctx, []tunnel.Tunnel{iran("t1", "10.30.30.2", 443)}, store.ForwardHAProxy)
	require.NoError(t, err)

	res, err = g.Withdraw(ctx)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, 2, cmd.count("systemctl reload haproxy"))
	live, err := os.ReadFile(cfg.ConfigPath)
	require.NoError(t, err)
	assert.Equal(t, string(Render(&cfg, nil)), string(live))
	assert.NotContains(t, string(live), "bind 0.0.0.0:443")
	assert.Contains(t, string(live), "frontend vortexl2_stats")

	res, err = g.Withdraw(ctx)
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, 2, cmd.count("systemctl reload haproxy"))
}

func TestWithdrawLeavesForeignConfig(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(cfg.ConfigPath, []byte("# hand written\n"), 0o644))
	cmd := &fakeCommander{}
	g := NewGenerator(cfg, cmd, nil)

	res, err := g.Withdraw(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Empty(t, cmd.calls)
	live, err := os.ReadFile(cfg.ConfigPath)
	require.NoError(t, err)
	assert.Equal(t, "# hand written\n", string(live))
}

func TestGenerateModeNone(t *testing.T) {
	cfg := testConfig(t)
	cmd := &fakeCommander{}
	g := NewGenerator(cfg, cmd, nil)

	res, err := g.Generate(context.Background(), []tunnel.Tunnel{iran("t1", "10.30.30.2", 80)}, store.ForwardNone)
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Empty(t, res.Units)
	assert.Empty(t, cmd.calls)

	_, err = os.Stat(cfg.ConfigPath)
	assert.True(t, errors.Is(err, os.ErrNotExist), "mode none produced an artifact")
}

func TestGenerateRejected(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(cfg.ConfigPath, []byte("# live\n"), 0o644))

	cmd := &fakeCommander{reject: true}
	g := NewGenerator(cfg, cmd, nil)

	_, err := g.Generate(context.Background(), []tunnel.Tunnel{iran("t1", "10.30.30.2", 80)}, store.ForwardHAProxy)
	var ferr *ForwardConfigError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, cfg.StagingPath, ferr.Path)
	assert.Contains(t, ferr.Output, "parsing error")

	// Rejection is permanent: one check, no reload, live file untouched.
	assert.Equal(t, 1, cmd.count("haproxy -c"))
	assert.Equal(t, 0, cmd.count("systemctl"))
	live, err := os.ReadFile(cfg.ConfigPath)
	require.NoError(t, err)
	assert.Equal(t, "# live\n", string(live))
	_, err = os.Stat(cfg.StagingPath)
	assert.True(t, errors.Is(err, os.ErrNotExist), "staging file left behind")
}

func TestReloadFallsBackToRestart(t *testing.T) {
	cfg := testConfig(t)
	cmd := &fakeCommander{failReload: true}
	g := NewGenerator(cfg, cmd, nil)

	res, err := g.Generate(context.Background(), []tunnel.Tunnel{iran("t1", "10.30.30.2", 80)}, store.ForwardHAProxy)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, 2, cmd.count("systemctl reload haproxy"))
	assert.Equal(t, 1, cmd.count("systemctl restart haproxy"))
}

func TestReloadChecksLiveConfig(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(cfg.ConfigPath, []byte("# live\n"), 0o644))
	cmd := &fakeCommander{}
	g := NewGenerator(cfg, cmd, nil)

	require.NoError(t, g.Reload(context.Background()))
	assert.Equal(t, 1, cmd.count("haproxy -c -f "+cfg.ConfigPath))
	assert.Equal(t, 1, cmd.count("systemctl reload haproxy"))

	cmd.reject = true
	var ferr *ForwardConfigError
	require.ErrorAs(t, g.Reload(context.Background()), &ferr)
	assert.Equal(t, 1, cmd.count("systemctl reload haproxy"))
}

func TestReloadCoalescing(t *testing.T) {
	var (
		mu    sync.Mutex
		runs  int
		block = make(chan struct{})
	)
	r := newReloader(func(ctx context.Context) error {
		mu.Lock()
		runs++
		first := runs == 1
		mu.Unlock()
		if first {
			<-block
		}
		return nil
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, r.Do(context.Background()))
	}()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return runs == 1
	}, time.Second, time.Millisecond)

	const waiters = 5
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, r.Do(context.Background()))
		}()
	}
	require.Eventually(t, func() bool { return r.pending() == waiters }, time.Second, time.Millisecond)

	close(block)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, runs, "queued reloads were not coalesced")
}

func TestGeneratorReloadCoalescing(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(cfg.ConfigPath, []byte("# live\n"), 0o644))
	cmd := &fakeCommander{block: make(chan struct{})}
	g := NewGenerator(cfg, cmd, nil)

	const callers = 5
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, g.Reload(context.Background()))
		}()
	}
	// One reload runs while the rest queue behind it without holding the
	// configuration lock.
	require.Eventually(t, func() bool {
		return cmd.count("systemctl reload") == 1 && g.reloader.pending() == callers-1
	}, 5*time.Second, time.Millisecond)

	close(cmd.block)
	wg.Wait()
	assert.Equal(t, callers, cmd.count("haproxy -c -f "+cfg.ConfigPath))
	assert.Equal(t, 2, cmd.count("systemctl reload"), "queued reloads were not coalesced")
}

func TestReloadError(t *testing.T) {
	boom := errors.New("boom")
	r := newReloader(func(ctx context.Context) error { return boom })
	assert.ErrorIs(t, r.Do(context.Background()), boom)
	// The reloader is usable again after a failure.
	assert.ErrorIs(t, r.Do(context.Background()), boom)
}

func TestBusy(t *testing.T) {
	ours := []Unit{{Port: 443}}
	got := Busy([]uint16{22, 80, 443}, []uint16{22, 443, 9999}, ours)
	assert.Equal(t, []uint16{22}, got)
}
