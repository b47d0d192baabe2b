package tunnel

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/vortexl2/vortexl2/internal/retry"
	"golang.org/x/sync/errgroup"
)

// ErrConflict is wrapped by a KernelOperationError when a kernel object
// with the declared identifiers exists with different parameters.
var ErrConflict = errors.New("conflicting kernel object")

// KernelOperationError reports a failed apply or teardown step.
type KernelOperationError struct {
	Tunnel string
	Step   string
	Err    error
}

func (e *KernelOperationError) Error() string {
	return fmt.Sprintf("tunnel %q: %s: %v", e.Tunnel, e.Step, e.Err)
}

func (e *KernelOperationError) Unwrap() error {
	return e.Err
}

// ReconcilerConfig tunes a Reconciler.
type ReconcilerConfig struct {
	// Retry bounds every kernel-mutating call.
	Retry retry.Policy
	// Workers bounds how many tunnels ApplyAll processes at once.
	Workers int
}

// Reconciler drives tunnel declarations into the kernel.  Operations on
// one tunnel are serialized; distinct tunnels may be reconciled
// concurrently.
type Reconciler struct {
	dp     DataPlane
	logger log.Logger
	cfg    ReconcilerConfig

	mu    sync.Mutex
	locks map[uint32]*sync.Mutex
	fsms  map[string]*fsm
}

// NewReconciler creates a Reconciler.  A nil dp selects the in-memory null
// data plane, and a nil logger disables logging.
func NewReconciler(dp DataPlane, logger log.Logger, cfg ReconcilerConfig) *Reconciler {
	if dp == nil {
		dp = NewNullDataPlane()
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	return &Reconciler{
		dp:     dp,
		logger: logger,
		cfg:    cfg,
		locks:  make(map[uint32]*sync.Mutex),
		fsms:   make(map[string]*fsm),
	}
}

// Close releases the data plane.
func (r *Reconciler) Close() error {
	return r.dp.Close()
}

// Status returns the last known state of the named tunnel.
func (r *Reconciler) Status(name string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.fsms[name]; ok {
		return f.current
	}
	return Absent
}

// lock returns the mutex serializing operations on tunnel tid.
func (r *Reconciler) lock(tid uint32) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.locks[tid]
	if !ok {
		m = &sync.Mutex{}
		r.locks[tid] = m
	}
	return m
}

// lifecycle returns the named tunnel's state machine, creating it in the
// Configured state if this is the first time the tunnel is seen.
// Called with r.mu held.
func (r *Reconciler) lifecycle(t *Tunnel, logger log.Logger) *fsm {
	f, ok := r.fsms[t.Name]
	if !ok {
		f = newLifecycle(func(from, to State) {
			level.Debug(logger).Log("message", "state change", "from", from, "to", to)
		})
		_ = f.handleEvent(evConfigure)
		r.fsms[t.Name] = f
	}
	return f
}

// event feeds e to the tunnel's state machine.
func (r *Reconciler) event(t *Tunnel, logger log.Logger, e string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.lifecycle(t, logger).handleEvent(e); err != nil {
		level.Debug(logger).Log("message", "ignored event", "event", e, "error", err)
	}
}

// current returns the tunnel's state, registering it if need be.
func (r *Reconciler) current(t *Tunnel, logger log.Logger) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lifecycle(t, logger).current
}

// step is one reversible stage of bringing a tunnel up.
type step struct {
	name string
	// present reports whether the kernel already satisfies the step.
	present func(ctx context.Context) (bool, error)
	do      func(ctx context.Context) error
	// undo reverses do; nil when do commits nothing.
	undo func(ctx context.Context) error
}

func (r *Reconciler) steps(t *Tunnel) []step {
	ifname := t.InterfaceName()
	return []step{
		{
			name: "create tunnel",
			present: func(ctx context.Context) (bool, error) {
				kt, err := r.dp.GetTunnel(ctx, t.TunnelID)
				if errors.Is(err, ErrNotFound) {
					return false, nil
				}
				if err != nil {
					return false, err
				}
				if kt.PeerTunnelID != t.PeerTunnelID || kt.Encap != t.Encap {
					return false, retry.Permanent(fmt.Errorf("%w: tunnel %d has peer tunnel %d over %v, want %d over %v",
						ErrConflict, t.TunnelID, kt.PeerTunnelID, kt.Encap, t.PeerTunnelID, t.Encap))
				}
				return true, nil
			},
			do: func(ctx context.Context) error {
				kt := &KernelTunnel{
					TunnelID:     t.TunnelID,
					PeerTunnelID: t.PeerTunnelID,
					Encap:        t.Encap,
					LocalIP:      t.LocalIP,
					RemoteIP:     t.RemoteIP,
				}
				if t.Encap == EncapUDP {
					kt.UDPPort = t.UDPPort
				}
				return r.dp.CreateTunnel(ctx, kt)
			},
			undo: func(ctx context.Context) error {
				return r.dp.DeleteTunnel(ctx, t.TunnelID)
			},
		},
		{
			name: "create session",
			present: func(ctx context.Context) (bool, error) {
				ks, err := r.dp.GetSession(ctx, t.TunnelID, t.SessionID)
				if errors.Is(err, ErrNotFound) {
					return false, nil
				}
				if err != nil {
					return false, err
				}
				if ks.PeerSessionID != t.PeerSessionID {
					return false, retry.Permanent(fmt.Errorf("%w: session %d has peer session %d, want %d",
						ErrConflict, t.SessionID, ks.PeerSessionID, t.PeerSessionID))
				}
				if ks.InterfaceName != "" && ks.InterfaceName != ifname {
					return false, retry.Permanent(fmt.Errorf("%w: session %d is bound to %v, want %v",
						ErrConflict, t.SessionID, ks.InterfaceName, ifname))
				}
				return true, nil
			},
			do: func(ctx context.Context) error {
				return r.dp.CreateSession(ctx, &KernelSession{
					TunnelID:      t.TunnelID,
					PeerTunnelID:  t.PeerTunnelID,
					SessionID:     t.SessionID,
					PeerSessionID: t.PeerSessionID,
					InterfaceName: ifname,
				})
			},
			undo: func(ctx context.Context) error {
				return r.dp.DeleteSession(ctx, t.TunnelID, t.SessionID)
			},
		},
		{
			name: "bind interface",
			present: func(ctx context.Context) (bool, error) {
				_, err := r.dp.GetLink(ctx, ifname)
				if errors.Is(err, ErrNotFound) {
					return false, nil
				}
				return err == nil, err
			},
			do: func(ctx context.Context) error {
				_, err := r.dp.GetLink(ctx, ifname)
				return err
			},
		},
		{
			name: "assign address",
			present: func(ctx context.Context) (bool, error) {
				kl, err := r.dp.GetLink(ctx, ifname)
				if err != nil {
					return false, err
				}
				return hasAddr(kl, t.InterfaceIP), nil
			},
			do: func(ctx context.Context) error {
				return r.dp.AddAddr(ctx, ifname, t.InterfaceIP)
			},
			undo: func(ctx context.Context) error {
				return r.dp.DelAddr(ctx, ifname, t.InterfaceIP)
			},
		},
		{
			name: "link up",
			present: func(ctx context.Context) (bool, error) {
				kl, err := r.dp.GetLink(ctx, ifname)
				if err != nil {
					return false, err
				}
				return kl.Up, nil
			},
			do: func(ctx context.Context) error {
				return r.dp.SetLinkUp(ctx, ifname)
			},
			undo: func(ctx context.Context) error {
				return r.dp.SetLinkDown(ctx, ifname)
			},
		},
	}
}

// Apply brings the tunnel up.  Steps the kernel already satisfies are
// skipped, so applying a tunnel that is Up issues no mutations.  On failure
// the objects created during this call are removed in reverse order and
// the tunnel is left Failed.  If ctx is done before any object is created
// the tunnel returns to Configured and ctx's error is returned.
func (r *Reconciler) Apply(ctx context.Context, t Tunnel) error {
	m := r.lock(t.TunnelID)
	m.Lock()
	defer m.Unlock()

	logger := log.With(r.logger, "tunnel_name", t.Name)
	r.event(&t, logger, evApply)

	level.Info(logger).Log(
		"message", "apply",
		"tunnel_id", t.TunnelID,
		"peer_tunnel_id", t.PeerTunnelID,
		"session_id", t.SessionID,
		"peer_session_id", t.PeerSessionID,
		"interface", t.InterfaceName(),
		"encap", t.Encap)

	var committed []step
	for _, s := range r.steps(&t) {
		if err := ctx.Err(); err != nil {
			return r.abort(ctx, &t, logger, committed, s.name, err)
		}

		present, err := s.present(ctx)
		if err != nil {
			return r.abort(ctx, &t, logger, committed, s.name, err)
		}
		if present {
			level.Debug(logger).Log("message", "step already satisfied", "step", s.name)
			continue
		}

		// Another process may win the race to create the object, in which
		// case it is not ours to roll back.  An object that exists but does
		// not satisfy the step belongs to someone else.
		var raced bool
		err = retry.Do(ctx, r.cfg.Retry, func(ctx context.Context) error {
			err := s.do(ctx)
			if !errors.Is(err, ErrExist) {
				return err
			}
			ok, perr := s.present(ctx)
			if perr != nil {
				return perr
			}
			if !ok {
				return retry.Permanent(fmt.Errorf("%w: %v", ErrConflict, err))
			}
			raced = true
			return nil
		}, func(err error, next time.Duration) {
			level.Debug(logger).Log("message", "step failed, retrying", "step", s.name, "error", err, "retry_in", next)
		})
		if err != nil {
			return r.abort(ctx, &t, logger, committed, s.name, err)
		}
		if s.undo != nil && !raced {
			committed = append(committed, s)
		}
		level.Debug(logger).Log("message", "step committed", "step", s.name)
	}

	r.event(&t, logger, evSucceed)
	level.Info(logger).Log("message", "tunnel up")
	return nil
}

// abort ends an apply attempt that failed at step.
func (r *Reconciler) abort(ctx context.Context, t *Tunnel, logger log.Logger, committed []step, step string, err error) error {
	if len(committed) == 0 && ctx.Err() != nil {
		r.event(t, logger, evCancel)
		level.Info(logger).Log("message", "apply cancelled", "step", step)
		return ctx.Err()
	}

	level.Error(logger).Log("message", "apply failed", "step", step, "error", err)
	r.rollback(context.WithoutCancel(ctx), logger, committed)
	r.event(t, logger, evFail)
	return &KernelOperationError{Tunnel: t.Name, Step: step, Err: err}
}

// rollback undoes committed steps in reverse order.  Failures are logged
// and otherwise ignored.
func (r *Reconciler) rollback(ctx context.Context, logger log.Logger, committed []step) {
	for _, s := range slices.Backward(committed) {
		err := retry.Do(ctx, retry.Once(r.cfg.Retry.Timeout), s.undo, nil)
		if err != nil && !errors.Is(err, ErrNotFound) {
			level.Error(logger).Log("message", "rollback failed", "step", s.name, "error", err)
			continue
		}
		level.Debug(logger).Log("message", "rolled back", "step", s.name)
	}
}

// Teardown removes the tunnel's kernel objects: link down, address,
// session, then tunnel.  Objects that are already absent are skipped.
func (r *Reconciler) Teardown(ctx context.Context, t Tunnel) error {
	m := r.lock(t.TunnelID)
	m.Lock()
	defer m.Unlock()

	logger := log.With(r.logger, "tunnel_name", t.Name)
	ifname := t.InterfaceName()

	actions := []struct {
		name string
		fn   func(ctx context.Context) error
	}{
		{"link down", func(ctx context.Context) error { return r.dp.SetLinkDown(ctx, ifname) }},
		{"remove address", func(ctx context.Context) error { return r.dp.DelAddr(ctx, ifname, t.InterfaceIP) }},
		{"delete session", func(ctx context.Context) error { return r.dp.DeleteSession(ctx, t.TunnelID, t.SessionID) }},
		{"delete tunnel", func(ctx context.Context) error { return r.dp.DeleteTunnel(ctx, t.TunnelID) }},
	}

	var errs []error
	for _, a := range actions {
		err := retry.Do(ctx, r.cfg.Retry, func(ctx context.Context) error {
			err := a.fn(ctx)
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			return err
		}, nil)
		if err != nil {
			level.Error(logger).Log("message", "teardown step failed", "step", a.name, "error", err)
			errs = append(errs, &KernelOperationError{Tunnel: t.Name, Step: a.name, Err: err})
		}
	}

	if len(errs) > 0 {
		r.event(&t, logger, evTeardownFailed)
		return errors.Join(errs...)
	}
	r.event(&t, logger, evTeardown)
	level.Info(logger).Log("message", "tunnel torn down")
	return nil
}

// Observation is a read-only snapshot of a tunnel's kernel objects.
type Observation struct {
	State      State
	Tunnel     bool
	Session    bool
	Link       bool
	Address    bool
	LinkUp     bool
	Statistics Statistics
}

// Healthy reports whether every object exists and the interface is up.
func (o *Observation) Healthy() bool {
	return o.Tunnel && o.Session && o.Link && o.Address && o.LinkUp
}

func (o *Observation) any() bool {
	return o.Tunnel || o.Session || o.Link
}

// Observe inspects the kernel without changing it and updates the tunnel's
// state to match: Up when every object exists and the interface is up,
// Failed when an Up or Configured tunnel is partially present.  A tunnel
// being applied is reported as Applying and left alone.
func (r *Reconciler) Observe(ctx context.Context, t Tunnel) (*Observation, error) {
	m := r.lock(t.TunnelID)
	if !m.TryLock() {
		return &Observation{State: Applying}, nil
	}
	defer m.Unlock()

	logger := log.With(r.logger, "tunnel_name", t.Name)
	obs := &Observation{}

	kt, err := r.dp.GetTunnel(ctx, t.TunnelID)
	switch {
	case err == nil:
		obs.Tunnel = kt.PeerTunnelID == t.PeerTunnelID
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	ks, err := r.dp.GetSession(ctx, t.TunnelID, t.SessionID)
	switch {
	case err == nil:
		obs.Session = ks.PeerSessionID == t.PeerSessionID
		obs.Statistics = ks.Statistics
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	kl, err := r.dp.GetLink(ctx, t.InterfaceName())
	switch {
	case err == nil:
		obs.Link = true
		obs.LinkUp = kl.Up
		obs.Address = hasAddr(kl, t.InterfaceIP)
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	cur := r.current(&t, logger)
	switch {
	case obs.Healthy():
		if cur != Up {
			r.event(&t, logger, evObserveUp)
		}
	case obs.any():
		if cur == Up || cur == Configured {
			r.event(&t, logger, evObserveDown)
		}
	default:
		if cur == Up {
			r.event(&t, logger, evObserveDown)
		}
	}
	obs.State = r.Status(t.Name)
	return obs, nil
}

// Result is the outcome of applying one tunnel.
type Result struct {
	Name  string
	State State
	Err   error
}

// Report collects the outcome of ApplyAll.
type Report struct {
	Results []Result
}

// OK reports whether every tunnel reached Up.
func (rep *Report) OK() bool {
	for _, res := range rep.Results {
		if res.State != Up {
			return false
		}
	}
	return true
}

// Up lists the names of tunnels that reached Up.
func (rep *Report) Up() []string {
	var names []string
	for _, res := range rep.Results {
		if res.State == Up {
			names = append(names, res.Name)
		}
	}
	return names
}

func (rep *Report) String() string {
	var b strings.Builder
	for _, res := range rep.Results {
		fmt.Fprintf(&b, "%s: %v", res.Name, res.State)
		if res.Err != nil {
			fmt.Fprintf(&b, " (%v)", res.Err)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// ApplyAll applies every tunnel, at most Workers at a time.  A failing
// tunnel does not stop the others.
func (r *Reconciler) ApplyAll(ctx context.Context, tunnels []Tunnel) *Report {
	results := make([]Result, len(tunnels))

	var g errgroup.Group
	g.SetLimit(r.cfg.Workers)
	for i, t := range tunnels {
		g.Go(func() error {
			err := r.Apply(ctx, t)
			results[i] = Result{Name: t.Name, State: r.Status(t.Name), Err: err}
			return nil
		})
	}
	_ = g.Wait()

	slices.SortFunc(results, func(a, b Result) int {
		return strings.Compare(a.Name, b.Name)
	})
	return &Report{Results: results}
}
