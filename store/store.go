// Package store persists tunnel declarations and the global forwarding
// mode as YAML records.
//
// The layout under the store directory is:
//
//	tunnels/<name>.yaml   one record per tunnel, mode 0600
//	config.yaml           the global record
//	generation            a counter bumped by every mutation
//	.lock                 flock(2) lock file
//
// Readers take a shared lock and writers an exclusive one, and every file
// is replaced atomically, so no reader ever sees a partial record.
// Declarations are validated against each other before they are written.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/google/renameio/v2"
	"github.com/vortexl2/vortexl2/internal/lockfile"
	"github.com/vortexl2/vortexl2/tunnel"
)

const (
	tunnelsDir     = "tunnels"
	globalFile     = "config.yaml"
	generationFile = "generation"
	lockFile       = ".lock"
	recordExt      = ".yaml"
)

// ErrNotFound is returned for a tunnel with no record.
var ErrNotFound = errors.New("tunnel not found")

// PersistenceError reports storage that cannot be read or written, or a
// record that cannot be decoded.
type PersistenceError struct {
	Op   string
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Store is a directory of tunnel records.
type Store struct {
	dir    string
	logger log.Logger
}

// New returns a Store rooted at dir.  A nil logger disables logging.
func New(dir string, logger log.Logger) *Store {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Store{dir: dir, logger: logger}
}

// Dir is the store's root directory.
func (s *Store) Dir() string {
	return s.dir
}

// TunnelsDir holds the per-tunnel records.
func (s *Store) TunnelsDir() string {
	return filepath.Join(s.dir, tunnelsDir)
}

func (s *Store) tunnelPath(name string) string {
	return filepath.Join(s.TunnelsDir(), name+recordExt)
}

func (s *Store) ensureDirs() error {
	for _, d := range []string{s.dir, s.TunnelsDir()} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return &PersistenceError{Op: "mkdir", Path: d, Err: err}
		}
	}
	return nil
}

func (s *Store) lock(ctx context.Context, exclusive bool) (*lockfile.Lock, error) {
	if err := s.ensureDirs(); err != nil {
		return nil, err
	}
	path := filepath.Join(s.dir, lockFile)
	var (
		l   *lockfile.Lock
		err error
	)
	if exclusive {
		l, err = lockfile.Exclusive(ctx, path)
	} else {
		l, err = lockfile.Shared(ctx, path)
	}
	if err != nil {
		return nil, &PersistenceError{Op: "lock", Path: path, Err: err}
	}
	return l, nil
}

// List returns every tunnel, sorted by name.
func (s *Store) List(ctx context.Context) ([]tunnel.Tunnel, error) {
	l, err := s.lock(ctx, false)
	if err != nil {
		return nil, err
	}
	defer l.Release()
	return s.list()
}

func (s *Store) list() ([]tunnel.Tunnel, error) {
	entries, err := os.ReadDir(s.TunnelsDir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, &PersistenceError{Op: "read", Path: s.TunnelsDir(), Err: err}
	}

	var out []tunnel.Tunnel
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), recordExt) {
			continue
		}
		t, err := s.load(filepath.Join(s.TunnelsDir(), e.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b tunnel.Tunnel) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out, nil
}

func (s *Store) load(path string) (tunnel.Tunnel, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return tunnel.Tunnel{}, &PersistenceError{Op: "read", Path: path, Err: err}
	}
	t, err := decodeTunnel(b)
	if err != nil {
		return tunnel.Tunnel{}, &PersistenceError{Op: "decode", Path: path, Err: err}
	}
	if want := strings.TrimSuffix(filepath.Base(path), recordExt); t.Name != want {
		return tunnel.Tunnel{}, &PersistenceError{
			Op:   "decode",
			Path: path,
			Err:  fmt.Errorf("record name %q does not match file name", t.Name),
		}
	}
	if err := t.Check(); err != nil {
		return tunnel.Tunnel{}, &PersistenceError{Op: "decode", Path: path, Err: err}
	}
	return t, nil
}

// Get returns the named tunnel.
func (s *Store) Get(ctx context.Context, name string) (tunnel.Tunnel, error) {
	if !tunnel.ValidName(name) {
		return tunnel.Tunnel{}, fmt.Errorf("%q: %w", name, ErrNotFound)
	}
	l, err := s.lock(ctx, false)
	if err != nil {
		return tunnel.Tunnel{}, err
	}
	defer l.Release()

	path := s.tunnelPath(name)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return tunnel.Tunnel{}, fmt.Errorf("%q: %w", name, ErrNotFound)
	}
	return s.load(path)
}

// Create validates t against every other tunnel and persists it.  Nothing
// is written if validation fails.
func (s *Store) Create(ctx context.Context, t tunnel.Tunnel) error {
	l, err := s.lock(ctx, true)
	if err != nil {
		return err
	}
	defer l.Release()

	all, err := s.list()
	if err != nil {
		return err
	}
	// Conflicts with other tunnels are reported ahead of field errors.
	if err := tunnel.Validate(t, all); err != nil {
		return err
	}
	if err := t.Check(); err != nil {
		return err
	}
	if err := s.write(&t); err != nil {
		return err
	}
	level.Debug(s.logger).Log("message", "tunnel created", "tunnel_name", t.Name)
	return s.bump()
}

// Update applies fn to the named tunnel, re-validates the result against
// every other tunnel, and persists it.  A tunnel's name cannot be changed.
func (s *Store) Update(ctx context.Context, name string, fn func(t *tunnel.Tunnel) error) (tunnel.Tunnel, error) {
	l, err := s.lock(ctx, true)
	if err != nil {
		return tunnel.Tunnel{}, err
	}
	defer l.Release()

	all, err := s.list()
	if err != nil {
		return tunnel.Tunnel{}, err
	}
	i := slices.IndexFunc(all, func(t tunnel.Tunnel) bool { return t.Name == name })
	if i < 0 {
		return tunnel.Tunnel{}, fmt.Errorf("%q: %w", name, ErrNotFound)
	}

	t := all[i].Clone()
	if err := fn(&t); err != nil {
		return tunnel.Tunnel{}, err
	}
	if t.Name != name {
		return tunnel.Tunnel{}, &tunnel.ValidationError{
			Kind:   tunnel.InvalidField,
			Tunnel: name,
			Field:  "name",
			Detail: "tunnel names cannot be changed",
		}
	}
	t.ForwardedPorts = tunnel.NormalizePorts(t.ForwardedPorts)
	if err := tunnel.Validate(t, tunnel.Others(all, name)); err != nil {
		return tunnel.Tunnel{}, err
	}
	if err := t.Check(); err != nil {
		return tunnel.Tunnel{}, err
	}
	if err := s.write(&t); err != nil {
		return tunnel.Tunnel{}, err
	}
	level.Debug(s.logger).Log("message", "tunnel updated", "tunnel_name", name)
	return t, s.bump()
}

// Delete removes the named tunnel's record.
func (s *Store) Delete(ctx context.Context, name string) error {
	if !tunnel.ValidName(name) {
		return fmt.Errorf("%q: %w", name, ErrNotFound)
	}
	l, err := s.lock(ctx, true)
	if err != nil {
		return err
	}
	defer l.Release()

	path := s.tunnelPath(name)
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%q: %w", name, ErrNotFound)
		}
		return &PersistenceError{Op: "remove", Path: path, Err: err}
	}
	level.Debug(s.logger).Log("message", "tunnel deleted", "tunnel_name", name)
	return s.bump()
}

func (s *Store) write(t *tunnel.Tunnel) error {
	path := s.tunnelPath(t.Name)
	b, err := encodeTunnel(t)
	if err != nil {
		return &PersistenceError{Op: "encode", Path: path, Err: err}
	}
	if err := renameio.WriteFile(path, b, 0o600); err != nil {
		return &PersistenceError{Op: "write", Path: path, Err: err}
	}
	return nil
}

// Global returns the global record.  A missing record means forwarding is
// disabled.
func (s *Store) Global(ctx context.Context) (Global, error) {
	l, err := s.lock(ctx, false)
	if err != nil {
		return Global{}, err
	}
	defer l.Release()
	return s.global()
}

func (s *Store) global() (Global, error) {
	path := filepath.Join(s.dir, globalFile)
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Global{ForwardMode: ForwardNone}, nil
		}
		return Global{}, &PersistenceError{Op: "read", Path: path, Err: err}
	}
	var g Global
	if err := decodeStrict(b, &g); err != nil {
		return Global{}, &PersistenceError{Op: "decode", Path: path, Err: err}
	}
	return g, nil
}

// SetForwardMode updates the global forwarding mode.
func (s *Store) SetForwardMode(ctx context.Context, mode ForwardMode) error {
	l, err := s.lock(ctx, true)
	if err != nil {
		return err
	}
	defer l.Release()

	g, err := s.global()
	if err != nil {
		return err
	}
	if g.ForwardMode == mode {
		return nil
	}
	g.ForwardMode = mode

	path := filepath.Join(s.dir, globalFile)
	b, err := encodeGlobal(&g)
	if err != nil {
		return &PersistenceError{Op: "encode", Path: path, Err: err}
	}
	if err := renameio.WriteFile(path, b, 0o600); err != nil {
		return &PersistenceError{Op: "write", Path: path, Err: err}
	}
	level.Info(s.logger).Log("message", "forward mode changed", "mode", mode)
	return s.bump()
}

// Snapshot is a consistent view of every record.
type Snapshot struct {
	Generation uint64
	Global     Global
	Tunnels    []tunnel.Tunnel
}

// Snapshot reads every record under a single lock.
func (s *Store) Snapshot(ctx context.Context) (*Snapshot, error) {
	l, err := s.lock(ctx, false)
	if err != nil {
		return nil, err
	}
	defer l.Release()

	gen, err := s.generation()
	if err != nil {
		return nil, err
	}
	g, err := s.global()
	if err != nil {
		return nil, err
	}
	tunnels, err := s.list()
	if err != nil {
		return nil, err
	}
	return &Snapshot{Generation: gen, Global: g, Tunnels: tunnels}, nil
}

// Generation returns the mutation counter.  It starts at zero and grows by
// one with every change to the store.
func (s *Store) Generation(ctx context.Context) (uint64, error) {
	l, err := s.lock(ctx, false)
	if err != nil {
		return 0, err
	}
	defer l.Release()
	return s.generation()
}

func (s *Store) generation() (uint64, error) {
	path := filepath.Join(s.dir, generationFile)
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, &PersistenceError{Op: "read", Path: path, Err: err}
	}
	gen, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return 0, &PersistenceError{Op: "decode", Path: path, Err: err}
	}
	return gen, nil
}

// bump increments the generation counter.  Called with the exclusive lock
// held.
func (s *Store) bump() error {
	gen, err := s.generation()
	if err != nil {
		return err
	}
	path := filepath.Join(s.dir, generationFile)
	if err := renameio.WriteFile(path, []byte(strconv.FormatUint(gen+1, 10)+"\n"), 0o600); err != nil {
		return &PersistenceError{Op: "write", Path: path, Err: err}
	}
	return nil
}
