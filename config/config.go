/*
Package config implements a parser for VortexL2 settings represented in
the TOML format: https://github.com/toml-lang/toml.

Settings are grouped into tables.  Every table and every parameter is
optional, and omitted parameters keep their defaults.  Tunnel declarations
are not part of the settings: they live in the tunnel store.

	# The store table locates tunnel declarations.
	[store]

	# dir is the root of the tunnel store.  Tunnel records are kept in
	# the "tunnels" directory beneath it.
	dir = "/etc/vortexl2"

	# The haproxy table controls port forwarding through HAProxy.
	[haproxy]

	# config is the live HAProxy configuration file.  It is generated
	# in its entirety while forward_mode is "haproxy".
	config = "/etc/haproxy/haproxy.cfg"

	# backup receives a copy of the original configuration the first
	# time it is replaced.  An existing backup is never overwritten.  By
	# default it sits next to config; an empty string disables it.
	backup = "/etc/haproxy/haproxy.cfg.bak"

	# staging is where a candidate configuration is checked before it
	# replaces the live one.  By default it sits next to config.
	staging = "/etc/haproxy/haproxy.cfg.vortexl2.tmp"

	# binary is the haproxy executable used to check configurations.
	binary = "haproxy"

	# reload and restart are the commands used to make HAProxy pick up
	# a new configuration.  restart is tried only if reload fails.
	reload = ["systemctl", "reload", "haproxy"]
	restart = ["systemctl", "restart", "haproxy"]

	# stats_bind is the address of the HAProxy statistics page.
	stats_bind = "127.0.0.1:9999"

	# maxconn caps concurrent connections across all forwarded ports.
	maxconn = 10000

	# lock serializes configuration changes between processes.
	lock = "/run/vortexl2/haproxy.lock"

	# The daemon table tunes vortexl2-forwardd.
	[daemon]

	# interval_ms is the time between unconditional passes.
	interval_ms = 5000 # milliseconds

	# debounce_ms is how long the daemon waits for a burst of changes
	# to settle before regenerating.
	debounce_ms = 1000 # milliseconds

	# resync_schedule, if set, is a cron expression on which the daemon
	# regenerates the HAProxy configuration even if nothing changed.
	resync_schedule = "0 * * * *"

	# The exec table bounds external operations: netlink requests and
	# HAProxy commands.
	[exec]

	# timeout_ms bounds a single attempt.
	timeout_ms = 10000 # milliseconds

	# max_attempts is the number of attempts before an operation fails.
	max_attempts = 3

	# initial_backoff_ms is the delay before the second attempt.  The
	# delay grows exponentially for later attempts.
	initial_backoff_ms = 200 # milliseconds

	# The apply table tunes "vortexl2 apply".
	[apply]

	# workers is how many tunnels are brought up concurrently.
	workers = 4

	# lock serializes concurrent apply runs.
	lock = "/run/vortexl2/apply.lock"
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml"
	"github.com/vortexl2/vortexl2/daemon"
	"github.com/vortexl2/vortexl2/forward"
	"github.com/vortexl2/vortexl2/internal/retry"
)

// DefaultPath is where the settings file is looked for.
const DefaultPath = "/etc/vortexl2/vortexl2.toml"

// Config contains VortexL2 settings.
type Config struct {
	// The entire tree as a map as parsed from the TOML representation.
	// Nil if the settings are defaults.
	Map map[string]interface{}
	// StoreDir is the root of the tunnel store.
	StoreDir string
	// HAProxy configures port forwarding.  Its Retry policy is Exec.
	HAProxy forward.Config
	// Daemon configures vortexl2-forwardd.
	Daemon daemon.Config
	// Exec bounds external operations.
	Exec retry.Policy
	// ApplyWorkers bounds concurrent tunnel bring-up.
	ApplyWorkers int
	// ApplyLock serializes apply runs.
	ApplyLock string
}

// Default returns the settings used when no file is present.
func Default() *Config {
	exec := retry.DefaultPolicy()
	haproxy := forward.DefaultConfig()
	haproxy.Retry = exec
	return &Config{
		StoreDir:     "/etc/vortexl2",
		HAProxy:      haproxy,
		Daemon:       daemon.DefaultConfig(),
		Exec:         exec,
		ApplyWorkers: 4,
		ApplyLock:    "/run/vortexl2/apply.lock",
	}
}

func toString(v interface{}) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	return "", fmt.Errorf("supplied value could not be parsed as a string")
}

func toNonEmptyString(v interface{}) (string, error) {
	s, err := toString(v)
	if err == nil && s == "" {
		return "", fmt.Errorf("value must not be empty")
	}
	return s, err
}

// go-toml's ToMap function represents numbers as either uint64 or int64.
// So when we are converting numbers, we need to figure out which one it
// has picked and range check to ensure that the number from the config
// fits within the range of the destination type.
func toUint32(v interface{}) (uint32, error) {
	if b, ok := v.(int64); ok {
		if b < 0x0 || b > 0xffffffff {
			return 0, fmt.Errorf("value %v out of range", b)
		}
		return uint32(b), nil
	} else if b, ok := v.(uint64); ok {
		if b > 0xffffffff {
			return 0, fmt.Errorf("value %v out of range", b)
		}
		return uint32(b), nil
	}
	return 0, fmt.Errorf("unexpected %T value %v", v, v)
}

func toPositive(v interface{}) (uint32, error) {
	u, err := toUint32(v)
	if err == nil && u == 0 {
		return 0, fmt.Errorf("value must be greater than zero")
	}
	return u, err
}

func toDurationMs(v interface{}) (time.Duration, error) {
	u, err := toPositive(v)
	return time.Duration(u) * time.Millisecond, err
}

func toCommand(v interface{}) ([]string, error) {
	// First ensure that the supplied value is actually an array
	args, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("expected array value")
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("command must not be empty")
	}

	// TOML arrays can be mixed type, so we have to check on a value-by-value
	// basis that the value in the array can be represented as a string.
	out := make([]string, 0, len(args))
	for _, a := range args {
		s, err := toNonEmptyString(a)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func toTable(name string, v interface{}) (map[string]interface{}, error) {
	t, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%v must be a table, e.g. '[%v]'", name, name)
	}
	return t, nil
}

func (cfg *Config) loadStore(t map[string]interface{}) error {
	for k, v := range t {
		var err error
		switch k {
		case "dir":
			cfg.StoreDir, err = toNonEmptyString(v)
		default:
			return fmt.Errorf("unrecognised parameter '%v'", k)
		}
		if err != nil {
			return fmt.Errorf("failed to process %v: %v", k, err)
		}
	}
	return nil
}

func (cfg *Config) loadHAProxy(t map[string]interface{}) error {
	hc := &cfg.HAProxy
	stagingSet, backupSet := false, false
	for k, v := range t {
		var err error
		switch k {
		case "config":
			hc.ConfigPath, err = toNonEmptyString(v)
		case "backup":
			hc.BackupPath, err = toString(v)
			backupSet = true
		case "staging":
			hc.StagingPath, err = toNonEmptyString(v)
			stagingSet = true
		case "binary":
			hc.Binary, err = toNonEmptyString(v)
		case "reload":
			hc.ReloadCommand, err = toCommand(v)
		case "restart":
			if a, ok := v.([]interface{}); ok && len(a) == 0 {
				hc.RestartCommand = nil
			} else {
				hc.RestartCommand, err = toCommand(v)
			}
		case "stats_bind":
			hc.StatsBind, err = toNonEmptyString(v)
		case "maxconn":
			hc.MaxConn, err = toPositive(v)
		case "lock":
			hc.LockPath, err = toNonEmptyString(v)
		default:
			return fmt.Errorf("unrecognised parameter '%v'", k)
		}
		if err != nil {
			return fmt.Errorf("failed to process %v: %v", k, err)
		}
	}
	if !stagingSet {
		hc.StagingPath = hc.ConfigPath + ".vortexl2.tmp"
	}
	if !backupSet {
		hc.BackupPath = hc.ConfigPath + ".bak"
	}
	return nil
}

func (cfg *Config) loadDaemon(t map[string]interface{}) error {
	for k, v := range t {
		var err error
		switch k {
		case "interval_ms":
			cfg.Daemon.Interval, err = toDurationMs(v)
		case "debounce_ms":
			cfg.Daemon.Debounce, err = toDurationMs(v)
		case "resync_schedule":
			cfg.Daemon.ResyncSchedule, err = toString(v)
		default:
			return fmt.Errorf("unrecognised parameter '%v'", k)
		}
		if err != nil {
			return fmt.Errorf("failed to process %v: %v", k, err)
		}
	}
	return nil
}

func (cfg *Config) loadExec(t map[string]interface{}) error {
	for k, v := range t {
		var err error
		switch k {
		case "timeout_ms":
			cfg.Exec.Timeout, err = toDurationMs(v)
		case "max_attempts":
			var u uint32
			u, err = toPositive(v)
			cfg.Exec.MaxAttempts = uint(u)
		case "initial_backoff_ms":
			cfg.Exec.InitialInterval, err = toDurationMs(v)
		default:
			return fmt.Errorf("unrecognised parameter '%v'", k)
		}
		if err != nil {
			return fmt.Errorf("failed to process %v: %v", k, err)
		}
	}
	if cfg.Exec.MaxInterval < cfg.Exec.InitialInterval {
		cfg.Exec.MaxInterval = cfg.Exec.InitialInterval
	}
	return nil
}

func (cfg *Config) loadApply(t map[string]interface{}) error {
	for k, v := range t {
		var err error
		switch k {
		case "workers":
			var u uint32
			u, err = toPositive(v)
			cfg.ApplyWorkers = int(u)
		case "lock":
			cfg.ApplyLock, err = toNonEmptyString(v)
		default:
			return fmt.Errorf("unrecognised parameter '%v'", k)
		}
		if err != nil {
			return fmt.Errorf("failed to process %v: %v", k, err)
		}
	}
	return nil
}

func newConfig(tree *toml.Tree) (*Config, error) {
	cfg := Default()
	cfg.Map = tree.ToMap()

	for name, got := range cfg.Map {
		t, err := toTable(name, got)
		if err != nil {
			return nil, err
		}
		switch name {
		case "store":
			err = cfg.loadStore(t)
		case "haproxy":
			err = cfg.loadHAProxy(t)
		case "daemon":
			err = cfg.loadDaemon(t)
		case "exec":
			err = cfg.loadExec(t)
		case "apply":
			err = cfg.loadApply(t)
		default:
			return nil, fmt.Errorf("unrecognised table '%v'", name)
		}
		if err != nil {
			return nil, fmt.Errorf("%v: %v", name, err)
		}
	}
	cfg.HAProxy.Retry = cfg.Exec
	return cfg, nil
}

// LoadFile loads configuration from the specified file.
func LoadFile(path string) (*Config, error) {
	tree, err := toml.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file: %v", err)
	}
	return newConfig(tree)
}

// LoadFileOrDefault loads configuration from path, falling back to the
// defaults if the file does not exist.
func LoadFileOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return LoadFile(path)
}

// LoadString loads configuration from the specified string.
func LoadString(content string) (*Config, error) {
	tree, err := toml.Load(content)
	if err != nil {
		return nil, fmt.Errorf("failed to load config string: %v", err)
	}
	return newConfig(tree)
}
