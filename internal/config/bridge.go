package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/gaspardpetit/nfrx-bridge/internal/bridge"
	"github.com/gaspardpetit/nfrx-bridge/internal/reconnect"
)

// BridgeConfig holds configuration for the bridge command.
type BridgeConfig struct {
	ConfigFile    string `yaml:"-" toml:"-"`
	LogLevel      string `yaml:"log_level" toml:"log_level"`
	LogFile       string `yaml:"log_file" toml:"log_file"`
	LogMaxSizeMB  int    `yaml:"log_max_size_mb" toml:"log_max_size_mb"`
	LogMaxBackups int    `yaml:"log_max_backups" toml:"log_max_backups"`

	ClientName string `yaml:"client_name" toml:"client_name"`
	SessionID  string `yaml:"-" toml:"-"`

	// Transport is "stdio" or "ws".
	Transport   string   `yaml:"transport" toml:"transport"`
	WorkerCmd   string   `yaml:"worker_cmd" toml:"worker_cmd"`
	WorkerDir   string   `yaml:"worker_dir" toml:"worker_dir"`
	WorkerEnv   []string `yaml:"worker_env" toml:"worker_env"`
	IsolateEnv  bool     `yaml:"isolate_env" toml:"isolate_env"`
	PnpmDev     bool     `yaml:"worker_pnpm_dev" toml:"worker_pnpm_dev"`
	WorkerURL   string   `yaml:"worker_url" toml:"worker_url"`
	WorkerToken string   `yaml:"worker_token" toml:"worker_token"`

	StatusAddr     string   `yaml:"status_addr" toml:"status_addr"`
	StatusToken    string   `yaml:"status_token" toml:"status_token"`
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
	RedisURL       string   `yaml:"redis_url" toml:"redis_url"`

	Watch        bool     `yaml:"watch" toml:"watch"`
	WatchDirs    []string `yaml:"watch_dirs" toml:"watch_dirs"`
	WatchInclude []string `yaml:"watch_include" toml:"watch_include"`

	ProbeMethod         string        `yaml:"probe_method" toml:"probe_method"`
	ProbeTimeout        time.Duration `yaml:"probe_timeout" toml:"probe_timeout"`
	ProbePeriod         time.Duration `yaml:"probe_period" toml:"probe_period"`
	InactivityThreshold time.Duration `yaml:"inactivity_threshold" toml:"inactivity_threshold"`
	SuspendSlack        time.Duration `yaml:"suspend_slack" toml:"suspend_slack"`
	StabilizeDelay      time.Duration `yaml:"stabilize_delay" toml:"stabilize_delay"`
	MaxAttempts         int           `yaml:"max_attempts" toml:"max_attempts"`
	BackoffBase         time.Duration `yaml:"backoff_base" toml:"backoff_base"`
	BackoffCap          time.Duration `yaml:"backoff_cap" toml:"backoff_cap"`
	SettleDelay         time.Duration `yaml:"settle_delay" toml:"settle_delay"`
	MaxRetries          int           `yaml:"max_retries" toml:"max_retries"`
	RetryTimeouts       bool          `yaml:"retry_timeouts" toml:"retry_timeouts"`
	DefaultTimeout      time.Duration `yaml:"default_timeout" toml:"default_timeout"`
	Timeouts            []bridge.TimeoutRule `yaml:"timeouts" toml:"timeouts"`
}

var env = os.Getenv

func getEnv(k, d string) string {
	if v := env(k); v != "" {
		return v
	}
	return d
}

func getDuration(k string, d time.Duration) time.Duration {
	if v, err := time.ParseDuration(getEnv(k, "")); err == nil {
		return v
	}
	return d
}

func getInt(k string, d int) int {
	if v, err := strconv.Atoi(getEnv(k, "")); err == nil {
		return v
	}
	return d
}

func getBool(k string, d bool) bool {
	if v, err := strconv.ParseBool(getEnv(k, "")); err == nil {
		return v
	}
	return d
}

func getList(k string) []string {
	v := getEnv(k, "")
	if v == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// BindFlags populates the struct with defaults from environment variables and
// binds command line flags on fs so main can call fs.Parse. A nil fs binds
// to flag.CommandLine.
func (c *BridgeConfig) BindFlags(fs *flag.FlagSet) {
	if fs == nil {
		fs = flag.CommandLine
	}
	c.ConfigFile = getEnv("CONFIG_FILE", DefaultConfigPath("bridge.yaml"))
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.LogFile = getEnv("LOG_FILE", "")
	c.LogMaxSizeMB = getInt("LOG_MAX_SIZE_MB", 20)
	c.LogMaxBackups = getInt("LOG_MAX_BACKUPS", 5)

	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "bridge-" + uuid.NewString()[:8]
	}
	c.ClientName = getEnv("CLIENT_NAME", host)
	c.SessionID = uuid.NewString()

	c.Transport = getEnv("TRANSPORT", "stdio")
	c.WorkerCmd = getEnv("WORKER_COMMAND", "")
	c.WorkerDir = getEnv("WORKER_DIR", "")
	c.WorkerEnv = getList("WORKER_ENV")
	c.IsolateEnv = getBool("ISOLATE_ENV", false)
	c.PnpmDev = getBool("WORKER_PNPM_DEV", false)
	c.WorkerURL = getEnv("WORKER_URL", "")
	c.WorkerToken = getEnv("WORKER_TOKEN", "")

	sa := getEnv("STATUS_ADDR", "")
	if sa != "" && !strings.Contains(sa, ":") {
		sa = "127.0.0.1:" + sa
	}
	c.StatusAddr = sa
	c.StatusToken = getEnv("STATUS_TOKEN", "")
	c.AllowedOrigins = getList("ALLOWED_ORIGINS")
	c.RedisURL = getEnv("REDIS_URL", "")

	c.Watch = getBool("WATCH", false)
	c.WatchDirs = getList("WATCH_DIRS")
	c.WatchInclude = getList("WATCH_INCLUDE")

	c.ProbeMethod = getEnv("PROBE_METHOD", "ping")
	c.ProbeTimeout = getDuration("PROBE_TIMEOUT", 5*time.Second)
	c.ProbePeriod = getDuration("PROBE_PERIOD", 30*time.Second)
	c.InactivityThreshold = getDuration("INACTIVITY_THRESHOLD", 60*time.Second)
	c.SuspendSlack = getDuration("SUSPEND_SLACK", 60*time.Second)
	c.StabilizeDelay = getDuration("STABILIZE_DELAY", 2*time.Second)
	c.MaxAttempts = getInt("MAX_ATTEMPTS", 3)
	c.BackoffBase = getDuration("BACKOFF_BASE", reconnect.Default.Base)
	c.BackoffCap = getDuration("BACKOFF_CAP", reconnect.Default.Cap)
	c.SettleDelay = getDuration("SETTLE_DELAY", 500*time.Millisecond)
	c.MaxRetries = getInt("MAX_RETRIES", 2)
	c.RetryTimeouts = getBool("RETRY_TIMEOUTS", false)
	c.DefaultTimeout = getDuration("DEFAULT_TIMEOUT", bridge.DefaultCallTimeout)

	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "bridge config file path (.yaml, .yml or .toml)")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.StringVar(&c.LogFile, "log-file", c.LogFile, "also write JSON logs to this rotating file")
	fs.StringVar(&c.ClientName, "client-name", c.ClientName, "client display name shown in logs and status")
	fs.StringVar(&c.Transport, "transport", c.Transport, "worker transport: stdio or ws")
	fs.StringVar(&c.WorkerCmd, "worker-cmd", c.WorkerCmd, "worker command line; overrides launch candidate discovery")
	fs.StringVar(&c.WorkerDir, "worker-dir", c.WorkerDir, "working directory for the worker")
	fs.BoolVar(&c.PnpmDev, "worker-pnpm-dev", c.PnpmDev, "fall back to running the worker with pnpm dev from ../bridge")
	fs.StringVar(&c.WorkerURL, "worker-url", c.WorkerURL, "worker WebSocket URL when transport is ws")
	fs.StringVar(&c.StatusAddr, "status-addr", c.StatusAddr, "status and metrics listen address or port (disabled when empty)")
	fs.StringVar(&c.RedisURL, "redis-url", c.RedisURL, "record connection state in Redis (disabled when empty)")
	fs.BoolVar(&c.Watch, "watch", c.Watch, "restart the worker when its files change")
	fs.StringVar(&c.ProbeMethod, "probe-method", c.ProbeMethod, "method used for health probes")
	fs.DurationVar(&c.ProbePeriod, "probe-period", c.ProbePeriod, "health monitor tick")
	fs.DurationVar(&c.InactivityThreshold, "inactivity", c.InactivityThreshold, "idle time before a health probe")
	fs.IntVar(&c.MaxAttempts, "max-attempts", c.MaxAttempts, "consecutive reconnection attempts before giving up")
	fs.IntVar(&c.MaxRetries, "max-retries", c.MaxRetries, "retries per call after a transport failure")
	fs.BoolVar(&c.RetryTimeouts, "retry-timeouts", c.RetryTimeouts, "also retry calls that time out")
	fs.DurationVar(&c.DefaultTimeout, "default-timeout", c.DefaultTimeout, "timeout for methods without a rule")
}

// LoadFile populates the config from a YAML or TOML file, chosen by extension.
// Fields already set remain unless overwritten by entries in the file.
func (c *BridgeConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(b), c); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		return nil
	default:
		if err := yaml.Unmarshal(b, c); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		return nil
	}
}

// Options converts the configuration into client options.
func (c *BridgeConfig) Options() (bridge.Options, error) {
	rules := c.Timeouts
	if len(rules) == 0 {
		rules = bridge.DefaultTimeoutRules
	}
	tm, err := bridge.NewTimeouts(c.DefaultTimeout, rules...)
	if err != nil {
		return bridge.Options{}, err
	}
	retries := c.MaxRetries
	if retries == 0 {
		retries = -1
	}
	return bridge.Options{
		ProbeMethod:         c.ProbeMethod,
		ProbeTimeout:        c.ProbeTimeout,
		ProbePeriod:         c.ProbePeriod,
		InactivityThreshold: c.InactivityThreshold,
		SuspendSlack:        c.SuspendSlack,
		StabilizeDelay:      c.StabilizeDelay,
		MaxAttempts:         c.MaxAttempts,
		Backoff:             reconnect.Backoff{Base: c.BackoffBase, Cap: c.BackoffCap},
		SettleDelay:         c.SettleDelay,
		MaxRetries:          retries,
		RetryTimeouts:       c.RetryTimeouts,
		Timeouts:            tm,
	}, nil
}

// Validate reports configuration that cannot work.
func (c *BridgeConfig) Validate() error {
	switch c.Transport {
	case "stdio":
	case "ws":
		if c.WorkerURL == "" {
			return fmt.Errorf("transport ws requires a worker url")
		}
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative")
	}
	return nil
}

// DefaultConfigPath returns the default config file path for the given name.
func DefaultConfigPath(name string) string {
	home, _ := os.UserHomeDir()
	return ResolveConfigPath(runtime.GOOS, home, os.Getenv("ProgramData"), name)
}

// ResolveConfigPath constructs a config file path for the given OS and base directories.
func ResolveConfigPath(goos, home, programData, name string) string {
	switch goos {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "nfrx-bridge", name)
	case "windows":
		if programData == "" {
			programData = "C:/ProgramData"
		}
		programData = strings.TrimRight(programData, "\\/")
		return filepath.Join(programData, "nfrx-bridge", name)
	default:
		return filepath.Join("/etc", "nfrx-bridge", name)
	}
}
