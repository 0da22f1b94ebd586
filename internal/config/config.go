package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	units "github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// Enforcement victim-selection orders.
const (
	OrderNewestFirst  = "newest_first"
	OrderOldestFirst  = "oldest_first"
	OrderLargestFirst = "largest_first"
)

// Config holds all qman-slave configuration. Values come from the optional
// YAML file at QMAN_CONFIG_PATH first, then environment variables override.
type Config struct {
	// Engine switch
	UseDockerQuota bool `yaml:"USE_DOCKER_QUOTA"`

	// Docker connection and reporting
	DockerSock     string `yaml:"QMAN_DOCKER_SOCK"`
	DockerDataRoot string `yaml:"DOCKER_DATA_ROOT"`

	// Quota semantics
	ReservedBytes    int64  `yaml:"-"` // parsed from DOCKER_QUOTA_RESERVED_BYTES
	EnforcementOrder string `yaml:"DOCKER_QUOTA_ENFORCEMENT_ORDER"`

	// Scheduling
	SyncInterval    time.Duration `yaml:"-"` // DOCKER_QUOTA_SYNC_INTERVAL_SECONDS
	EnforceInterval time.Duration `yaml:"-"` // DOCKER_QUOTA_ENFORCE_INTERVAL_SECONDS

	// Cache
	RedisURL string        `yaml:"REDIS_URL"`
	CacheTTL time.Duration `yaml:"-"` // DOCKER_QUOTA_CACHE_TTL_SECONDS

	// Identity and coordinator callback
	HostID         string `yaml:"SLAVE_HOST_ID"`
	CallbackURL    string `yaml:"MASTER_EVENT_CALLBACK_URL"`
	CallbackSecret string `yaml:"MASTER_EVENT_CALLBACK_SECRET"`

	// HTTP surface
	ListenAddr   string `yaml:"QMAN_LISTEN_ADDR"`
	RemoteAPIKey string `yaml:"REMOTE_API_KEY"`

	// Worker diagnostics listener ("" = disabled)
	WorkerMetricsAddr string `yaml:"QMAN_WORKER_METRICS_ADDR"`

	// Storage
	DBPath string `yaml:"QMAN_DB_PATH"`

	// Logging
	LogJSON bool `yaml:"QMAN_LOG_JSON"`

	// Raw string forms kept for file merging of the non-string fields.
	rawReserved string
	rawSyncSecs string
	rawEnfSecs  string
	rawTTLSecs  string
}

// Load reads configuration from QMAN_CONFIG_PATH (if present) and the
// environment, with environment taking precedence.
func Load() *Config {
	cfg := &Config{
		UseDockerQuota:   false,
		DockerSock:       "/var/run/docker.sock",
		EnforcementOrder: OrderNewestFirst,
		SyncInterval:     120 * time.Second,
		EnforceInterval:  300 * time.Second,
		CacheTTL:         600 * time.Second,
		HostID:           "slave",
		ListenAddr:       ":8441",
		DBPath:           "/var/lib/qman/slave.db",
		LogJSON:          true,
	}

	if path := os.Getenv("QMAN_CONFIG_PATH"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			fmt.Fprintf(os.Stderr, "warning: could not load config file %s: %v\n", path, err)
		}
	}

	cfg.UseDockerQuota = envBool("USE_DOCKER_QUOTA", cfg.UseDockerQuota)
	cfg.DockerSock = envStr("QMAN_DOCKER_SOCK", cfg.DockerSock)
	cfg.DockerDataRoot = envStr("DOCKER_DATA_ROOT", cfg.DockerDataRoot)
	cfg.EnforcementOrder = envStr("DOCKER_QUOTA_ENFORCEMENT_ORDER", cfg.EnforcementOrder)
	cfg.RedisURL = envStr("REDIS_URL", cfg.RedisURL)
	cfg.HostID = envStr("SLAVE_HOST_ID", cfg.HostID)
	cfg.CallbackURL = envStr("MASTER_EVENT_CALLBACK_URL", cfg.CallbackURL)
	cfg.CallbackSecret = envStr("MASTER_EVENT_CALLBACK_SECRET", cfg.CallbackSecret)
	cfg.ListenAddr = envStr("QMAN_LISTEN_ADDR", cfg.ListenAddr)
	cfg.RemoteAPIKey = envStr("REMOTE_API_KEY", cfg.RemoteAPIKey)
	cfg.WorkerMetricsAddr = envStr("QMAN_WORKER_METRICS_ADDR", cfg.WorkerMetricsAddr)
	cfg.DBPath = envStr("QMAN_DB_PATH", cfg.DBPath)
	cfg.LogJSON = envBool("QMAN_LOG_JSON", cfg.LogJSON)

	if s := envStr("DOCKER_QUOTA_RESERVED_BYTES", cfg.rawReserved); s != "" {
		if n, err := parseBytes(s); err == nil {
			cfg.ReservedBytes = n
		}
	}
	cfg.SyncInterval = envSeconds("DOCKER_QUOTA_SYNC_INTERVAL_SECONDS", cfg.rawSyncSecs, cfg.SyncInterval)
	cfg.EnforceInterval = envSeconds("DOCKER_QUOTA_ENFORCE_INTERVAL_SECONDS", cfg.rawEnfSecs, cfg.EnforceInterval)
	cfg.CacheTTL = envSeconds("DOCKER_QUOTA_CACHE_TTL_SECONDS", cfg.rawTTLSecs, cfg.CacheTTL)

	return cfg
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	switch c.EnforcementOrder {
	case OrderNewestFirst, OrderOldestFirst, OrderLargestFirst:
	default:
		errs = append(errs, fmt.Errorf("DOCKER_QUOTA_ENFORCEMENT_ORDER must be %s, %s, or %s, got %q",
			OrderNewestFirst, OrderOldestFirst, OrderLargestFirst, c.EnforcementOrder))
	}
	if c.SyncInterval <= 0 {
		errs = append(errs, fmt.Errorf("DOCKER_QUOTA_SYNC_INTERVAL_SECONDS must be > 0, got %s", c.SyncInterval))
	}
	if c.EnforceInterval <= 0 {
		errs = append(errs, fmt.Errorf("DOCKER_QUOTA_ENFORCE_INTERVAL_SECONDS must be > 0, got %s", c.EnforceInterval))
	}
	if c.CacheTTL < 0 {
		errs = append(errs, fmt.Errorf("DOCKER_QUOTA_CACHE_TTL_SECONDS must be >= 0, got %s", c.CacheTTL))
	}
	if c.ReservedBytes < 0 {
		errs = append(errs, fmt.Errorf("DOCKER_QUOTA_RESERVED_BYTES must be >= 0, got %d", c.ReservedBytes))
	}
	if c.UseDockerQuota && c.RemoteAPIKey == "" {
		errs = append(errs, errors.New("REMOTE_API_KEY must be set when USE_DOCKER_QUOTA is enabled"))
	}
	return errors.Join(errs...)
}

// mergeFile overlays values from a YAML config file. The file uses the same
// key names as the environment.
func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var raw struct {
		Config        `yaml:",inline"`
		ReservedBytes string `yaml:"DOCKER_QUOTA_RESERVED_BYTES"`
		SyncSecs      string `yaml:"DOCKER_QUOTA_SYNC_INTERVAL_SECONDS"`
		EnfSecs       string `yaml:"DOCKER_QUOTA_ENFORCE_INTERVAL_SECONDS"`
		TTLSecs       string `yaml:"DOCKER_QUOTA_CACHE_TTL_SECONDS"`
	}
	raw.Config = *c
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = raw.Config
	c.rawReserved = raw.ReservedBytes
	c.rawSyncSecs = raw.SyncSecs
	c.rawEnfSecs = raw.EnfSecs
	c.rawTTLSecs = raw.TTLSecs
	return nil
}

// parseBytes accepts a plain integer byte count or a human-readable size
// such as "50GB".
func parseBytes(s string) (int64, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	return units.RAMInBytes(s)
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// envSeconds reads an integer-seconds env var, falling back to a raw value
// from the config file, then to def.
func envSeconds(key, fileVal string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		v = fileVal
	}
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(n) * time.Second
}
