package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"batchflow/logger"

	"github.com/joho/godotenv"
)

// ErrInvalidConfig is returned by Validate for any rejected setting.
var ErrInvalidConfig = errors.New("invalid configuration")

// Sink names understood by the persister factory.
const (
	SinkLog      = "log"
	SinkSQLite   = "sqlite"
	SinkPostgres = "postgres"
	SinkRedis    = "redis"
	SinkNATS     = "nats"
	SinkWAL      = "wal"
	SinkParquet  = "parquet"
	SinkCSV      = "csv"
)

// Backpressure policies for the persister mailboxes.
const (
	PolicyBlock = "block"
	PolicyDrop  = "drop"
)

var knownSinks = map[string]struct{}{
	SinkLog: {}, SinkSQLite: {}, SinkPostgres: {}, SinkRedis: {},
	SinkNATS: {}, SinkWAL: {}, SinkParquet: {}, SinkCSV: {},
}

type Config struct {
	Batcher   BatcherConfig   `json:"batcher"`
	Persister PersisterConfig `json:"persister"`
	Flush     FlushConfig     `json:"flush"`
	Log       LogConfig       `json:"log"`
	API       APIConfig       `json:"api"`
	Auth      AuthConfig      `json:"auth"`
	Redis     RedisConfig     `json:"redis"`
	NATS      NATSConfig      `json:"nats"`
	Timescale TimescaleConfig `json:"timescale"`
	SQLite    SQLiteConfig    `json:"sqlite"`
	FileStore FileStoreConfig `json:"filestore"`
	Load      LoadConfig      `json:"load"`
}

type BatcherConfig struct {
	Capacity       int  `json:"capacity"`
	PoolSize       int  `json:"pool_size"`
	SkipEmptyFlush bool `json:"skip_empty_flush"`
}

type PersisterConfig struct {
	PoolSize   int      `json:"pool_size"`
	QueueSize  int      `json:"queue_size"`
	Policy     string   `json:"policy"` // block, drop
	Sinks      []string `json:"sinks"`
	MaxRetries int      `json:"max_retries"`
	Backoff    string   `json:"backoff"`
	DeadLetter string   `json:"dead_letter"` // optional sink name for exhausted batches

	backoffDuration time.Duration
}

type FlushConfig struct {
	Interval     string `json:"interval"`
	InitialDelay string `json:"initial_delay"`

	intervalDuration     time.Duration
	initialDelayDuration time.Duration
}

type LogConfig struct {
	Level string `json:"level"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

type AuthConfig struct {
	Enabled  bool   `json:"enabled"`
	Secret   string `json:"secret"`
	Username string `json:"username"`
	Password string `json:"password"`
	TokenTTL string `json:"token_ttl"`

	tokenTTLDuration time.Duration
}

type RedisConfig struct {
	Addr           string `json:"addr"`
	Password       string `json:"password"`
	DB             int    `json:"db"`
	ListKey        string `json:"list_key"`
	MaxConnections int    `json:"max_connections"`
	MinConnections int    `json:"min_connections"`
	ConnectTimeout string `json:"connect_timeout"`

	connectTimeoutDuration time.Duration
}

type NATSConfig struct {
	URL           string `json:"url"`
	Subject       string `json:"subject"`        // batches are published here
	IngestSubject string `json:"ingest_subject"` // messages are consumed from here
	QueueGroup    string `json:"queue_group"`
	JetStream     bool   `json:"jetstream"`
}

type TimescaleConfig struct {
	DSN             string `json:"dsn"`
	MaxConnections  int    `json:"max_connections"`
	MinConnections  int    `json:"min_connections"`
	MaxConnLifetime string `json:"max_conn_lifetime"`
	MaxConnIdleTime string `json:"max_conn_idle_time"`

	maxConnLifetimeDuration time.Duration
	maxConnIdleTimeDuration time.Duration
}

type SQLiteConfig struct {
	Path   string `json:"path"`
	Driver string `json:"driver"` // sqlite3 (cgo) or sqlite (pure go)
}

type FileStoreConfig struct {
	BaseDir         string `json:"base_dir"`
	ArchiveOnStop   bool   `json:"archive_on_stop"`
	ArchiveInterval string `json:"archive_interval"` // past-day wal segments are compressed this often; 0 disables

	archiveIntervalDuration time.Duration
}

type LoadConfig struct {
	Enabled    bool   `json:"enabled"`
	Iterations int64  `json:"iterations"`
	Sleep      string `json:"sleep"`

	sleepDuration time.Duration
}

// Default returns the reference settings: 10 batchers of 1000 messages, 5 persisters,
// a 5s flush interval that fires immediately on start.
func Default() *Config {
	cfg := &Config{
		Batcher: BatcherConfig{
			Capacity: 1000,
			PoolSize: 10,
		},
		Persister: PersisterConfig{
			PoolSize:   5,
			QueueSize:  100,
			Policy:     PolicyBlock,
			Sinks:      []string{SinkLog},
			MaxRetries: 3,
			Backoff:    "100ms",
		},
		Flush: FlushConfig{
			Interval:     "5s",
			InitialDelay: "0s",
		},
		Log: LogConfig{Level: "info"},
		API: APIConfig{Addr: ":8080"},
		Auth: AuthConfig{
			Username: "admin",
			TokenTTL: "24h",
		},
		Redis: RedisConfig{
			Addr:           "localhost:6379",
			ListKey:        "batchflow:batches",
			MaxConnections: 100,
			MinConnections: 10,
			ConnectTimeout: "5s",
		},
		NATS: NATSConfig{
			URL:        "nats://localhost:4222",
			Subject:    "batches",
			QueueGroup: "batchflow",
		},
		Timescale: TimescaleConfig{
			MaxConnections:  10,
			MinConnections:  2,
			MaxConnLifetime: "1h",
			MaxConnIdleTime: "30m",
		},
		SQLite: SQLiteConfig{
			Path:   "./data/batches.db",
			Driver: "sqlite3",
		},
		FileStore: FileStoreConfig{
			BaseDir:         "data/batches",
			ArchiveInterval: "1h",
		},
		Load: LoadConfig{
			Iterations: 1000000,
			Sleep:      "0s",
		},
	}
	// Defaults always parse
	_ = cfg.ToDuration()
	return cfg
}

// Load reads a JSON config file on top of Default, then applies .env and environment
// overrides. A missing file is not an error; the defaults are used.
func Load(path string) (*Config, error) {
	cfg := Default()

	// .env is optional
	_ = godotenv.Load()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.ToDuration(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GetConfig loads configuration and handles errors internally
func GetConfig() *Config {
	log := logger.GetLogger()

	path := os.Getenv("BATCHFLOW_CONFIG")
	if path == "" {
		workDir, err := os.Getwd()
		if err != nil {
			log.Error("Failed to get working directory", map[string]interface{}{
				"error": err.Error(),
			})
			os.Exit(1)
		}
		path = filepath.Join(workDir, "config", "config.json")
	}

	cfg, err := Load(path)
	if err != nil {
		log.Error("Failed to load config", map[string]interface{}{
			"error": err.Error(),
			"path":  path,
		})
		os.Exit(1)
	}

	log.Info("Successfully loaded config", map[string]interface{}{
		"path":             path,
		"capacity":         cfg.Batcher.Capacity,
		"batchers":         cfg.Batcher.PoolSize,
		"persisters":       cfg.Persister.PoolSize,
		"flush_interval":   cfg.Flush.Interval,
		"persister_sinks":  strings.Join(cfg.Persister.Sinks, ","),
		"persister_policy": cfg.Persister.Policy,
	})

	return cfg
}

func (c *Config) applyEnv() error {
	intVar := func(name string, dst *int) error {
		v, ok := os.LookupEnv(name)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidConfig, name, v)
		}
		*dst = n
		return nil
	}
	strVar := func(name string, dst *string) {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			*dst = v
		}
	}

	if err := intVar("BATCH_CAPACITY", &c.Batcher.Capacity); err != nil {
		return err
	}
	if err := intVar("BATCHER_POOL_SIZE", &c.Batcher.PoolSize); err != nil {
		return err
	}
	if err := intVar("PERSISTER_POOL_SIZE", &c.Persister.PoolSize); err != nil {
		return err
	}
	strVar("FLUSH_INTERVAL", &c.Flush.Interval)
	strVar("FLUSH_INITIAL_DELAY", &c.Flush.InitialDelay)
	strVar("LOG_LEVEL", &c.Log.Level)
	strVar("API_ADDR", &c.API.Addr)
	strVar("AUTH_SECRET", &c.Auth.Secret)
	strVar("REDIS_ADDR", &c.Redis.Addr)
	strVar("NATS_URL", &c.NATS.URL)
	strVar("TIMESCALE_DSN", &c.Timescale.DSN)

	if v := os.Getenv("PERSIST_SINKS"); v != "" {
		var sinks []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				sinks = append(sinks, s)
			}
		}
		c.Persister.Sinks = sinks
	}
	return nil
}

// ToDuration parses every duration string into its private field.
func (c *Config) ToDuration() error {
	if err := c.Flush.ToDuration(); err != nil {
		return err
	}
	if err := c.Persister.ToDuration(); err != nil {
		return err
	}
	if err := c.Auth.ToDuration(); err != nil {
		return err
	}
	if err := c.Redis.ToDuration(); err != nil {
		return err
	}
	if err := c.Timescale.ToDuration(); err != nil {
		return err
	}
	if err := c.FileStore.ToDuration(); err != nil {
		return err
	}
	return c.Load.ToDuration()
}

// Validate rejects settings the pools cannot run with.
func (c *Config) Validate() error {
	if c.Batcher.Capacity <= 0 {
		return fmt.Errorf("%w: batcher capacity must be positive, got %d", ErrInvalidConfig, c.Batcher.Capacity)
	}
	if c.Batcher.PoolSize <= 0 {
		return fmt.Errorf("%w: batcher pool size must be positive, got %d", ErrInvalidConfig, c.Batcher.PoolSize)
	}
	if c.Persister.PoolSize <= 0 {
		return fmt.Errorf("%w: persister pool size must be positive, got %d", ErrInvalidConfig, c.Persister.PoolSize)
	}
	if c.Persister.QueueSize < 0 {
		return fmt.Errorf("%w: persister queue size must not be negative", ErrInvalidConfig)
	}
	if c.Persister.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries must not be negative", ErrInvalidConfig)
	}
	switch c.Persister.Policy {
	case PolicyBlock, PolicyDrop:
	default:
		return fmt.Errorf("%w: unknown persister policy %q", ErrInvalidConfig, c.Persister.Policy)
	}
	if len(c.Persister.Sinks) == 0 {
		return fmt.Errorf("%w: at least one persister sink is required", ErrInvalidConfig)
	}
	for _, s := range c.Persister.Sinks {
		if _, ok := knownSinks[s]; !ok {
			return fmt.Errorf("%w: unknown sink %q", ErrInvalidConfig, s)
		}
	}
	if dl := c.Persister.DeadLetter; dl != "" {
		if _, ok := knownSinks[dl]; !ok {
			return fmt.Errorf("%w: unknown dead letter sink %q", ErrInvalidConfig, dl)
		}
	}
	if c.Flush.GetInterval() <= 0 {
		return fmt.Errorf("%w: flush interval must be positive", ErrInvalidConfig)
	}
	if c.Flush.GetInitialDelay() < 0 {
		return fmt.Errorf("%w: flush initial delay must not be negative", ErrInvalidConfig)
	}
	if c.Auth.Enabled && c.Auth.Secret == "" {
		return fmt.Errorf("%w: auth enabled without a secret", ErrInvalidConfig)
	}
	return nil
}

func parseDuration(field, value string, dst *time.Duration) error {
	if value == "" {
		*dst = 0
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid %s duration: %w", field, err)
	}
	*dst = d
	return nil
}

func (f *FlushConfig) ToDuration() error {
	if err := parseDuration("flush.interval", f.Interval, &f.intervalDuration); err != nil {
		return err
	}
	return parseDuration("flush.initial_delay", f.InitialDelay, &f.initialDelayDuration)
}

func (f *FlushConfig) GetInterval() time.Duration {
	return f.intervalDuration
}

func (f *FlushConfig) GetInitialDelay() time.Duration {
	return f.initialDelayDuration
}

func (p *PersisterConfig) ToDuration() error {
	return parseDuration("persister.backoff", p.Backoff, &p.backoffDuration)
}

func (p *PersisterConfig) GetBackoff() time.Duration {
	return p.backoffDuration
}

func (a *AuthConfig) ToDuration() error {
	return parseDuration("auth.token_ttl", a.TokenTTL, &a.tokenTTLDuration)
}

func (a *AuthConfig) GetTokenTTL() time.Duration {
	return a.tokenTTLDuration
}

func (r *RedisConfig) ToDuration() error {
	return parseDuration("redis.connect_timeout", r.ConnectTimeout, &r.connectTimeoutDuration)
}

func (r *RedisConfig) GetConnectTimeout() time.Duration {
	return r.connectTimeoutDuration
}

func (t *TimescaleConfig) ToDuration() error {
	if err := parseDuration("timescale.max_conn_lifetime", t.MaxConnLifetime, &t.maxConnLifetimeDuration); err != nil {
		return err
	}
	return parseDuration("timescale.max_conn_idle_time", t.MaxConnIdleTime, &t.maxConnIdleTimeDuration)
}

func (t *TimescaleConfig) GetMaxConnLifetime() time.Duration {
	return t.maxConnLifetimeDuration
}

func (t *TimescaleConfig) GetMaxConnIdleTime() time.Duration {
	return t.maxConnIdleTimeDuration
}

func (f *FileStoreConfig) ToDuration() error {
	return parseDuration("filestore.archive_interval", f.ArchiveInterval, &f.archiveIntervalDuration)
}

func (f *FileStoreConfig) GetArchiveInterval() time.Duration {
	return f.archiveIntervalDuration
}

func (l *LoadConfig) ToDuration() error {
	return parseDuration("load.sleep", l.Sleep, &l.sleepDuration)
}

func (l *LoadConfig) GetSleep() time.Duration {
	return l.sleepDuration
}
