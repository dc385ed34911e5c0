// Package config loads server settings from, in increasing precedence,
// built-in defaults, an optional YAML file, the environment (including a
// .env file) and command-line flags.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/dreamware/twinlogy/internal/broadcast"
	"github.com/dreamware/twinlogy/internal/digest"
	"github.com/dreamware/twinlogy/internal/logging"
	"github.com/dreamware/twinlogy/internal/sink"
)

// Store backends.
const (
	BackendJSON   = "json"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Config is the complete server configuration.
type Config struct {
	Addr            string        `yaml:"addr"`
	BodyLimit       int64         `yaml:"bodyLimit"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	CORSOrigins     string        `yaml:"corsOrigins"`

	Store     StoreConfig     `yaml:"store"`
	TLS       TLSConfig       `yaml:"tls"`
	Log       LogConfig       `yaml:"log"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Sinks     SinkConfig      `yaml:"sinks"`
	RateLimit RateLimitConfig `yaml:"rateLimit"`
}

type StoreConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
	Hash    string `yaml:"hash"`
}

type TLSConfig struct {
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`
}

// Enabled reports whether both TLS paths are set.
func (t TLSConfig) Enabled() bool { return t.CertFile != "" && t.KeyFile != "" }

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type BroadcastConfig struct {
	Buffer    int           `yaml:"buffer"`
	Policy    string        `yaml:"policy"`
	Heartbeat time.Duration `yaml:"heartbeat"`
}

type SinkConfig struct {
	QueueSize   int           `yaml:"queueSize"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxFailures int           `yaml:"maxFailures"`
	LedgerURL   string        `yaml:"ledgerURL"`
	Web3URL     string        `yaml:"web3URL"`
	AnalysisURL string        `yaml:"analysisURL"`
}

// Limit is a request budget per client IP.
type Limit struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

type RateLimitConfig struct {
	Ingest Limit `yaml:"ingest"`
	Data   Limit `yaml:"data"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Addr:            ":3000",
		BodyLimit:       10 << 10,
		ShutdownTimeout: 10 * time.Second,
		CORSOrigins:     "*",
		Store: StoreConfig{
			Backend: BackendJSON,
			Path:    "data.json",
			Hash:    digest.AlgorithmSHA256,
		},
		Log: LogConfig{Level: "info", Format: logging.FormatText},
		Broadcast: BroadcastConfig{
			Buffer:    broadcast.DefaultBuffer,
			Policy:    broadcast.PruneOnFailure.String(),
			Heartbeat: 30 * time.Second,
		},
		Sinks: SinkConfig{
			QueueSize:   sink.DefaultQueueSize,
			Timeout:     sink.DefaultTimeout,
			MaxFailures: sink.DefaultMaxFailures,
		},
		RateLimit: RateLimitConfig{
			Ingest: Limit{Requests: 100, Window: 15 * time.Minute},
			Data:   Limit{Requests: 30, Window: time.Minute},
		},
	}
}

// setting binds one field to a flag and an environment variable.
type setting struct {
	flag  string
	env   string
	usage string
	field func(*Config) any
}

var settings = []setting{
	{"addr", "TWIN_ADDR", "listen address", func(c *Config) any { return &c.Addr }},
	{"body-limit", "TWIN_BODY_LIMIT", "maximum request body size in bytes", func(c *Config) any { return &c.BodyLimit }},
	{"shutdown-timeout", "TWIN_SHUTDOWN_TIMEOUT", "graceful shutdown deadline", func(c *Config) any { return &c.ShutdownTimeout }},
	{"cors-origins", "TWIN_CORS_ORIGINS", "comma separated allowed origins, * for any", func(c *Config) any { return &c.CORSOrigins }},
	{"store", "TWIN_STORE", "store backend: json, sqlite or memory", func(c *Config) any { return &c.Store.Backend }},
	{"store-path", "TWIN_STORE_PATH", "snapshot file or database path", func(c *Config) any { return &c.Store.Path }},
	{"hash", "TWIN_HASH", "content hash algorithm: sha256 or blake3", func(c *Config) any { return &c.Store.Hash }},
	{"tls-cert", "TWIN_TLS_CERT", "TLS certificate file", func(c *Config) any { return &c.TLS.CertFile }},
	{"tls-key", "TWIN_TLS_KEY", "TLS private key file", func(c *Config) any { return &c.TLS.KeyFile }},
	{"log-level", "TWIN_LOG_LEVEL", "log level: debug, info, warn or error", func(c *Config) any { return &c.Log.Level }},
	{"log-format", "TWIN_LOG_FORMAT", "log format: text or json", func(c *Config) any { return &c.Log.Format }},
	{"broadcast-buffer", "TWIN_BROADCAST_BUFFER", "per-subscriber event queue size", func(c *Config) any { return &c.Broadcast.Buffer }},
	{"broadcast-policy", "TWIN_BROADCAST_POLICY", "prune-on-failure or prune-on-disconnect", func(c *Config) any { return &c.Broadcast.Policy }},
	{"broadcast-heartbeat", "TWIN_BROADCAST_HEARTBEAT", "live feed keep-alive interval, 0 disables", func(c *Config) any { return &c.Broadcast.Heartbeat }},
	{"sink-queue", "TWIN_SINK_QUEUE", "per-sink queue size", func(c *Config) any { return &c.Sinks.QueueSize }},
	{"sink-timeout", "TWIN_SINK_TIMEOUT", "per-delivery timeout, 0 disables", func(c *Config) any { return &c.Sinks.Timeout }},
	{"sink-max-failures", "TWIN_SINK_MAX_FAILURES", "consecutive failures before a sink is unhealthy", func(c *Config) any { return &c.Sinks.MaxFailures }},
	{"ledger-url", "TWIN_LEDGER_URL", "ledger webhook URL", func(c *Config) any { return &c.Sinks.LedgerURL }},
	{"web3-url", "TWIN_WEB3_URL", "web3 webhook URL", func(c *Config) any { return &c.Sinks.Web3URL }},
	{"ai-url", "TWIN_AI_URL", "analysis webhook URL", func(c *Config) any { return &c.Sinks.AnalysisURL }},
	{"ingest-rate", "TWIN_INGEST_RATE", "ingest requests per window per client, 0 disables", func(c *Config) any { return &c.RateLimit.Ingest.Requests }},
	{"ingest-window", "TWIN_INGEST_WINDOW", "ingest rate limit window", func(c *Config) any { return &c.RateLimit.Ingest.Window }},
	{"data-rate", "TWIN_DATA_RATE", "query requests per window per client, 0 disables", func(c *Config) any { return &c.RateLimit.Data.Requests }},
	{"data-window", "TWIN_DATA_WINDOW", "query rate limit window", func(c *Config) any { return &c.RateLimit.Data.Window }},
}

// FlagConfig is the name of the flag holding the YAML file path.
const FlagConfig = "config"

// RegisterFlags adds a flag for every setting to flags, with defaults taken
// from Default.
func RegisterFlags(flags *pflag.FlagSet) {
	def := Default()
	flags.String(FlagConfig, "", "YAML configuration file (env TWIN_CONFIG)")
	for _, s := range settings {
		switch p := s.field(&def).(type) {
		case *string:
			flags.String(s.flag, *p, s.usage)
		case *int:
			flags.Int(s.flag, *p, s.usage)
		case *int64:
			flags.Int64(s.flag, *p, s.usage)
		case *time.Duration:
			flags.Duration(s.flag, *p, s.usage)
		}
	}
}

// LoadDotEnv loads environment files that exist. Variables already set in
// the environment win.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load %s: %w", p, err)
		}
	}
	return nil
}

// Load builds the configuration. flags may be nil; when set, only flags the
// user changed override earlier layers. lookup defaults to os.LookupEnv.
func Load(flags *pflag.FlagSet, lookup func(string) (string, bool)) (Config, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	cfg := Default()

	path, _ := lookup("TWIN_CONFIG")
	if flags != nil {
		if f := flags.Lookup(FlagConfig); f != nil && f.Changed {
			path = f.Value.String()
		}
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.applyEnv(lookup); err != nil {
		return Config{}, err
	}

	if flags != nil {
		var ferr error
		flags.Visit(func(f *pflag.Flag) {
			if ferr != nil {
				return
			}
			for _, s := range settings {
				if s.flag == f.Name {
					ferr = set(&cfg, s, f.Value.String())
					return
				}
			}
		})
		if ferr != nil {
			return Config{}, ferr
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	// PORT is what hosting platforms set.
	if port, ok := lookup("PORT"); ok && port != "" {
		c.Addr = ":" + port
	}
	for _, s := range settings {
		v, ok := lookup(s.env)
		if !ok || v == "" {
			continue
		}
		if err := set(c, s, v); err != nil {
			return err
		}
	}
	return nil
}

func set(c *Config, s setting, v string) error {
	var err error
	switch p := s.field(c).(type) {
	case *string:
		*p = v
	case *int:
		*p, err = strconv.Atoi(v)
	case *int64:
		*p, err = strconv.ParseInt(v, 10, 64)
	case *time.Duration:
		*p, err = time.ParseDuration(v)
	}
	if err != nil {
		return fmt.Errorf("config: invalid %s %q: %w", s.flag, v, err)
	}
	return nil
}

// Validate checks values that would otherwise fail late.
func (c Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case BackendJSON, BackendSQLite:
		if c.Store.Path == "" {
			errs = append(errs, fmt.Errorf("store path is required for the %s backend", c.Store.Backend))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}
	if _, err := digest.New(c.Store.Hash); err != nil {
		errs = append(errs, err)
	}
	if _, err := broadcast.ParsePolicy(c.Broadcast.Policy); err != nil {
		errs = append(errs, err)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", logging.FormatText, logging.FormatJSON:
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	if c.BodyLimit <= 0 {
		errs = append(errs, errors.New("body limit must be positive"))
	}
	if c.Broadcast.Buffer <= 0 {
		errs = append(errs, errors.New("broadcast buffer must be positive"))
	}
	if c.Sinks.QueueSize <= 0 {
		errs = append(errs, errors.New("sink queue size must be positive"))
	}
	for name, l := range map[string]Limit{"ingest": c.RateLimit.Ingest, "data": c.RateLimit.Data} {
		if l.Requests < 0 || (l.Requests > 0 && l.Window <= 0) {
			errs = append(errs, fmt.Errorf("invalid %s rate limit %d per %s", name, l.Requests, l.Window))
		}
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls cert and key must be set together"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Origins splits CORSOrigins into a list.
func (c Config) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
