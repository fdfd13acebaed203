package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable the loader reads.
const EnvPrefix = "NIMBLE"

// Config holds all application configuration.
type Config struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
	Env  string `yaml:"env"`

	// Dev enables development behavior such as stack traces in error
	// bodies. It defaults to Env == "development".
	Dev *bool `yaml:"dev"`

	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Server struct {
		Transport           string `yaml:"transport"` // net|fasthttp
		H2C                 bool   `yaml:"h2c"`
		ReusePort           bool   `yaml:"reuse_port"`
		IgnoreTrailingSlash bool   `yaml:"ignore_trailing_slash"`
		FanoutLimit         int    `yaml:"fanout_limit"`
	} `yaml:"server"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // text|json
		Sink   string `yaml:"sink"`   // stdout|stderr|file:<path>
	} `yaml:"logging"`

	Middleware struct {
		RequestID  bool  `yaml:"request_id"`
		RequestLog bool  `yaml:"request_log"`
		BodyLimit  int64 `yaml:"body_limit"`
		CORS       struct {
			Enabled        bool     `yaml:"enabled"`
			AllowedOrigins []string `yaml:"allowed_origins"`
		} `yaml:"cors"`
		RateLimit struct {
			Enabled bool    `yaml:"enabled"`
			RPS     float64 `yaml:"rps"`
			Burst   int     `yaml:"burst"`
		} `yaml:"rate_limit"`
		Metrics struct {
			Enabled bool   `yaml:"enabled"`
			Path    string `yaml:"path"`
		} `yaml:"metrics"`
	} `yaml:"middleware"`

	// Plugins carries free-form options per plugin name.
	Plugins map[string]map[string]any `yaml:"plugins"`
}

// Default returns the configuration used when no source overrides it.
func Default() *Config {
	cfg := &Config{
		Port:            8080,
		Env:             "development",
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
	cfg.Server.Transport = "net"
	cfg.Server.IgnoreTrailingSlash = true
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"
	cfg.Logging.Sink = "stdout"
	cfg.Middleware.RequestID = true
	cfg.Middleware.BodyLimit = 1 << 20
	cfg.Middleware.RateLimit.RPS = 100
	cfg.Middleware.RateLimit.Burst = 200
	cfg.Middleware.Metrics.Path = "/metrics"
	return cfg
}

// New loads configuration from os.Args and the environment. It exits on
// invalid configuration, as flag parsing does.
func New() *Config {
	cfg, err := Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	return cfg
}

// Load builds the configuration from, lowest precedence first: defaults,
// the YAML file named by -config (or NIMBLE_CONFIG), the .env file named by
// -env-file, the process environment and finally explicit flags.
func Load(args []string) (*Config, error) {
	cfg := Default()

	fs := flag.NewFlagSet("nimble", flag.ContinueOnError)
	var (
		path      = fs.String("config", os.Getenv(EnvPrefix+"_CONFIG"), "YAML config file")
		envFile   = fs.String("env-file", ".env", "dotenv file (ignored when missing)")
		port      = fs.Int("port", cfg.Port, "HTTP server port")
		host      = fs.String("host", cfg.Host, "bind address")
		env       = fs.String("env", cfg.Env, "Environment (development/production)")
		readTO    = fs.Duration("read-timeout", cfg.ReadTimeout, "HTTP read timeout")
		writeTO   = fs.Duration("write-timeout", cfg.WriteTimeout, "HTTP write timeout")
		transport = fs.String("transport", cfg.Server.Transport, "transport (net|fasthttp)")
		h2c       = fs.Bool("h2c", false, "serve cleartext HTTP/2")
		logLevel  = fs.String("log-level", cfg.Logging.Level, "log level (debug|info|warn|error)")
		logFormat = fs.String("log-format", cfg.Logging.Format, "log format (text|json)")
	)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *path != "" {
		if err := cfg.loadFile(*path); err != nil {
			return nil, err
		}
	}

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "load %s", *envFile)
		}
	}
	cfg.applyEnv(Environ(EnvPrefix))

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Port = *port
		case "host":
			cfg.Host = *host
		case "env":
			cfg.Env = *env
		case "read-timeout":
			cfg.ReadTimeout = *readTO
		case "write-timeout":
			cfg.WriteTimeout = *writeTO
		case "transport":
			cfg.Server.Transport = *transport
		case "h2c":
			cfg.Server.H2C = *h2c
		case "log-level":
			cfg.Logging.Level = *logLevel
		case "log-format":
			cfg.Logging.Format = *logFormat
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read config file")
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrapf(err, "parse %s", path)
	}
	return nil
}

// applyEnv overrides fields from NIMBLE_* variables. PORT is honored too,
// for platforms that inject it.
func (c *Config) applyEnv(o Options) {
	if p := os.Getenv("PORT"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			c.Port = n
		}
	}
	c.Port = o.GetInt("port", c.Port)
	c.Host = o.GetString("host", c.Host)
	c.Env = o.GetString("env", c.Env)
	if o.Has("dev") {
		dev := o.GetBool("dev")
		c.Dev = &dev
	}
	c.ReadTimeout = o.GetDuration("read.timeout", c.ReadTimeout)
	c.WriteTimeout = o.GetDuration("write.timeout", c.WriteTimeout)
	c.IdleTimeout = o.GetDuration("idle.timeout", c.IdleTimeout)
	c.ShutdownTimeout = o.GetDuration("shutdown.timeout", c.ShutdownTimeout)

	c.Server.Transport = o.GetString("transport", c.Server.Transport)
	c.Server.H2C = o.GetBool("h2c", c.Server.H2C)
	c.Server.ReusePort = o.GetBool("reuse.port", c.Server.ReusePort)
	c.Server.IgnoreTrailingSlash = o.GetBool("ignore.trailing.slash", c.Server.IgnoreTrailingSlash)
	c.Server.FanoutLimit = o.GetInt("fanout.limit", c.Server.FanoutLimit)

	c.Logging.Level = o.GetString("log.level", c.Logging.Level)
	c.Logging.Format = o.GetString("log.format", c.Logging.Format)
	c.Logging.Sink = o.GetString("log.sink", c.Logging.Sink)

	m := &c.Middleware
	m.RequestID = o.GetBool("request.id", m.RequestID)
	m.RequestLog = o.GetBool("request.log", m.RequestLog)
	m.BodyLimit = o.GetInt64("body.limit", m.BodyLimit)
	m.CORS.Enabled = o.GetBool("cors", m.CORS.Enabled)
	m.CORS.AllowedOrigins = o.GetStringSlice("cors.origins", m.CORS.AllowedOrigins)
	m.RateLimit.Enabled = o.GetBool("rate.limit", m.RateLimit.Enabled)
	m.RateLimit.RPS = o.GetFloat("rate.limit.rps", m.RateLimit.RPS)
	m.RateLimit.Burst = o.GetInt("rate.limit.burst", m.RateLimit.Burst)
	m.Metrics.Enabled = o.GetBool("metrics", m.Metrics.Enabled)
	m.Metrics.Path = o.GetString("metrics.path", m.Metrics.Path)
}

// Validate checks the settings that would otherwise fail at startup.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return errors.Newf("invalid port %d", c.Port)
	}
	if c.Host != "" && net.ParseIP(c.Host) == nil && strings.ContainsAny(c.Host, " /:") {
		return errors.Newf("invalid host %q", c.Host)
	}
	switch c.Server.Transport {
	case "", "net", "fasthttp":
	default:
		return errors.Newf("unknown transport %q", c.Server.Transport)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return errors.Newf("unknown log level %q", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return errors.Newf("unknown log format %q", c.Logging.Format)
	}
	if c.Middleware.BodyLimit < 0 {
		return errors.New("body_limit must not be negative")
	}
	if c.Middleware.RateLimit.Enabled && c.Middleware.RateLimit.RPS <= 0 {
		return errors.New("rate_limit.rps must be positive")
	}
	return nil
}

// IsDev reports whether development mode is on.
func (c *Config) IsDev() bool {
	if c.Dev != nil {
		return *c.Dev
	}
	return c.Env == "development"
}

// Addr returns host:port for the HTTP server.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// PluginOptions returns the options configured for plugin name.
func (c *Config) PluginOptions(name string) Options {
	return NewOptions(c.Plugins[name])
}
