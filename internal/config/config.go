// Package config loads holonet.toml. Every key is optional; absent keys keep
// their defaults and HOLONET_* environment variables override the file.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"holonet/internal/logging"
	"holonet/internal/network"
)

const (
	DefaultAddr           = "127.0.0.1:8080"
	DefaultMaxWorkers     = 256
	DefaultMaxConnsPerIP  = 32
	DefaultIOTimeout      = 10 * time.Second
	DefaultDialTimeout    = 5 * time.Second
	DefaultHomeDir        = ".holonet"
	DefaultKnownHostsFile = "known_hosts.jsonl"
	DefaultMetricsFile    = "metrics.json"
	DefaultConfigFile     = "holonet.toml"
)

type Config struct {
	Node   NodeConfig
	Server ServerConfig
	Client ClientConfig
	Trust  TrustConfig
	Log    LogConfig
}

type NodeConfig struct {
	Home       string
	Passphrase string
}

type ServerConfig struct {
	Addr            string
	Transport       string
	MaxWorkers      int
	MaxConnsPerIP   int
	MaxMessageBytes int64
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	MetricsPath     string
}

type ClientConfig struct {
	Addr            string
	Transport       string
	DialTimeout     time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64
}

type TrustConfig struct {
	Persist    bool
	KnownHosts string
}

type LogConfig struct {
	Level     string
	Format    string
	Timestamp bool
	NoColor   bool
}

func defaultHome() string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, DefaultHomeDir)
	}
	return DefaultHomeDir
}

func Default() Config {
	return Config{
		Node: NodeConfig{Home: defaultHome()},
		Server: ServerConfig{
			Addr:            DefaultAddr,
			Transport:       network.TransportTCP,
			MaxWorkers:      DefaultMaxWorkers,
			MaxConnsPerIP:   DefaultMaxConnsPerIP,
			MaxMessageBytes: network.DefaultMaxMessageBytes,
			ReadTimeout:     DefaultIOTimeout,
			WriteTimeout:    DefaultIOTimeout,
		},
		Client: ClientConfig{
			Addr:            DefaultAddr,
			Transport:       network.TransportTCP,
			DialTimeout:     DefaultDialTimeout,
			ReadTimeout:     DefaultIOTimeout,
			WriteTimeout:    DefaultIOTimeout,
			MaxMessageBytes: network.DefaultMaxMessageBytes,
		},
		Trust: TrustConfig{Persist: true},
		Log:   LogConfig{Level: "info", Format: "console", Timestamp: true},
	}
}

type fileConfig struct {
	Node struct {
		Home       string `toml:"home"`
		Passphrase string `toml:"passphrase"`
	} `toml:"node"`
	Server struct {
		Addr            string `toml:"addr"`
		Transport       string `toml:"transport"`
		MaxWorkers      int    `toml:"max_workers"`
		MaxConnsPerIP   int    `toml:"max_conns_per_ip"`
		MaxMessageBytes int64  `toml:"max_message_bytes"`
		ReadTimeout     string `toml:"read_timeout"`
		WriteTimeout    string `toml:"write_timeout"`
		MetricsPath     string `toml:"metrics_path"`
	} `toml:"server"`
	Client struct {
		Addr            string `toml:"addr"`
		Transport       string `toml:"transport"`
		DialTimeout     string `toml:"dial_timeout"`
		ReadTimeout     string `toml:"read_timeout"`
		WriteTimeout    string `toml:"write_timeout"`
		MaxMessageBytes int64  `toml:"max_message_bytes"`
	} `toml:"client"`
	Trust struct {
		Persist    bool   `toml:"persist"`
		KnownHosts string `toml:"known_hosts"`
	} `toml:"trust"`
	Log struct {
		Level     string `toml:"level"`
		Format    string `toml:"format"`
		Timestamp bool   `toml:"timestamp"`
		NoColor   bool   `toml:"no_color"`
	} `toml:"log"`
}

// Load reads path over the defaults. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := cfg.decodeFile(path); err != nil {
				return Config{}, err
			}
		} else if !os.IsNotExist(err) {
			return Config{}, errors.Wrap(err, "stat config")
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	cfg.fillDerived()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes TOML text over the defaults without consulting the
// environment.
func Parse(text string) (Config, error) {
	cfg := Default()
	var raw fileConfig
	meta, err := toml.Decode(text, &raw)
	if err != nil {
		return Config{}, errors.Wrap(err, "decode config")
	}
	if err := cfg.merge(raw, meta); err != nil {
		return Config{}, err
	}
	cfg.fillDerived()
	return cfg, cfg.Validate()
}

func (c *Config) decodeFile(path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return errors.Wrapf(err, "load config %s", path)
	}
	return c.merge(raw, meta)
}

func (c *Config) merge(raw fileConfig, meta toml.MetaData) error {
	if meta.IsDefined("node", "home") {
		c.Node.Home = strings.TrimSpace(raw.Node.Home)
	}
	if meta.IsDefined("node", "passphrase") {
		c.Node.Passphrase = raw.Node.Passphrase
	}

	if meta.IsDefined("server", "addr") {
		c.Server.Addr = strings.TrimSpace(raw.Server.Addr)
	}
	if meta.IsDefined("server", "transport") {
		c.Server.Transport = strings.TrimSpace(raw.Server.Transport)
	}
	if meta.IsDefined("server", "max_workers") {
		c.Server.MaxWorkers = raw.Server.MaxWorkers
	}
	if meta.IsDefined("server", "max_conns_per_ip") {
		c.Server.MaxConnsPerIP = raw.Server.MaxConnsPerIP
	}
	if meta.IsDefined("server", "max_message_bytes") {
		c.Server.MaxMessageBytes = raw.Server.MaxMessageBytes
	}
	if err := setDuration(meta, raw.Server.ReadTimeout, &c.Server.ReadTimeout, "server", "read_timeout"); err != nil {
		return err
	}
	if err := setDuration(meta, raw.Server.WriteTimeout, &c.Server.WriteTimeout, "server", "write_timeout"); err != nil {
		return err
	}
	if meta.IsDefined("server", "metrics_path") {
		c.Server.MetricsPath = strings.TrimSpace(raw.Server.MetricsPath)
	}

	if meta.IsDefined("client", "addr") {
		c.Client.Addr = strings.TrimSpace(raw.Client.Addr)
	}
	if meta.IsDefined("client", "transport") {
		c.Client.Transport = strings.TrimSpace(raw.Client.Transport)
	}
	if err := setDuration(meta, raw.Client.DialTimeout, &c.Client.DialTimeout, "client", "dial_timeout"); err != nil {
		return err
	}
	if err := setDuration(meta, raw.Client.ReadTimeout, &c.Client.ReadTimeout, "client", "read_timeout"); err != nil {
		return err
	}
	if err := setDuration(meta, raw.Client.WriteTimeout, &c.Client.WriteTimeout, "client", "write_timeout"); err != nil {
		return err
	}
	if meta.IsDefined("client", "max_message_bytes") {
		c.Client.MaxMessageBytes = raw.Client.MaxMessageBytes
	}

	if meta.IsDefined("trust", "persist") {
		c.Trust.Persist = raw.Trust.Persist
	}
	if meta.IsDefined("trust", "known_hosts") {
		c.Trust.KnownHosts = strings.TrimSpace(raw.Trust.KnownHosts)
	}

	if meta.IsDefined("log", "level") {
		c.Log.Level = strings.TrimSpace(raw.Log.Level)
	}
	if meta.IsDefined("log", "format") {
		c.Log.Format = strings.TrimSpace(raw.Log.Format)
	}
	if meta.IsDefined("log", "timestamp") {
		c.Log.Timestamp = raw.Log.Timestamp
	}
	if meta.IsDefined("log", "no_color") {
		c.Log.NoColor = raw.Log.NoColor
	}
	return nil
}

func setDuration(meta toml.MetaData, raw string, dst *time.Duration, key ...string) error {
	if !meta.IsDefined(key...) {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return errors.Wrapf(err, "parse %s", strings.Join(key, "."))
	}
	*dst = d
	return nil
}

func (c *Config) applyEnv() error {
	if v := strings.TrimSpace(os.Getenv("HOLONET_ADDR")); v != "" {
		c.Server.Addr = v
		c.Client.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("HOLONET_HOME")); v != "" {
		c.Node.Home = v
	}
	if v := strings.TrimSpace(os.Getenv("HOLONET_TRANSPORT")); v != "" {
		c.Server.Transport = v
		c.Client.Transport = v
	}
	if v, ok := os.LookupEnv("HOLONET_PASSPHRASE"); ok {
		c.Node.Passphrase = v
	}
	if v := strings.TrimSpace(os.Getenv("HOLONET_MAX_WORKERS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, "HOLONET_MAX_WORKERS")
		}
		c.Server.MaxWorkers = n
	}
	return nil
}

// fillDerived resolves paths that default to locations under the home dir.
func (c *Config) fillDerived() {
	if c.Trust.KnownHosts == "" {
		c.Trust.KnownHosts = filepath.Join(c.Node.Home, DefaultKnownHostsFile)
	}
}

// SetHome moves the node home. Paths derived from the old home follow it.
func (c *Config) SetHome(home string) {
	if c.Trust.KnownHosts == filepath.Join(c.Node.Home, DefaultKnownHostsFile) {
		c.Trust.KnownHosts = ""
	}
	c.Node.Home = home
	c.fillDerived()
}

// MetricsPath returns the configured snapshot path or the default one under
// the home dir.
func (c Config) MetricsPath() string {
	if c.Server.MetricsPath != "" {
		return c.Server.MetricsPath
	}
	return filepath.Join(c.Node.Home, DefaultMetricsFile)
}

func (c Config) Validate() error {
	if c.Node.Home == "" {
		return errors.New("config: node.home is empty")
	}
	if c.Server.Addr == "" {
		return errors.New("config: server.addr is empty")
	}
	if !network.ValidTransport(c.Server.Transport) {
		return errors.Errorf("config: unknown server.transport %q", c.Server.Transport)
	}
	if !network.ValidTransport(c.Client.Transport) {
		return errors.Errorf("config: unknown client.transport %q", c.Client.Transport)
	}
	if c.Server.MaxWorkers < 1 {
		return errors.Errorf("config: server.max_workers must be positive, got %d", c.Server.MaxWorkers)
	}
	if c.Server.MaxConnsPerIP < 0 {
		return errors.Errorf("config: server.max_conns_per_ip must not be negative, got %d", c.Server.MaxConnsPerIP)
	}
	if c.Server.MaxMessageBytes <= 0 || c.Client.MaxMessageBytes <= 0 {
		return errors.New("config: max_message_bytes must be positive")
	}
	for name, d := range map[string]time.Duration{
		"server.read_timeout":  c.Server.ReadTimeout,
		"server.write_timeout": c.Server.WriteTimeout,
		"client.dial_timeout":  c.Client.DialTimeout,
		"client.read_timeout":  c.Client.ReadTimeout,
		"client.write_timeout": c.Client.WriteTimeout,
	} {
		if d < 0 {
			return errors.Errorf("config: %s must not be negative", name)
		}
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "console", "json":
	default:
		return errors.Errorf("config: unknown log.format %q", c.Log.Format)
	}
	return nil
}

// ApplyTo copies the [log] section onto a logging configuration.
func (l LogConfig) ApplyTo(cfg *logging.Config) {
	if lvl, ok := logging.ParseLevel(l.Level); ok {
		cfg.Level = lvl
	}
	if l.Format != "" {
		cfg.Format = strings.ToLower(l.Format)
	}
	cfg.Timestamp = l.Timestamp
	cfg.NoColor = l.NoColor
}
