package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the proxy pool. Timeouts and intervals are
// plain seconds so the file stays editable by hand.
type Config struct {
	DB    DBConfig    `yaml:"db"`
	SSH   SSHConfig   `yaml:"ssh"`
	Ports PortsConfig `yaml:"ports"`
	Admin AdminConfig `yaml:"admin"`
}

type DBConfig struct {
	// Driver is one of "sqlite", "mysql" or "postgres".
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type SSHConfig struct {
	// Workers is the size of the credential-checking pool.
	Workers               int    `yaml:"workers"`
	ConnectTimeoutSeconds int    `yaml:"connect_timeout_seconds"`
	LoginTimeoutSeconds   int    `yaml:"login_timeout_seconds"`
	// CandidatePorts are the remote SSH ports tried when no port is cached
	// for a credential yet.
	CandidatePorts []int  `yaml:"candidate_ports"`
	IPCheckURL     string `yaml:"ip_check_url"`
}

type PortsConfig struct {
	// Workers is the size of the port-management pool.
	Workers int `yaml:"workers"`
	// Numbers is the fixed set of local SOCKS5 ports exposed to clients.
	Numbers []int `yaml:"numbers"`
	// UniqueCredentials forbids reusing a credential a port has already
	// worn out, until the port is reset.
	UniqueCredentials     bool `yaml:"unique_credentials"`
	AutoRotate            bool `yaml:"auto_rotate"`
	RotateIntervalSeconds int  `yaml:"rotate_interval_seconds"`
}

type AdminConfig struct {
	Listen string `yaml:"listen"`
}

func (c SSHConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

func (c SSHConfig) LoginTimeout() time.Duration {
	return time.Duration(c.LoginTimeoutSeconds) * time.Second
}

func (c PortsConfig) RotateInterval() time.Duration {
	return time.Duration(c.RotateIntervalSeconds) * time.Second
}

// Default returns the configuration written on first run.
func Default() *Config {
	return &Config{
		DB: DBConfig{
			Driver: "sqlite",
			DSN:    "proxypool.db",
		},
		SSH: SSHConfig{
			Workers:               20,
			ConnectTimeoutSeconds: 30,
			LoginTimeoutSeconds:   15,
			CandidatePorts:        []int{22},
			IPCheckURL:            "http://checkip.amazonaws.com",
		},
		Ports: PortsConfig{
			Workers:               20,
			Numbers:               []int{30000, 30001, 30002, 30003, 30004},
			UniqueCredentials:     true,
			AutoRotate:            true,
			RotateIntervalSeconds: 60,
		},
		Admin: AdminConfig{
			Listen: ":6080",
		},
	}
}

// Load reads the config at path. A missing file is not an error: the
// defaults are written there and returned, so a fresh install starts with an
// editable config on disk.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg := Default()
		if err := Write(path, cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Write persists cfg to path as YAML.
func Write(path string, cfg *Config) error {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return errors.Wrapf(err, "write config %s", path)
	}
	return nil
}

func (c *Config) validate() error {
	if c.SSH.Workers < 1 {
		return errors.New("ssh.workers must be at least 1")
	}
	if c.Ports.Workers < 1 {
		return errors.New("ports.workers must be at least 1")
	}
	switch c.DB.Driver {
	case "sqlite", "mysql", "postgres":
	default:
		return errors.Errorf("unknown db driver %q", c.DB.Driver)
	}
	for _, n := range c.Ports.Numbers {
		if n < 1 || n > 65535 {
			return errors.Errorf("invalid local port %d", n)
		}
	}
	if len(c.SSH.CandidatePorts) == 0 {
		c.SSH.CandidatePorts = []int{22}
	}
	return nil
}
