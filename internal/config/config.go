// Package config loads the daemon configuration from a YAML file and
// fills in deployment defaults.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Listener is one TCP accept endpoint.
type Listener struct {
	IP   string `yaml:"ip"`
	Port int    `yaml:"port"`
}

func (l Listener) Addr() string {
	return fmt.Sprintf("%s:%d", l.IP, l.Port)
}

// TLS points at an optional certificate pair. Both paths empty means
// plaintext listeners.
type TLS struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Advertise is the signaling endpoint handed to devices in order
// credentials. It usually differs from the bind address behind NAT or a
// load balancer.
type Advertise struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DevicePool bounds the device-ID space seeded into the store.
type DevicePool struct {
	First int64 `yaml:"first"`
	Count int64 `yaml:"count"`
}

type Config struct {
	ControllingListener Listener   `yaml:"controlling_listener"`
	ControlledListener  Listener   `yaml:"controlled_listener"`
	SignalingListener   Listener   `yaml:"signaling_listener"`
	TLS                 TLS        `yaml:"tls"`
	SignalingAdvertise  Advertise  `yaml:"signaling_advertise"`
	Relays              []string   `yaml:"relays"`
	Reflexes            []string   `yaml:"reflexes"`
	Database            string     `yaml:"database"`
	SecretFile          string     `yaml:"secret_file"`
	DevicePool          DevicePool `yaml:"device_pool"`
	WorkerPoolSize      int        `yaml:"worker_pool_size"`
	StatsListen         string     `yaml:"stats_listen"`
}

// Load reads and validates a config file. A missing file is an error;
// deployments must be explicit about where they run.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ControllingListener.Port == 0 {
		c.ControllingListener.Port = 8001
	}
	if c.ControlledListener.Port == 0 {
		c.ControlledListener.Port = 8002
	}
	if c.SignalingListener.Port == 0 {
		c.SignalingListener.Port = 8003
	}
	if c.SignalingAdvertise.Port == 0 {
		c.SignalingAdvertise.Port = c.SignalingListener.Port
	}
	if c.Database == "" {
		c.Database = "rendezvous.db"
	}
	if c.SecretFile == "" {
		c.SecretFile = "rendezvous.secret"
	}
	if c.DevicePool.First == 0 {
		c.DevicePool.First = 100_000_000
	}
	if c.DevicePool.Count == 0 {
		c.DevicePool.Count = 100_000
	}
	if c.WorkerPoolSize == 0 {
		c.WorkerPoolSize = 8
	}
	if c.StatsListen == "" {
		c.StatsListen = "127.0.0.1:8090"
	}
}

func (c *Config) validate() error {
	seen := map[string]string{}
	for _, l := range []struct {
		name string
		lis  Listener
	}{
		{"controlling_listener", c.ControllingListener},
		{"controlled_listener", c.ControlledListener},
		{"signaling_listener", c.SignalingListener},
	} {
		if l.lis.Port < 1 || l.lis.Port > 65535 {
			return fmt.Errorf("%s: port %d out of range", l.name, l.lis.Port)
		}
		addr := l.lis.Addr()
		if other, clash := seen[addr]; clash {
			return fmt.Errorf("%s: address %s already used by %s", l.name, addr, other)
		}
		seen[addr] = l.name
	}
	if c.SignalingAdvertise.Host == "" {
		return fmt.Errorf("signaling_advertise.host is required")
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return fmt.Errorf("tls: cert_file and key_file must be set together")
	}
	if c.DevicePool.First < 1 || c.DevicePool.Count < 1 {
		return fmt.Errorf("device_pool: first and count must be positive")
	}
	if c.WorkerPoolSize < 1 {
		return fmt.Errorf("worker_pool_size must be positive")
	}
	return nil
}
