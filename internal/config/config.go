// Package config loads slotctl configuration.
//
// Configuration comes from a single YAML file given by the --config flag
// or the SLOTCTL_CONFIG environment variable. Values missing from the file
// keep the defaults from DefaultConfig. When no file is named at all the
// defaults, including the built-in cluster topology, are used as is.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable consulted when --config is
// not given.
const EnvConfigPath = "SLOTCTL_CONFIG"

// ControllerSlot is the slot of the always-on controller node.
const ControllerSlot = 1

// Config holds the application configuration
type Config struct {
	SSH        SSHConfig        `yaml:"ssh"`
	Controller ControllerConfig `yaml:"controller"`
	Probe      ProbeConfig      `yaml:"probe"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`

	// OperationTimeout bounds one node's boot or shutdown sequence.
	OperationTimeout time.Duration `yaml:"operation_timeout"`

	// Concurrency caps how many nodes are sequenced at once for "all"
	// targets. Zero sizes the pool to the fleet; 1 is sequential.
	Concurrency int `yaml:"concurrency"`

	Cluster ClusterConfig `yaml:"cluster"`
}

// SSHConfig configures the remote executor.
type SSHConfig struct {
	User           string        `yaml:"user"`
	Port           int           `yaml:"port"`
	KnownHosts     string        `yaml:"known_hosts"`
	IdentityFiles  []string      `yaml:"identity_files"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// ControllerConfig describes the GPIO wiring and fan controls on the
// controller host.
type ControllerConfig struct {
	GPIOChip     string        `yaml:"gpio_chip"`
	PulseWidth   time.Duration `yaml:"pulse_width"`
	SettleDelay  time.Duration `yaml:"settle_delay"`
	FanModePath  string        `yaml:"fan_mode_path"`
	FanSpeedPath string        `yaml:"fan_speed_path"`
}

// ProbeConfig selects the reachability probe.
type ProbeConfig struct {
	// Method is "icmp" or "exec".
	Method  string        `yaml:"method"`
	Timeout time.Duration `yaml:"timeout"`
}

// DiscoveryConfig configures mDNS lookups of cluster nodes.
type DiscoveryConfig struct {
	Service string        `yaml:"service"`
	Domain  string        `yaml:"domain"`
	Timeout time.Duration `yaml:"timeout"`
}

// ClusterConfig is the static topology of the cluster.
type ClusterConfig struct {
	Address string       `yaml:"address"`
	Nodes   []NodeConfig `yaml:"nodes"`
}

// NodeConfig describes one compute slot.
type NodeConfig struct {
	Hostname string `yaml:"hostname"`
	Address  string `yaml:"address"`
	Model    string `yaml:"model"`
	Slot     int    `yaml:"slot"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		SSH: SSHConfig{
			User:       os.Getenv("USER"),
			Port:       22,
			KnownHosts: filepath.Join(home, ".ssh", "known_hosts"),
			IdentityFiles: []string{
				filepath.Join(home, ".ssh", "id_ed25519"),
				filepath.Join(home, ".ssh", "id_rsa"),
			},
			ConnectTimeout: 10 * time.Second,
		},
		Controller: ControllerConfig{
			GPIOChip:     "gpiochip2",
			PulseWidth:   time.Second,
			SettleDelay:  2 * time.Second,
			FanModePath:  "/sys/class/thermal/thermal_zone2/mode",
			FanSpeedPath: "/sys/class/thermal/cooling_device0/cur_state",
		},
		Probe: ProbeConfig{
			Method:  "icmp",
			Timeout: time.Second,
		},
		Discovery: DiscoveryConfig{
			Service: "_ssh._tcp",
			Domain:  "local.",
			Timeout: 5 * time.Second,
		},
		OperationTimeout: 60 * time.Second,
		Cluster: ClusterConfig{
			Address: "131.254.100.102",
			Nodes: []NodeConfig{
				{Hostname: "lpi3h-0", Address: "131.254.100.100", Model: "LPI3H", Slot: 1},
				{Hostname: "cm4-0", Address: "131.254.100.96", Model: "CM4", Slot: 2},
				{Hostname: "cm4-1", Address: "131.254.100.29", Model: "CM4", Slot: 3},
				{Hostname: "cm5-0", Address: "131.254.100.97", Model: "CM5", Slot: 5},
				{Hostname: "cm5-1", Address: "131.254.100.98", Model: "CM5", Slot: 6},
				{Hostname: "cm5-2", Address: "131.254.100.99", Model: "CM5", Slot: 7},
			},
		},
	}
}

// ResolvePath returns the config file to load: the explicit flag value if
// set, otherwise SLOTCTL_CONFIG. An empty result means "use defaults".
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv(EnvConfigPath)
}

// Load reads the YAML file at path over DefaultConfig and validates the
// result. An empty path returns the validated defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := Parse(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML data into cfg. A nodes list in data replaces the
// default topology rather than merging with it.
func Parse(data []byte, cfg *Config) error {
	var probe struct {
		Cluster struct {
			Nodes []NodeConfig `yaml:"nodes"`
		} `yaml:"cluster"`
	}
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return err
	}
	if probe.Cluster.Nodes != nil {
		cfg.Cluster.Nodes = nil
	}
	return yaml.Unmarshal(data, cfg)
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	var errs []error

	if c.SSH.User == "" {
		errs = append(errs, errors.New("ssh.user is required"))
	}
	if c.SSH.Port <= 0 || c.SSH.Port > 65535 {
		errs = append(errs, fmt.Errorf("ssh.port %d out of range", c.SSH.Port))
	}
	if c.SSH.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("ssh.connect_timeout must be positive"))
	}
	if c.Controller.GPIOChip == "" {
		errs = append(errs, errors.New("controller.gpio_chip is required"))
	}
	if c.Controller.PulseWidth <= 0 {
		errs = append(errs, errors.New("controller.pulse_width must be positive"))
	}
	if c.Controller.SettleDelay < 0 {
		errs = append(errs, errors.New("controller.settle_delay must not be negative"))
	}
	switch c.Probe.Method {
	case "icmp", "exec":
	default:
		errs = append(errs, fmt.Errorf("probe.method %q must be icmp or exec", c.Probe.Method))
	}
	if c.Probe.Timeout <= 0 {
		errs = append(errs, errors.New("probe.timeout must be positive"))
	}
	if c.OperationTimeout <= 0 {
		errs = append(errs, errors.New("operation_timeout must be positive"))
	}
	if c.Concurrency < 0 {
		errs = append(errs, errors.New("concurrency must not be negative"))
	}

	errs = append(errs, c.Cluster.validate()...)

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

func (cc *ClusterConfig) validate() []error {
	var errs []error
	if len(cc.Nodes) == 0 {
		return append(errs, errors.New("cluster.nodes must not be empty"))
	}

	seen := make(map[int]string, len(cc.Nodes))
	for i, n := range cc.Nodes {
		if n.Hostname == "" {
			errs = append(errs, fmt.Errorf("cluster.nodes[%d]: hostname is required", i))
		}
		if n.Slot <= 0 {
			errs = append(errs, fmt.Errorf("cluster.nodes[%d]: slot %d must be positive", i, n.Slot))
		}
		if other, dup := seen[n.Slot]; dup {
			errs = append(errs, fmt.Errorf("cluster.nodes[%d]: slot %d already used by %s", i, n.Slot, other))
		}
		seen[n.Slot] = n.Hostname
	}
	if _, ok := seen[ControllerSlot]; !ok {
		errs = append(errs, fmt.Errorf("cluster.nodes: no controller node in slot %d", ControllerSlot))
	}
	return errs
}
