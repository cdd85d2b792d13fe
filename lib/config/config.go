// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"regexp"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvironmentVariable names the config file when --config is absent.
const EnvironmentVariable = "SUPERVISOR_CONFIG"

// Driver family names accepted in network.families.
const (
	FamilyXbee          = "xbee"
	FamilyFernbedienung = "fernbedienung"
	FamilySSH           = "ssh"
)

// Config is the complete supervisor configuration.
type Config struct {
	Router    RouterConfig    `yaml:"router"`
	UI        UIConfig        `yaml:"ui"`
	Mocap     MocapConfig     `yaml:"mocap"`
	Network   NetworkConfig   `yaml:"network"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	SSH       SSHConfig       `yaml:"ssh"`
	Journal   JournalConfig   `yaml:"journal"`
	Robots    []RobotConfig   `yaml:"robots"`
}

// RouterConfig configures the radio traffic relay.
type RouterConfig struct {
	// Address is the TCP listen address. Default: ":4950".
	Address string `yaml:"address"`

	// QueueDepth bounds each peer's outbound queue. A peer whose
	// queue fills is disconnected. Default: 256.
	QueueDepth int `yaml:"queue_depth"`

	// MaxMessageBytes bounds a single framed message. Default: 64 KiB.
	MaxMessageBytes int `yaml:"max_message_bytes"`
}

// UIConfig configures the operator interface.
type UIConfig struct {
	// Address is the HTTP listen address. Default: "127.0.0.1:3030".
	Address string `yaml:"address"`

	// StaticDirectory optionally serves the browser client.
	StaticDirectory string `yaml:"static_directory"`
}

// MocapConfig configures motion-capture ingest.
type MocapConfig struct {
	Enabled bool `yaml:"enabled"`

	// Version is the stream protocol version handed to the decoder.
	// Default: "3.0".
	Version string `yaml:"version"`

	// Port is the UDP data port. Default: 1511.
	Port int `yaml:"port"`

	// Group is the multicast group. Default: "239.255.42.99".
	Group string `yaml:"group"`

	// Interface names the network interface used to join the group.
	// Empty lets the kernel choose.
	Interface string `yaml:"interface"`
}

// NetworkConfig configures discovery.
type NetworkConfig struct {
	// Range is the IPv4 prefix probed for robots.
	Range string `yaml:"range"`

	// Families lists the link families tried for each address, in
	// order. Default: fernbedienung, xbee.
	Families []string `yaml:"families"`

	// Interval separates discovery sweeps. Default: 2s.
	Interval time.Duration `yaml:"interval"`

	// Concurrency bounds simultaneous probes. Default: 32.
	Concurrency int `yaml:"concurrency"`

	// ProbeTimeout bounds one probe of one family. Default: 750ms.
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
}

// ReconnectConfig configures Robot Actor recovery from transport faults.
type ReconnectConfig struct {
	// InitialBackoff is the first retry delay. Default: 250ms.
	InitialBackoff time.Duration `yaml:"initial_backoff"`

	// MaxBackoff caps the doubling delay. Default: 8s.
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// MaxAttempts is the number of failed reconnections after which
	// the robot is released. Default: 8.
	MaxAttempts int `yaml:"max_attempts"`
}

// SSHConfig configures the ssh link family.
type SSHConfig struct {
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	KeyFile  string `yaml:"key_file"`
	Port     int    `yaml:"port"`

	// KnownHostsFile pins robot host keys. Empty accepts any host key,
	// which is the norm on an isolated experiment network.
	KnownHostsFile string `yaml:"known_hosts_file"`
}

// JournalConfig configures the experiment journal.
type JournalConfig struct {
	// Directory receives journal-YYYYMMDD-HHMMSS.db files.
	// Default: "${HOME}/.local/share/supervisor/journal".
	Directory string `yaml:"directory"`

	// CompressThreshold is the payload size at or above which entries
	// are compressed. Zero disables compression. Default: 256.
	CompressThreshold int `yaml:"compress_threshold"`
}

// RobotConfig declares one robot identity.
type RobotConfig struct {
	ID        string   `yaml:"id"`
	Kind      string   `yaml:"kind"`
	Addresses []string `yaml:"addresses"`
	RigidBody *int32   `yaml:"rigid_body,omitempty"`
}

// Default returns the configuration every file is merged onto.
func Default() *Config {
	return &Config{
		Router: RouterConfig{
			Address:         ":4950",
			QueueDepth:      256,
			MaxMessageBytes: 64 * 1024,
		},
		UI: UIConfig{
			Address: "127.0.0.1:3030",
		},
		Mocap: MocapConfig{
			Version: "3.0",
			Port:    1511,
			Group:   "239.255.42.99",
		},
		Network: NetworkConfig{
			Families:     []string{FamilyFernbedienung, FamilyXbee},
			Interval:     2 * time.Second,
			Concurrency:  32,
			ProbeTimeout: 750 * time.Millisecond,
		},
		Reconnect: ReconnectConfig{
			InitialBackoff: 250 * time.Millisecond,
			MaxBackoff:     8 * time.Second,
			MaxAttempts:    8,
		},
		SSH: SSHConfig{
			User: "root",
			Port: 22,
		},
		Journal: JournalConfig{
			Directory:         "${HOME}/.local/share/supervisor/journal",
			CompressThreshold: 256,
		},
	}
}

// Load reads the file named by SUPERVISOR_CONFIG.
func Load() (*Config, error) {
	path := os.Getenv(EnvironmentVariable)
	if path == "" {
		return nil, fmt.Errorf("%s is not set; set it to the path of the supervisor config file or pass --config", EnvironmentVariable)
	}
	return LoadFile(path)
}

// LoadFile reads, expands and validates the file at path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse merges YAML data onto Default, expands path variables and
// validates the result.
func Parse(data []byte) (*Config, error) {
	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	config.expandVariables()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) expandVariables() {
	c.Journal.Directory = expandVars(c.Journal.Directory)
	c.SSH.KeyFile = expandVars(c.SSH.KeyFile)
	c.SSH.KnownHostsFile = expandVars(c.SSH.KnownHostsFile)
	c.UI.StaticDirectory = expandVars(c.UI.StaticDirectory)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars replaces ${VAR} and ${VAR:-default} with environment
// values. An unset or empty variable takes the default.
func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
}

var knownKinds = []string{"drone", "pipuck", "builderbot"}

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Router.Address == "" {
		errs = append(errs, errors.New("router.address is required"))
	}
	if c.Router.QueueDepth <= 0 {
		errs = append(errs, errors.New("router.queue_depth must be positive"))
	}
	if c.Router.MaxMessageBytes <= 0 {
		errs = append(errs, errors.New("router.max_message_bytes must be positive"))
	}
	if c.UI.Address == "" {
		errs = append(errs, errors.New("ui.address is required"))
	}

	if c.Mocap.Enabled {
		if c.Mocap.Port <= 0 || c.Mocap.Port > 65535 {
			errs = append(errs, fmt.Errorf("mocap.port %d out of range", c.Mocap.Port))
		}
		if group := net.ParseIP(c.Mocap.Group); group == nil || !group.IsMulticast() {
			errs = append(errs, fmt.Errorf("mocap.group %q is not a multicast address", c.Mocap.Group))
		}
	}

	if c.Network.Range == "" {
		errs = append(errs, errors.New("network.range is required"))
	} else if prefix, err := netip.ParsePrefix(c.Network.Range); err != nil {
		errs = append(errs, fmt.Errorf("network.range: %w", err))
	} else if !prefix.Addr().Is4() {
		errs = append(errs, fmt.Errorf("network.range %q is not IPv4", c.Network.Range))
	}
	if len(c.Network.Families) == 0 {
		errs = append(errs, errors.New("network.families must name at least one link family"))
	}
	for _, family := range c.Network.Families {
		if !slices.Contains([]string{FamilyXbee, FamilyFernbedienung, FamilySSH}, family) {
			errs = append(errs, fmt.Errorf("network.families: unknown family %q", family))
		}
	}
	if c.Network.Interval <= 0 {
		errs = append(errs, errors.New("network.interval must be positive"))
	}
	if c.Network.Concurrency <= 0 {
		errs = append(errs, errors.New("network.concurrency must be positive"))
	}
	if c.Network.ProbeTimeout <= 0 {
		errs = append(errs, errors.New("network.probe_timeout must be positive"))
	}

	if c.Reconnect.InitialBackoff <= 0 || c.Reconnect.MaxBackoff < c.Reconnect.InitialBackoff {
		errs = append(errs, errors.New("reconnect: need 0 < initial_backoff <= max_backoff"))
	}
	if c.Reconnect.MaxAttempts <= 0 {
		errs = append(errs, errors.New("reconnect.max_attempts must be positive"))
	}

	if slices.Contains(c.Network.Families, FamilySSH) && c.SSH.Password == "" && c.SSH.KeyFile == "" {
		errs = append(errs, errors.New("ssh family enabled but neither ssh.password nor ssh.key_file is set"))
	}

	if c.Journal.Directory == "" {
		errs = append(errs, errors.New("journal.directory is required"))
	}
	if c.Journal.CompressThreshold < 0 {
		errs = append(errs, errors.New("journal.compress_threshold must not be negative"))
	}

	seen := make(map[string]bool)
	for index, robot := range c.Robots {
		if robot.ID == "" {
			errs = append(errs, fmt.Errorf("robots[%d]: id is required", index))
		} else if seen[robot.ID] {
			errs = append(errs, fmt.Errorf("robots[%d]: duplicate id %q", index, robot.ID))
		}
		seen[robot.ID] = true
		if !slices.Contains(knownKinds, robot.Kind) {
			errs = append(errs, fmt.Errorf("robots[%d] %s: kind must be one of %v", index, robot.ID, knownKinds))
		}
		if len(robot.Addresses) == 0 {
			errs = append(errs, fmt.Errorf("robots[%d] %s: at least one hardware address is required", index, robot.ID))
		}
	}

	return errors.Join(errs...)
}
