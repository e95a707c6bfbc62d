// Package config loads the gateway configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/devtomas22/note/internal/models"
)

// Dir is the per-user configuration directory under $HOME.
const Dir = ".note"

var validate = validator.New()

// Duration is a time.Duration written as a string ("5s") in YAML.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

// Config is the daemon configuration.
type Config struct {
	// Listen is the HTTP address of the gateway.
	Listen string `yaml:"listen" validate:"required,hostname_port"`
	// DBPath is the SQLite database file.
	DBPath string `yaml:"db_path" validate:"required"`
	// AuthToken protects /api when set.
	AuthToken string `yaml:"auth_token,omitempty"`
	LogLevel  string `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
	LogJSON   bool   `yaml:"log_json"`

	// WorkDir is the working directory of subprocess kernels.
	WorkDir string `yaml:"work_dir,omitempty"`
	// AllowedPrograms restricts argv[0] of subprocess kernels. Empty allows
	// any program.
	AllowedPrograms []string `yaml:"allowed_programs,omitempty"`
	// DefaultKernel names the kernelspec used when a client names none.
	DefaultKernel string `yaml:"default_kernel,omitempty"`
	// KernelSpecs are registered after the built-in ones and may replace them.
	KernelSpecs []models.KernelSpec `yaml:"kernelspecs,omitempty" validate:"dive"`

	Kernels KernelConfig `yaml:"kernels"`
	Culler  CullerConfig `yaml:"culler"`
}

// KernelConfig tunes the supervisor and execution queues.
type KernelConfig struct {
	MaxKernels        int      `yaml:"max_kernels" validate:"gte=0"`
	StartupTimeout    Duration `yaml:"startup_timeout" validate:"gt=0"`
	ShutdownGrace     Duration `yaml:"shutdown_grace" validate:"gt=0"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval" validate:"gte=0"`
	HeartbeatTimeout  Duration `yaml:"heartbeat_timeout" validate:"gte=0"`
	ExecutionTimeout  Duration `yaml:"execution_timeout" validate:"gte=0"`
	CancelGrace       Duration `yaml:"cancel_grace" validate:"gt=0"`
}

// CullerConfig tunes idle-kernel culling.
type CullerConfig struct {
	Interval Duration `yaml:"interval" validate:"gt=0"`
	// IdleTimeout of zero disables culling of idle kernels.
	IdleTimeout   Duration `yaml:"idle_timeout" validate:"gte=0"`
	CullConnected bool     `yaml:"cull_connected"`
	DeadRetention Duration `yaml:"dead_retention" validate:"gte=0"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen:   "127.0.0.1:8888",
		DBPath:   defaultDBPath(),
		LogLevel: "info",
		Kernels: KernelConfig{
			StartupTimeout:    Duration(30 * time.Second),
			ShutdownGrace:     Duration(5 * time.Second),
			HeartbeatInterval: Duration(time.Second),
			HeartbeatTimeout:  Duration(5 * time.Second),
			CancelGrace:       Duration(5 * time.Second),
		},
		Culler: CullerConfig{
			Interval:      Duration(time.Minute),
			DeadRetention: Duration(10 * time.Minute),
		},
	}
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(Dir, "note.db")
	}
	return filepath.Join(home, Dir, "note.db")
}

// LoadConfig loads configuration from a YAML file. A missing file yields
// the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// HomePath returns ~/.note/config.yaml.
func HomePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, Dir, "config.yaml"), nil
}

// LoadConfigFromHome loads configuration from ~/.note/config.yaml.
func LoadConfigFromHome() (*Config, error) {
	path, err := HomePath()
	if err != nil {
		return DefaultConfig(), nil
	}
	return LoadConfig(path)
}

// SaveConfig saves configuration to a YAML file, creating parent directories if needed.
func SaveConfig(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// Validate checks struct tags and cross-field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s: failed %q validation", fe.Namespace(), fe.Tag())
		}
		return err
	}

	k := c.Kernels
	if k.HeartbeatInterval > 0 && k.HeartbeatTimeout <= k.HeartbeatInterval {
		return fmt.Errorf("kernels.heartbeat_timeout (%s) must exceed heartbeat_interval (%s)",
			k.HeartbeatTimeout.D(), k.HeartbeatInterval.D())
	}

	seen := make(map[string]bool, len(c.KernelSpecs))
	for _, s := range c.KernelSpecs {
		if seen[s.Name] {
			return fmt.Errorf("kernelspec %q defined twice", s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}
