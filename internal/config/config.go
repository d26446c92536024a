package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/cruciblehq/pipelined/internal/paths"
	"github.com/cruciblehq/pipelined/internal/trigger"
)

const (

	// Prefix of environment variables overriding file settings.
	envPrefix = "PIPELINED_"

	// Default address of the HTTP API.
	DefaultAddress = "127.0.0.1:8080"

	// Default containerd socket address.
	DefaultContainerdAddress = "/run/containerd/containerd.sock"

	// Default containerd namespace for images and containers.
	DefaultContainerdNamespace = "pipelined"

	// Default group granted access to a Unix socket listener.
	DefaultSocketGroup = "pipelined"
)

// Daemon settings.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Containerd  ContainerdConfig  `koanf:"containerd"`
	Docker      DockerConfig      `koanf:"docker"`
	Storage     StorageConfig     `koanf:"storage"`
	Templates   TemplatesConfig   `koanf:"templates"`
	Credentials CredentialsConfig `koanf:"credentials"`
	Timeouts    TimeoutsConfig    `koanf:"timeouts"`
	Publish     RetryConfig       `koanf:"publish"`
	Report      ReportConfig      `koanf:"report"`
	Output      OutputConfig      `koanf:"output"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
	Bindings    []trigger.Binding `koanf:"bindings"`
}

type ServerConfig struct {
	Address     string `koanf:"address"`      // host:port, or unix:///path for a Unix socket.
	SocketGroup string `koanf:"socket_group"` // Group granted access to a Unix socket.
}

type ContainerdConfig struct {
	Address     string `koanf:"address"`
	Namespace   string `koanf:"namespace"`
	Snapshotter string `koanf:"snapshotter"`
	Workspaces  string `koanf:"workspaces"` // Host directory of per-agent workspaces.
}

type DockerConfig struct {
	Host string `koanf:"host"` // Docker engine address. Empty uses DOCKER_HOST or the platform default.
}

type StorageConfig struct {
	Path string `koanf:"path"` // SQLite database path. "none" disables run history.
}

type TemplatesConfig struct {
	Dir string `koanf:"dir"`
}

type CredentialsConfig struct {
	Dir string `koanf:"dir"`
}

type TimeoutsConfig struct {
	Provision time.Duration `koanf:"provision"`
	Stage     time.Duration `koanf:"stage"`
}

type RetryConfig struct {
	Attempts int           `koanf:"attempts"`
	Backoff  time.Duration `koanf:"backoff"`
}

type ReportConfig struct {
	URL      string        `koanf:"url"` // Default status URL for bindings that do not set one.
	Attempts int           `koanf:"attempts"`
	Backoff  time.Duration `koanf:"backoff"`
	Timeout  time.Duration `koanf:"timeout"`
}

type OutputConfig struct {
	Limit int `koanf:"limit"` // Captured output bytes kept per stage.
}

type TelemetryConfig struct {
	Tracing bool `koanf:"tracing"` // Export spans to stderr.
	Metrics bool `koanf:"metrics"` // Serve /metrics.
}

// Reports whether run history is persisted.
func (c StorageConfig) Enabled() bool {
	return c.Path != "" && c.Path != "none"
}

// Loads settings from path, the environment and the defaults.
//
// An empty path selects the default configuration file, which may be absent.
// An explicit path must exist.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")

	explicit := path != ""
	if !explicit {
		path = paths.ConfigFile()
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s: %w", ErrLoad, path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("%w: environment: %w", ErrLoad, err)
	}

	setDefaults(k)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoad, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Sets every key not provided by a file or the environment.
func setDefaults(k *koanf.Koanf) {
	defaults := map[string]any{
		"server.address":         DefaultAddress,
		"server.socket_group":    DefaultSocketGroup,
		"containerd.address":     DefaultContainerdAddress,
		"containerd.namespace":   DefaultContainerdNamespace,
		"containerd.snapshotter": "overlayfs",
		"containerd.workspaces":  paths.Workspaces(),
		"storage.path":           paths.Database(),
		"templates.dir":          paths.Templates(),
		"credentials.dir":        paths.Credentials(),
		"timeouts.provision":     "120s",
		"timeouts.stage":         "30m",
		"publish.attempts":       3,
		"publish.backoff":        "2s",
		"report.attempts":        3,
		"report.backoff":         "1s",
		"report.timeout":         "10s",
		"output.limit":           64 << 10,
		"telemetry.tracing":      false,
		"telemetry.metrics":      true,
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}
}

// Checks settings that have no usable zero value.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Address == "" {
		errs = append(errs, invalid("server.address", "must not be empty"))
	}
	if c.Timeouts.Provision <= 0 {
		errs = append(errs, invalid("timeouts.provision", "must be positive"))
	}
	if c.Timeouts.Stage <= 0 {
		errs = append(errs, invalid("timeouts.stage", "must be positive"))
	}
	if c.Publish.Attempts < 1 {
		errs = append(errs, invalid("publish.attempts", "must be at least 1"))
	}
	if c.Publish.Backoff < 0 {
		errs = append(errs, invalid("publish.backoff", "must not be negative"))
	}
	if c.Report.Attempts < 1 {
		errs = append(errs, invalid("report.attempts", "must be at least 1"))
	}
	if c.Report.Backoff < 0 {
		errs = append(errs, invalid("report.backoff", "must not be negative"))
	}
	if c.Report.Timeout <= 0 {
		errs = append(errs, invalid("report.timeout", "must be positive"))
	}
	if c.Output.Limit <= 0 {
		errs = append(errs, invalid("output.limit", "must be positive"))
	}
	for i, b := range c.Bindings {
		if b.Repository == "" || b.Template == "" {
			errs = append(errs, invalid(fmt.Sprintf("bindings[%d]", i), "repository and template are required"))
		}
	}

	return errors.Join(errs...)
}

func invalid(key, reason string) error {
	return fmt.Errorf("%w: %s %s", ErrInvalid, key, reason)
}
