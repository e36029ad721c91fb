// Package config loads process configuration from defaults, an optional
// YAML file and HITLFLOW_* environment variables, in that order.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of environment overrides. A double underscore
// separates nesting levels, e.g. HITLFLOW_WORKFLOW__MATCH_THRESHOLD.
const EnvPrefix = "HITLFLOW_"

// Config is the full process configuration.
type Config struct {
	Workflow WorkflowConfig `koanf:"workflow"`
	Store    StoreConfig    `koanf:"store"`
	Queue    QueueConfig    `koanf:"queue"`
	Server   ServerConfig   `koanf:"server"`
	Log      LogConfig      `koanf:"log"`
}

type WorkflowConfig struct {
	Name            string  `koanf:"name" validate:"required"`
	MatchThreshold  float64 `koanf:"match_threshold" validate:"gte=0,lte=1"`
	TolerancePct    float64 `koanf:"tolerance_pct" validate:"gte=0"`
	GraphFile       string  `koanf:"graph_file"`
	MaxReviewCycles int     `koanf:"max_review_cycles" validate:"gte=0"`
}

type StoreConfig struct {
	// DSN selects the backend by scheme: sqlite://, postgres://,
	// postgresql://, file:// or memory://.
	DSN           string `koanf:"dsn" validate:"required"`
	CheckpointDir string `koanf:"checkpoint_dir"`
}

type QueueConfig struct {
	Driver    string `koanf:"driver" validate:"oneof=memory redis"`
	RedisAddr string `koanf:"redis_addr" validate:"required_if=Driver redis"`
	RedisKey  string `koanf:"redis_key"`
}

type ServerConfig struct {
	Host      string `koanf:"host"`
	Port      int    `koanf:"port" validate:"gte=1,lte=65535"`
	PublicURL string `koanf:"public_url" validate:"omitempty,url"`
}

type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=text json"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Workflow: WorkflowConfig{
			Name:           "InvoiceProcessing",
			MatchThreshold: 0.9,
			TolerancePct:   5,
		},
		Store: StoreConfig{
			DSN:           "sqlite://./demo.db",
			CheckpointDir: "./checkpoints",
		},
		Queue: QueueConfig{
			Driver:   "memory",
			RedisKey: "hitlflow:review_queue",
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Address returns the host:port the server listens on.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// BaseURL is the externally visible server URL, derived from the listen
// address when no public URL is configured.
func (c *ServerConfig) BaseURL() string {
	if c.PublicURL != "" {
		return strings.TrimSuffix(c.PublicURL, "/")
	}
	host := c.Host
	if host == "" || host == "0.0.0.0" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d", host, c.Port)
}

// Load builds the configuration. path may be empty.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		var values map[string]any
		if err := yaml.Unmarshal(data, &values); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		if err := k.Load(rawMap(values), nil); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}
	if err := k.Load(env.Provider(".", env.Opt{
		Prefix:        EnvPrefix,
		TransformFunc: transformEnvKey,
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			WeaklyTypedInput: true,
			Result:           &cfg,
			TagName:          "koanf",
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New()

// Validate checks field constraints.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return nil
}

// transformEnvKey converts HITLFLOW_STORE__CHECKPOINT_DIR to
// store.checkpoint_dir.
func transformEnvKey(key, value string) (string, any) {
	key = strings.TrimPrefix(key, EnvPrefix)
	parts := strings.Split(strings.ToLower(key), "__")
	for _, part := range parts {
		if part == "" {
			return "", nil
		}
	}
	return strings.Join(parts, "."), value
}

// rawMap adapts an already parsed map to koanf.Provider.
type rawMap map[string]any

func (r rawMap) Read() (map[string]any, error) {
	return r, nil
}

func (r rawMap) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("ReadBytes not implemented")
}
