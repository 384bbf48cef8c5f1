package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Original app defaults.
const (
	DefaultBaseURL = "https://gptbots-auto.qa.jpushoa.com/space/h5/home"
	DefaultToken   = "YOUR_AI_TOKEN"
)

type Config struct {
	HTTP        HTTPConfig        `yaml:"http"`
	Auth        AuthConfig        `yaml:"auth"`
	Logging     LoggingConfig     `yaml:"logging"`
	Launcher    LauncherConfig    `yaml:"launcher"`
	Bridge      BridgeConfig      `yaml:"bridge"`
	Permissions PermissionsConfig `yaml:"permissions"`
	Files       FilesConfig       `yaml:"files"`
	Content     ContentConfig     `yaml:"content"`
}

type HTTPConfig struct {
	Bind string    `yaml:"bind"`
	Port int       `yaml:"port" validate:"min=1,max=65535"`
	TLS  TLSConfig `yaml:"tls"`
}

type TLSConfig struct {
	Enabled bool   `yaml:"enabled"`
	Cert    string `yaml:"cert" validate:"required_if=Enabled true"`
	Key     string `yaml:"key" validate:"required_if=Enabled true"`
}

type AuthConfig struct {
	JWTPublicKeys []string `yaml:"jwt_public_keys" split_words:"true"` // PEM certificate paths; empty disables auth
	Issuer        string   `yaml:"issuer"`
	Audience      string   `yaml:"audience"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `yaml:"json"`
}

type LauncherConfig struct {
	DefaultURL   string        `yaml:"default_url" split_words:"true" validate:"required,url"`
	DefaultToken string        `yaml:"default_token" split_words:"true" validate:"required"`
	Probe        bool          `yaml:"probe"`
	ProbeTimeout time.Duration `yaml:"probe_timeout" split_words:"true"`
}

type BridgeConfig struct {
	ObjectName      string        `yaml:"object_name" split_words:"true" validate:"required"`
	Receiver        string        `yaml:"receiver" validate:"required"`
	CloseDelay      time.Duration `yaml:"close_delay" split_words:"true" validate:"gte=0"`
	RateLimit       float64       `yaml:"rate_limit" split_words:"true" validate:"gte=0"`
	Burst           int           `yaml:"burst" validate:"gte=0"`
	EvaluateTimeout time.Duration `yaml:"evaluate_timeout" split_words:"true"`
}

type PermissionsConfig struct {
	// Policy maps a content resource to "allow", "deny" or "gate:<capability>".
	Policy    map[string]string `yaml:"policy"`
	Startup   []string          `yaml:"startup"`
	StorePath string            `yaml:"store_path" split_words:"true" validate:"required"`
}

type FilesConfig struct {
	AllowedRoots  []string      `yaml:"allowed_roots" split_words:"true"`
	PickerTimeout time.Duration `yaml:"picker_timeout" split_words:"true" validate:"gt=0"`
}

type ContentConfig struct {
	HeadlessScript string `yaml:"headless_script" split_words:"true"`
}

// Load reads the YAML file, fills defaults, applies AGENTWEB_* environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

func Parse(b []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := envconfig.Process("agentweb", &c); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}
	c.applyDefaults()
	if err := validator.New().Struct(&c); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.HTTP.Bind == "" {
		c.HTTP.Bind = "0.0.0.0"
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8080
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Launcher.DefaultURL == "" {
		c.Launcher.DefaultURL = DefaultBaseURL
	}
	if c.Launcher.DefaultToken == "" {
		c.Launcher.DefaultToken = DefaultToken
	}
	if c.Launcher.ProbeTimeout == 0 {
		c.Launcher.ProbeTimeout = 5 * time.Second
	}
	if c.Bridge.ObjectName == "" {
		c.Bridge.ObjectName = "agentWebBridge"
	}
	if c.Bridge.Receiver == "" {
		c.Bridge.Receiver = "onCallH5Message"
	}
	if c.Bridge.CloseDelay == 0 {
		c.Bridge.CloseDelay = time.Second
	}
	if c.Bridge.RateLimit == 0 {
		c.Bridge.RateLimit = 50
	}
	if c.Bridge.Burst == 0 {
		c.Bridge.Burst = 100
	}
	if c.Bridge.EvaluateTimeout == 0 {
		c.Bridge.EvaluateTimeout = 10 * time.Second
	}
	if c.Permissions.Policy == nil {
		c.Permissions.Policy = map[string]string{
			"audio-capture":      "gate:microphone",
			"video-capture":      "allow",
			"protected-media-id": "allow",
			"midi-sysex":         "allow",
		}
	}
	if c.Permissions.Startup == nil {
		c.Permissions.Startup = []string{"microphone", "storage"}
	}
	if c.Permissions.StorePath == "" {
		c.Permissions.StorePath = "/var/lib/agentweb/grants.db"
	}
	if c.Files.PickerTimeout == 0 {
		c.Files.PickerTimeout = 2 * time.Minute
	}
}
