package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Producer kinds.
const (
	ProducerTemplate = "template"
	ProducerHTTP     = "http"
)

// Config models missionline.yml.
type Config struct {
	Server struct {
		Addr            string `yaml:"addr"`
		BasePath        string `yaml:"base_path"`
		AllowUserHeader bool   `yaml:"allow_user_header"`
	} `yaml:"server"`
	Auth struct {
		JWTSecretEnv string `yaml:"jwt_secret_env"`
	} `yaml:"auth"`
	Queue struct {
		Workers      int      `yaml:"workers"`
		PollInterval Duration `yaml:"poll_interval"`
		MaxAttempts  int      `yaml:"max_attempts"`
	} `yaml:"queue"`
	Orchestrator struct {
		SerializePerCasefile bool     `yaml:"serialize_per_casefile"`
		ProducerTimeout      Duration `yaml:"producer_timeout"`
	} `yaml:"orchestrator"`
	Producers struct {
		Plan     ProducerConfig `yaml:"plan"`
		Analysis ProducerConfig `yaml:"analysis"`
	} `yaml:"producers"`
	Tools struct {
		Static map[string]map[string]any `yaml:"static"`
	} `yaml:"tools"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type ProducerConfig struct {
	Kind    string            `yaml:"kind"`
	URL     string            `yaml:"url"`
	Timeout Duration          `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
}

// WebhookConfig forwards audit entries to an HTTP endpoint.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Directions     []string `yaml:"directions"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Duration accepts Go duration strings such as "500ms" or "1m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; write one with ml config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Queue.Workers < 1 {
		return fmt.Errorf("config.queue.workers must be at least 1")
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("config.queue.max_attempts must be at least 1")
	}
	if c.Queue.PollInterval < 0 || c.Orchestrator.ProducerTimeout < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	for stage, p := range map[string]ProducerConfig{"plan": c.Producers.Plan, "analysis": c.Producers.Analysis} {
		switch p.Kind {
		case ProducerTemplate:
		case ProducerHTTP:
			if strings.TrimSpace(p.URL) == "" {
				return fmt.Errorf("config.producers.%s.url is required for kind http", stage)
			}
		default:
			return fmt.Errorf("config.producers.%s.kind must be template or http, got %q", stage, p.Kind)
		}
	}
	for name := range c.Tools.Static {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("config.tools.static has empty tool name")
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// JWTSecret reads the signing secret from the configured environment variable.
func (c *Config) JWTSecret() string {
	env := c.Auth.JWTSecretEnv
	if env == "" {
		env = "MISSIONLINE_JWT_SECRET"
	}
	return os.Getenv(env)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "missionline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the config described by the default template.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses config over the defaults, so omitted keys keep default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v0
  allow_user_header: false

auth:
  jwt_secret_env: MISSIONLINE_JWT_SECRET

queue:
  workers: 2
  poll_interval: 500ms
  max_attempts: 1

orchestrator:
  serialize_per_casefile: false
  producer_timeout: 60s

producers:
  plan:
    kind: template
  analysis:
    kind: template

tools:
  static: {}
`
