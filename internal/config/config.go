package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const (
	FileName = "bountyline.yml"

	EnvJWTSecret = "BOUNTYLINE_JWT_SECRET"
	EnvJudgeKey  = "ANTHROPIC_API_KEY"
)

// Config models bountyline.yml.
type Config struct {
	Platform struct {
		FeeBps    uint16 `yaml:"fee_bps"`
		Authority string `yaml:"authority"`
		Treasury  string `yaml:"treasury"`
	} `yaml:"platform"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret              string `yaml:"jwt_secret"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
		DevLogin               bool   `yaml:"dev_login"`
	} `yaml:"auth"`
	Sweeper struct {
		Enabled  bool   `yaml:"enabled"`
		Schedule string `yaml:"schedule"`
		Batch    int    `yaml:"batch"`
	} `yaml:"sweeper"`
	Judge struct {
		Enabled   bool   `yaml:"enabled"`
		Model     string `yaml:"model"`
		MaxTokens int64  `yaml:"max_tokens"`
		APIKey    string `yaml:"api_key"`
	} `yaml:"judge"`
	Telemetry struct {
		Enabled     bool    `yaml:"enabled"`
		Exporter    string  `yaml:"exporter"`
		Endpoint    string  `yaml:"endpoint"`
		ServiceName string  `yaml:"service_name"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"telemetry"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Webhooks []Webhook `yaml:"webhooks"`
}

type Webhook struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// IsEnabled treats an omitted enabled flag as on.
func (w Webhook) IsEnabled() bool {
	return w.Enabled == nil || *w.Enabled
}

func (w Webhook) Timeout() time.Duration {
	if w.TimeoutSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(w.TimeoutSeconds) * time.Second
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with bl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults when the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			cfg.ApplyEnv()
			return cfg, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Platform.FeeBps > 10000 {
		return fmt.Errorf("config.platform.fee_bps must be at most 10000, got %d", c.Platform.FeeBps)
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Sweeper.Schedule != "" {
		if _, err := cron.ParseStandard(c.Sweeper.Schedule); err != nil {
			return fmt.Errorf("config.sweeper.schedule: %w", err)
		}
	}
	if c.Sweeper.Batch < 0 {
		return fmt.Errorf("config.sweeper.batch must not be negative")
	}
	if c.Judge.MaxTokens < 0 {
		return fmt.Errorf("config.judge.max_tokens must not be negative")
	}
	switch c.Telemetry.Exporter {
	case "", "otlp", "otlp-http", "stdout", "none":
	default:
		return fmt.Errorf("config.telemetry.exporter %q not supported", c.Telemetry.Exporter)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.log.format must be text or json")
	}
	for i, w := range c.Webhooks {
		if strings.TrimSpace(w.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		for _, evt := range w.Events {
			if evt == "" {
				return fmt.Errorf("config.webhooks[%d] has empty event type", i)
			}
		}
	}
	return nil
}

// ApplyEnv lets secrets come from the environment instead of the file.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvJWTSecret); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv(EnvJudgeKey); v != "" && c.Judge.APIKey == "" {
		c.Judge.APIKey = v
	}
}

// TreasuryOrAuthority returns the fee destination, defaulting to the authority.
func (c *Config) TreasuryOrAuthority() string {
	if c.Platform.Treasury != "" {
		return c.Platform.Treasury
	}
	return c.Platform.Authority
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault(authority string) string {
	return fmt.Sprintf(defaultTemplate, authority)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, ""))).Decode(&cfg)
	return &cfg
}

// FromYAML parses config over the defaults, applies env overrides and validates.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `platform:
  fee_bps: 250
  authority: "%s"
  treasury: ""

server:
  addr: ":8080"
  base_path: /v1

auth:
  jwt_secret: ""
  allow_legacy_actor_header: false
  dev_login: false

sweeper:
  enabled: true
  schedule: "@every 1m"
  batch: 100

judge:
  enabled: false
  model: claude-sonnet-4-5
  max_tokens: 1024

telemetry:
  enabled: false
  exporter: stdout
  service_name: bountyline

log:
  level: info
  format: text

webhooks: []
`
