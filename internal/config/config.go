package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models changeline.yml.
type Config struct {
	Project struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"project"`
	Workflow struct {
		Statuses []string `yaml:"statuses"`
		Default  string   `yaml:"default"`
	} `yaml:"workflow"`
	Commit struct {
		// Verbs maps a canonical commit verb to the status it moves the
		// referenced entity into. An empty status means the verb only
		// records a comment (e.g. "ref").
		Verbs map[string]string `yaml:"verbs"`
	} `yaml:"commit"`
	Throttle struct {
		Classes map[string]ThrottleRate `yaml:"classes"`
	} `yaml:"throttle"`
	Resolver struct {
		// MaxAttempts bounds the automatic retry for webhook-originated
		// intents that hit a version conflict. Human-originated intents
		// never retry.
		MaxAttempts int `yaml:"max_attempts"`
		BackoffMS   int `yaml:"backoff_ms"`
	} `yaml:"resolver"`
	Providers map[string]ProviderConfig `yaml:"providers"`
	Webhooks  []WebhookConfig           `yaml:"webhooks"`
}

// ThrottleRate is a per-class fixed-window admission rate.
type ThrottleRate struct {
	Limit         int `yaml:"limit"`
	WindowSeconds int `yaml:"window_seconds"`
}

func (r ThrottleRate) Window() time.Duration {
	if r.WindowSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(r.WindowSeconds) * time.Second
}

// ProviderConfig configures one inbound webhook provider.
type ProviderConfig struct {
	Secret string `yaml:"secret"`
	// Users maps the provider-side committer account to a known actor id.
	Users map[string]string `yaml:"users"`
}

// WebhookConfig configures one outbound endpoint.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	MaxAttempts    int      `yaml:"max_attempts"`
}

var throttleClasses = map[string]bool{
	"anonymous":     true,
	"authenticated": true,
	"import":        true,
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if len(c.Workflow.Statuses) == 0 {
		return fmt.Errorf("config.workflow.statuses is required")
	}
	seen := map[string]bool{}
	for _, s := range c.Workflow.Statuses {
		if s == "" {
			return fmt.Errorf("config.workflow.statuses contains empty status")
		}
		if seen[s] {
			return fmt.Errorf("config.workflow.statuses contains duplicate status %s", s)
		}
		seen[s] = true
	}
	if c.Workflow.Default == "" {
		return fmt.Errorf("config.workflow.default is required")
	}
	if !seen[c.Workflow.Default] {
		return fmt.Errorf("config.workflow.default %s not in workflow statuses", c.Workflow.Default)
	}
	for verb, status := range c.Commit.Verbs {
		if verb == "" {
			return fmt.Errorf("config.commit.verbs contains empty verb")
		}
		if status != "" && !seen[status] {
			return fmt.Errorf("commit verb %s maps to unknown status %s", verb, status)
		}
	}
	for class, rate := range c.Throttle.Classes {
		if !throttleClasses[class] {
			return fmt.Errorf("unknown throttle class %s", class)
		}
		if rate.Limit < 0 {
			return fmt.Errorf("throttle class %s has negative limit", class)
		}
	}
	if c.Resolver.MaxAttempts < 0 {
		return fmt.Errorf("config.resolver.max_attempts must not be negative")
	}
	for name := range c.Providers {
		switch name {
		case "github", "gitlab", "bitbucket":
		default:
			return fmt.Errorf("unknown provider %s", name)
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// StatusKnown reports whether a status belongs to the project workflow.
func (c *Config) StatusKnown(status string) bool {
	for _, s := range c.Workflow.Statuses {
		if s == status {
			return true
		}
	}
	return false
}

// ResolverAttempts returns the configured conflict-retry bound for
// system actors, defaulting to 3.
func (c *Config) ResolverAttempts() int {
	if c.Resolver.MaxAttempts <= 0 {
		return 3
	}
	return c.Resolver.MaxAttempts
}

// ResolverBackoff returns the base backoff between conflict retries,
// defaulting to 25ms.
func (c *Config) ResolverBackoff() time.Duration {
	if c.Resolver.BackoffMS <= 0 {
		return 25 * time.Millisecond
	}
	return time.Duration(c.Resolver.BackoffMS) * time.Millisecond
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "changeline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with cl project config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	cfg.Project.ID = projectID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  id: %s

workflow:
  statuses: [new, in-progress, ready-for-test, closed, rejected]
  default: new

commit:
  verbs:
    close: closed
    fix: closed
    test: ready-for-test
    ref: ""

throttle:
  classes:
    anonymous:
      limit: 20
      window_seconds: 60
    authenticated:
      limit: 120
      window_seconds: 60
    import:
      limit: 300
      window_seconds: 60

resolver:
  max_attempts: 3
  backoff_ms: 25

providers:
  github:
    secret: ""
  gitlab:
    secret: ""
  bitbucket:
    secret: ""
`
