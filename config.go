package taskstream

import (
	"context"
	"fmt"
	"time"

	"github.com/viant/afs"
	"github.com/viant/taskstream/policy"
	"github.com/viant/taskstream/service/agent"
	"github.com/viant/taskstream/service/background"
	"github.com/viant/taskstream/service/messaging"
	fsqueue "github.com/viant/taskstream/service/messaging/fs"
	"gopkg.in/yaml.v3"
)

// Store backends
const (
	StoreMemory = "memory"
	StoreFS     = "fs"
	StoreRedis  = "redis"
)

// Config is a serialisable representation of the service configuration. It
// can be populated from YAML, JSON or environment variables (via viper).
// Zero-valued sections inherit their package defaults.
type Config struct {
	Agent        AgentConfig       `json:"agent" yaml:"agent" mapstructure:"agent"`
	Poller       background.Config `json:"poller" yaml:"poller" mapstructure:"poller"`
	Store        StoreConfig       `json:"store" yaml:"store" mapstructure:"store"`
	Queue        QueueConfig       `json:"queue" yaml:"queue" mapstructure:"queue"`
	Server       ServerConfig      `json:"server" yaml:"server" mapstructure:"server"`
	Instructions string            `json:"instructions,omitempty" yaml:"instructions,omitempty" mapstructure:"instructions"`
	Provider     ProviderConfig    `json:"provider" yaml:"provider" mapstructure:"provider"`
	Tracing      TracingConfig     `json:"tracing" yaml:"tracing" mapstructure:"tracing"`
}

// AgentConfig configures the conversation loop
type AgentConfig struct {
	MaxIterations     int      `json:"maxIterations" yaml:"maxIterations" mapstructure:"maxIterations"`
	CompletionPhrases []string `json:"completionPhrases,omitempty" yaml:"completionPhrases,omitempty" mapstructure:"completionPhrases"`
	Model             string   `json:"model" yaml:"model" mapstructure:"model"`
	MaxTokens         int      `json:"maxTokens" yaml:"maxTokens" mapstructure:"maxTokens"`
	// ToolPolicy gates tool calls requested by the model
	ToolPolicy *policy.Config `json:"toolPolicy,omitempty" yaml:"toolPolicy,omitempty" mapstructure:"toolPolicy"`
}

// StoreConfig selects the session backend
type StoreConfig struct {
	Kind        string `json:"kind" yaml:"kind" mapstructure:"kind"`
	Path        string `json:"path,omitempty" yaml:"path,omitempty" mapstructure:"path"`
	RedisAddr   string `json:"redisAddr,omitempty" yaml:"redisAddr,omitempty" mapstructure:"redisAddr"`
	RedisPrefix string `json:"redisPrefix,omitempty" yaml:"redisPrefix,omitempty" mapstructure:"redisPrefix"`
}

// QueueConfig selects the status check queue
type QueueConfig struct {
	Kind       messaging.Vendor `json:"kind" yaml:"kind" mapstructure:"kind"`
	Path       string           `json:"path,omitempty" yaml:"path,omitempty" mapstructure:"path"`
	MaxRetries int              `json:"maxRetries" yaml:"maxRetries" mapstructure:"maxRetries"`
}

// ServerConfig configures the HTTP endpoint
type ServerConfig struct {
	Addr      string        `json:"addr" yaml:"addr" mapstructure:"addr"`
	Heartbeat time.Duration `json:"heartbeat" yaml:"heartbeat" mapstructure:"heartbeat"`
}

// ProviderConfig holds provider credentials and models. Empty keys fall back
// to the SDK environment variables.
type ProviderConfig struct {
	AnthropicAPIKey string `json:"-" yaml:"anthropicApiKey,omitempty" mapstructure:"anthropicApiKey"`
	OpenAIAPIKey    string `json:"-" yaml:"openaiApiKey,omitempty" mapstructure:"openaiApiKey"`
	OpenAIModel     string `json:"openaiModel" yaml:"openaiModel" mapstructure:"openaiModel"`
}

// TracingConfig enables the stdout/file span exporter
type TracingConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Service    string `json:"service" yaml:"service" mapstructure:"service"`
	OutputFile string `json:"outputFile,omitempty" yaml:"outputFile,omitempty" mapstructure:"outputFile"`
}

// DefaultConfig returns a Config populated with package defaults. Callers may
// modify the returned struct before passing it to WithConfig.
func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			MaxIterations:     agent.DefaultMaxIterations,
			CompletionPhrases: append([]string(nil), agent.DefaultCompletionPhrases...),
			Model:             "claude-sonnet-4-5",
			MaxTokens:         4096,
		},
		Poller: background.DefaultConfig(),
		Store:  StoreConfig{Kind: StoreMemory, RedisPrefix: "taskstream"},
		Queue:  QueueConfig{Kind: messaging.VendorMemory, Path: fsqueue.DefaultConfig().BasePath, MaxRetries: 3},
		Server: ServerConfig{Addr: ":8080", Heartbeat: 15 * time.Second},
		Provider: ProviderConfig{
			OpenAIModel: "o3-deep-research",
		},
		Tracing: TracingConfig{Service: "taskstream"},
	}
}

// Validate returns an error describing the first invalid setting or nil.
func (c *Config) Validate() error {
	if c == nil {
		return nil
	}
	if c.Agent.MaxIterations <= 0 {
		return fmt.Errorf("agent.maxIterations must be > 0")
	}
	if err := c.Agent.ToolPolicy.Validate(); err != nil {
		return err
	}
	if err := c.Poller.Validate(); err != nil {
		return err
	}
	switch c.Store.Kind {
	case StoreMemory:
	case StoreFS:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for %s store", c.Store.Kind)
		}
	case StoreRedis:
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("store.redisAddr is required for %s store", c.Store.Kind)
		}
	default:
		return fmt.Errorf("unsupported store.kind: %q", c.Store.Kind)
	}
	switch c.Queue.Kind {
	case messaging.VendorMemory:
	case messaging.VendorFS:
		if c.Queue.Path == "" {
			return fmt.Errorf("queue.path is required for %s queue", c.Queue.Kind)
		}
	default:
		return fmt.Errorf("unsupported queue.kind: %q", c.Queue.Kind)
	}
	return nil
}

// LoadConfig reads a YAML document from URL on top of DefaultConfig
func LoadConfig(ctx context.Context, URL string) (*Config, error) {
	data, err := afs.New().DownloadWithURL(ctx, URL)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", URL, err)
	}
	ret := DefaultConfig()
	if err = yaml.Unmarshal(data, ret); err != nil {
		return nil, fmt.Errorf("failed to decode config %s: %w", URL, err)
	}
	return ret, ret.Validate()
}
