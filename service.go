package taskstream

import (
	"context"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/viant/afs"
	"github.com/viant/taskstream/model/session"
	"github.com/viant/taskstream/policy"
	"github.com/viant/taskstream/service/agent"
	"github.com/viant/taskstream/service/background"
	"github.com/viant/taskstream/service/dao"
	"github.com/viant/taskstream/service/dao/instruction"
	fsdao "github.com/viant/taskstream/service/dao/session/fs"
	"github.com/viant/taskstream/service/dao/session/memory"
	redisdao "github.com/viant/taskstream/service/dao/session/redis"
	"github.com/viant/taskstream/service/messaging"
	fsqueue "github.com/viant/taskstream/service/messaging/fs"
	mqueue "github.com/viant/taskstream/service/messaging/memory"
	"github.com/viant/taskstream/service/metrics"
	"github.com/viant/taskstream/service/provider"
	"github.com/viant/taskstream/service/provider/anthropic"
	"github.com/viant/taskstream/service/provider/openai"
	"github.com/viant/taskstream/service/registry"
	"github.com/viant/taskstream/service/store"
	"github.com/viant/taskstream/tracing"
	"goa.design/clue/log"
)

// Service wires the session store, connection registry, agent runner and
// background poller into one embeddable unit.
type Service struct {
	config        *Config
	sessionDAO    dao.Service[string, session.Session]
	queue         messaging.Queue[background.Job]
	conversation  provider.Conversation
	taskProvider  provider.TaskProvider
	toolset       *agent.Toolset
	registerer    prometheus.Registerer
	registererSet bool
	gatherer      prometheus.Gatherer

	metrics  *metrics.Metrics
	store    *store.Service
	registry *registry.Registry
	agent    *agent.Service
	poller   *background.Poller
	worker   *background.Worker
	runtime  *Runtime
}

// New creates a service. Providers without credentials are left unset, and
// the matching operations report ErrAgentUnavailable or ErrTasksUnavailable.
func New(ctx context.Context, options ...Option) (*Service, error) {
	ret := &Service{config: DefaultConfig(), toolset: agent.NewToolset()}
	for _, option := range options {
		option(ret)
	}
	if err := ret.init(ctx); err != nil {
		return nil, err
	}
	return ret, nil
}

func (s *Service) init(ctx context.Context) (err error) {
	if err = s.config.Validate(); err != nil {
		return err
	}
	if s.config.Tracing.Enabled {
		if err = tracing.Init(s.config.Tracing.Service, Version, s.config.Tracing.OutputFile); err != nil {
			return fmt.Errorf("failed to init tracing: %w", err)
		}
	}
	s.initMetrics()
	if s.sessionDAO == nil {
		if s.sessionDAO, err = newSessionDAO(&s.config.Store); err != nil {
			return err
		}
	}
	s.store = store.New(s.sessionDAO, store.WithMetrics(s.metrics))
	s.registry = registry.New(registry.WithMetrics(s.metrics))

	instructions, err := instruction.New()
	if err != nil {
		return err
	}
	if s.config.Instructions != "" {
		if err = instructions.Load(ctx, s.config.Instructions); err != nil {
			return err
		}
	}
	if err = s.initAgent(instructions); err != nil {
		return err
	}
	if err = s.initPoller(instructions); err != nil {
		return err
	}
	s.runtime = newRuntime(s)
	return nil
}

func (s *Service) initMetrics() {
	if !s.registererSet {
		promRegistry := prometheus.NewRegistry()
		s.registerer, s.gatherer = promRegistry, promRegistry
	} else if gatherer, ok := s.registerer.(prometheus.Gatherer); ok {
		s.gatherer = gatherer
	}
	if s.registerer != nil {
		s.metrics = metrics.New(s.registerer)
	}
}

func (s *Service) initAgent(instructions *instruction.Service) (err error) {
	if s.conversation == nil {
		key := firstNonEmpty(s.config.Provider.AnthropicAPIKey, os.Getenv("ANTHROPIC_API_KEY"))
		if key == "" {
			log.Printf(context.Background(), "agent runs disabled: no conversation provider configured")
			return nil
		}
		if s.conversation, err = anthropic.NewFromAPIKey(key, s.config.Agent.Model, s.config.Agent.MaxTokens); err != nil {
			return err
		}
	}
	options := []agent.Option{
		agent.WithToolset(s.toolset),
		agent.WithInstructions(instructions),
		agent.WithMaxIterations(s.config.Agent.MaxIterations),
		agent.WithModel(s.config.Agent.Model, s.config.Agent.MaxTokens),
		agent.WithMetrics(s.metrics),
		agent.WithToolPolicy(policy.FromConfig(s.config.Agent.ToolPolicy)),
	}
	if len(s.config.Agent.CompletionPhrases) > 0 {
		options = append(options, agent.WithCompletionPhrases(s.config.Agent.CompletionPhrases...))
	}
	s.agent, err = agent.New(s.store, s.registry, s.conversation, options...)
	return err
}

func (s *Service) initPoller(instructions *instruction.Service) (err error) {
	if s.taskProvider == nil {
		key := firstNonEmpty(s.config.Provider.OpenAIAPIKey, os.Getenv("OPENAI_API_KEY"))
		if key == "" {
			log.Printf(context.Background(), "background tasks disabled: no task provider configured")
			return nil
		}
		if s.taskProvider, err = openai.NewFromAPIKey(key, s.config.Provider.OpenAIModel); err != nil {
			return err
		}
	}
	if s.queue == nil {
		if s.queue, err = newQueue(&s.config.Queue); err != nil {
			return err
		}
	}
	s.poller, err = background.New(s.store, s.registry, s.taskProvider, s.queue,
		background.WithConfig(s.config.Poller),
		background.WithInstructions(instructions),
		background.WithMetrics(s.metrics),
		background.WithModel(s.config.Provider.OpenAIModel))
	if err != nil {
		return err
	}
	s.worker = background.NewWorker(s.poller)
	return nil
}

// Config returns the effective configuration
func (s *Service) Config() *Config { return s.config }

// Runtime returns the run lifecycle manager
func (s *Service) Runtime() *Runtime { return s.runtime }

// Store returns the session store
func (s *Service) Store() *store.Service { return s.store }

// Registry returns the connection registry
func (s *Service) Registry() *registry.Registry { return s.registry }

// Gatherer returns the metrics gatherer or nil when metrics are disabled
func (s *Service) Gatherer() prometheus.Gatherer { return s.gatherer }

func newSessionDAO(config *StoreConfig) (dao.Service[string, session.Session], error) {
	switch config.Kind {
	case StoreFS:
		return fsdao.New(config.Path)
	case StoreRedis:
		client := goredis.NewUniversalClient(&goredis.UniversalOptions{Addrs: []string{config.RedisAddr}})
		return redisdao.New(client, redisdao.WithPrefix(config.RedisPrefix))
	default:
		return memory.New(), nil
	}
}

func newQueue(config *QueueConfig) (messaging.Queue[background.Job], error) {
	switch config.Kind {
	case messaging.VendorFS:
		queueConfig := fsqueue.DefaultConfig()
		queueConfig.BasePath = config.Path
		if config.MaxRetries > 0 {
			queueConfig.MaxRetries = config.MaxRetries
		}
		return fsqueue.NewQueue[background.Job](afs.New(), queueConfig)
	default:
		queueConfig := mqueue.DefaultConfig()
		if config.MaxRetries > 0 {
			queueConfig.MaxRetries = config.MaxRetries
		}
		return mqueue.NewQueue[background.Job](queueConfig), nil
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
