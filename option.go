package taskstream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/viant/taskstream/model/session"
	"github.com/viant/taskstream/service/agent"
	"github.com/viant/taskstream/service/background"
	"github.com/viant/taskstream/service/dao"
	"github.com/viant/taskstream/service/messaging"
	"github.com/viant/taskstream/service/provider"
	"github.com/viant/taskstream/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Option customises Service
type Option func(s *Service)

// WithConfig sets the service configuration
func WithConfig(config *Config) Option {
	return func(s *Service) { s.config = config }
}

// WithSessionDAO overrides the session backend selected by Config.Store
func WithSessionDAO(sessions dao.Service[string, session.Session]) Option {
	return func(s *Service) { s.sessionDAO = sessions }
}

// WithQueue overrides the status check queue selected by Config.Queue
func WithQueue(queue messaging.Queue[background.Job]) Option {
	return func(s *Service) { s.queue = queue }
}

// WithConversation sets the streaming conversation provider used by agent runs
func WithConversation(conversation provider.Conversation) Option {
	return func(s *Service) { s.conversation = conversation }
}

// WithTaskProvider sets the long-running task provider used by background tasks
func WithTaskProvider(taskProvider provider.TaskProvider) Option {
	return func(s *Service) { s.taskProvider = taskProvider }
}

// WithTools registers tools available to agent runs
func WithTools(tools ...agent.Tool) Option {
	return func(s *Service) {
		for _, tool := range tools {
			s.toolset.Add(tool)
		}
	}
}

// WithRegisterer sets the prometheus registerer; nil disables metrics
func WithRegisterer(registerer prometheus.Registerer) Option {
	return func(s *Service) {
		s.registerer = registerer
		s.registererSet = true
	}
}

// WithTracing configures OpenTelemetry tracing for the service. If outputFile is empty the
// stdout exporter is used; otherwise traces are written to the supplied file path.
func WithTracing(serviceName, serviceVersion, outputFile string) Option {
	return func(s *Service) {
		_ = tracing.Init(serviceName, serviceVersion, outputFile)
	}
}

// WithTracingExporter configures OpenTelemetry tracing using a custom SpanExporter.
// The first successful initialisation wins.
func WithTracingExporter(serviceName, serviceVersion string, exporter sdktrace.SpanExporter) Option {
	return func(s *Service) {
		_ = tracing.InitWithExporter(serviceName, serviceVersion, exporter)
	}
}
