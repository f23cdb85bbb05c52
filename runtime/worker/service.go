// Package worker implements the long-running host that processes queued
// workflow events. Each worker subscribes to the global stream for
// event-to-workflow dispatch, scans the processing table for pending and
// retryable records, and applies events through the runtime under a bounded
// concurrency gate. Parallelism across workers is the primary scale axis.
package worker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"goa.design/flow/runtime/workflow"
)

type (
	// Config enumerates the worker tuning options.
	Config struct {
		// PollInterval is the delay between scan cycles when idle.
		PollInterval time.Duration `yaml:"poll_interval"`
		// BatchSize caps rows fetched per scan.
		BatchSize int `yaml:"batch_size"`
		// MaxRetries bounds attempt_count before permanent failure.
		MaxRetries int `yaml:"max_retries"`
		// ConcurrencyLimit caps events processed in parallel per worker.
		ConcurrencyLimit int `yaml:"concurrency_limit"`
		// HealthCheckInterval is the cadence of health snapshots.
		HealthCheckInterval time.Duration `yaml:"health_check_interval"`
		// MetricsReportingInterval is the cadence of the metrics log.
		MetricsReportingInterval time.Duration `yaml:"metrics_reporting_interval"`
		// ShutdownTimeout is the grace period for in-flight events on stop.
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		// IdleTimeout is reserved for future use.
		IdleTimeout time.Duration `yaml:"idle_timeout"`
	}

	// AttachmentLookup resolves the active workflow attachments for a
	// catalog event type. Injected so the runtime never imports the
	// registration store directly.
	AttachmentLookup func(ctx context.Context, tenant, eventType string) ([]workflow.Attachment, error)

	// Options configures a Service.
	Options struct {
		// Runtime processes queued events and starts executions. Required.
		Runtime *workflow.Runtime
		// Store provides the processing table and event audit log. Required.
		Store workflow.Store
		// Stream is the global event stream. Required.
		Stream workflow.StreamClient
		// Attachments resolves event-to-workflow attachments. Defaults to
		// the store's registration seam.
		Attachments AttachmentLookup
		// Classifier partitions processing errors. Defaults to
		// DefaultClassifier.
		Classifier Classifier
		// WorkerID overrides the generated hostname-pid-random id.
		WorkerID string
		// Config holds the tuning options; zero fields take defaults.
		Config Config
	}

	// Service is one worker host.
	Service struct {
		runtime     *workflow.Runtime
		store       workflow.Store
		stream      workflow.StreamClient
		attachments AttachmentLookup
		classifier  Classifier
		cfg         Config
		workerID    string

		gate  *gate
		stats *stats
		tel   *telemetry

		mu      sync.Mutex
		running bool
		cancel  context.CancelFunc
		done    chan struct{}
	}
)

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:             time.Second,
		BatchSize:                10,
		MaxRetries:               3,
		ConcurrencyLimit:         5,
		HealthCheckInterval:      30 * time.Second,
		MetricsReportingInterval: 60 * time.Second,
		ShutdownTimeout:          30 * time.Second,
		IdleTimeout:              60 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.ConcurrencyLimit <= 0 {
		c.ConcurrencyLimit = def.ConcurrencyLimit
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = def.HealthCheckInterval
	}
	if c.MetricsReportingInterval <= 0 {
		c.MetricsReportingInterval = def.MetricsReportingInterval
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	return c
}

// New validates opts and returns a stopped Service.
func New(opts Options) (*Service, error) {
	if opts.Runtime == nil {
		return nil, fmt.Errorf("runtime is required: %w", workflow.ErrConfig)
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required: %w", workflow.ErrConfig)
	}
	if opts.Stream == nil {
		return nil, fmt.Errorf("stream client is required: %w", workflow.ErrConfig)
	}
	cfg := opts.Config.withDefaults()
	workerID := opts.WorkerID
	if workerID == "" {
		workerID = generateWorkerID()
	}
	attachments := opts.Attachments
	if attachments == nil {
		store := opts.Store
		attachments = func(ctx context.Context, tenant, eventType string) ([]workflow.Attachment, error) {
			return store.ListAttachments(ctx, tenant, eventType)
		}
	}
	classifier := opts.Classifier
	if classifier == nil {
		classifier = DefaultClassifier{}
	}
	tel, err := newTelemetry()
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	return &Service{
		runtime:     opts.Runtime,
		store:       opts.Store,
		stream:      opts.Stream,
		attachments: attachments,
		classifier:  classifier,
		cfg:         cfg,
		workerID:    workerID,
		gate:        newGate(cfg.ConcurrencyLimit),
		stats:       newStats(),
		tel:         tel,
	}, nil
}

// WorkerID returns this worker's unique id.
func (s *Service) WorkerID() string { return s.workerID }

// Start registers the stream consumer and spawns the scanning and reporting
// loops. It returns once the worker is running; processing continues until
// Stop or ctx cancellation.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(log.With(ctx, log.KV{K: "worker_id", V: s.workerID}))
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	if err := s.stream.RegisterConsumer(runCtx, s.handleStreamEvent); err != nil {
		s.mu.Lock()
		s.running = false
		s.cancel = nil
		s.mu.Unlock()
		cancel()
		return fmt.Errorf("register stream consumer: %w", err)
	}

	go func() {
		defer close(s.done)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.scanLoop(runCtx)
		}()
		go func() {
			defer wg.Done()
			s.reportLoop(runCtx)
		}()
		wg.Wait()
	}()
	log.Printf(runCtx, "worker started")
	return nil
}

// Stop performs graceful shutdown: no new tasks start, in-flight tasks get
// the configured grace period, then the stream consumer and broker
// connection are closed. Tasks beyond the timeout are abandoned; their
// locks expire naturally.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	s.cancel = nil
	done := s.done
	s.mu.Unlock()

	log.Printf(ctx, "worker stopping, waiting up to %s for in-flight events", s.cfg.ShutdownTimeout)
	cancel()
	if done != nil {
		<-done
	}
	waitCtx, waitCancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer waitCancel()
	if !s.gate.wait(waitCtx) {
		log.Printf(ctx, "shutdown timeout reached with %d events in flight; abandoning", s.gate.activeCount())
	}
	if err := s.stream.StopConsumer(ctx); err != nil {
		log.Errorf(ctx, err, "stop stream consumer")
	}
	if err := s.stream.Close(ctx); err != nil {
		log.Errorf(ctx, err, "close stream client")
	}
	log.Printf(ctx, "worker stopped")
	return nil
}

// Running reports whether the worker accepts new work.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Health returns the current health snapshot.
func (s *Service) Health() HealthSnapshot {
	return s.stats.health(s.workerID, s.Running(), s.gate.activeCount(), s.cfg.ConcurrencyLimit)
}

// Metrics returns the companion metrics view.
func (s *Service) Metrics() MetricsSnapshot {
	return s.stats.metrics(s.workerID, s.gate.activeCount())
}

// reportLoop emits periodic health and metrics log entries.
func (s *Service) reportLoop(ctx context.Context) {
	health := time.NewTicker(s.cfg.HealthCheckInterval)
	metrics := time.NewTicker(s.cfg.MetricsReportingInterval)
	defer health.Stop()
	defer metrics.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-health.C:
			snap := s.Health()
			log.Print(ctx,
				log.KV{K: "health", V: snap.Status},
				log.KV{K: "active", V: snap.ActiveEventCount},
				log.KV{K: "processed", V: snap.EventsProcessed},
				log.KV{K: "failed", V: snap.EventsFailed},
			)
		case <-metrics.C:
			m := s.Metrics()
			log.Print(ctx,
				log.KV{K: "events_per_minute", V: m.EventsPerMinute},
				log.KV{K: "avg_processing_ms", V: m.AvgProcessingMs},
				log.KV{K: "success_rate", V: m.SuccessRatePercent},
			)
		}
	}
}

func generateWorkerID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "worker"
	}
	return fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), uuid.NewString()[:8])
}
