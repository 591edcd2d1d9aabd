// Package service assembles a procbus deployment from configuration: the
// database, the broker transport behind the outbox, the bus, the job
// scheduler and the HTTP surfaces.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/drblury/procbus/internal/runtime"
	"github.com/drblury/procbus/internal/runtime/config"
	"github.com/drblury/procbus/internal/runtime/database"
	perrors "github.com/drblury/procbus/internal/runtime/errors"
	"github.com/drblury/procbus/internal/runtime/jobs"
	"github.com/drblury/procbus/internal/runtime/logging"
	transportpkg "github.com/drblury/procbus/internal/runtime/transport"
)

var listenAndServe = func(srv *http.Server) error {
	return srv.ListenAndServe()
}

const shutdownTimeout = 10 * time.Second

// Dependencies holds the optional collaborators of a Service. Leave fields
// nil to get the defaults.
type Dependencies struct {
	TransportFactory transportpkg.Factory
	// Registry receives the procbus collectors when metrics are enabled.
	Registry        *prometheus.Registry
	TracerProvider  trace.TracerProvider
	ErrorClassifier runtime.ErrorClassifier
	// JobHooks run alongside the logging and metrics hooks.
	JobHooks runtime.JobHooks
	OnLost   func(runtime.LostEvent)
}

// Service owns everything a procbus process runs on.
type Service struct {
	Conf   config.Config
	Logger logging.ServiceLogger

	DB        *database.DB
	Bus       *runtime.Bus
	Scheduler *jobs.Scheduler

	transport transportpkg.Transport
	registry  *prometheus.Registry
	resources *resourceTracker

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// New builds a Service for conf. A nil logger is derived from conf.Log.
// Register procedures and job handlers on the returned Service before
// calling Start.
func New(ctx context.Context, conf *config.Config, log logging.ServiceLogger, deps Dependencies) (*Service, error) {
	if conf == nil {
		return nil, perrors.ErrConfigRequired
	}
	c := conf.WithDefaults()
	if err := c.Validate(); err != nil {
		return nil, perrors.NewConfigValidationError(err)
	}
	if log == nil {
		log = logging.New(os.Stdout, logging.Options{
			Level:     c.Log.Level,
			Format:    c.Log.Format,
			AddSource: c.Log.AddSource,
		})
	}
	log.Info("Creating procbus service", logging.LogFields{
		"pubsub_system": c.PubSubSystem,
		"config":        c.String(),
	})

	s := &Service{Conf: c, Logger: log, resources: newResourceTracker()}
	if err := s.init(ctx, deps); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Service) init(ctx context.Context, deps Dependencies) error {
	c := s.Conf

	db, err := database.Open(ctx, c.Database.Driver, c.Database.URL, database.Options{
		MaxOpenConns:    c.Database.MaxOpenConns,
		MaxIdleConns:    c.Database.MaxIdleConns,
		ConnMaxLifetime: c.Database.ConnMaxLifetime,
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	s.DB = db

	factory := deps.TransportFactory
	if factory == nil {
		factory = transportpkg.DefaultFactory()
	}
	t, err := factory.Build(ctx, &c, logging.NewWatermillAdapter(s.Logger))
	if err != nil {
		return fmt.Errorf("build %s transport: %w", c.PubSubSystem, err)
	}
	s.transport = t

	var metrics *runtime.Metrics
	if c.MetricsEnabled {
		s.registry = deps.Registry
		if s.registry == nil {
			s.registry = prometheus.NewRegistry()
			s.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		}
		if metrics, err = runtime.NewMetrics(s.registry); err != nil {
			return err
		}
	}

	outbox, err := runtime.NewOutbox(t.Publisher, runtime.OutboxOptions{
		Prefix:          c.SubjectPrefix,
		Capabilities:    t.Capabilities,
		MaxRetries:      c.Outbox.MaxRetries,
		InitialInterval: c.Outbox.InitialInterval,
		MaxInterval:     c.Outbox.MaxInterval,
		BreakerFailures: c.Outbox.BreakerFailures,
		BreakerTimeout:  c.Outbox.BreakerTimeout,
		OnLost:          deps.OnLost,
		Logger:          s.Logger,
		Metrics:         metrics,
	})
	if err != nil {
		return err
	}

	s.Bus = runtime.NewBus(runtime.BusOptions{
		DB:              db,
		Outbox:          outbox,
		Logger:          s.Logger,
		TracerProvider:  deps.TracerProvider,
		Metrics:         metrics,
		ErrorClassifier: deps.ErrorClassifier,
	})

	s.Scheduler, err = jobs.New(s.Bus, jobs.Options{
		BatchSize:                c.Scheduler.BatchSize,
		PollInterval:             c.Scheduler.PollInterval,
		WorkerConcurrency:        c.Scheduler.WorkerConcurrency,
		ClaimTimeout:             c.Scheduler.ClaimTimeout,
		TerminationCheckInterval: c.Scheduler.TerminationCheckInterval,
		RetryBackoff:             jobs.RetryBackoff(c.Scheduler.RetryBackoff),
		MaxRetryDelay:            c.Scheduler.MaxRetryDelay,
		Hooks:                    runtime.LoggingHooks(s.Logger).Merge(deps.JobHooks),
		Logger:                   s.Logger,
	})
	if err != nil {
		return err
	}
	if c.Database.AutoMigrate {
		if err := s.Scheduler.Migrate(ctx); err != nil {
			return err
		}
	}
	if err := s.Scheduler.Register(); err != nil {
		return err
	}

	if c.WebUIEnabled {
		s.RegisterHTTPHandler(c.WebUIPort, "/", s.OperatorAPI())
	}
	if c.MetricsEnabled {
		s.RegisterHTTPHandler(c.MetricsPort, "/metrics", s.MetricsHandler())
	}
	return nil
}

// Transport returns the broker pair the outbox publishes to. Consumers in
// the same process subscribe through it.
func (s *Service) Transport() transportpkg.Transport { return s.transport }

// MetricsHandler serves the service registry in the Prometheus exposition
// format. It serves an empty registry when metrics are disabled.
func (s *Service) MetricsHandler() http.Handler {
	if s.registry == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry})
}

// RegisterHTTPHandler mounts handler under pattern on the server listening
// on port. Handlers sharing a port share one server.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}
	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}
	mux.Handle(pattern, handler)
}

// Start serves the HTTP surfaces and, when enabled, runs the job scheduler
// until ctx is cancelled. In-flight jobs finish before Start returns.
func (s *Service) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	s.httpServersMu.Lock()
	for port, mux := range s.httpServers {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		s.Logger.Info("Starting HTTP server", logging.LogFields{"address": srv.Addr})
		g.Go(func() error {
			if err := listenAndServe(srv); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve %s: %w", srv.Addr, err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	s.httpServersMu.Unlock()

	if s.Conf.Scheduler.Enabled {
		g.Go(func() error { return s.Scheduler.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	return g.Wait()
}

// Close releases the broker and the database. Commit hooks still running
// publish into a closed publisher and are reported lost.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if err := s.transport.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close transport: %w", err))
		}
		if s.DB != nil {
			if err := s.DB.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close database: %w", err))
			}
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
