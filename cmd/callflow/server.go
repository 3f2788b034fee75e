package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dukex/callflow/pkg/cmd"
	"github.com/dukex/callflow/pkg/config"
	"github.com/dukex/callflow/pkg/engine"
	"github.com/dukex/callflow/pkg/eventbus"
	"github.com/dukex/callflow/pkg/models"
	"github.com/dukex/callflow/pkg/otelhelper"
	"github.com/dukex/callflow/pkg/persistence"
	"github.com/dukex/callflow/pkg/routing"
	"github.com/dukex/callflow/pkg/services"
	"github.com/dukex/callflow/pkg/session"
	"github.com/dukex/callflow/pkg/stats"
	"github.com/dukex/callflow/pkg/telephony"
	"github.com/dukex/callflow/pkg/web"
	"github.com/dukex/callflow/pkg/webhook"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	fiberlogger "github.com/gofiber/fiber/v3/middleware/logger"
	"go.opentelemetry.io/otel/trace"
)

const (
	serviceName     = "callflow"
	shutdownTimeout = 10 * time.Second
	seedActorID     = "callflow-seed"
)

// Options selects backends and execution limits for a server.
type Options struct {
	DatabaseURL     string
	EventBus        string
	SessionStoreURL string
	Engine          engine.Config
	WebhookAttempts int
	ReapSchedule    string
	StatsRetention  time.Duration
	UnboundPrompt   string
	OtelEnabled     bool
}

// Server owns every component of a running callflow process.
type Server struct {
	persistence persistence.Persistence
	sessions    session.Store
	bus         eventbus.EventBus
	flows       *services.Flow
	publishing  *services.Publishing
	routing     *routing.Table
	commander   *telephony.BusCommander
	engine      *engine.Engine
	dispatcher  *telephony.Dispatcher
	reaper      *engine.Reaper
	aggregator  *stats.Aggregator
	logger      *slog.Logger
}

func NewServer(ctx context.Context, opts Options, logger *slog.Logger) (*Server, error) {
	tracer, err := newTracer(ctx, opts.OtelEnabled)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}

	s := &Server{logger: logger}

	s.persistence, err = cmd.NewPersistence(ctx, logger, opts.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize persistence: %w", err)
	}

	s.sessions, err = cmd.NewSessionStore(ctx, logger, opts.SessionStoreURL, opts.Engine.SessionTTL)
	if err != nil {
		s.Close(ctx)

		return nil, fmt.Errorf("failed to initialize session store: %w", err)
	}

	s.bus, err = cmd.NewEventBus(opts.EventBus, serviceName, logger)
	if err != nil {
		s.Close(ctx)

		return nil, fmt.Errorf("failed to initialize event bus: %w", err)
	}

	s.flows = services.NewFlow(s.persistence, logger)
	s.publishing = services.NewPublishing(s.persistence, s.bus, tracer, logger)
	s.routing = routing.NewTable(s.persistence, routing.Config{
		FallbackPrompt: opts.UnboundPrompt,
		CacheSize:      opts.Engine.CacheSize,
	}, logger)

	caller := webhook.NewCaller(webhook.Config{Attempts: opts.WebhookAttempts}, logger)
	s.commander = telephony.NewBusCommander(s.bus, caller, logger)
	s.engine = engine.New(s.sessions, s.routing, s.commander, s.bus, tracer, opts.Engine, logger)
	s.dispatcher = telephony.NewDispatcher(s.engine, s.routing, s.commander, s.bus, logger)
	s.aggregator = stats.NewAggregator(stats.Config{Retention: opts.StatsRetention}, logger)

	s.reaper, err = engine.NewReaper(s.engine, opts.ReapSchedule, logger)
	if err != nil {
		s.Close(ctx)

		return nil, err
	}

	return s, nil
}

// nolint:ireturn // Returning interface is intentional for OpenTelemetry tracing
func newTracer(ctx context.Context, enabled bool) (trace.Tracer, error) {
	if !enabled {
		return otelhelper.NoopTracer(), nil
	}

	return otelhelper.NewTracer(ctx, serviceName)
}

// App builds the HTTP application.
func (s *Server) App() *fiber.App {
	handlers := web.NewAPIHandlers(s.flows, s.publishing, s.routing, s.dispatcher, s.engine, s.aggregator, s.logger)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Callflow API")
	})

	handlers.Register(app)

	return app
}

// Seed creates, publishes and binds the flows described by files on behalf of organizationID.
// Flows whose name already exists in the organization are left untouched; their numbers
// are still bound.
func (s *Server) Seed(ctx context.Context, files []string, organizationID string) error {
	actor := models.Actor{ID: seedActorID, OrganizationID: organizationID}

	for _, path := range files {
		err := s.seed(ctx, actor, path)
		if err != nil {
			return fmt.Errorf("failed to seed %s: %w", path, err)
		}
	}

	return nil
}

func (s *Server) seed(ctx context.Context, actor models.Actor, path string) error {
	file, err := config.LoadFlowFile(path)
	if err != nil {
		return err
	}

	flow, err := s.findFlow(ctx, actor, file.Name)
	if err != nil {
		return err
	}

	if flow == nil {
		flow, err = s.flows.Create(ctx, actor, services.CreateFlowRequest{
			Name:        file.Name,
			Description: file.Description,
			Draft:       &file.Definition,
		})
		if err != nil {
			return err
		}

		version, err := s.publishing.PublishDraft(ctx, flow.ID, actor)
		if err != nil {
			return err
		}

		s.logger.InfoContext(ctx, "seeded flow", "flow_id", flow.ID, "name", flow.Name, "version", version.Number)
	} else {
		s.logger.InfoContext(ctx, "seed flow already exists", "flow_id", flow.ID, "name", flow.Name)
	}

	for _, number := range file.Numbers {
		_, err = s.routing.Bind(ctx, number, flow.ID, actor)
		if err != nil {
			return err
		}
	}

	return nil
}

func (s *Server) findFlow(ctx context.Context, actor models.Actor, name string) (*models.Flow, error) {
	flows, err := s.flows.List(ctx, actor)
	if err != nil {
		return nil, err
	}

	for _, flow := range flows {
		if flow.Name == name {
			return flow, nil
		}
	}

	return nil, nil
}

// Start subscribes the dispatcher and the stats aggregator to the bus and starts the
// scheduled jobs.
func (s *Server) Start(ctx context.Context) error {
	err := s.dispatcher.Register(s.bus)
	if err != nil {
		return err
	}

	err = s.aggregator.Register(s.bus)
	if err != nil {
		return err
	}

	err = s.bus.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to event bus: %w", err)
	}

	err = s.reaper.Start(ctx)
	if err != nil {
		return err
	}

	return s.aggregator.Start()
}

// Stop ends the scheduled jobs and waits for in-flight webhook requests.
func (s *Server) Stop() {
	s.reaper.Stop()
	s.aggregator.Stop()
	s.commander.Wait()
}

// Run serves HTTP on port until ctx is done or the process receives SIGINT or SIGTERM.
func (s *Server) Run(ctx context.Context, port int) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := s.Start(ctx)
	if err != nil {
		return err
	}

	defer s.Stop()

	app := s.App()
	errs := make(chan error, 1)

	go func() {
		errs <- app.Listen(":"+strconv.Itoa(port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	s.logger.InfoContext(ctx, "callflow server listening", "port", port)

	select {
	case err = <-errs:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down callflow server")

	return app.ShutdownWithTimeout(shutdownTimeout)
}

// Close releases the backends. It is safe on a partially built server.
func (s *Server) Close(ctx context.Context) {
	var errs []error

	if s.bus != nil {
		errs = append(errs, s.bus.Close())
	}

	if s.sessions != nil {
		errs = append(errs, s.sessions.Close())
	}

	if s.persistence != nil {
		errs = append(errs, s.persistence.Close(ctx))
	}

	err := errors.Join(errs...)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to close backends", "error", err)
	}
}
