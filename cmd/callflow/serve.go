package main

import (
	"context"

	"github.com/dukex/callflow/pkg/engine"
	"github.com/dukex/callflow/pkg/log"
	"github.com/dukex/callflow/pkg/stats"
	"github.com/dukex/callflow/pkg/webhook"
	cli "github.com/urfave/cli/v3"
)

const defaultPort = 9091

func NewServeCommand() *cli.Command {
	return &cli.Command{
		Name:    "serve",
		Aliases: []string{"s"},
		Usage:   "Run the flow API, the telephony event consumer and the session reaper",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Persistence URL (memory://, file:///path, postgres://...)",
				Value:   "memory://",
				Sources: cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (gochannel, kafka). Kafka brokers come from KAFKA_BROKERS",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "session-store",
				Usage:   "Call session store URL (memory://, redis://host:port/db)",
				Value:   "memory://",
				Sources: cli.EnvVars("SESSION_STORE_URL"),
			},
			&cli.IntFlag{
				Name:    "max-steps",
				Usage:   "Node entries allowed per call unless the flow overrides it",
				Value:   engine.DefaultMaxSteps,
				Sources: cli.EnvVars("MAX_STEPS"),
			},
			&cli.DurationFlag{
				Name:    "input-timeout",
				Usage:   "Wait for caller input when a node sets no timeout",
				Value:   engine.DefaultInputTimeout,
				Sources: cli.EnvVars("INPUT_TIMEOUT"),
			},
			&cli.DurationFlag{
				Name:    "webhook-timeout",
				Usage:   "Webhook deadline when a node sets no timeout",
				Value:   engine.DefaultWebhookTimeout,
				Sources: cli.EnvVars("WEBHOOK_TIMEOUT"),
			},
			&cli.IntFlag{
				Name:    "webhook-attempts",
				Usage:   "Tries per webhook request on network errors and 5xx responses",
				Value:   webhook.DefaultAttempts,
				Sources: cli.EnvVars("WEBHOOK_ATTEMPTS"),
			},
			&cli.DurationFlag{
				Name:    "transfer-timeout",
				Usage:   "Wait for a transfer outcome",
				Value:   engine.DefaultTransferTimeout,
				Sources: cli.EnvVars("TRANSFER_TIMEOUT"),
			},
			&cli.DurationFlag{
				Name:    "session-ttl",
				Usage:   "Maximum call lifetime; terminal sessions are purged after it",
				Value:   engine.DefaultSessionTTL,
				Sources: cli.EnvVars("SESSION_TTL"),
			},
			&cli.IntFlag{
				Name:    "cache-size",
				Usage:   "Flow versions kept compiled in memory",
				Value:   engine.DefaultCacheSize,
				Sources: cli.EnvVars("CACHE_SIZE"),
			},
			&cli.StringFlag{
				Name:    "reap-schedule",
				Usage:   "Cron spec of the session reaper",
				Value:   engine.DefaultReapSchedule,
				Sources: cli.EnvVars("REAP_SCHEDULE"),
			},
			&cli.DurationFlag{
				Name:    "stats-retention",
				Usage:   "How long ended calls are remembered for duplicate event detection",
				Value:   stats.DefaultRetention,
				Sources: cli.EnvVars("STATS_RETENTION"),
			},
			&cli.StringFlag{
				Name:    "unbound-prompt",
				Usage:   "Prompt played to callers of numbers without a published flow",
				Sources: cli.EnvVars("UNBOUND_PROMPT"),
			},
			&cli.StringSliceFlag{
				Name:    "flow",
				Usage:   "YAML or JSON flow file to create, publish and bind at startup (repeatable)",
				Sources: cli.EnvVars("SEED_FLOWS"),
			},
			&cli.StringFlag{
				Name:    "seed-organization",
				Usage:   "Organization owning the seeded flows",
				Value:   "default",
				Sources: cli.EnvVars("SEED_ORGANIZATION"),
			},
			&cli.BoolFlag{
				Name:    "otel-enabled",
				Usage:   "Export traces with the OTLP HTTP exporter",
				Sources: cli.EnvVars("OTEL_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger := log.WithModule("callflow")
			logger.InfoContext(ctx, "Initializing callflow server")

			server, err := NewServer(ctx, optionsFrom(command), logger)
			if err != nil {
				return err
			}

			defer server.Close(ctx)

			err = server.Seed(ctx, command.StringSlice("flow"), command.String("seed-organization"))
			if err != nil {
				return err
			}

			return server.Run(ctx, int(command.Int("port")))
		},
	}
}

func optionsFrom(command *cli.Command) Options {
	return Options{
		DatabaseURL:     command.String("database-url"),
		EventBus:        command.String("event-bus"),
		SessionStoreURL: command.String("session-store"),
		Engine: engine.Config{
			MaxSteps:        int(command.Int("max-steps")),
			InputTimeout:    command.Duration("input-timeout"),
			WebhookTimeout:  command.Duration("webhook-timeout"),
			TransferTimeout: command.Duration("transfer-timeout"),
			SessionTTL:      command.Duration("session-ttl"),
			CacheSize:       int(command.Int("cache-size")),
		},
		WebhookAttempts: int(command.Int("webhook-attempts")),
		ReapSchedule:    command.String("reap-schedule"),
		StatsRetention:  command.Duration("stats-retention"),
		UnboundPrompt:   command.String("unbound-prompt"),
		OtelEnabled:     command.Bool("otel-enabled"),
	}
}
