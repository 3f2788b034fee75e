package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/callflow/pkg/models"
	"github.com/robfig/cron/v3"
)

const DefaultReapSchedule = "@every 30s"

// SweepResult counts what one reaper pass did.
type SweepResult struct {
	TimedOut int
	Expired  int
	Purged   int
}

// Reaper periodically fires timeouts for sessions whose pending input is overdue, aborts
// sessions older than the session TTL and deletes terminal sessions once they are that old.
type Reaper struct {
	engine   *Engine
	schedule string
	cron     *cron.Cron
	logger   *slog.Logger
}

func NewReaper(engine *Engine, schedule string, logger *slog.Logger) (*Reaper, error) {
	if schedule == "" {
		schedule = DefaultReapSchedule
	}

	_, err := cron.ParseStandard(schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid reap schedule: %w", err)
	}

	return &Reaper{
		engine:   engine,
		schedule: schedule,
		logger:   logger.With("module", "reaper", "schedule", schedule),
	}, nil
}

// Start runs Sweep on the schedule until Stop is called.
func (r *Reaper) Start(ctx context.Context) error {
	r.logger.Info("Starting session reaper")

	r.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	_, err := r.cron.AddFunc(r.schedule, func() {
		result, err := r.Sweep(ctx)
		if err != nil {
			r.logger.Error("sweep failed", "error", err)

			return
		}

		if result != (SweepResult{}) {
			r.logger.Info("sweep finished", "timed_out", result.TimedOut, "expired", result.Expired, "purged", result.Purged)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule reaper: %w", err)
	}

	r.cron.Start()

	return nil
}

func (r *Reaper) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}

// Sweep makes one pass over every stored session.
func (r *Reaper) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult

	sessions, err := r.engine.sessions.List(ctx)
	if err != nil {
		return result, err
	}

	now := r.engine.config.Now().UTC()
	ttl := r.engine.config.SessionTTL

	for _, s := range sessions {
		switch {
		case s.Terminal():
			if s.EndedAt != nil && now.Sub(*s.EndedAt) > ttl {
				err := r.engine.sessions.Delete(ctx, s.CallID)
				if err != nil {
					r.logger.WarnContext(ctx, "failed to purge session", "call_id", s.CallID, "error", err)

					continue
				}

				result.Purged++
			}
		case now.Sub(s.StartedAt) > ttl:
			_, err := r.engine.Abort(ctx, s.CallID, models.AbortSessionExpired,
				fmt.Sprintf("call exceeded %s", ttl))
			if err != nil {
				r.logger.WarnContext(ctx, "failed to expire session", "call_id", s.CallID, "error", err)

				continue
			}

			result.Expired++
		case s.Pending != nil && !s.Pending.Deadline.IsZero() && now.After(s.Pending.Deadline):
			_, err := r.engine.Resume(ctx, timeoutEvent(s))
			if IsStale(err) {
				// The real answer won the race.
				continue
			}

			if err != nil {
				r.logger.WarnContext(ctx, "failed to time out session", "call_id", s.CallID, "error", err)

				continue
			}

			result.TimedOut++
		}
	}

	return result, nil
}

// timeoutEvent synthesizes the internal event a silent collaborator would have caused.
func timeoutEvent(s *models.CallSession) *models.CallEvent {
	event := &models.CallEvent{
		CallID:    s.CallID,
		CommandID: s.Pending.CommandID,
		Reason:    "deadline exceeded",
	}

	switch s.Pending.Kind {
	case models.KindWebhook:
		event.Type = models.CallEventWebhookResult
		event.Webhook = &models.WebhookResult{Status: models.WebhookStatusError, Error: "timed out"}
	case models.KindTransfer:
		event.Type = models.CallEventTransferResult
		event.Transfer = &models.TransferResult{Outcome: models.DiscriminatorNoAnswer}
	default:
		event.Type = models.CallEventInputTimeout
	}

	return event
}
