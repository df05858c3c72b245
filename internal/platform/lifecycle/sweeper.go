package lifecycle

import (
	"context"
	"time"

	"github.com/wizardbeardstudio/paydesk/internal/platform/escalation"
)

// SweepStale re-notifies operators about every open request untouched for
// longer than StaleAfter. Requests are never deleted or timed out.
func (e *Engine) SweepStale(ctx context.Context) (int, error) {
	stale, err := e.ListOpen(ctx, e.cfg.StaleAfter)
	if err != nil {
		return 0, err
	}
	now := e.clock.Now()
	for _, r := range stale {
		e.notify(ctx, r, escalation.ReasonStale, "idle since "+r.UpdatedAt.Format(time.RFC3339))
		e.log(r).WithField("idle", now.Sub(r.UpdatedAt).Round(time.Second).String()).Warn("stale request")
	}
	if e.observer != nil {
		e.observer.SetStaleRequests(len(stale))
	}
	return len(stale), nil
}

// StartStaleSweeper runs ApplyPendingEffects and SweepStale every interval
// until ctx is done.
func (e *Engine) StartStaleSweeper(
	ctx context.Context,
	interval time.Duration,
	observer func(stale int, err error),
) {
	if interval <= 0 || e.cfg.StaleAfter <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := e.ApplyPendingEffects(ctx); err != nil {
					e.logger.WithError(err).Error("pending side effects sweep failed")
				}
				n, err := e.SweepStale(ctx)
				if err != nil {
					e.logger.WithError(err).Error("stale request sweep failed")
				}
				if observer != nil {
					observer(n, err)
				}
			}
		}
	}()
}
