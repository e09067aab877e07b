package session

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Notifier receives best-effort operational pings. Satisfied by the
// Telegram notifier.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Reaper periodically retires idle supervisors. It is the only component
// allowed to evict registry entries purely on a time basis.
type Reaper struct {
	registry *Registry
	interval time.Duration
	notifier Notifier
	log      zerolog.Logger
}

func NewReaper(registry *Registry, interval time.Duration, notifier Notifier, log zerolog.Logger) *Reaper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Reaper{
		registry: registry,
		interval: interval,
		notifier: notifier,
		log:      log.With().Str("component", "reaper").Logger(),
	}
}

// Run sweeps on a fixed interval until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep checks every registered supervisor once and evicts the ones that
// report themselves idle. A failure while checking one account never aborts
// the sweep for the rest.
func (r *Reaper) Sweep(ctx context.Context) int {
	evicted := 0
	r.registry.ForEach(func(accountID string, sup *Supervisor) {
		if r.checkOne(ctx, accountID, sup) {
			r.registry.Remove(accountID)
			evicted++
			if r.notifier != nil {
				_ = r.notifier.Notify(ctx, fmt.Sprintf("Session for account %s reaped after inactivity.", accountID))
			}
		}
	})
	if evicted > 0 {
		r.log.Info().Int("evicted", evicted).Msg("sweep complete")
	}
	return evicted
}

func (r *Reaper) checkOne(ctx context.Context, accountID string, sup *Supervisor) (idle bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().Str("account_id", accountID).Interface("panic", rec).Msg("inactivity check panicked")
			idle = false
		}
	}()
	return sup.CheckInactivity(ctx)
}
