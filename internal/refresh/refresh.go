// Package refresh periodically revalues the portfolios of users with an open
// trading session.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/atmx/papertrade/internal/session"
)

// DefaultInterval is how often portfolios are revalued when none is given.
const DefaultInterval = 30 * time.Second

// Revaluer revalues one user's portfolio for a given session. It must not
// apply the result if epoch is no longer the user's open session.
type Revaluer interface {
	RevalueSession(ctx context.Context, userID string, epoch session.Epoch) error
}

// Refresher runs a revaluation pass on a fixed interval.
type Refresher struct {
	sessions *session.Registry
	target   Revaluer
	interval time.Duration
	timeout  time.Duration

	scheduler *gocron.Scheduler
	cancel    context.CancelFunc
}

// New creates a refresher revaluing every open session of sessions through
// target once per interval. Each user's revaluation is bounded by timeout.
func New(sessions *session.Registry, target Revaluer, interval, timeout time.Duration) *Refresher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if timeout <= 0 {
		timeout = interval
	}
	return &Refresher{
		sessions: sessions,
		target:   target,
		interval: interval,
		timeout:  timeout,
	}
}

// Start schedules the job. Passes never overlap: a pass that is still
// running when the next one is due causes that one to be skipped.
func (r *Refresher) Start(ctx context.Context) error {
	ctx, r.cancel = context.WithCancel(ctx)

	r.scheduler = gocron.NewScheduler(time.UTC)
	if _, err := r.scheduler.Every(r.interval).SingletonMode().Do(r.RunOnce, ctx); err != nil {
		r.cancel()
		return fmt.Errorf("refresh: schedule job: %w", err)
	}
	r.scheduler.StartAsync()
	slog.Info("valuation refresher started", "interval", r.interval)
	return nil
}

// Stop cancels in-flight revaluations and stops the scheduler.
func (r *Refresher) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.scheduler != nil {
		r.scheduler.Stop()
	}
}

// Stats summarizes one pass.
type Stats struct {
	Users     int
	Applied   int
	Discarded int
	Failed    int
}

// RunOnce revalues every user with an open session. Each user's epoch is
// captured before the work starts, so a user who signs out or in again
// mid-pass has the result discarded.
func (r *Refresher) RunOnce(ctx context.Context) Stats {
	users := r.sessions.Active()
	st := Stats{Users: len(users)}

	for _, uid := range users {
		if ctx.Err() != nil {
			return st
		}
		epoch, ok := r.sessions.Current(uid)
		if !ok {
			continue
		}

		uctx, cancel := context.WithTimeout(ctx, r.timeout)
		err := r.target.RevalueSession(uctx, uid, epoch)
		cancel()

		switch {
		case err == nil:
			st.Applied++
		case ctx.Err() != nil:
			return st
		case errors.Is(err, session.ErrEnded):
			st.Discarded++
		default:
			st.Failed++
			slog.Warn("revaluation failed", "user", uid, "err", err)
		}
	}

	slog.Debug("valuation pass complete",
		"users", st.Users,
		"applied", st.Applied,
		"discarded", st.Discarded,
		"failed", st.Failed,
	)
	return st
}
