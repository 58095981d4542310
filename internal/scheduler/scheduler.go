// Package scheduler fires the daily report at the configured local time.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"

	"github.com/matheus3301/wpparchive/internal/metrics"
)

// LastRunKey is the kv_state key holding the date of the last report run.
const LastRunKey = "scheduler.daily_report.last_run"

// Reporter produces and sends the daily report.
type Reporter interface {
	SendDailyReport(ctx context.Context) (int, error)
}

// StateStore persists the last-fired date.
type StateStore interface {
	GetState(key string) (string, error)
	SetState(key, value string) error
}

// ErrorLog records report failures.
type ErrorLog interface {
	Error(errorType string, err error, location string, ctx map[string]any)
}

// Scheduler evaluates a daily cron expression and runs the report at most
// once per calendar day.
type Scheduler struct {
	expr     string
	gron     *gronx.Gronx
	loc      *time.Location
	reporter Reporter
	state    StateStore
	errs     ErrorLog
	log      *zap.Logger

	now      func() time.Time
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Expression returns the cron expression for a daily run at hour:minute.
func Expression(hour, minute int) string {
	return fmt.Sprintf("%d %d * * *", minute, hour)
}

// New creates a scheduler for hour:minute in loc. errs may be nil.
func New(hour, minute int, loc *time.Location, reporter Reporter, state StateStore, errs ErrorLog, logger *zap.Logger) (*Scheduler, error) {
	expr := Expression(hour, minute)
	g := gronx.New()
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 || !g.IsValid(expr) {
		return nil, fmt.Errorf("invalid report time %02d:%02d", hour, minute)
	}
	if loc == nil {
		loc = time.Local
	}
	return &Scheduler{
		expr:     expr,
		gron:     g,
		loc:      loc,
		reporter: reporter,
		state:    state,
		errs:     errs,
		log:      logger.Named("scheduler"),
		now:      time.Now,
		interval: 30 * time.Second,
	}, nil
}

// Next returns the next scheduled run after the current time.
func (s *Scheduler) Next() (time.Time, error) {
	return gronx.NextTickAfter(s.expr, s.now().In(s.loc), false)
}

// Start begins evaluating the schedule in the background.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	if next, err := s.Next(); err == nil {
		s.log.Info("daily report scheduled", zap.String("expr", s.expr), zap.Time("next", next))
	}
	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop stops the loop and waits for a running report to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	// The ticker runs faster than the cron resolution; the persisted date
	// keeps it to one run per day.
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ticker.C:
			s.Tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Tick runs the report when the current minute matches the expression and
// no run has been recorded for today. It reports whether the report ran.
func (s *Scheduler) Tick(ctx context.Context) bool {
	now := s.now().In(s.loc).Truncate(time.Minute)
	due, err := s.gron.IsDue(s.expr, now)
	if err != nil {
		s.log.Error("evaluate schedule", zap.Error(err))
		return false
	}
	if !due {
		return false
	}

	day := now.Format(time.DateOnly)
	last, err := s.state.GetState(LastRunKey)
	if err != nil {
		s.log.Error("read last run", zap.Error(err))
		return false
	}
	if last == day {
		return false
	}
	// Recorded before running so a failed report is not retried the same day.
	if err := s.state.SetState(LastRunKey, day); err != nil {
		s.log.Error("record last run", zap.Error(err))
		return false
	}

	s.run(ctx, day)
	return true
}

func (s *Scheduler) run(ctx context.Context, day string) {
	defer func() {
		if rec := recover(); rec != nil {
			s.fail(fmt.Errorf("panic: %v", rec), day)
		}
	}()

	rows, err := s.reporter.SendDailyReport(ctx)
	if err != nil {
		s.fail(err, day)
		return
	}
	metrics.ReportsRun.WithLabelValues("success").Inc()
	s.log.Info("daily report sent", zap.String("day", day), zap.Int("rows", rows))
}

func (s *Scheduler) fail(err error, day string) {
	metrics.ReportsRun.WithLabelValues("failure").Inc()
	s.log.Error("daily report failed", zap.String("day", day), zap.Error(err))
	if s.errs != nil {
		s.errs.Error("daily_report", err, "scheduler.run", map[string]any{"day": day})
	}
}
