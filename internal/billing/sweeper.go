package billing

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	// sweepSchedule fires at the top of every hour.
	sweepSchedule = "0 * * * *"
	// catchUpDelay runs one sweep shortly after boot so windows that lapsed
	// while the process was down are not left active until the next hour.
	catchUpDelay = 5 * time.Second
	sweepTimeout = time.Minute
)

// Sweeper disables accounts whose trial or paid cycle has lapsed. One sweep
// runs shortly after start, then hourly.
type Sweeper struct {
	svc    *Service
	logger *slog.Logger
	cron   *cron.Cron
	catch  *time.Timer

	// OnSweep, when set, receives the number of accounts disabled per run.
	OnSweep func(disabled int)
}

// NewSweeper builds a sweeper over the billing service's store.
func NewSweeper(svc *Service, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		svc:    svc,
		logger: logger,
		cron:   cron.New(),
	}
}

// Start schedules the hourly sweep and the boot catch-up run.
func (w *Sweeper) Start() error {
	if _, err := w.cron.AddFunc(sweepSchedule, w.run); err != nil {
		return err
	}
	w.catch = time.AfterFunc(catchUpDelay, w.run)
	w.cron.Start()
	w.logger.Info("billing sweeper started", slog.String("schedule", sweepSchedule))
	return nil
}

// Stop halts scheduling and waits for an in-flight sweep to finish.
func (w *Sweeper) Stop() {
	if w.catch != nil {
		w.catch.Stop()
	}
	<-w.cron.Stop().Done()
}

func (w *Sweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()
	if _, err := w.RunOnce(ctx); err != nil {
		w.logger.Error("billing sweep failed", slog.String("error", err.Error()))
	}
}

// RunOnce performs a single sweep and returns how many accounts it disabled.
// Sweeps are idempotent: an account already disabled is never touched again.
func (w *Sweeper) RunOnce(ctx context.Context) (int, error) {
	now := w.svc.now().UTC()
	disabled, err := w.svc.store.SweepExpired(ctx, now)
	if err != nil {
		return 0, err
	}
	for _, u := range disabled {
		w.logger.Info("billing sweep disabled account",
			slog.String("user_id", u.ID),
			slog.String("email", u.Email))
	}
	if w.OnSweep != nil {
		w.OnSweep(len(disabled))
	}
	return len(disabled), nil
}
