package worker

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type ScheduleConfig struct {
	CleanupSpec string
	NotifySpec  string
	// JobTimeout bounds a single job run.
	JobTimeout time.Duration
}

// Scheduler runs the cleanup and notification jobs on cron schedules.
// An empty schedule disables the job.
type Scheduler struct {
	cron    *cron.Cron
	logger  *zap.Logger
	timeout time.Duration
}

func NewScheduler(cfg ScheduleConfig, cleaner *Cleaner, notifier *Notifier, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 2 * time.Minute
	}
	s := &Scheduler{
		cron:    cron.New(cron.WithChain(cron.Recover(cronLogger{logger}), cron.SkipIfStillRunning(cronLogger{logger}))),
		logger:  logger,
		timeout: cfg.JobTimeout,
	}

	if cfg.CleanupSpec != "" && cleaner != nil {
		if _, err := s.cron.AddFunc(cfg.CleanupSpec, s.job("cleanup", func(ctx context.Context) error {
			_, err := cleaner.Run(ctx)
			return err
		})); err != nil {
			return nil, err
		}
	}
	if cfg.NotifySpec != "" && notifier != nil {
		if _, err := s.cron.AddFunc(cfg.NotifySpec, s.job("notify", func(ctx context.Context) error {
			_, err := notifier.Run(ctx)
			return err
		})); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", zap.Int("jobs", len(s.cron.Entries())))
}

// Stop prevents new runs and waits for running jobs or ctx, whichever ends first.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out")
	}
}

func (s *Scheduler) Jobs() int {
	return len(s.cron.Entries())
}

func (s *Scheduler) job(name string, fn func(ctx context.Context) error) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			s.logger.Error("scheduled job failed", zap.String("job", name), zap.Error(err))
		}
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
