package worker

import (
	"context"
	"time"

	"qms/agency-queue/internal/queue"
	"qms/agency-queue/internal/store"

	"go.uber.org/zap"
)

// RetentionStore is the part of the store the cleaner needs.
type RetentionStore interface {
	CountTickets(ctx context.Context, filter store.TicketFilter) (int, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Cleaner deletes done and cancelled tickets last updated more than
// Days ago, together with their distribution log.
type Cleaner struct {
	store  RetentionStore
	clock  queue.Clock
	days   int
	logger *zap.Logger
}

func NewCleaner(st RetentionStore, clock queue.Clock, days int, logger *zap.Logger) *Cleaner {
	if clock == nil {
		clock = queue.RealClock()
	}
	if days <= 0 {
		days = 30
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cleaner{store: st, clock: clock, days: days, logger: logger}
}

func (c *Cleaner) Cutoff() time.Time {
	return c.clock.Now().AddDate(0, 0, -c.days)
}

// Pending counts the tickets the next Run would delete.
func (c *Cleaner) Pending(ctx context.Context) (int, error) {
	return c.store.CountTickets(ctx, store.TicketFilter{
		Statuses:      store.TerminalStatuses,
		UpdatedBefore: c.Cutoff(),
	})
}

func (c *Cleaner) Run(ctx context.Context) (int, error) {
	cutoff := c.Cutoff()
	deleted, err := c.store.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		c.logger.Error("ticket cleanup failed", zap.Time("cutoff", cutoff), zap.Error(err))
		return 0, err
	}
	c.logger.Info("ticket cleanup finished", zap.Time("cutoff", cutoff), zap.Int("deleted", deleted))
	return deleted, nil
}
