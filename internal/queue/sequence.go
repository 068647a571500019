package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"qms/agency-queue/internal/models"
	"qms/agency-queue/internal/store"
)

const (
	NumberingCounter = "counter"
	NumberingCount   = "count"
	NumberingRedis   = "redis"
)

// SequenceKey identifies one daily numbering series. Day is the agency-local
// date at midnight UTC; From and To bound that local day as instants.
type SequenceKey struct {
	AgencyID string
	Service  models.Service
	Day      time.Time
	From     time.Time
	To       time.Time
}

// Sequencer hands out the daily sequence value used in ticket numbers.
type Sequencer interface {
	Next(ctx context.Context, tx store.Tx, key SequenceKey) (int, error)
}

// CounterSequencer increments a per-(agency, service, day) counter row
// inside the creating transaction, so concurrent creates never share a number.
type CounterSequencer struct{}

func (CounterSequencer) Next(ctx context.Context, tx store.Tx, key SequenceKey) (int, error) {
	return tx.NextSequence(ctx, key.AgencyID, key.Service, key.Day)
}

// CountSequencer counts the tickets already created today and adds one.
// Two simultaneous creates can observe the same count and share a number.
type CountSequencer struct{}

func (CountSequencer) Next(ctx context.Context, tx store.Tx, key SequenceKey) (int, error) {
	n, err := tx.CountTickets(ctx, store.TicketFilter{
		AgencyID:      key.AgencyID,
		Service:       key.Service,
		CreatedFrom:   key.From,
		CreatedBefore: key.To,
	})
	if err != nil {
		return 0, err
	}
	return n + 1, nil
}

// RedisSequencer uses INCR on a shared key. A rolled back create leaves a gap.
type RedisSequencer struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewRedisSequencer(client redis.Cmdable) *RedisSequencer {
	return &RedisSequencer{client: client, ttl: 48 * time.Hour}
}

func (r *RedisSequencer) Next(ctx context.Context, _ store.Tx, key SequenceKey) (int, error) {
	redisKey := fmt.Sprintf("queue:seq:%s:%s:%s", key.AgencyID, key.Service, key.Day.Format("2006-01-02"))
	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, store.Wrap("redis sequence", err)
	}
	return int(incr.Val()), nil
}

// NewSequencer picks the numbering strategy by name. The redis strategy
// needs a client.
func NewSequencer(mode string, client redis.Cmdable) (Sequencer, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", NumberingCounter:
		return CounterSequencer{}, nil
	case NumberingCount:
		return CountSequencer{}, nil
	case NumberingRedis:
		if client == nil {
			return nil, fmt.Errorf("ticket numbering %q requires REDIS_ADDR", mode)
		}
		return NewRedisSequencer(client), nil
	default:
		return nil, fmt.Errorf("unknown ticket numbering %q", mode)
	}
}

// FormatNumber renders prefix plus a zero-padded three digit sequence.
func FormatNumber(service models.Service, seq int) string {
	return fmt.Sprintf("%s%03d", service.Prefix(), seq)
}
