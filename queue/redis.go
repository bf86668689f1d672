package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"gifconv/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisOptions names the keys and timings of a RedisBroker.
type RedisOptions struct {
	PendingQueue     string
	ProcessingQueue  string
	DelayedQueue     string
	FailedQueue      string
	LeaseKey         string
	PollTimeout      time.Duration
	LeaseTTL         time.Duration
	PromoteInterval  time.Duration
	RecoveryInterval time.Duration
	PromoteBatch     int
}

func (o RedisOptions) withDefaults() RedisOptions {
	if o.PollTimeout <= 0 {
		o.PollTimeout = 5 * time.Second
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = 2 * time.Minute
	}
	if o.PromoteInterval <= 0 {
		o.PromoteInterval = 500 * time.Millisecond
	}
	if o.RecoveryInterval <= 0 {
		o.RecoveryInterval = 30 * time.Second
	}
	if o.PromoteBatch <= 0 {
		o.PromoteBatch = 100
	}
	return o
}

// Moves due members of the delayed set onto the pending list.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, member in ipairs(due) do
  redis.call('ZREM', KEYS[1], member)
  redis.call('LPUSH', KEYS[2], member)
end
return #due
`)

// Requeues a processing entry only if it is still present.
var reclaimScript = redis.NewScript(`
local removed = redis.call('LREM', KEYS[1], 1, ARGV[1])
if removed == 1 then
  redis.call('LPUSH', KEYS[2], ARGV[2])
  redis.call('HDEL', KEYS[3], ARGV[3])
end
return removed
`)

// RedisBroker keeps jobs in Redis lists: pending holds queued envelopes,
// processing holds leased ones, delayed is a sorted set of retries scored by
// their ready time, and failed keeps discarded jobs.
type RedisBroker struct {
	client *redis.Client
	opts   RedisOptions
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	orphans map[string]int
}

func NewRedisBroker(client *redis.Client, opts RedisOptions, logger zerolog.Logger) *RedisBroker {
	return &RedisBroker{
		client:  client,
		opts:    opts.withDefaults(),
		logger:  logger.With().Str("component", "redis_queue").Logger(),
		now:     time.Now,
		orphans: make(map[string]int),
	}
}

func (b *RedisBroker) Enqueue(ctx context.Context, d models.JobDescriptor) (models.JobHandle, error) {
	if err := d.Validate(); err != nil {
		return models.JobHandle{}, err
	}
	env := envelope{
		ID:         uuid.NewString(),
		Descriptor: d,
		Attempt:    1,
		EnqueuedAt: b.now().UTC(),
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return models.JobHandle{}, fmt.Errorf("encode job: %w", err)
	}

	if err := b.client.LPush(ctx, b.opts.PendingQueue, payload).Err(); err != nil {
		return models.JobHandle{}, unavailable("enqueue", err)
	}

	b.logger.Info().Str("job_id", env.ID).Str("conversion_id", d.ConversionID).Msg("job enqueued")
	return models.JobHandle{ID: env.ID, ConversionID: d.ConversionID}, nil
}

func (b *RedisBroker) Fetch(ctx context.Context) (*Delivery, error) {
	// Atomic pop from pending and push to processing
	result, err := b.client.BRPopLPush(ctx, b.opts.PendingQueue, b.opts.ProcessingQueue, b.opts.PollTimeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoJob
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, unavailable("fetch", err)
	}

	var env envelope
	if err := json.Unmarshal([]byte(result), &env); err != nil {
		b.logger.Error().Err(err).Msg("dropping malformed job")
		// Keep the payload around for inspection instead of looping on it
		b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LRem(ctx, b.opts.ProcessingQueue, 1, result)
			pipe.LPush(ctx, b.opts.FailedQueue, result)
			return nil
		})
		return nil, ErrNoJob
	}

	d := &Delivery{
		ID:         env.ID,
		Descriptor: env.Descriptor,
		Attempt:    env.Attempt,
		EnqueuedAt: env.EnqueuedAt,
		raw:        result,
	}
	if err := b.Touch(ctx, d); err != nil {
		b.logger.Warn().Err(err).Str("job_id", d.ID).Msg("failed to set lease")
	}
	return d, nil
}

func (b *RedisBroker) Touch(ctx context.Context, d *Delivery) error {
	deadline := b.now().Add(b.opts.LeaseTTL).UnixMilli()
	if err := b.client.HSet(ctx, b.opts.LeaseKey, d.ID, deadline).Err(); err != nil {
		return unavailable("touch", err)
	}
	return nil
}

func (b *RedisBroker) Ack(ctx context.Context, d *Delivery) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, b.opts.ProcessingQueue, 1, d.raw)
		pipe.HDel(ctx, b.opts.LeaseKey, d.ID)
		return nil
	})
	if err != nil {
		return unavailable("ack", err)
	}
	return nil
}

func (b *RedisBroker) Retry(ctx context.Context, d *Delivery, delay time.Duration) error {
	next := d.envelope()
	next.Attempt++
	payload, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode retry: %w", err)
	}

	readyAt := b.now().Add(delay).UnixMilli()
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, b.opts.ProcessingQueue, 1, d.raw)
		pipe.ZAdd(ctx, b.opts.DelayedQueue, redis.Z{Score: float64(readyAt), Member: string(payload)})
		pipe.HDel(ctx, b.opts.LeaseKey, d.ID)
		return nil
	})
	if err != nil {
		return unavailable("retry", err)
	}

	b.logger.Info().
		Str("job_id", d.ID).
		Int("attempt", next.Attempt).
		Dur("delay", delay).
		Msg("scheduled retry")
	return nil
}

func (b *RedisBroker) Discard(ctx context.Context, d *Delivery, reason string) error {
	dead := d.envelope()
	dead.Reason = reason
	payload, err := json.Marshal(dead)
	if err != nil {
		return fmt.Errorf("encode discard: %w", err)
	}

	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, b.opts.ProcessingQueue, 1, d.raw)
		pipe.LPush(ctx, b.opts.FailedQueue, payload)
		pipe.HDel(ctx, b.opts.LeaseKey, d.ID)
		return nil
	})
	if err != nil {
		return unavailable("discard", err)
	}
	return nil
}

// Close leaves the client open; it is shared with other components.
func (b *RedisBroker) Close() error {
	return nil
}

// Run promotes due retries and reclaims expired leases until ctx is done.
func (b *RedisBroker) Run(ctx context.Context) {
	promote := time.NewTicker(b.opts.PromoteInterval)
	defer promote.Stop()
	recovery := time.NewTicker(b.opts.RecoveryInterval)
	defer recovery.Stop()

	b.logger.Info().Msg("starting queue maintenance loop")

	for {
		select {
		case <-ctx.Done():
			b.logger.Info().Msg("queue maintenance shutting down")
			return
		case <-promote.C:
			if _, err := b.promote(ctx); err != nil && ctx.Err() == nil {
				b.logger.Error().Err(err).Msg("failed to promote delayed jobs")
			}
		case <-recovery.C:
			if _, err := b.recoverStale(ctx); err != nil && ctx.Err() == nil {
				b.logger.Error().Err(err).Msg("failed to recover stale jobs")
			}
		}
	}
}

func (b *RedisBroker) promote(ctx context.Context) (int, error) {
	now := strconv.FormatInt(b.now().UnixMilli(), 10)
	n, err := promoteScript.Run(ctx, b.client,
		[]string{b.opts.DelayedQueue, b.opts.PendingQueue},
		now, b.opts.PromoteBatch,
	).Int()
	if err != nil {
		return 0, unavailable("promote", err)
	}
	return n, nil
}

// recoverStale requeues processing entries whose lease expired. An entry with
// no lease at all is given one extra scan, since Fetch sets the lease right
// after the atomic move.
func (b *RedisBroker) recoverStale(ctx context.Context) (int, error) {
	entries, err := b.client.LRange(ctx, b.opts.ProcessingQueue, 0, -1).Result()
	if err != nil {
		return 0, unavailable("recover", err)
	}
	leases, err := b.client.HGetAll(ctx, b.opts.LeaseKey).Result()
	if err != nil {
		return 0, unavailable("recover", err)
	}

	nowMs := b.now().UnixMilli()
	recovered := 0
	seen := make(map[string]struct{}, len(entries))

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, raw := range entries {
		var env envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			continue
		}
		seen[env.ID] = struct{}{}

		if value, ok := leases[env.ID]; ok {
			deadline, _ := strconv.ParseInt(value, 10, 64)
			if deadline > nowMs {
				delete(b.orphans, env.ID)
				continue
			}
		} else {
			b.orphans[env.ID]++
			if b.orphans[env.ID] < 2 {
				continue
			}
		}

		env.Attempt++
		payload, err := json.Marshal(env)
		if err != nil {
			continue
		}
		removed, err := reclaimScript.Run(ctx, b.client,
			[]string{b.opts.ProcessingQueue, b.opts.PendingQueue, b.opts.LeaseKey},
			raw, string(payload), env.ID,
		).Int()
		if err != nil {
			return recovered, unavailable("recover", err)
		}
		delete(b.orphans, env.ID)
		if removed == 1 {
			recovered++
			b.logger.Warn().
				Str("job_id", env.ID).
				Str("conversion_id", env.Descriptor.ConversionID).
				Int("attempt", env.Attempt).
				Msg("reclaimed stale job")
		}
	}

	for id := range b.orphans {
		if _, ok := seen[id]; !ok {
			delete(b.orphans, id)
		}
	}

	if recovered > 0 {
		b.logger.Info().Int("count", recovered).Msg("recovered stale jobs")
	}
	return recovered, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}
