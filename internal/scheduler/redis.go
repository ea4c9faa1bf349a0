package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Message is the queued unit of work for one task slot.
type Message struct {
	ID        string    `json:"id"`
	Task      string    `json:"task"`
	Slot      time.Time `json:"slot"`
	Attempts  int       `json:"attempts"`
	Timestamp time.Time `json:"timestamp"`
}

// RedisOptions tune the shared-queue backend.
type RedisOptions struct {
	KeyPrefix   string
	Workers     int
	TaskTimeout time.Duration
	Retry       RetryPolicy
}

// QueueStats reports the depth of each queue list.
type QueueStats struct {
	Pending  int64 `json:"pending"`
	Retrying int64 `json:"retrying"`
	Dead     int64 `json:"dead"`
}

// claimLock takes the task lock when free or already owned by the same message.
var claimLock = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur == false or cur == ARGV[1] then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
  return 1
end
return 0
`)

// releaseLock shrinks the lease of a finished run to what is left of the rate
// window, or drops it when the window already passed. Only the owner may do so.
var releaseLock = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
  return 0
end
if tonumber(ARGV[2]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
else
  redis.call('DEL', KEYS[1])
end
return 1
`)

// RedisBackend dedupes slots across processes through Redis and runs them on a
// worker pool fed by a shared list. Failed rethrow runs move through a delayed
// retry set and finally a dead-letter list.
type RedisBackend struct {
	client  *redis.Client
	opts    RedisOptions
	logger  zerolog.Logger
	mu      sync.RWMutex
	runners map[string]*runner
	order   []string
	now     func() time.Time
}

// NewRedis constructs a Redis-backed scheduler.
func NewRedis(client *redis.Client, opts RedisOptions, logger zerolog.Logger) *RedisBackend {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "gasguard:scheduler"
	}
	return &RedisBackend{
		client:  client,
		opts:    opts,
		logger:  logger.With().Str("component", "scheduler").Str("backend", "redis").Logger(),
		runners: make(map[string]*runner),
		now:     time.Now,
	}
}

// RegisterRecurring adds a task. Names must be unique.
func (b *RedisBackend) RegisterRecurring(task Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.runners[task.Name]; ok {
		return fmt.Errorf("task %s already registered", task.Name)
	}
	b.runners[task.Name] = newRunner(task, b.opts.TaskTimeout, b.logger).withClock(b.clock)
	b.order = append(b.order, task.Name)
	b.logger.Info().Str("task", task.Name).Str("cadence", task.Cadence.String()).Msg("task registered")
	return nil
}

func (b *RedisBackend) clock() time.Time { return b.now() }

// Run starts the slot producers, workers and retry mover, and blocks until ctx
// ends. An unreachable redis delays the start instead of failing it.
func (b *RedisBackend) Run(ctx context.Context) error {
	if err := b.waitReady(ctx); err != nil {
		return err
	}

	b.mu.RLock()
	names := append([]string(nil), b.order...)
	b.mu.RUnlock()

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(r *runner) {
			defer wg.Done()
			b.produce(ctx, r)
		}(b.runner(name))
	}
	for i := 0; i < b.opts.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			b.worker(ctx, id)
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.retryProcessor(ctx)
	}()

	b.logger.Info().Int("tasks", len(names)).Int("workers", b.opts.Workers).Msg("scheduler started")
	wg.Wait()
	return ctx.Err()
}

func (b *RedisBackend) waitReady(ctx context.Context) error {
	wait := 500 * time.Millisecond
	for {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := b.client.Ping(pingCtx).Err()
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.logger.Warn().Err(err).Dur("retry_in", wait).Msg("redis unreachable, scheduler waiting")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if wait < 30*time.Second {
			wait *= 2
		}
	}
}

// Trigger enqueues an immediate run of a registered task.
func (b *RedisBackend) Trigger(ctx context.Context, name string) error {
	if b.runner(name) == nil {
		return fmt.Errorf("no task registered with name %s", name)
	}
	now := b.now().UTC()
	return b.enqueue(ctx, Message{ID: uuid.NewString(), Task: name, Slot: now, Timestamp: now})
}

// Stats returns the current queue depths.
func (b *RedisBackend) Stats(ctx context.Context) (QueueStats, error) {
	pipe := b.client.Pipeline()
	pending := pipe.LLen(ctx, b.queueKey())
	retrying := pipe.ZCard(ctx, b.retryKey())
	dead := pipe.LLen(ctx, b.deadLetterKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return QueueStats{}, err
	}
	return QueueStats{Pending: pending.Val(), Retrying: retrying.Val(), Dead: dead.Val()}, nil
}

func (b *RedisBackend) runner(name string) *runner {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.runners[name]
}

// produce claims every slot of a task; only the process that wins the tick key enqueues it.
func (b *RedisBackend) produce(ctx context.Context, r *runner) {
	next := r.task.Cadence.Next(b.now())
	for {
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		slot := next.UTC()
		next = r.task.Cadence.Next(b.now())

		won, err := b.claimSlot(ctx, r.task, slot)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				r.logger.Error().Err(err).Time("slot", slot).Msg("claim slot")
			}
			continue
		}
		if !won {
			r.logger.Debug().Time("slot", slot).Msg("slot claimed by another process")
			continue
		}

		msg := Message{ID: uuid.NewString(), Task: r.task.Name, Slot: slot, Timestamp: b.now().UTC()}
		if err := b.enqueue(ctx, msg); err != nil {
			r.logger.Error().Err(err).Time("slot", slot).Msg("enqueue slot")
		}
	}
}

func (b *RedisBackend) claimSlot(ctx context.Context, task Task, slot time.Time) (bool, error) {
	return b.client.SetNX(ctx, b.tickKey(task.Name, slot), b.opts.KeyPrefix, 2*task.Cadence.Period()).Result()
}

func (b *RedisBackend) enqueue(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := b.client.LPush(ctx, b.queueKey(), data).Err(); err != nil {
		return fmt.Errorf("lpush: %w", err)
	}
	return nil
}

func (b *RedisBackend) worker(ctx context.Context, id int) {
	b.logger.Debug().Int("worker_id", id).Msg("queue worker started")
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		result, err := b.client.BRPop(ctx, time.Second, b.queueKey()).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			b.logger.Error().Err(err).Msg("brpop")
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		if len(result) < 2 {
			continue
		}

		var msg Message
		if err := json.Unmarshal([]byte(result[1]), &msg); err != nil {
			b.logger.Error().Err(err).Msg("unmarshal message")
			continue
		}
		b.process(ctx, msg)
	}
}

func (b *RedisBackend) process(ctx context.Context, msg Message) {
	r := b.runner(msg.Task)
	if r == nil {
		b.logger.Error().Str("task", msg.Task).Str("id", msg.ID).Msg("no task registered for message")
		return
	}

	retry := msg.Attempts > 0
	if r.task.ConcurrencyLimit > 0 {
		ok, err := b.lock(ctx, r, msg, retry)
		if err != nil {
			r.logger.Error().Err(err).Str("id", msg.ID).Msg("task lock")
			return
		}
		if !ok {
			r.logger.Debug().Str("id", msg.ID).Msg("run suppressed, lock held elsewhere")
			return
		}
		defer b.unlock(ctx, r, msg, b.now())
	}

	err := r.execute(ctx, retry)
	if err == nil || isSuppressed(err) {
		return
	}
	if errors.Is(err, context.Canceled) {
		r.logger.Warn().Str("id", msg.ID).Msg("run cancelled")
		return
	}
	b.handleFailure(ctx, r, msg, err)
}

// lock holds the task while it runs; unlock trims the lease afterwards.
func (b *RedisBackend) lock(ctx context.Context, r *runner, msg Message, retry bool) (bool, error) {
	lease := max(r.task.Window, b.opts.TaskTimeout)
	if lease <= 0 {
		lease = r.task.Cadence.Period()
	}
	key := b.lockKey(r.task.Name)
	if !retry {
		return b.client.SetNX(ctx, key, msg.ID, lease).Result()
	}
	res, err := claimLock.Run(ctx, b.client, []string{key}, msg.ID, lease.Milliseconds()).Int()
	return res == 1, err
}

// unlock keeps the lock only for the rest of the task window so the next slot
// can claim it.
func (b *RedisBackend) unlock(ctx context.Context, r *runner, msg Message, started time.Time) {
	rest := r.task.Window - b.now().Sub(started)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := releaseLock.Run(ctx, b.client, []string{b.lockKey(r.task.Name)}, msg.ID, rest.Milliseconds()).Err(); err != nil {
		r.logger.Warn().Err(err).Str("id", msg.ID).Msg("release task lock")
	}
}

func (b *RedisBackend) handleFailure(ctx context.Context, r *runner, msg Message, err error) {
	if msg.Attempts < b.opts.Retry.Limit {
		msg.Attempts++
		retryAt := b.now().Add(b.opts.Retry.Backoff(msg.Attempts))
		if err := b.scheduleRetry(ctx, msg, retryAt); err != nil {
			r.logger.Error().Err(err).Str("id", msg.ID).Msg("schedule retry")
			return
		}
		r.logger.Info().Str("id", msg.ID).Int("attempt", msg.Attempts).Time("retry_at", retryAt).Msg("scheduled retry")
		return
	}

	r.logger.Error().Err(err).Str("id", msg.ID).Int("attempts", msg.Attempts+1).Msg("max retries reached")
	data, mErr := json.Marshal(msg)
	if mErr != nil {
		r.logger.Error().Err(mErr).Msg("marshal dlq")
		return
	}
	if pErr := b.client.LPush(ctx, b.deadLetterKey(), data).Err(); pErr != nil {
		r.logger.Error().Err(pErr).Msg("lpush dlq")
	}
}

func (b *RedisBackend) scheduleRetry(ctx context.Context, msg Message, at time.Time) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return b.client.ZAdd(ctx, b.retryKey(), redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: data,
	}).Err()
}

func (b *RedisBackend) retryProcessor(ctx context.Context) {
	interval := b.opts.Retry.Delay / 2
	if interval <= 0 || interval > 5*time.Second {
		interval = 5 * time.Second
	}
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.processRetryMessages(ctx)
		}
	}
}

// processRetryMessages moves due retries back to the queue. A member is only
// pushed by the process whose ZREM removed it.
func (b *RedisBackend) processRetryMessages(ctx context.Context) {
	due, err := b.client.ZRangeByScore(ctx, b.retryKey(), &redis.ZRangeBy{
		Min: "0",
		Max: strconv.FormatInt(b.now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			b.logger.Error().Err(err).Msg("fetch retry messages")
		}
		return
	}

	for _, member := range due {
		removed, err := b.client.ZRem(ctx, b.retryKey(), member).Result()
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				b.logger.Error().Err(err).Msg("zrem retry")
			}
			return
		}
		if removed == 0 {
			continue
		}
		if err := b.client.LPush(ctx, b.queueKey(), member).Err(); err != nil {
			b.logger.Error().Err(err).Msg("move retry to queue")
		}
	}
}

func (b *RedisBackend) queueKey() string {
	return b.opts.KeyPrefix + ":messages"
}

func (b *RedisBackend) retryKey() string {
	return b.opts.KeyPrefix + ":retry"
}

func (b *RedisBackend) deadLetterKey() string {
	return b.opts.KeyPrefix + ":dlq"
}

func (b *RedisBackend) lockKey(task string) string {
	return b.opts.KeyPrefix + ":lock:" + task
}

func (b *RedisBackend) tickKey(task string, slot time.Time) string {
	return fmt.Sprintf("%s:tick:%s:%d", b.opts.KeyPrefix, task, slot.UnixMilli())
}
