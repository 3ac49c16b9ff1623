package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// claimScript moves up to ARGV[2] due jobs into the in-flight set with a
// visibility deadline and returns their payloads.
// KEYS[1] = due zset, KEYS[2] = in-flight zset, KEYS[3] = payload hash
// ARGV[1] = now (unix ms), ARGV[2] = limit, ARGV[3] = deadline (unix ms)
var claimScript = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
local out = {}
for _, id in ipairs(ids) do
    redis.call("ZREM", KEYS[1], id)
    local payload = redis.call("HGET", KEYS[3], id)
    if payload then
        redis.call("ZADD", KEYS[2], ARGV[3], id)
        table.insert(out, payload)
    end
end
return out
`)

// requeueScript returns in-flight jobs whose deadline passed to the due set.
// KEYS[1] = in-flight zset, KEYS[2] = due zset
// ARGV[1] = now (unix ms), ARGV[2] = limit
var requeueScript = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
    redis.call("ZREM", KEYS[1], id)
    redis.call("ZADD", KEYS[2], ARGV[1], id)
end
return #ids
`)

// RedisSchedulerOptions tunes polling and redelivery.
type RedisSchedulerOptions struct {
	Prefix            string
	Workers           int
	PollInterval      time.Duration
	VisibilityTimeout time.Duration
}

// RedisScheduler keeps jobs in Redis so they survive restarts. Due jobs
// live in a sorted set scored by due time; a claimed job sits in an
// in-flight set until it is acked or its visibility deadline passes.
type RedisScheduler struct {
	client redis.UniversalClient
	opts   RedisSchedulerOptions
	logger *logrus.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	closed bool
	wg     sync.WaitGroup
}

func NewRedisScheduler(client redis.UniversalClient, opts RedisSchedulerOptions, logger *logrus.Logger) *RedisScheduler {
	if opts.Prefix == "" {
		opts.Prefix = "ruleflow:jobs"
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 5 * time.Minute
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &RedisScheduler{client: client, opts: opts, logger: logger}
}

func (s *RedisScheduler) dueKey() string      { return s.opts.Prefix + ":due" }
func (s *RedisScheduler) inflightKey() string { return s.opts.Prefix + ":inflight" }
func (s *RedisScheduler) payloadKey() string  { return s.opts.Prefix + ":payload" }

func (s *RedisScheduler) Enqueue(ctx context.Context, job Job, delay time.Duration) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSchedulerClosed
	}
	if delay < 0 {
		delay = 0
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	due := time.Now().Add(delay).UnixMilli()

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.payloadKey(), job.ID, payload)
	pipe.ZAdd(ctx, s.dueKey(), redis.Z{Score: float64(due), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	return nil
}

// Claim takes up to limit due jobs. Callers must Ack each one.
func (s *RedisScheduler) Claim(ctx context.Context, limit int) ([]Job, error) {
	now := time.Now()
	res, err := claimScript.Run(ctx, s.client,
		[]string{s.dueKey(), s.inflightKey(), s.payloadKey()},
		now.UnixMilli(), limit, now.Add(s.opts.VisibilityTimeout).UnixMilli(),
	).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	jobs := make([]Job, 0, len(res))
	for _, raw := range res {
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			s.logger.WithError(err).Error("automation: dropping undecodable job")
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Ack removes a finished job.
func (s *RedisScheduler) Ack(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, s.inflightKey(), id)
	pipe.HDel(ctx, s.payloadKey(), id)
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired hands in-flight jobs past their deadline back to the due set.
func (s *RedisScheduler) RequeueExpired(ctx context.Context, limit int) (int, error) {
	return requeueScript.Run(ctx, s.client,
		[]string{s.inflightKey(), s.dueKey()},
		time.Now().UnixMilli(), limit,
	).Int()
}

// Depth reports due and in-flight job counts.
func (s *RedisScheduler) Depth(ctx context.Context) (due, inflight int64, err error) {
	pipe := s.client.Pipeline()
	d := pipe.ZCard(ctx, s.dueKey())
	f := pipe.ZCard(ctx, s.inflightKey())
	if _, err = pipe.Exec(ctx); err != nil {
		return 0, 0, err
	}
	return d.Val(), f.Val(), nil
}

// Start polls for due jobs and feeds them to a worker pool.
func (s *RedisScheduler) Start(ctx context.Context, h JobHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSchedulerClosed
	}
	if s.cancel != nil {
		return errors.New("scheduler already started")
	}
	ctx, s.cancel = context.WithCancel(ctx)

	jobs := make(chan Job)
	for i := 0; i < s.opts.Workers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for job := range jobs {
				if !runJob(ctx, s, h, job, s.logger) {
					continue
				}
				if err := s.Ack(context.WithoutCancel(ctx), job.ID); err != nil {
					s.logger.WithError(err).WithField("job_id", job.ID).Warn("automation: ack failed")
				}
			}
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(jobs)
		s.poll(ctx, jobs)
	}()
	return nil
}

func (s *RedisScheduler) poll(ctx context.Context, jobs chan<- Job) {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := s.RequeueExpired(ctx, 100); err != nil && ctx.Err() == nil {
			s.logger.WithError(err).Warn("automation: requeue expired jobs failed")
		}
		batch, err := s.Claim(ctx, s.opts.Workers)
		if err != nil && ctx.Err() == nil {
			s.logger.WithError(err).Warn("automation: claim jobs failed")
		}
		for _, job := range batch {
			select {
			case jobs <- job:
			case <-ctx.Done():
				// unsent jobs return to the due set once their deadline passes
				return
			}
		}
		if len(batch) == s.opts.Workers {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *RedisScheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	return nil
}

var (
	_ Scheduler = (*RedisScheduler)(nil)
	_ Scheduler = (*MemoryScheduler)(nil)
)
