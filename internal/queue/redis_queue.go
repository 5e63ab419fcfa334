package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"ticketprint/internal/config"
	"ticketprint/internal/models"
)

var (
	ErrJobNotFound        = errors.New("print job not found")
	ErrInvalidTransition  = errors.New("print job not in printing state")
	ErrInvalidTicketType  = errors.New("invalid ticket type")
	ErrMissingOrderFields = errors.New("order id and order number are required")
)

// Options configures a RedisQueue.
type Options struct {
	// KeyPrefix namespaces every key, e.g. "printjobs". It is wrapped in a
	// hash tag so all keys share one Redis Cluster slot.
	KeyPrefix string
	// DeviceID stamps createdBy on enqueue and assignedTo on claim.
	DeviceID string
	// ResyncInterval is how often a subscription re-reads the pending set to
	// cover pub/sub messages lost while disconnected.
	ResyncInterval time.Duration
}

// RedisQueue is the shared print job queue. Every device talks to the same
// Redis; ordering and exclusive claims are decided by Lua scripts running on
// the server.
type RedisQueue struct {
	client   redis.UniversalClient
	deviceID string
	resync   time.Duration
	logger   *slog.Logger

	seqKey     string
	jobPrefix  string
	createdKey string
	pendingKey string
	eventsKey  string
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config, deviceID string, logger *slog.Logger) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return New(client, Options{
		KeyPrefix:      cfg.QueueKeyPrefix,
		DeviceID:       deviceID,
		ResyncInterval: cfg.QueueResyncInterval,
	}, logger)
}

// New wraps an existing client.
func New(client redis.UniversalClient, opts Options, logger *slog.Logger) *RedisQueue {
	prefix := hashTag(opts.KeyPrefix)
	resync := opts.ResyncInterval
	if resync <= 0 {
		resync = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisQueue{
		client:     client,
		deviceID:   opts.DeviceID,
		resync:     resync,
		logger:     logger,
		seqKey:     prefix + ":seq",
		jobPrefix:  prefix + ":job:",
		createdKey: prefix + ":by_created",
		pendingKey: prefix + ":pending",
		eventsKey:  prefix + ":events",
	}
}

// hashTag wraps prefix in braces unless it already carries a tag. The
// enqueue script builds job keys from an argument, so every key it touches
// must hash to the slot of the keys it declares.
func hashTag(prefix string) string {
	if prefix == "" {
		prefix = "printjobs"
	}
	if strings.Contains(prefix, "{") && strings.Contains(prefix, "}") {
		return prefix
	}
	return "{" + prefix + "}"
}

// Client exposes the underlying client for sharing with the rate limiter.
func (q *RedisQueue) Client() redis.UniversalClient { return q.client }

// Ping checks connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close releases the client.
func (q *RedisQueue) Close() error { return q.client.Close() }

func (q *RedisQueue) jobKey(id string) string {
	return q.jobPrefix + id
}

// Enqueue appends a pending job. The id and creation time are assigned by
// Redis. It never touches a printer.
func (q *RedisQueue) Enqueue(ctx context.Context, orderID, orderNumber, ticketType string) (models.PrintJob, error) {
	if orderID == "" || orderNumber == "" {
		return models.PrintJob{}, ErrMissingOrderFields
	}
	if !models.ValidTicketType(ticketType) {
		return models.PrintJob{}, fmt.Errorf("%w: %q", ErrInvalidTicketType, ticketType)
	}

	res, err := enqueueScript.Run(ctx, q.client,
		[]string{q.seqKey, q.createdKey, q.pendingKey},
		q.jobPrefix, orderID, orderNumber, ticketType, q.deviceID,
	).Slice()
	if err != nil {
		return models.PrintJob{}, fmt.Errorf("enqueue print job: %w", err)
	}
	if len(res) != 2 {
		return models.PrintJob{}, fmt.Errorf("unexpected enqueue reply: %v", res)
	}
	id, _ := res[0].(string)
	createdAt, err := parseMillis(fmt.Sprint(res[1]))
	if err != nil {
		return models.PrintJob{}, fmt.Errorf("parse enqueue time: %w", err)
	}

	if err := q.client.Publish(ctx, q.eventsKey, id).Err(); err != nil {
		// Subscribers still see the job on their next resync.
		q.logger.Warn("publish print job event failed", "job_id", id, "error", err)
	}
	return models.PrintJob{
		ID:          id,
		OrderID:     orderID,
		OrderNumber: orderNumber,
		TicketType:  ticketType,
		Status:      models.JobPending,
		CreatedAt:   *createdAt,
		CreatedBy:   q.deviceID,
	}, nil
}

// Claim moves a job from pending to printing on behalf of this device. It
// returns false when the job is gone or another device claimed it first.
func (q *RedisQueue) Claim(ctx context.Context, jobID string) (bool, error) {
	n, err := claimScript.Run(ctx, q.client, []string{q.jobKey(jobID), q.pendingKey}, q.deviceID, jobID).Int()
	if err != nil {
		return false, fmt.Errorf("claim print job: %w", err)
	}
	return n == 1, nil
}

// Complete moves a printing job to completed.
func (q *RedisQueue) Complete(ctx context.Context, jobID string) error {
	return q.transition(ctx, jobID, models.JobCompleted, "completed_at")
}

// Fail moves a printing job to failed and records the reason.
func (q *RedisQueue) Fail(ctx context.Context, jobID string, reason string) error {
	return q.transition(ctx, jobID, models.JobFailed, "failed_at", reason)
}

func (q *RedisQueue) transition(ctx context.Context, jobID, to, stamp string, extra ...interface{}) error {
	args := append([]interface{}{to, stamp}, extra...)
	n, err := transitionScript.Run(ctx, q.client, []string{q.jobKey(jobID)}, args...).Int()
	if err != nil {
		return fmt.Errorf("mark print job %s: %w", to, err)
	}
	switch n {
	case -1:
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	case 0:
		return fmt.Errorf("%w: %s", ErrInvalidTransition, jobID)
	}
	return nil
}

// Get loads one job.
func (q *RedisQueue) Get(ctx context.Context, jobID string) (models.PrintJob, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return models.PrintJob{}, fmt.Errorf("get print job: %w", err)
	}
	if len(fields) == 0 {
		return models.PrintJob{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return decodeJob(fields)
}

// Pending lists pending jobs, oldest first. A limit of zero lists all.
func (q *RedisQueue) Pending(ctx context.Context, limit int64) ([]models.PrintJob, error) {
	ids, err := q.client.ZRange(ctx, q.pendingKey, 0, stop(limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("list pending print jobs: %w", err)
	}
	jobs, err := q.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := jobs[:0]
	for _, j := range jobs {
		if j.Status == models.JobPending {
			out = append(out, j)
		}
	}
	return out, nil
}

// Recent lists the most recently created jobs in any state, newest first.
func (q *RedisQueue) Recent(ctx context.Context, limit int64) ([]models.PrintJob, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := q.client.ZRevRange(ctx, q.createdKey, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("list recent print jobs: %w", err)
	}
	return q.load(ctx, ids)
}

// PendingDepth counts pending jobs.
func (q *RedisQueue) PendingDepth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.pendingKey).Result()
}

func (q *RedisQueue) load(ctx context.Context, ids []string) ([]models.PrintJob, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := q.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, 0, len(ids))
	for _, id := range ids {
		cmds = append(cmds, pipe.HGetAll(ctx, q.jobKey(id)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("load print jobs: %w", err)
	}
	jobs := make([]models.PrintJob, 0, len(ids))
	for _, c := range cmds {
		fields := c.Val()
		if len(fields) == 0 {
			continue
		}
		job, err := decodeJob(fields)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func stop(limit int64) int64 {
	if limit <= 0 {
		return -1
	}
	return limit - 1
}

// Subscription is a live view of pending jobs. Close it to stop delivery.
type Subscription struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Close stops delivery and waits for an in-progress callback to return.
func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.pubsub.Close()
		<-s.done
	})
	return err
}

// Subscribe calls onJob once for every job the first time it is seen
// pending, oldest first, starting with the jobs already pending. Callbacks
// run one at a time on the subscription goroutine.
func (q *RedisQueue) Subscribe(ctx context.Context, onJob func(models.PrintJob)) (*Subscription, error) {
	ps := q.client.Subscribe(ctx, q.eventsKey)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe to print jobs: %w", err)
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Subscription{pubsub: ps, cancel: cancel, done: make(chan struct{})}
	go q.run(sctx, s, onJob)
	return s, nil
}

func (q *RedisQueue) run(ctx context.Context, s *Subscription, onJob func(models.PrintJob)) {
	defer close(s.done)

	seen := make(map[string]struct{})
	deliver := func(job models.PrintJob) {
		if _, ok := seen[job.ID]; ok || job.Status != models.JobPending {
			return
		}
		seen[job.ID] = struct{}{}
		onJob(job)
	}
	resync := func() {
		jobs, err := q.Pending(ctx, 0)
		if err != nil {
			if ctx.Err() == nil {
				q.logger.Warn("resync pending print jobs failed", "error", err)
			}
			return
		}
		pending := make(map[string]struct{}, len(jobs))
		for _, j := range jobs {
			pending[j.ID] = struct{}{}
		}
		// Jobs never return to pending, so forgetting the rest is safe.
		for id := range seen {
			if _, ok := pending[id]; !ok {
				delete(seen, id)
			}
		}
		for _, j := range jobs {
			if ctx.Err() != nil {
				return
			}
			deliver(j)
		}
	}

	resync()
	ticker := time.NewTicker(q.resync)
	defer ticker.Stop()
	msgs := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			job, err := q.Get(ctx, msg.Payload)
			if err != nil {
				if ctx.Err() == nil {
					q.logger.Warn("load announced print job failed", "job_id", msg.Payload, "error", err)
				}
				continue
			}
			deliver(job)
		case <-ticker.C:
			resync()
		}
	}
}

func decodeJob(f map[string]string) (models.PrintJob, error) {
	job := models.PrintJob{
		ID:          f["id"],
		OrderID:     f["order_id"],
		OrderNumber: f["order_number"],
		TicketType:  f["ticket_type"],
		Status:      f["status"],
		CreatedBy:   f["created_by"],
		AssignedTo:  f["assigned_to"],
	}
	created, err := parseMillis(f["created_at"])
	if err != nil {
		return models.PrintJob{}, fmt.Errorf("decode print job %s: %w", job.ID, err)
	}
	if created != nil {
		job.CreatedAt = *created
	}
	for field, dst := range map[string]**time.Time{
		"claimed_at":   &job.ClaimedAt,
		"completed_at": &job.CompletedAt,
		"failed_at":    &job.FailedAt,
	} {
		ts, err := parseMillis(f[field])
		if err != nil {
			return models.PrintJob{}, fmt.Errorf("decode print job %s: %w", job.ID, err)
		}
		*dst = ts
	}
	if msg, ok := f["error"]; ok {
		job.Error = &msg
	}
	return job, nil
}

func parseMillis(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, err
	}
	t := time.UnixMilli(ms).UTC()
	return &t, nil
}

// Scripts read the server clock so every device orders jobs by the same
// time source.
const nowMillis = `
local t = redis.call('TIME')
local now = string.format('%d', tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000))
`

var enqueueScript = redis.NewScript(nowMillis + `
local seq = redis.call('INCR', KEYS[1])
local id = string.format('pj-%010d', seq)
redis.call('HSET', ARGV[1] .. id,
  'id', id,
  'order_id', ARGV[2],
  'order_number', ARGV[3],
  'ticket_type', ARGV[4],
  'status', 'pending',
  'created_at', now,
  'created_by', ARGV[5])
redis.call('ZADD', KEYS[2], now, id)
redis.call('ZADD', KEYS[3], now, id)
return {id, now}
`)

var claimScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'pending' then
  return 0
end
` + nowMillis + `
redis.call('HSET', KEYS[1], 'status', 'printing', 'assigned_to', ARGV[1], 'claimed_at', now)
redis.call('ZREM', KEYS[2], ARGV[2])
return 1
`)

var transitionScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
  return -1
end
if status ~= 'printing' then
  return 0
end
` + nowMillis + `
redis.call('HSET', KEYS[1], 'status', ARGV[1], ARGV[2], now)
if #ARGV > 2 then
  redis.call('HSET', KEYS[1], 'error', ARGV[3])
end
return 1
`)
