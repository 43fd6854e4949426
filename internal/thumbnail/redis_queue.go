package thumbnail

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	defaultStream       = "files-manager:thumbnails"
	defaultGroup        = "thumbnail-workers"
	payloadField        = "payload"
	readRetryBackoff    = 200 * time.Millisecond
	requeueTimeout      = time.Second
	defaultBlockTimeout = 2 * time.Second
	defaultClaimMinIdle = 5 * time.Minute
)

// RedisQueueConfig configures the Redis Streams backed queue. The client is
// owned by the caller.
type RedisQueueConfig struct {
	Client       redis.UniversalClient
	Stream       string
	Group        string
	Consumer     string
	BlockTimeout time.Duration
	// ClaimMinIdle is how long an entry must sit unacknowledged with another
	// consumer before this one takes it over. It must exceed the job timeout.
	ClaimMinIdle time.Duration
	Batch        int64
	Buffer       int
	Logger       *slog.Logger
}

// RedisQueue stores jobs in a Redis stream read through a consumer group, so
// several worker processes share the load and unacknowledged jobs survive a
// crash.
type RedisQueue struct {
	client       redis.UniversalClient
	stream       string
	group        string
	consumer     string
	blockTimeout time.Duration
	claimMinIdle time.Duration
	batch        int64
	buffer       int
	logger       *slog.Logger

	groupMu    sync.Mutex
	groupReady atomic.Bool
}

// NewRedisQueue validates cfg and makes sure the consumer group exists.
func NewRedisQueue(ctx context.Context, cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client is required")
	}
	q := &RedisQueue{
		client:       cfg.Client,
		stream:       strings.TrimSpace(cfg.Stream),
		group:        strings.TrimSpace(cfg.Group),
		consumer:     strings.TrimSpace(cfg.Consumer),
		blockTimeout: cfg.BlockTimeout,
		claimMinIdle: cfg.ClaimMinIdle,
		batch:        cfg.Batch,
		buffer:       cfg.Buffer,
		logger:       cfg.Logger,
	}
	if q.stream == "" {
		q.stream = defaultStream
	}
	if q.group == "" {
		q.group = defaultGroup
	}
	if q.consumer == "" {
		q.consumer = randomConsumerID()
	}
	if q.blockTimeout <= 0 {
		q.blockTimeout = defaultBlockTimeout
	}
	if q.claimMinIdle <= 0 {
		q.claimMinIdle = defaultClaimMinIdle
	}
	if q.batch <= 0 {
		q.batch = 16
	}
	if q.buffer < 0 {
		q.buffer = 0
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	if err := q.ensureGroup(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

// Stream reports the Redis key holding the jobs.
func (q *RedisQueue) Stream() string {
	return q.stream
}

func (q *RedisQueue) Enqueue(ctx context.Context, job Job) (string, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}
	if err := q.ensureGroup(ctx); err != nil {
		return "", err
	}
	id, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]interface{}{payloadField: string(payload)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("enqueue thumbnail job: %w", err)
	}
	return id, nil
}

// Subscribe starts reading the stream. Entries left pending for this
// consumer by a previous run, and entries abandoned by other consumers for
// longer than ClaimMinIdle, are delivered first. Abandoned entries are
// claimed again periodically while reading. The returned channel is closed
// once ctx is cancelled.
func (q *RedisQueue) Subscribe(ctx context.Context) (<-chan Delivery, error) {
	if err := q.ensureGroup(ctx); err != nil {
		return nil, err
	}
	ch := make(chan Delivery, q.buffer)
	go q.run(ctx, ch)
	return ch, nil
}

func (q *RedisQueue) ensureGroup(ctx context.Context) error {
	if q.groupReady.Load() {
		return nil
	}
	q.groupMu.Lock()
	defer q.groupMu.Unlock()
	if q.groupReady.Load() {
		return nil
	}
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("create consumer group: %w", err)
	}
	q.groupReady.Store(true)
	return nil
}

type streamEntry struct {
	ID      string
	Payload string
}

func (q *RedisQueue) run(ctx context.Context, ch chan<- Delivery) {
	defer close(ch)

	// Claimed entries join this consumer's pending list, which drainPending
	// then delivers.
	if _, err := q.claimIdle(ctx); err != nil && ctx.Err() == nil {
		q.logger.Warn("thumbnail queue claim failed", "error", err)
	}
	if !q.drainPending(ctx, ch) {
		return
	}
	lastClaim := time.Now()
	for {
		if ctx.Err() != nil {
			return
		}
		if time.Since(lastClaim) >= q.claimMinIdle/2 {
			lastClaim = time.Now()
			claimed, err := q.claimIdle(ctx)
			if err != nil && ctx.Err() == nil {
				q.logger.Warn("thumbnail queue claim failed", "error", err)
			}
			if len(claimed) > 0 && !q.dispatch(ctx, ch, claimed) {
				return
			}
		}
		entries, err := q.read(ctx, ">", q.blockTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.logger.Warn("thumbnail queue read failed", "error", err)
			if !sleepCtx(ctx, readRetryBackoff) {
				return
			}
			continue
		}
		if !q.dispatch(ctx, ch, entries) {
			return
		}
	}
}

// drainPending re-delivers entries this consumer read before but never
// acknowledged.
func (q *RedisQueue) drainPending(ctx context.Context, ch chan<- Delivery) bool {
	seen := make(map[string]struct{})
	last := "0"
	for {
		entries, err := q.read(ctx, last, -1)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			q.logger.Warn("thumbnail queue pending read failed", "error", err)
			return true
		}
		fresh := entries[:0]
		for _, entry := range entries {
			if _, ok := seen[entry.ID]; ok {
				continue
			}
			seen[entry.ID] = struct{}{}
			fresh = append(fresh, entry)
		}
		if len(fresh) == 0 {
			return true
		}
		q.logger.Info("redelivering pending thumbnail jobs", "count", len(fresh))
		if !q.dispatch(ctx, ch, fresh) {
			return false
		}
		last = fresh[len(fresh)-1].ID
	}
}

// claimIdle takes over entries other consumers read but left unacknowledged
// for at least claimMinIdle, typically because their process died.
func (q *RedisQueue) claimIdle(ctx context.Context) ([]streamEntry, error) {
	var claimed []streamEntry
	start := "0-0"
	for {
		messages, next, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   q.stream,
			Group:    q.group,
			Consumer: q.consumer,
			MinIdle:  q.claimMinIdle,
			Start:    start,
			Count:    q.batch,
		}).Result()
		if err != nil {
			return claimed, fmt.Errorf("claim idle thumbnail jobs: %w", err)
		}
		for _, msg := range messages {
			payload, _ := msg.Values[payloadField].(string)
			claimed = append(claimed, streamEntry{ID: msg.ID, Payload: payload})
		}
		if next == "" || next == "0-0" {
			break
		}
		start = next
	}
	if len(claimed) > 0 {
		q.logger.Info("claimed abandoned thumbnail jobs", "count", len(claimed))
	}
	return claimed, nil
}

func (q *RedisQueue) dispatch(ctx context.Context, ch chan<- Delivery, entries []streamEntry) bool {
	for i, entry := range entries {
		delivery := Delivery{ID: entry.ID, Ack: q.acker(entry.ID)}
		if err := json.Unmarshal([]byte(entry.Payload), &delivery.Job); err != nil {
			q.logger.Error("thumbnail job decode failed", "id", entry.ID, "error", err)
			delivery.Job = Job{}
		}
		select {
		case ch <- delivery:
		case <-ctx.Done():
			for _, rest := range entries[i:] {
				q.requeueEntry(rest)
			}
			return false
		}
	}
	return true
}

func (q *RedisQueue) acker(id string) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := q.client.XAck(ctx, q.stream, q.group, id).Err(); err != nil {
			return fmt.Errorf("ack thumbnail job %s: %w", id, err)
		}
		return nil
	}
}

// requeueEntry moves an entry that was read but never handed to a worker to
// the tail of the stream, so any consumer can pick it up.
func (q *RedisQueue) requeueEntry(entry streamEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), requeueTimeout)
	defer cancel()

	if err := q.client.XAck(ctx, q.stream, q.group, entry.ID).Err(); err != nil {
		q.logger.Warn("thumbnail requeue ack failed", "id", entry.ID, "error", err)
		return
	}
	if entry.Payload == "" {
		return
	}
	err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]interface{}{payloadField: entry.Payload},
	}).Err()
	if err != nil {
		q.logger.Warn("thumbnail requeue failed", "id", entry.ID, "error", err)
	}
}

func (q *RedisQueue) read(ctx context.Context, id string, block time.Duration) ([]streamEntry, error) {
	if block > 0 && block < time.Millisecond {
		block = time.Millisecond
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, id},
		Count:    q.batch,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var entries []streamEntry
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			payload, _ := msg.Values[payloadField].(string)
			entries = append(entries, streamEntry{ID: msg.ID, Payload: payload})
		}
	}
	return entries, nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(strings.ToUpper(err.Error()), "BUSYGROUP")
}

func randomConsumerID() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return fmt.Sprintf("consumer-%d", time.Now().UnixNano())
	}
	return "consumer-" + hex.EncodeToString(buf[:])
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
