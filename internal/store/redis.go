package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/frameworks-oss/frameorchestrator/internal/errs"
)

// RedisClient implements Client against a real or miniredis-backed Redis
// using github.com/redis/go-redis/v9 (§4.1, DOMAIN STACK).
type RedisClient struct {
	rdb *goredis.Client
}

// NewRedisClient wraps an established go-redis client.
func NewRedisClient(rdb *goredis.Client) *RedisClient {
	return &RedisClient{rdb: rdb}
}

// classify maps a go-redis error into the orchestrator's Kind taxonomy so
// callers can decide whether to retry, count a breaker failure, or give up.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, goredis.Nil) {
		return errs.New(errs.KindValidation, op, errs.ErrNotFound)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errs.New(errs.KindTransient, op, err)
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "BUSYGROUP"):
		return errs.New(errs.KindValidation, op, errs.ErrConflict)
	case strings.Contains(msg, "NOGROUP"):
		return errs.New(errs.KindProtocol, op, err)
	case strings.Contains(msg, "io: read/write on closed pipe"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "i/o timeout"),
		strings.Contains(msg, "LOADING"),
		strings.Contains(msg, "connect: connection refused"):
		return errs.New(errs.KindTransient, op, err)
	default:
		return errs.New(errs.KindProtocol, op, err)
	}
}

func (c *RedisClient) HSet(ctx context.Context, key string, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	args := make([]any, 0, len(values)*2)
	for k, v := range values {
		args = append(args, k, v)
	}
	return classify("store.HSet", c.rdb.HSet(ctx, key, args...).Err())
}

func (c *RedisClient) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := c.rdb.HGet(ctx, key, field).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, classify("store.HGet", err)
	}
	return v, true, nil
}

func (c *RedisClient) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, classify("store.HGetAll", err)
	}
	return m, nil
}

func (c *RedisClient) HDel(ctx context.Context, key string, fields ...string) error {
	return classify("store.HDel", c.rdb.HDel(ctx, key, fields...).Err())
}

func (c *RedisClient) HExists(ctx context.Context, key, field string) (bool, error) {
	ok, err := c.rdb.HExists(ctx, key, field).Result()
	if err != nil {
		return false, classify("store.HExists", err)
	}
	return ok, nil
}

func (c *RedisClient) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return classify("store.SAdd", c.rdb.SAdd(ctx, key, args...).Err())
}

func (c *RedisClient) SRem(ctx context.Context, key string, members ...string) error {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return classify("store.SRem", c.rdb.SRem(ctx, key, args...).Err())
}

func (c *RedisClient) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := c.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, classify("store.SMembers", err)
	}
	return members, nil
}

func (c *RedisClient) XAdd(ctx context.Context, stream string, maxLen int64, values map[string]string) (string, error) {
	args := &goredis.XAddArgs{Stream: stream, Values: values}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	id, err := c.rdb.XAdd(ctx, args).Result()
	if err != nil {
		return "", classify("store.XAdd", err)
	}
	return id, nil
}

func (c *RedisClient) XReadGroup(ctx context.Context, group, consumer, stream string, count int64, block time.Duration) ([]StreamMessage, error) {
	res, err := c.rdb.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("store.XReadGroup", err)
	}
	var out []StreamMessage
	for _, s := range res {
		for _, m := range s.Messages {
			out = append(out, toStreamMessage(m))
		}
	}
	return out, nil
}

func toStreamMessage(m goredis.XMessage) StreamMessage {
	values := make(map[string]string, len(m.Values))
	for k, v := range m.Values {
		values[k] = fmt.Sprint(v)
	}
	return StreamMessage{ID: m.ID, Values: values}
}

func (c *RedisClient) XAck(ctx context.Context, stream, group string, ids ...string) error {
	return classify("store.XAck", c.rdb.XAck(ctx, stream, group, ids...).Err())
}

func (c *RedisClient) XPendingRange(ctx context.Context, stream, group string, minIdle time.Duration, count int64) ([]PendingEntry, error) {
	res, err := c.rdb.XPendingExt(ctx, &goredis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Idle:   minIdle,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		return nil, classify("store.XPendingRange", err)
	}
	out := make([]PendingEntry, 0, len(res))
	for _, e := range res {
		out = append(out, PendingEntry{
			ID:         e.ID,
			Consumer:   e.Consumer,
			IdleTime:   e.Idle,
			RetryCount: e.RetryCount,
		})
	}
	return out, nil
}

func (c *RedisClient) XClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]StreamMessage, error) {
	msgs, err := c.rdb.XClaim(ctx, &goredis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, classify("store.XClaim", err)
	}
	out := make([]StreamMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toStreamMessage(m))
	}
	return out, nil
}

func (c *RedisClient) XLen(ctx context.Context, stream string) (int64, error) {
	n, err := c.rdb.XLen(ctx, stream).Result()
	if err != nil {
		return 0, classify("store.XLen", err)
	}
	return n, nil
}

// XGroupCreate is idempotent: BUSYGROUP is treated as success.
func (c *RedisClient) XGroupCreate(ctx context.Context, stream, group string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return classify("store.XGroupCreate", err)
}

func (c *RedisClient) Pipeline(ctx context.Context, fn func(Pipeliner) error) error {
	pipe := c.rdb.Pipeline()
	p := &redisPipeliner{pipe: pipe, ctx: ctx}
	if err := fn(p); err != nil {
		return err
	}
	_, err := pipe.Exec(ctx)
	if err != nil && !errors.Is(err, goredis.Nil) {
		return classify("store.Pipeline", err)
	}
	return nil
}

func (c *RedisClient) Close() error { return c.rdb.Close() }

type redisPipeliner struct {
	pipe goredis.Pipeliner
	ctx  context.Context
}

func (p *redisPipeliner) HSet(key string, values map[string]string) {
	args := make([]any, 0, len(values)*2)
	for k, v := range values {
		args = append(args, k, v)
	}
	p.pipe.HSet(p.ctx, key, args...)
}

func (p *redisPipeliner) SAdd(key string, members ...string) {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	p.pipe.SAdd(p.ctx, key, args...)
}

func (p *redisPipeliner) SRem(key string, members ...string) {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	p.pipe.SRem(p.ctx, key, args...)
}

func (p *redisPipeliner) XAdd(stream string, maxLen int64, values map[string]string) {
	args := &goredis.XAddArgs{Stream: stream, Values: values}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	p.pipe.XAdd(p.ctx, args)
}
