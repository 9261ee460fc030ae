package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"prototype-queue/internal/config"
)

// BLPOP timeouts are whole seconds on the wire.
const minBlockingTimeout = time.Second

// Redis stores job records as hashes and queues as lists.
//
// Key layout:
//
//	{prefix}job:{id}     hash, one per record
//	{prefix}queue:{name} list of ids, RPUSH at the tail, BLPOP at the head
type Redis struct {
	client *redis.Client
	prefix string
}

// New builds a Redis-backed store from config.
func New(cfg config.Config) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewWithClient(client, cfg.KeyPrefix)
}

// NewWithClient wraps an existing client. An empty prefix defaults to "prototype:".
func NewWithClient(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "prototype:"
	}
	return &Redis{client: client, prefix: prefix}
}

// Client exposes the underlying connection for components sharing it.
func (s *Redis) Client() *redis.Client {
	return s.client
}

func (s *Redis) Close() error {
	return s.client.Close()
}

func (s *Redis) recordKey(id string) string {
	return s.prefix + "job:" + id
}

func (s *Redis) queueKey(name string) string {
	return s.prefix + "queue:" + name
}

// PutRecord replaces the record so fields dropped by the caller do not linger.
func (s *Redis) PutRecord(ctx context.Context, id string, fields map[string]string) error {
	values := make(map[string]any, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	key := s.recordKey(id)
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, values)
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("put record "+id, err)
	}
	return nil
}

func (s *Redis) ReplaceRecord(ctx context.Context, id string, expect, fields map[string]string) (bool, error) {
	if len(fields) == 0 {
		return false, fmt.Errorf("replace record %s: no fields", id)
	}
	args := make([]any, 0, 1+2*len(expect)+2*len(fields))
	args = append(args, len(expect))
	for _, k := range sortedKeys(expect) {
		args = append(args, k, expect[k])
	}
	for _, k := range sortedKeys(fields) {
		args = append(args, k, fields[k])
	}

	res, err := replaceScript.Run(ctx, s.client, []string{s.recordKey(id)}, args...).Int64()
	if err != nil {
		return false, unavailable("replace record "+id, err)
	}
	switch res {
	case 1:
		return true, nil
	case 0:
		return false, nil
	default:
		return false, fmt.Errorf("replace record %s: %w", id, ErrConflict)
	}
}

// ARGV: expect count, expect pairs, then field pairs.
// Replies 1 when written, 0 when the key is gone, -1 on a mismatch.
var replaceScript = redis.NewScript(`
local key = KEYS[1]
if redis.call('EXISTS', key) == 0 then return 0 end
local n = tonumber(ARGV[1])
for i = 0, n - 1 do
  if redis.call('HGET', key, ARGV[2 + 2 * i]) ~= ARGV[3 + 2 * i] then return -1 end
end
redis.call('DEL', key)
redis.call('HSET', key, unpack(ARGV, 2 + 2 * n))
return 1
`)

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *Redis) GetRecord(ctx context.Context, id string) (map[string]string, bool, error) {
	fields, err := s.client.HGetAll(ctx, s.recordKey(id)).Result()
	if err != nil {
		return nil, false, unavailable("get record "+id, err)
	}
	if len(fields) == 0 {
		return nil, false, nil
	}
	return fields, true, nil
}

func (s *Redis) DeleteRecord(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.recordKey(id)).Err(); err != nil {
		return unavailable("delete record "+id, err)
	}
	return nil
}

// ListKeys enumerates record ids with SCAN rather than KEYS to avoid blocking the server.
func (s *Redis) ListKeys(ctx context.Context) ([]string, error) {
	match := s.recordKey("*")
	seen := make(map[string]struct{})
	var ids []string
	iter := s.client.Scan(ctx, 0, match, 500).Iterator()
	for iter.Next(ctx) {
		id := strings.TrimPrefix(iter.Val(), s.prefix+"job:")
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if err := iter.Err(); err != nil {
		return nil, unavailable("scan records", err)
	}
	return ids, nil
}

func (s *Redis) Push(ctx context.Context, queue, id string) error {
	if err := s.client.RPush(ctx, s.queueKey(queue), id).Err(); err != nil {
		return unavailable("push "+queue, err)
	}
	return nil
}

// BlockingPop waits up to timeout for an id. A timeout is reported as found=false.
func (s *Redis) BlockingPop(ctx context.Context, queue string, timeout time.Duration) (string, bool, error) {
	if timeout < minBlockingTimeout {
		timeout = minBlockingTimeout
	}
	res, err := s.client.BLPop(ctx, timeout, s.queueKey(queue)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", false, ctxErr
		}
		return "", false, unavailable("blocking pop "+queue, err)
	}
	if len(res) != 2 {
		return "", false, fmt.Errorf("unexpected BLPOP reply length %d", len(res))
	}
	return res[1], true, nil
}

func (s *Redis) RemoveFromList(ctx context.Context, queue, id string) error {
	if err := s.client.LRem(ctx, s.queueKey(queue), 0, id).Err(); err != nil {
		return unavailable("remove from "+queue, err)
	}
	return nil
}

func (s *Redis) ListLength(ctx context.Context, queue string) (int64, error) {
	n, err := s.client.LLen(ctx, s.queueKey(queue)).Result()
	if err != nil {
		return 0, unavailable("length of "+queue, err)
	}
	return n, nil
}

func (s *Redis) ListRange(ctx context.Context, queue string) ([]string, error) {
	ids, err := s.client.LRange(ctx, s.queueKey(queue), 0, -1).Result()
	if err != nil {
		return nil, unavailable("range of "+queue, err)
	}
	return ids, nil
}

func (s *Redis) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}
