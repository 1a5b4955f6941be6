package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Checker-Finance/order-stream/pkg/model"
)

var (
	// ErrNotFound is returned when no record exists for an order id.
	ErrNotFound = errors.New("order not found")
	// ErrExists is returned by Create when the id is already taken.
	ErrExists = errors.New("order already exists")
)

// Store is the durable source of truth for order records.
type Store interface {
	Create(ctx context.Context, o *model.Order) error
	Get(ctx context.Context, id string) (*model.Order, error)
	// Transition moves an order to `to` if its current status is a legal
	// source for that edge. It returns the updated record.
	Transition(ctx context.Context, id string, to model.Status, result *model.Result) (*model.Order, error)
	// ListOpen pages through ids of non-terminal orders created before
	// `before`, oldest first.
	ListOpen(ctx context.Context, before time.Time, offset, limit int64) ([]string, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

const (
	orderKeyPrefix = "os:order:"
	openOrdersKey  = "os:orders:open"
)

// createScript writes the order hash only if it does not exist yet and
// indexes it in the open set scored by creation time.
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
for i = 3, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return 1
`)

// transitionScript is a compare-and-set over the status field.
// ARGV: to, now_ms, result_json, terminal flag, allowed sources...
var transitionScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return redis.error_reply('NOT_FOUND')
end
local cur = redis.call('HGET', KEYS[1], 'status')
local allowed = false
for i = 5, #ARGV do
  if ARGV[i] == cur then
    allowed = true
    break
  end
end
if not allowed then
  return redis.error_reply('INVALID_TRANSITION ' .. cur)
end
local updated = redis.call('HGET', KEYS[1], 'updated_at')
local stamp = ARGV[2]
if tonumber(updated) ~= nil and tonumber(updated) > tonumber(stamp) then
  stamp = updated
end
redis.call('HSET', KEYS[1], 'status', ARGV[1])
redis.call('HSET', KEYS[1], 'updated_at', stamp)
redis.call('HINCRBY', KEYS[1], 'version', 1)
if ARGV[3] ~= '' then
  redis.call('HSET', KEYS[1], 'result', ARGV[3])
end
if ARGV[4] == '1' then
  redis.call('ZREM', KEYS[2], redis.call('HGET', KEYS[1], 'id'))
end
return redis.call('HGETALL', KEYS[1])
`)

// RedisStore keeps each order as a hash under os:order:{id}.
type RedisStore struct {
	redis  *redis.Client
	logger *zap.Logger
	now    func() time.Time
}

// Dial parses a redis:// URL and verifies the server answers.
func Dial(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

// NewRedis builds a store on an existing client. The client is shared with
// the queue; Close releases it.
func NewRedis(rdb *redis.Client, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{redis: rdb, logger: logger, now: time.Now}
}

func orderKey(id string) string { return orderKeyPrefix + id }

func (s *RedisStore) Create(ctx context.Context, o *model.Order) error {
	if o == nil || o.ID == "" {
		return fmt.Errorf("create order: missing id")
	}
	if o.Version == 0 {
		o.Version = 1
	}
	fields := []any{o.ID, o.CreatedAt.UnixMilli()}
	for _, kv := range encodeOrder(o) {
		fields = append(fields, kv[0], kv[1])
	}

	created, err := createScript.Run(ctx, s.redis, []string{orderKey(o.ID), openOrdersKey}, fields...).Int()
	if err != nil {
		return fmt.Errorf("create order %s: %w", o.ID, err)
	}
	if created == 0 {
		return ErrExists
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*model.Order, error) {
	fields, err := s.redis.HGetAll(ctx, orderKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return decodeOrder(fields)
}

func (s *RedisStore) Transition(ctx context.Context, id string, to model.Status, result *model.Result) (*model.Order, error) {
	sources := model.SourcesOf(to)
	if len(sources) == 0 {
		return nil, fmt.Errorf("%w: nothing may move to %s", model.ErrInvalidTransition, to)
	}

	resultJSON := ""
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("encode result: %w", err)
		}
		resultJSON = string(b)
	}
	terminal := "0"
	if to.IsTerminal() {
		terminal = "1"
	}

	args := []any{string(to), s.now().UnixMilli(), resultJSON, terminal}
	for _, src := range sources {
		args = append(args, string(src))
	}

	raw, err := transitionScript.Run(ctx, s.redis, []string{orderKey(id), openOrdersKey}, args...).Slice()
	if err != nil {
		msg := err.Error()
		switch {
		case strings.Contains(msg, "NOT_FOUND"):
			return nil, ErrNotFound
		case strings.Contains(msg, "INVALID_TRANSITION"):
			cur := strings.TrimSpace(msg[strings.Index(msg, "INVALID_TRANSITION")+len("INVALID_TRANSITION"):])
			return nil, fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, cur, to)
		}
		return nil, fmt.Errorf("transition order %s to %s: %w", id, to, err)
	}

	fields := make(map[string]string, len(raw)/2)
	for i := 0; i+1 < len(raw); i += 2 {
		k, _ := raw[i].(string)
		v, _ := raw[i+1].(string)
		fields[k] = v
	}
	o, err := decodeOrder(fields)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("store.order_transitioned",
		zap.String("order_id", id),
		zap.String("status", string(o.Status)),
		zap.Int64("version", o.Version))
	return o, nil
}

func (s *RedisStore) ListOpen(ctx context.Context, before time.Time, offset, limit int64) ([]string, error) {
	ids, err := s.redis.ZRangeByScore(ctx, openOrdersKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(before.UnixMilli(), 10),
		Offset: offset,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list open orders: %w", err)
	}
	return ids, nil
}

// HealthCheck verifies connectivity to Redis.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	if s.redis == nil {
		return fmt.Errorf("redis not initialized")
	}
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Close gracefully closes the Redis connection.
func (s *RedisStore) Close() error {
	if s.redis == nil {
		return nil
	}
	if err := s.redis.Close(); err != nil {
		s.logger.Warn("store.redis.close_failed", zap.Error(err))
		return err
	}
	return nil
}

func encodeOrder(o *model.Order) [][2]string {
	kv := [][2]string{
		{"id", o.ID},
		{"type", string(o.Type)},
		{"token_in", o.TokenIn},
		{"token_out", o.TokenOut},
		{"amount", o.Amount.String()},
		{"side", string(o.Side)},
		{"status", string(o.Status)},
		{"version", strconv.FormatInt(o.Version, 10)},
		{"created_at", strconv.FormatInt(o.CreatedAt.UnixMilli(), 10)},
		{"updated_at", strconv.FormatInt(o.UpdatedAt.UnixMilli(), 10)},
	}
	if o.Result != nil {
		if b, err := json.Marshal(o.Result); err == nil {
			kv = append(kv, [2]string{"result", string(b)})
		}
	}
	return kv
}

func decodeOrder(f map[string]string) (*model.Order, error) {
	amount, err := decimal.NewFromString(f["amount"])
	if err != nil {
		return nil, fmt.Errorf("decode order %s amount: %w", f["id"], err)
	}
	version, _ := strconv.ParseInt(f["version"], 10, 64)
	created, _ := strconv.ParseInt(f["created_at"], 10, 64)
	updated, _ := strconv.ParseInt(f["updated_at"], 10, 64)

	o := &model.Order{
		ID:        f["id"],
		Type:      model.OrderType(f["type"]),
		TokenIn:   f["token_in"],
		TokenOut:  f["token_out"],
		Amount:    amount,
		Side:      model.Side(f["side"]),
		Status:    model.Status(f["status"]),
		Version:   version,
		CreatedAt: time.UnixMilli(created).UTC(),
		UpdatedAt: time.UnixMilli(updated).UTC(),
	}
	if raw := f["result"]; raw != "" {
		var r model.Result
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, fmt.Errorf("decode order %s result: %w", o.ID, err)
		}
		o.Result = &r
	}
	return o, nil
}
