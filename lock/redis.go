package lock

import (
	"context"
	stdErrors "errors"
	"strconv"

	redis "github.com/redis/go-redis/v9"

	sigerrors "github.com/glotzerlab/signac-sub002/errors"
)

// swapScript compares the full lock record (owner and hold count) and
// replaces it only on a match. An empty new owner removes the record.
var swapScript = redis.NewScript(`
local owner = redis.call("HGET", KEYS[1], "owner") or ""
local count = redis.call("HGET", KEYS[1], "count") or "0"
if owner == ARGV[1] and count == ARGV[2] then
    if ARGV[3] == "" then
        redis.call("DEL", KEYS[1])
    else
        redis.call("HSET", KEYS[1], "owner", ARGV[3], "count", ARGV[4])
    end
    return 1
end
return 0
`)

const defaultRedisKeyPrefix = "signac:lock:"

// RedisStore implements Store using a Redis backend. Each lock record is a
// hash holding the owner token and hold count.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// RedisStoreOption configures a RedisStore.
type RedisStoreOption func(*RedisStore)

// WithKeyPrefix overrides the key prefix used for lock records.
func WithKeyPrefix(prefix string) RedisStoreOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// NewRedisStore returns a lock store using the provided Redis client.
func NewRedisStore(client *redis.Client, opts ...RedisStoreOption) *RedisStore {
	s := &RedisStore{client: client, prefix: defaultRedisKeyPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get implements Store.Get.
func (s *RedisStore) Get(ctx context.Context, id string) (State, error) {
	fields, err := s.client.HGetAll(ctx, s.prefix+id).Result()
	if err != nil {
		return State{}, mapRedisErr(err)
	}
	if len(fields) == 0 {
		return State{}, nil
	}
	count, err := strconv.ParseInt(fields["count"], 10, 64)
	if err != nil {
		return State{}, err
	}
	return State{Owner: fields["owner"], Count: count}, nil
}

// Swap implements Store.Swap through an atomic Lua script.
func (s *RedisStore) Swap(ctx context.Context, id string, old, new State) (bool, error) {
	n, err := swapScript.Run(ctx, s.client, []string{s.prefix + id},
		old.Owner, strconv.FormatInt(old.Count, 10),
		new.Owner, strconv.FormatInt(new.Count, 10),
	).Int()
	if err != nil {
		return false, mapRedisErr(err)
	}
	return n == 1, nil
}

func mapRedisErr(err error) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return sigerrors.ErrTimeout
	}
	if stdErrors.Is(err, redis.ErrClosed) {
		return sigerrors.ErrConnectionClosed
	}
	return err
}
