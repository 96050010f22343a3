package resource

import (
	"context"
	stdErrors "errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	sigerrors "github.com/glotzerlab/signac-sub002/errors"
)

const defaultRedisOpTimeout = 5 * time.Second

// RedisDocument is a Resource stored under a single Redis key.
type RedisDocument struct {
	client  *redis.Client
	key     string
	codec   Codec
	timeout time.Duration
}

// RedisOption configures a RedisDocument.
type RedisOption func(*RedisDocument)

// WithRedisTimeout sets the operation timeout for Redis calls.
func WithRedisTimeout(d time.Duration) RedisOption {
	return func(r *RedisDocument) {
		r.timeout = d
	}
}

// WithRedisCodec overrides the codec used to encode the document.
func WithRedisCodec(c Codec) RedisOption {
	return func(r *RedisDocument) {
		r.codec = c
	}
}

// NewRedisDocument returns a Resource stored at key using the provided Redis
// client.
func NewRedisDocument(client *redis.Client, key string, opts ...RedisOption) *RedisDocument {
	r := &RedisDocument{
		client:  client,
		key:     key,
		codec:   JSONCodec{},
		timeout: defaultRedisOpTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ID implements Resource.ID.
func (r *RedisDocument) ID() string { return r.key }

// Load implements Resource.Load.
func (r *RedisDocument) Load(ctx context.Context) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, mapRedisErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	data, err := r.client.Get(cctx, r.key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, mapRedisErr(err)
	}
	var v any
	if err := r.codec.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Save implements Resource.Save.
func (r *RedisDocument) Save(ctx context.Context, v any) error {
	if err := ctx.Err(); err != nil {
		return mapRedisErr(err)
	}
	data, err := r.codec.Marshal(v)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.client.Set(cctx, r.key, data, 0).Err(); err != nil {
		return mapRedisErr(err)
	}
	return nil
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
