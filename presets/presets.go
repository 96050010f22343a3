package presets

import (
	"context"

	redis "github.com/redis/go-redis/v9"

	"github.com/glotzerlab/signac-sub002/buffer"
	"github.com/glotzerlab/signac-sub002/lock"
	"github.com/glotzerlab/signac-sub002/resource"
	"github.com/glotzerlab/signac-sub002/synced"
)

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

func (o RedisOptions) client() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     o.Addr,
		Password: o.Password,
		DB:       o.DB,
	})
}

// NewRedisDict returns a mapping collection stored under id in Redis.
func NewRedisDict(ctx context.Context, opts RedisOptions, id string, collOpts ...synced.Option) (*synced.Dict, error) {
	return synced.NewDict(ctx, resource.NewRedisDocument(opts.client(), id), nil, collOpts...)
}

// NewRedisLock returns a distributed lock on id backed by Redis.
func NewRedisLock(opts RedisOptions, id string, lockOpts ...lock.Option) (*lock.Lock, error) {
	return lock.New(lock.NewRedisStore(opts.client()), id, lockOpts...)
}

// NewBufferedFileDict returns a mapping collection stored in a JSON file at
// path, buffered through mgr. A nil mgr gets a FileManager with the default
// capacity; the manager is returned so further collections can share it.
func NewBufferedFileDict(ctx context.Context, path string, mgr buffer.Manager, collOpts ...synced.Option) (*synced.Dict, buffer.Manager, error) {
	if mgr == nil {
		m, err := buffer.NewFileManager()
		if err != nil {
			return nil, nil, err
		}
		mgr = m
	}
	opts := append([]synced.Option{synced.WithBuffer(mgr)}, collOpts...)
	d, err := synced.NewDict(ctx, resource.NewJSONFile(path), nil, opts...)
	if err != nil {
		return nil, nil, err
	}
	return d, mgr, nil
}
