package resource

import (
	"context"
	"reflect"
	"testing"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
)

func newRedisDocument(t *testing.T) (*RedisDocument, context.Context, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cleanup := func() {
		_ = client.Close()
		mr.Close()
	}
	return NewRedisDocument(client, "doc"), context.Background(), cleanup
}

func TestRedisDocumentRoundTrip(t *testing.T) {
	res, ctx, cleanup := newRedisDocument(t)
	defer cleanup()

	if v, err := res.Load(ctx); err != nil || v != nil {
		t.Fatalf("expected absent key to load as nil, got %v err %v", v, err)
	}
	in := map[string]any{"a": 1.0, "nested": map[string]any{"b": true}}
	if err := res.Save(ctx, in); err != nil {
		t.Fatalf("save: %v", err)
	}
	out, err := res.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !reflect.DeepEqual(out, in) {
		t.Fatalf("round trip mismatch: %v != %v", out, in)
	}
}
