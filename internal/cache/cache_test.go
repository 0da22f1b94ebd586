package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/qman-project/qman-slave/internal/logging"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time                  { return c.t }
func (c *fakeClock) Since(t time.Time) time.Duration { return c.t.Sub(t) }

type fakeRedis struct {
	data map[string]string
	down bool
}

func newFakeRedis() *fakeRedis { return &fakeRedis{data: map[string]string{}} }

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	if f.down {
		return redis.NewStringResult("", errors.New("connection refused"))
	}
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	if f.down {
		return redis.NewStatusResult("", errors.New("connection refused"))
	}
	switch v := value.(type) {
	case []byte:
		f.data[key] = string(v)
	case string:
		f.data[key] = v
	}
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	if f.down {
		return redis.NewIntResult(0, errors.New("connection refused"))
	}
	for _, k := range keys {
		delete(f.data, k)
	}
	return redis.NewIntResult(int64(len(keys)), nil)
}

type listing struct {
	IDs []string `json:"ids"`
}

func testCache(rdb redisAPI, clk *fakeClock) *Cache {
	return NewWithBackend(rdb, 600*time.Second, clk, logging.New(false, "test"))
}

func TestGetSetRoundTrip(t *testing.T) {
	rdb := newFakeRedis()
	clk := &fakeClock{t: time.Unix(1000, 0)}
	c := testCache(rdb, clk)
	ctx := context.Background()

	var miss listing
	if c.Get(ctx, KeyContainers, &miss) {
		t.Fatal("empty cache returned a hit")
	}

	c.Set(ctx, KeyContainers, listing{IDs: []string{"c1", "c2"}})

	var hit listing
	if !c.Get(ctx, KeyContainers, &hit) {
		t.Fatal("expected hit")
	}
	if len(hit.IDs) != 2 || hit.IDs[0] != "c1" {
		t.Errorf("payload = %+v", hit)
	}
}

func TestGetExpiredEntryIsMiss(t *testing.T) {
	rdb := newFakeRedis()
	clk := &fakeClock{t: time.Unix(1000, 0)}
	c := testCache(rdb, clk)
	ctx := context.Background()

	c.Set(ctx, KeyImages, listing{IDs: []string{"i1"}})
	clk.t = clk.t.Add(601 * time.Second)

	var out listing
	if c.Get(ctx, KeyImages, &out) {
		t.Error("expired entry returned a hit")
	}
}

func TestBackendFailureIsMiss(t *testing.T) {
	rdb := newFakeRedis()
	rdb.down = true
	c := testCache(rdb, &fakeClock{t: time.Unix(1000, 0)})

	var out listing
	if c.Get(context.Background(), KeyContainers, &out) {
		t.Error("down backend returned a hit")
	}
	// Set must not panic or propagate.
	c.Set(context.Background(), KeyContainers, listing{})
}

func TestInvalidateDropsKeyAndStamps(t *testing.T) {
	rdb := newFakeRedis()
	clk := &fakeClock{t: time.Unix(2000, 0)}
	c := testCache(rdb, clk)
	ctx := context.Background()

	c.Set(ctx, KeyContainers, listing{IDs: []string{"c1"}})
	c.Invalidate(ctx, KeyContainers)

	var out listing
	if c.Get(ctx, KeyContainers, &out) {
		t.Error("invalidated key returned a hit")
	}
	if rdb.data[keyLastInvalidation] != "2000" {
		t.Errorf("last_invalidation = %q", rdb.data[keyLastInvalidation])
	}
}

func TestDisabledCacheIsAlwaysMiss(t *testing.T) {
	c, err := New("", 600*time.Second, logging.New(false, "test"))
	if err != nil {
		t.Fatal(err)
	}
	var out listing
	if c.Get(context.Background(), KeyContainers, &out) {
		t.Error("disabled cache returned a hit")
	}
	c.Set(context.Background(), KeyContainers, listing{})
	c.Invalidate(context.Background(), KeyContainers)
}
