package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestMemoryTransportFIFO(t *testing.T) {
	tr := NewMemoryTransport(4)
	ctx := context.Background()

	require.NoError(t, tr.Enqueue(ctx, "bills", []byte("a")))
	require.NoError(t, tr.Enqueue(ctx, "bills", []byte("b")))

	first, err := tr.Receive(ctx, "bills")
	require.NoError(t, err)
	second, err := tr.Receive(ctx, "bills")
	require.NoError(t, err)
	assert.Equal(t, "a", string(first.Payload))
	assert.Equal(t, "b", string(second.Payload))

	require.NoError(t, tr.Close())
	_, err = tr.Receive(ctx, "bills")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestWorkerKeepsRunningAfterFailures(t *testing.T) {
	tr := NewMemoryTransport(8)
	var mu sync.Mutex
	var seen []string

	handler := func(ctx context.Context, payload []byte) error {
		mu.Lock()
		seen = append(seen, string(payload))
		mu.Unlock()
		switch string(payload) {
		case "fail":
			return errors.New("boom")
		case "panic":
			panic("handler bug")
		}
		return nil
	}

	worker := NewWorker("bill-generation", "bills", tr, handler, 1, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	for _, p := range []string{"fail", "panic", "ok"} {
		require.NoError(t, tr.Enqueue(context.Background(), "bills", []byte(p)))
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	})
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, []string{"fail", "panic", "ok"}, seen)
}

type fakeRedis struct {
	mu    sync.Mutex
	lists map[string][][]byte
}

func (f *fakeRedis) LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range values {
		f.lists[key] = append([][]byte{v.([]byte)}, f.lists[key]...)
	}
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(int64(len(f.lists[key])))
	return cmd
}

func (f *fakeRedis) BRPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewStringSliceCmd(ctx)
	list := f.lists[keys[0]]
	if len(list) == 0 {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	last := list[len(list)-1]
	f.lists[keys[0]] = list[:len(list)-1]
	cmd.SetVal([]string{keys[0], string(last)})
	return cmd
}

func TestRedisTransport(t *testing.T) {
	client := &fakeRedis{lists: map[string][][]byte{}}
	tr := NewRedisTransport(client, "meterbill", time.Millisecond)
	ctx := context.Background()

	require.NoError(t, tr.Enqueue(ctx, "bills", []byte(`{"request_id":"r1"}`)))
	require.NoError(t, tr.Enqueue(ctx, "bills", []byte(`{"request_id":"r2"}`)))
	assert.Len(t, client.lists["meterbill:jobs:bills"], 2)

	d, err := tr.Receive(ctx, "bills")
	require.NoError(t, err)
	assert.JSONEq(t, `{"request_id":"r1"}`, string(d.Payload))

	_, err = tr.Receive(ctx, "bills")
	require.NoError(t, err)

	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = tr.Receive(cctx, "bills")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
