package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestMemoryQueueDeliversAndTracksFailures(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	q := NewMemoryQueue(8)
	var mu sync.Mutex
	seen := map[string]bool{}
	done := make(chan struct{})
	go func() {
		_ = q.Consume(ctx, 2, func(_ context.Context, id string) error {
			mu.Lock()
			seen[id] = true
			n := len(seen)
			mu.Unlock()
			if n == 3 {
				close(done)
			}
			if id == "bad" {
				return errors.New("boom")
			}
			return nil
		})
	}()

	for _, id := range []string{"a", "b", "bad"} {
		require.NoError(t, q.Publish(ctx, id))
	}
	select {
	case <-done:
	case <-ctx.Done():
		t.Fatalf("messages not delivered")
	}
	require.Eventually(t, func() bool { return len(q.Failed()) == 1 }, time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"bad"}, q.Failed())

	require.NoError(t, q.Close())
	require.Error(t, q.Publish(context.Background(), "late"))
}

func TestMemoryQueueCloseUnblocksPublish(t *testing.T) {
	q := NewMemoryQueue(1)
	require.NoError(t, q.Publish(context.Background(), "first"))

	published := make(chan error, 1)
	go func() {
		published <- q.Publish(context.Background(), "second")
	}()
	// 等待第二次投递阻塞在已满的队列上。
	time.Sleep(20 * time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- q.Close() }()
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatalf("Close blocked behind a pending Publish")
	}
	select {
	case err := <-published:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatalf("pending Publish was not released by Close")
	}
}

func TestMemoryQueueDrainsAfterClose(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	q := NewMemoryQueue(4)
	for _, id := range []string{"a", "b"} {
		require.NoError(t, q.Publish(ctx, id))
	}
	require.NoError(t, q.Close())

	var mu sync.Mutex
	var handled []string
	go func() {
		_ = q.Consume(ctx, 1, func(_ context.Context, id string) error {
			mu.Lock()
			handled = append(handled, id)
			mu.Unlock()
			return nil
		})
	}()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(handled) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestRedisQueueDeadLetters(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := NewRedisQueueWithClient(client, RedisQueueConfig{Queue: "test:tasks", BlockWait: 100 * time.Millisecond})
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, q.Publish(ctx, "ok-1"))
	require.NoError(t, q.Publish(ctx, "fail-1"))

	var mu sync.Mutex
	var handled []string
	consumeCtx, stop := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() {
		errCh <- q.Consume(consumeCtx, 1, func(_ context.Context, id string) error {
			mu.Lock()
			handled = append(handled, id)
			mu.Unlock()
			if id == "fail-1" {
				return errors.New("boom")
			}
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(handled) == 2
	}, 3*time.Second, 20*time.Millisecond)

	mu.Lock()
	require.Equal(t, []string{"ok-1", "fail-1"}, handled)
	mu.Unlock()

	require.Eventually(t, func() bool {
		dead, err := q.DeadLetters(ctx)
		return err == nil && len(dead) == 1 && dead[0] == "fail-1"
	}, time.Second, 20*time.Millisecond)

	stop()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatalf("consumer did not stop")
	}
}

func TestNewRedisQueueRequiresAddress(t *testing.T) {
	_, err := NewRedisQueue(RedisQueueConfig{})
	require.Error(t, err)
}

type fakeDelivery struct {
	acked, nacked, requeue bool
}

func (f *fakeDelivery) Ack(bool) error { f.acked = true; return nil }

func (f *fakeDelivery) Nack(_, requeue bool) error {
	f.nacked = true
	f.requeue = requeue
	return nil
}

func TestRabbitSettle(t *testing.T) {
	ok := &fakeDelivery{}
	settle(ok, nil)
	require.True(t, ok.acked)
	require.False(t, ok.nacked)

	failed := &fakeDelivery{}
	settle(failed, errors.New("boom"))
	require.True(t, failed.nacked)
	require.False(t, failed.requeue)

	args := RabbitMQConfig{DeadLetterExchange: "dlx"}.QueueArgs()
	require.Equal(t, "dlx", args["x-dead-letter-exchange"])
	require.Nil(t, RabbitMQConfig{}.QueueArgs())
}
