package sender

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/helius-labs/lite-txn-sender/config"
)

func req(tag string) *request {
	return &request{payload: []byte(tag), dest: "v", enqueued: time.Now()}
}

func TestQueueFIFO(t *testing.T) {
	q := newQueue(4, config.QueueOldestDrop)
	for _, tag := range []string{"a", "b", "c"} {
		shed, ok := q.push(req(tag))
		require.True(t, ok)
		require.Nil(t, shed)
	}
	require.Equal(t, 3, q.depth())

	ctx := context.Background()
	for _, want := range []string{"a", "b", "c"} {
		got, err := q.pop(ctx)
		require.NoError(t, err)
		require.Equal(t, want, string(got.payload))
	}
	require.Equal(t, 0, q.depth())
}

func TestQueueOldestDrop(t *testing.T) {
	q := newQueue(2, config.QueueOldestDrop)
	q.push(req("a"))
	q.push(req("b"))

	shed, ok := q.push(req("c"))
	require.True(t, ok)
	require.NotNil(t, shed)
	require.Equal(t, "a", string(shed.payload))
	require.Equal(t, 2, q.depth())
	require.Equal(t, uint64(1), q.shedCount())

	got, err := q.pop(context.Background())
	require.NoError(t, err)
	require.Equal(t, "b", string(got.payload))
}

func TestQueueRejectPolicy(t *testing.T) {
	q := newQueue(1, config.QueueReject)
	_, ok := q.push(req("a"))
	require.True(t, ok)

	shed, ok := q.push(req("b"))
	require.False(t, ok)
	require.Nil(t, shed)
	require.Equal(t, 1, q.depth())
}

func TestQueuePopBlocksUntilPush(t *testing.T) {
	q := newQueue(2, config.QueueOldestDrop)

	done := make(chan string, 1)
	go func() {
		r, err := q.pop(context.Background())
		if err != nil {
			done <- "err"
			return
		}
		done <- string(r.payload)
	}()

	time.Sleep(10 * time.Millisecond)
	q.push(req("late"))

	select {
	case got := <-done:
		require.Equal(t, "late", got)
	case <-time.After(time.Second):
		t.Fatalf("pop did not wake up")
	}
}

func TestQueuePopHonoursContext(t *testing.T) {
	q := newQueue(2, config.QueueOldestDrop)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.pop(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueueDrain(t *testing.T) {
	q := newQueue(4, config.QueueOldestDrop)
	q.push(req("a"))
	q.push(req("b"))

	remaining := q.drain()
	require.Len(t, remaining, 2)
	require.Equal(t, 0, q.depth())
}
