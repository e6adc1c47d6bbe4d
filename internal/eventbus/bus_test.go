package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/resline/dify-plugin-repackaging-sub000/internal/jobs"
)

func setupBus(t *testing.T, opts Options) *Bus {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	bus := New(rdb, opts, zaptest.NewLogger(t))
	t.Cleanup(bus.Close)
	return bus
}

func statusEvent(jobID string, progress float64) jobs.Event {
	return jobs.Event{JobID: jobID, Kind: jobs.EventStatus, Status: jobs.StatusProcessing, Progress: progress}
}

func terminalEvent(jobID string) jobs.Event {
	return jobs.Event{JobID: jobID, Kind: jobs.EventTerminal, Status: jobs.StatusCompleted, Progress: 100}
}

// recv pulls one delivery or fails the test.
func recv(t *testing.T, sub *Subscription) Delivery {
	t.Helper()
	select {
	case d, ok := <-sub.C():
		if !ok {
			t.Fatalf("subscription closed early: %v", sub.Err())
		}
		return d
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for delivery")
	}
	return Delivery{}
}

func TestBus_SequencesArePerJobAndGapFree(t *testing.T) {
	bus := setupBus(t, Options{})
	ctx := context.Background()

	subA, err := bus.Subscribe(ctx, "job-a", 0)
	require.NoError(t, err)
	defer subA.Close()
	subB, err := bus.Subscribe(ctx, "job-b", 0)
	require.NoError(t, err)
	defer subB.Close()

	// Interleaved publishes across two topics.
	require.NoError(t, bus.Publish(ctx, statusEvent("job-a", 10)))
	require.NoError(t, bus.Publish(ctx, statusEvent("job-b", 20)))
	require.NoError(t, bus.Publish(ctx, statusEvent("job-a", 30)))
	require.NoError(t, bus.Publish(ctx, statusEvent("job-b", 40)))

	a1, a2 := recv(t, subA), recv(t, subA)
	assert.Equal(t, int64(1), a1.Event.Seq)
	assert.Equal(t, int64(2), a2.Event.Seq)
	assert.False(t, a1.Gap)
	assert.False(t, a2.Gap)

	b1, b2 := recv(t, subB), recv(t, subB)
	assert.Equal(t, int64(1), b1.Event.Seq, "sequences are independent per job")
	assert.Equal(t, int64(2), b2.Event.Seq)
	assert.False(t, b1.Event.TS.IsZero(), "publish stamps the event")
}

func TestBus_ReplaySinceSeq(t *testing.T) {
	bus := setupBus(t, Options{})
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		require.NoError(t, bus.Publish(ctx, statusEvent("job-1", float64(i*10))))
	}

	sub, err := bus.Subscribe(ctx, "job-1", 2)
	require.NoError(t, err)
	defer sub.Close()

	for want := int64(3); want <= 5; want++ {
		d := recv(t, sub)
		assert.Equal(t, want, d.Event.Seq)
		assert.False(t, d.Gap)
	}
}

func TestBus_ReplayThenLive(t *testing.T) {
	bus := setupBus(t, Options{})
	ctx := context.Background()

	require.NoError(t, bus.Publish(ctx, statusEvent("job-1", 10)))
	require.NoError(t, bus.Publish(ctx, statusEvent("job-1", 20)))

	sub, err := bus.Subscribe(ctx, "job-1", 0)
	require.NoError(t, err)
	defer sub.Close()

	d1, d2 := recv(t, sub), recv(t, sub)
	require.Equal(t, int64(1), d1.Event.Seq)
	require.Equal(t, int64(2), d2.Event.Seq)

	require.NoError(t, bus.Publish(ctx, statusEvent("job-1", 30)))
	require.NoError(t, bus.Publish(ctx, terminalEvent("job-1")))

	d3, d4 := recv(t, sub), recv(t, sub)
	assert.Equal(t, int64(3), d3.Event.Seq, "no duplicates across the replay/live switch")
	assert.Equal(t, int64(4), d4.Event.Seq)
	assert.True(t, d4.Event.Terminal())
}

func TestBus_ReplayStopsAtTerminal(t *testing.T) {
	bus := setupBus(t, Options{})
	ctx := context.Background()

	require.NoError(t, bus.Publish(ctx, statusEvent("job-1", 50)))
	require.NoError(t, bus.Publish(ctx, terminalEvent("job-1")))

	sub, err := bus.Subscribe(ctx, "job-1", 0)
	require.NoError(t, err)
	defer sub.Close()

	d1, d2 := recv(t, sub), recv(t, sub)
	assert.Equal(t, int64(1), d1.Event.Seq)
	assert.True(t, d2.Event.Terminal())
}

func TestBus_OverflowDropsOldestAndMarksGap(t *testing.T) {
	bus := setupBus(t, Options{Buffer: 2, PublishTimeout: 100 * time.Millisecond})
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "job-1", 0)
	require.NoError(t, err)

	// Four status events against a two-slot buffer, then a terminal the
	// unread subscriber cannot take. Once the bus disconnects it, the
	// buffer holds exactly the two survivors.
	for i := 1; i <= 4; i++ {
		require.NoError(t, bus.Publish(ctx, statusEvent("job-1", float64(i*10))))
	}
	require.NoError(t, bus.Publish(ctx, terminalEvent("job-1")))

	require.Eventually(t, func() bool { return sub.Err() != nil }, 3*time.Second, 20*time.Millisecond)
	require.ErrorIs(t, sub.Err(), ErrSlowConsumer)

	var drained []Delivery
	for d := range sub.C() {
		drained = append(drained, d)
	}
	require.Len(t, drained, 2)
	assert.Equal(t, int64(3), drained[0].Event.Seq, "oldest events gave way")
	assert.True(t, drained[0].Gap, "the delivery after a drop is marked")
	assert.Equal(t, int64(4), drained[1].Event.Seq)
	assert.True(t, drained[1].Gap)
}

func TestBus_SlowConsumerClosedOnTerminal(t *testing.T) {
	bus := setupBus(t, Options{Buffer: 1, PublishTimeout: 100 * time.Millisecond})
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "job-1", 0)
	require.NoError(t, err)

	// The subscriber never reads. Non-terminal events overflow silently;
	// the terminal event must not be dropped, so the bus disconnects.
	require.NoError(t, bus.Publish(ctx, statusEvent("job-1", 10)))
	require.NoError(t, bus.Publish(ctx, statusEvent("job-1", 20)))
	require.NoError(t, bus.Publish(ctx, terminalEvent("job-1")))

	require.Eventually(t, func() bool {
		return sub.Err() != nil
	}, 3*time.Second, 20*time.Millisecond)
	assert.ErrorIs(t, sub.Err(), ErrSlowConsumer)

	require.Eventually(t, func() bool {
		return bus.SubscriberCount("job-1") == 0
	}, time.Second, 10*time.Millisecond)
}

func TestBus_SlowSubscriberDoesNotStallPromptOne(t *testing.T) {
	bus := setupBus(t, Options{Buffer: 4, PublishTimeout: 500 * time.Millisecond})
	ctx := context.Background()

	prompt, err := bus.Subscribe(ctx, "job-1", 0)
	require.NoError(t, err)
	slow, err := bus.Subscribe(ctx, "job-1", 0)
	require.NoError(t, err)

	const n = 20
	got := make(chan []Delivery, 1)
	go func() {
		var all []Delivery
		for d := range prompt.C() {
			all = append(all, d)
			if d.Event.Terminal() {
				break
			}
		}
		got <- all
	}()

	for i := 1; i <= n; i++ {
		require.NoError(t, bus.Publish(ctx, statusEvent("job-1", float64(i))))
	}
	require.NoError(t, bus.Publish(ctx, terminalEvent("job-1")))

	select {
	case all := <-got:
		// Order is strict and every hole is flagged; the terminal event
		// always arrives.
		require.NotEmpty(t, all)
		prev := int64(0)
		for _, d := range all {
			require.Greater(t, d.Event.Seq, prev)
			assert.Equal(t, d.Event.Seq != prev+1, d.Gap, "gap flag at seq %d", d.Event.Seq)
			prev = d.Event.Seq
		}
		assert.True(t, all[len(all)-1].Event.Terminal())
		assert.Equal(t, int64(n+1), all[len(all)-1].Event.Seq)
	case <-time.After(5 * time.Second):
		t.Fatal("prompt subscriber starved")
	}

	// The sleeping subscriber is disconnected rather than blocking anyone.
	require.Eventually(t, func() bool {
		return slow.Err() != nil
	}, 3*time.Second, 20*time.Millisecond)
	assert.ErrorIs(t, slow.Err(), ErrSlowConsumer)
	prompt.Close()
}

func TestBus_SubscriberCapPerTopic(t *testing.T) {
	bus := setupBus(t, Options{MaxTopicSubs: 2})
	ctx := context.Background()

	s1, err := bus.Subscribe(ctx, "job-1", 0)
	require.NoError(t, err)
	defer s1.Close()
	s2, err := bus.Subscribe(ctx, "job-1", 0)
	require.NoError(t, err)
	defer s2.Close()

	_, err = bus.Subscribe(ctx, "job-1", 0)
	assert.ErrorIs(t, err, ErrTooManySubscribers)

	// Other topics are unaffected.
	s3, err := bus.Subscribe(ctx, "job-2", 0)
	require.NoError(t, err)
	s3.Close()
}

func TestBus_AckCursor(t *testing.T) {
	bus := setupBus(t, Options{})
	sub, err := bus.Subscribe(context.Background(), "job-1", 0)
	require.NoError(t, err)
	defer sub.Close()

	assert.Equal(t, int64(0), sub.LastAck())
	sub.Ack(3)
	sub.Ack(7)
	sub.Ack(5) // regressions are ignored
	assert.Equal(t, int64(7), sub.LastAck())
}

func TestBus_CloseTearsDownSubscriptions(t *testing.T) {
	bus := setupBus(t, Options{})
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "job-1", 0)
	require.NoError(t, err)

	bus.Close()

	select {
	case _, ok := <-sub.C():
		assert.False(t, ok, "channel closes at shutdown")
	case <-time.After(time.Second):
		t.Fatal("subscription not torn down")
	}
	assert.ErrorIs(t, sub.Err(), ErrBusClosed)

	_, err = bus.Subscribe(ctx, "job-1", 0)
	assert.ErrorIs(t, err, ErrBusClosed)
}

func TestBus_PublishRequiresJobID(t *testing.T) {
	bus := setupBus(t, Options{})
	err := bus.Publish(context.Background(), jobs.Event{Kind: jobs.EventStatus})
	assert.Error(t, err)
}
