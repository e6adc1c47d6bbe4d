// Package eventbus fans per-job progress events out to live subscribers and
// keeps a bounded replay window in Redis so reconnecting clients can catch
// up. One topic per job id.
//
// # Design: dispatch task per topic
//
// Publish writes the event to the topic's retention list and to a Redis
// pub/sub channel in one pipeline; it never touches subscriber buffers.
// Each active topic runs a single dispatch goroutine that receives from the
// pub/sub channel and fans out to local subscriptions, copying the target
// set under a read-lock and sending outside it. Subscriptions own bounded
// buffers; a full buffer drops the oldest undelivered non-terminal event and
// records a gap. Terminal events are never dropped: the dispatcher waits up
// to the publish timeout, then closes the subscription with ErrSlowConsumer.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/resline/dify-plugin-repackaging-sub000/internal/jobs"
	"github.com/resline/dify-plugin-repackaging-sub000/internal/metrics"
)

var (
	// ErrSlowConsumer closes subscriptions that failed to take a terminal
	// event within the publish timeout.
	ErrSlowConsumer = errors.New("subscriber too slow, disconnected")

	// ErrTooManySubscribers rejects Subscribe beyond the per-topic cap.
	ErrTooManySubscribers = errors.New("too many subscribers for job")

	// ErrBusClosed is reported by subscriptions torn down at shutdown.
	ErrBusClosed = errors.New("event bus closed")
)

const (
	eventKeyPrefix = "repack:events:"
	seqSuffix      = ":seq"
	chanSuffix     = ":chan"
)

func listKey(jobID string) string { return eventKeyPrefix + jobID }
func seqKey(jobID string) string  { return eventKeyPrefix + jobID + seqSuffix }
func chanKey(jobID string) string { return eventKeyPrefix + jobID + chanSuffix }

// Options tune the bus. Zero fields fall back to the documented defaults.
type Options struct {
	Retention      int           // stored events per topic (default 256)
	TTL            time.Duration // retention key lifetime (default 24h)
	PublishTimeout time.Duration // terminal-event handoff bound (default 5s)
	MaxTopicSubs   int           // per-topic subscription cap (default 64)
	Buffer         int           // per-subscription buffer depth (default 64)
}

func (o Options) withDefaults() Options {
	if o.Retention <= 0 {
		o.Retention = 256
	}
	if o.TTL <= 0 {
		o.TTL = 24 * time.Hour
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 5 * time.Second
	}
	if o.MaxTopicSubs <= 0 {
		o.MaxTopicSubs = 64
	}
	if o.Buffer <= 0 {
		o.Buffer = 64
	}
	return o
}

// topic tracks the local subscriptions of one job id plus the pub/sub
// dispatcher feeding them.
type topic struct {
	jobID  string
	subs   map[*Subscription]struct{}
	cancel context.CancelFunc
	pubsub *redis.PubSub
}

// Bus is the per-job event fan-out. Safe for concurrent use.
type Bus struct {
	rdb  *redis.Client
	opts Options
	log  *zap.Logger

	mu     sync.RWMutex
	topics map[string]*topic
	closed bool

	// baseCtx parents every topic dispatcher; cancelled by Close.
	baseCtx  context.Context
	baseStop context.CancelFunc
}

// New creates a Bus on the given Redis client.
func New(rdb *redis.Client, opts Options, logger *zap.Logger) *Bus {
	ctx, stop := context.WithCancel(context.Background())
	return &Bus{
		rdb:      rdb,
		opts:     opts.withDefaults(),
		log:      logger,
		topics:   make(map[string]*topic),
		baseCtx:  ctx,
		baseStop: stop,
	}
}

// Publish assigns the next sequence number for the event's job, stores the
// event in the replay window and hands it to the topic channel. It returns
// once the write is durable; delivery to subscribers is asynchronous.
func (b *Bus) Publish(ctx context.Context, ev jobs.Event) error {
	if ev.JobID == "" {
		return fmt.Errorf("events: publish: missing job id")
	}
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}

	seq, err := b.rdb.Incr(ctx, seqKey(ev.JobID)).Result()
	if err != nil {
		return fmt.Errorf("events: next seq for %s: %w", ev.JobID, err)
	}
	ev.Seq = seq

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: marshal: %w", err)
	}

	_, err = b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, listKey(ev.JobID), payload)
		pipe.LTrim(ctx, listKey(ev.JobID), int64(-b.opts.Retention), -1)
		pipe.Expire(ctx, listKey(ev.JobID), b.opts.TTL)
		pipe.Expire(ctx, seqKey(ev.JobID), b.opts.TTL)
		pipe.Publish(ctx, chanKey(ev.JobID), payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("events: publish %s: %w", ev.JobID, err)
	}
	metrics.EventPublished()
	return nil
}

// Subscribe attaches a new subscription to the job's topic. Stored events
// with sequence > sinceSeq are replayed first, then live events follow in
// order; events that arrive during the replay are buffered and de-duplicated
// by sequence number.
func (b *Bus) Subscribe(ctx context.Context, jobID string, sinceSeq int64) (*Subscription, error) {
	if jobID == "" {
		return nil, fmt.Errorf("events: subscribe: missing job id")
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	t, ok := b.topics[jobID]
	if !ok {
		t = &topic{jobID: jobID, subs: make(map[*Subscription]struct{})}
		if err := b.startDispatcher(t); err != nil {
			b.mu.Unlock()
			return nil, err
		}
		b.topics[jobID] = t
	}
	if len(t.subs) >= b.opts.MaxTopicSubs {
		b.mu.Unlock()
		return nil, ErrTooManySubscribers
	}
	sub := newSubscription(b, jobID, b.opts.Buffer)
	sub.lastSeq = sinceSeq
	t.subs[sub] = struct{}{}
	b.mu.Unlock()

	go b.replay(ctx, sub, sinceSeq)
	return sub, nil
}

// startDispatcher opens the topic's pub/sub channel and spawns its dispatch
// goroutine. Caller holds b.mu.
func (b *Bus) startDispatcher(t *topic) error {
	pubsub := b.rdb.Subscribe(b.baseCtx, chanKey(t.jobID))
	// Confirm the subscription before any Publish can miss the channel.
	if _, err := pubsub.Receive(b.baseCtx); err != nil {
		pubsub.Close()
		return fmt.Errorf("events: subscribe channel %s: %w", t.jobID, err)
	}
	ctx, cancel := context.WithCancel(b.baseCtx)
	t.pubsub = pubsub
	t.cancel = cancel
	go b.dispatch(ctx, t)
	return nil
}

// dispatch is the per-topic fan-out loop.
func (b *Bus) dispatch(ctx context.Context, t *topic) {
	ch := t.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev jobs.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.log.Warn("drop undecodable event",
					zap.String("job_id", t.jobID), zap.Error(err))
				continue
			}
			b.fanOut(t, ev)
		}
	}
}

// fanOut delivers ev to every local subscription of t. The subscriber set is
// copied under the read-lock; sends happen outside it so one full buffer
// cannot stall the registry.
func (b *Bus) fanOut(t *topic, ev jobs.Event) {
	b.mu.RLock()
	subs := make([]*Subscription, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		if ev.Terminal() {
			if !s.enqueueTerminal(ev, b.opts.PublishTimeout) {
				b.log.Warn("closing slow subscriber",
					zap.String("job_id", t.jobID),
					zap.Int64("seq", ev.Seq))
				s.closeWithErr(ErrSlowConsumer)
			}
			continue
		}
		s.enqueue(ev)
	}
}

// replay streams the retained events with seq > sinceSeq into sub, then
// switches it live.
func (b *Bus) replay(ctx context.Context, sub *Subscription, sinceSeq int64) {
	rows, err := b.rdb.LRange(ctx, listKey(sub.jobID), 0, -1).Result()
	if err != nil && err != redis.Nil {
		b.log.Warn("event replay failed",
			zap.String("job_id", sub.jobID), zap.Error(err))
		sub.goLive()
		return
	}

	events := make([]jobs.Event, 0, len(rows))
	for _, row := range rows {
		var ev jobs.Event
		if err := json.Unmarshal([]byte(row), &ev); err != nil {
			continue
		}
		if ev.Seq > sinceSeq {
			events = append(events, ev)
		}
	}
	// The list order already matches publish order; sorting keeps the
	// stream strictly sequence-ordered even if concurrent publishers
	// interleaved between INCR and RPUSH.
	sort.Slice(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })

	for _, ev := range events {
		if !sub.replayDeliver(ctx, ev) {
			return // subscription closed mid-replay
		}
		if ev.Terminal() {
			break
		}
	}
	sub.goLive()
}

// removeSub detaches sub from its topic and stops the dispatcher when the
// topic has no local subscribers left.
func (b *Bus) removeSub(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[sub.jobID]
	if !ok {
		return
	}
	delete(t.subs, sub)
	if len(t.subs) == 0 {
		t.cancel()
		t.pubsub.Close()
		delete(b.topics, sub.jobID)
	}
}

// SubscriberCount reports the local subscriptions on one topic, for metrics
// and tests.
func (b *Bus) SubscriberCount(jobID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if t, ok := b.topics[jobID]; ok {
		return len(t.subs)
	}
	return 0
}

// Close tears down every topic and subscription. Pending deliveries are
// abandoned; subscriptions report ErrBusClosed.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	topics := make([]*topic, 0, len(b.topics))
	for _, t := range b.topics {
		topics = append(topics, t)
	}
	b.topics = make(map[string]*topic)
	b.mu.Unlock()

	b.baseStop()
	for _, t := range topics {
		t.pubsub.Close()
		for s := range t.subs {
			s.closeWithErr(ErrBusClosed)
		}
	}
}
