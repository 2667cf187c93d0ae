package alarmrouter

import (
	"container/heap"
	"context"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/technosupport/videocore/internal/contracts"
	"github.com/technosupport/videocore/internal/metrics"
)

// Config bounds the router's worker pool and retry behaviour.
type Config struct {
	Workers         int
	RetryMax        int
	BackoffBaseMS   int
	BackoffMaxMS    int
	ShutdownGraceMS int // Stop keeps draining the queue for up to this long before discarding it
}

// DefaultConfig mirrors the spec's named defaults.
func DefaultConfig() Config {
	return Config{Workers: 4, RetryMax: 3, BackoffBaseMS: 100, BackoffMaxMS: 5000, ShutdownGraceMS: 5000}
}

// Router is the alarm dispatch core (C8).
type Router struct {
	cfg   Config
	redis *redis.Client // optional; stats mirror only

	mu       sync.Mutex
	queue    priorityQueue
	notify   chan struct{}
	seq      int64
	channels map[string]Channel

	pending   int64
	delivered int64
	failed    int64
	totalMs   int64
	countMs   int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Router. rdb may be nil (stats mirror disabled).
func New(cfg Config, rdb *redis.Client) *Router {
	return &Router{
		cfg:      cfg,
		redis:    rdb,
		notify:   make(chan struct{}, 1),
		channels: make(map[string]Channel),
	}
}

// AddChannel registers (or replaces) a delivery channel by id.
func (r *Router) AddChannel(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[ch.ID()] = ch
}

// RemoveChannel deregisters a channel by id.
func (r *Router) RemoveChannel(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.channels, id)
}

// Channels returns a snapshot of currently registered channels.
func (r *Router) Channels() []Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Channel, 0, len(r.channels))
	for _, c := range r.channels {
		out = append(out, c)
	}
	return out
}

// Start launches the W-worker dispatch pool.
func (r *Router) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	workers := r.cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.worker(ctx)
	}
}

// Stop keeps workers draining the pending queue for up to ShutdownGraceMS,
// then cancels them and discards whatever is left unsent.
func (r *Router) Stop() {
	r.drain(time.Duration(r.cfg.ShutdownGraceMS) * time.Millisecond)
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// drain blocks, while workers keep consuming the queue under their own
// context, until either the queue empties or grace elapses.
func (r *Router) drain(grace time.Duration) {
	if grace <= 0 {
		return
	}
	deadline := time.Now().Add(grace)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		if atomic.LoadInt64(&r.pending) == 0 {
			return
		}
		<-ticker.C
	}
}

// Dispatch enqueues evt for delivery.
func (r *Router) Dispatch(ctx context.Context, evt contracts.AlarmEvent) error {
	r.mu.Lock()
	r.seq++
	heap.Push(&r.queue, &pqItem{evt: evt, seq: r.seq})
	r.mu.Unlock()
	atomic.AddInt64(&r.pending, 1)
	select {
	case r.notify <- struct{}{}:
	default:
	}
	return nil
}

// TestFire submits a synthetic alarm through the same dispatch path with
// test_mode=true.
func (r *Router) TestFire(ctx context.Context, eventType string, cameraID contracts.CameraID) error {
	return r.Dispatch(ctx, contracts.AlarmEvent{
		EventID:      "test-" + eventType,
		CameraID:     cameraID,
		Kind:         eventType,
		Priority:     1,
		CaptureTS:    time.Now(),
		SubmissionTS: time.Now(),
		TestMode:     true,
	})
}

func (r *Router) pop() (*pqItem, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.queue.Len() == 0 {
		return nil, false
	}
	item := heap.Pop(&r.queue).(*pqItem)
	return item, true
}

func (r *Router) worker(ctx context.Context) {
	defer r.wg.Done()
	for {
		item, ok := r.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-r.notify:
				continue
			case <-time.After(200 * time.Millisecond):
				continue
			}
		}
		r.deliver(ctx, item.evt)
	}
}

func (r *Router) deliver(ctx context.Context, evt contracts.AlarmEvent) {
	start := time.Now()
	channels := r.Channels()

	var wg sync.WaitGroup
	results := make([]bool, len(channels))
	for i, ch := range channels {
		if !ch.Enabled() {
			continue
		}
		wg.Add(1)
		go func(i int, ch Channel) {
			defer wg.Done()
			results[i] = r.sendWithRetry(ctx, ch, evt)
		}(i, ch)
	}
	wg.Wait()

	succeeded, attempted := 0, 0
	for i, ch := range channels {
		if !ch.Enabled() {
			continue
		}
		attempted++
		if results[i] {
			succeeded++
		}
	}

	elapsedMs := time.Since(start).Milliseconds()
	atomic.AddInt64(&r.pending, -1)
	atomic.AddInt64(&r.totalMs, elapsedMs)
	atomic.AddInt64(&r.countMs, 1)

	var status contracts.DeliveryStatus
	switch {
	case attempted == 0:
		status = contracts.StatusFailed
	case succeeded == attempted:
		status = contracts.StatusDelivered
	case succeeded > 0:
		status = contracts.StatusPartial
	default:
		status = contracts.StatusFailed
	}

	if status == contracts.StatusFailed {
		atomic.AddInt64(&r.failed, 1)
	} else {
		atomic.AddInt64(&r.delivered, 1)
	}
	metrics.AlarmRouterDeliveredTotal.WithLabelValues(string(status)).Inc()

	r.mirrorStats(ctx)
}

func (r *Router) sendWithRetry(ctx context.Context, ch Channel, evt contracts.AlarmEvent) bool {
	cctx, cancel := context.WithTimeout(ctx, ch.Timeout())
	defer cancel()

	attempt := 0
	for {
		err := ch.Send(cctx, evt)
		if err == nil {
			return true
		}
		if attempt >= r.cfg.RetryMax {
			log.Printf("alarmrouter: channel %s giving up after %d attempts: %v", ch.ID(), attempt+1, err)
			return false
		}
		backoff := r.backoffFor(attempt)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		attempt++
	}
}

func (r *Router) backoffFor(attempt int) time.Duration {
	ms := float64(r.cfg.BackoffBaseMS) * math.Pow(2, float64(attempt))
	if ms > float64(r.cfg.BackoffMaxMS) {
		ms = float64(r.cfg.BackoffMaxMS)
	}
	return time.Duration(ms) * time.Millisecond
}

// Stats returns the router's current statistics.
func (r *Router) Stats() contracts.RouterStats {
	var avg float64
	count := atomic.LoadInt64(&r.countMs)
	if count > 0 {
		avg = float64(atomic.LoadInt64(&r.totalMs)) / float64(count)
	}
	return contracts.RouterStats{
		Pending:       atomic.LoadInt64(&r.pending),
		Delivered:     atomic.LoadInt64(&r.delivered),
		Failed:        atomic.LoadInt64(&r.failed),
		AvgDeliveryMs: avg,
	}
}

// mirrorStats writes a snapshot of the counters to Redis for external
// observers, mirroring the teacher's pipelined-write idiom. A nil client
// or Redis error never fails delivery.
func (r *Router) mirrorStats(ctx context.Context) {
	if r.redis == nil {
		return
	}
	s := r.Stats()
	pipe := r.redis.Pipeline()
	pipe.Set(ctx, "alarmrouter:stats:pending", s.Pending, time.Hour)
	pipe.Set(ctx, "alarmrouter:stats:delivered", s.Delivered, time.Hour)
	pipe.Set(ctx, "alarmrouter:stats:failed", s.Failed, time.Hour)
	pipe.Set(ctx, "alarmrouter:stats:avg_delivery_ms", s.AvgDeliveryMs, time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("alarmrouter: redis stats mirror failed: %v", err)
	}
}
