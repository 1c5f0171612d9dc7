package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config controls buffering and batching for the Hub.
//   - BufferSize: capacity of the lane for droppable stages (default 4096).
//   - MaxBatchEvents: flush once this many events queue (default 1000).
//   - MaxBatchWait: longest a droppable event waits for a flush (default 500ms).
//   - SinkTimeout: per-sink timeout while flushing (default 10s).
//   - BaseContext: parent context passed to sink calls (defaults to context.Background()).
//   - Logger: optional structured logger used for warnings.
type Config struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	BaseContext    context.Context
	Logger         *zap.Logger
}

const (
	defaultBufferSize     = 4096
	defaultMaxBatchEvents = 1000
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropLogInterval       = 5 * time.Second
)

// Hub fans job lifecycle events out to sinks on a background goroutine.
//
// Events travel on two lanes. Enqueue and claim notices go through a bounded
// channel and are shed when it fills. Outcomes (done, failed, reclaimed) are
// appended to an unbounded list and trigger an immediate flush, so a sink
// always sees how every job ended. Before an outcome is flushed the hub drains
// whatever notices are already buffered, keeping a job's claim ahead of its
// result. Emit never blocks.
type Hub struct {
	cfg    Config
	sinks  []Sink
	logger *zap.Logger

	notices chan Event

	mu       sync.Mutex
	outcomes []Event
	wake     chan struct{}

	stopCh    chan struct{}
	doneCh    chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
	closeCtx  context.Context

	accepted   atomic.Int64
	dropped    atomic.Int64
	unlogged   atomic.Int64
	lastWarnNs atomic.Int64
}

// NewHub starts the flush goroutine and returns a Hub ready for Emit.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	h := newHub(cfg, sinks)
	go h.run()
	return h
}

func newHub(cfg Config, sinks []Sink) *Hub {
	return &Hub{
		cfg:     cfg,
		sinks:   append([]Sink(nil), sinks...),
		logger:  cfg.Logger,
		notices: make(chan Event, cfg.BufferSize),
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Emit hands evt to the flush goroutine. Invalid events and events emitted
// after Close are discarded.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	if !evt.Stage.Droppable() {
		h.mu.Lock()
		h.outcomes = append(h.outcomes, evt)
		h.mu.Unlock()
		h.accepted.Add(1)
		select {
		case h.wake <- struct{}{}:
		default:
		}
		return
	}
	select {
	case h.notices <- evt:
		h.accepted.Add(1)
	default:
		h.shed(evt)
	}
}

func (h *Hub) shed(evt Event) {
	h.dropped.Add(1)
	h.unlogged.Add(1)
	now := time.Now().UnixNano()
	last := h.lastWarnNs.Load()
	if now-last < dropLogInterval.Nanoseconds() || !h.lastWarnNs.CompareAndSwap(last, now) {
		return
	}
	h.logger.Warn("progress notices dropped due to backpressure",
		zap.Int64("dropped", h.unlogged.Swap(0)),
		zap.String("stage", string(evt.Stage)),
	)
}

// Stats reports lifetime event counters.
type Stats struct {
	Accepted int64 `json:"accepted"`
	Dropped  int64 `json:"dropped"`
	Sinks    int   `json:"sinks"`
}

// Stats returns how many events were accepted and dropped since start.
func (h *Hub) Stats() Stats {
	if h == nil {
		return Stats{}
	}
	return Stats{Accepted: h.accepted.Load(), Dropped: h.dropped.Load(), Sinks: len(h.sinks)}
}

// Close flushes everything accepted so far, closes the sinks and waits for
// the flush goroutine, bounded by ctx. Repeated calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.doneCh)
	var (
		batch []Event
		timer *time.Timer
		due   <-chan time.Time
	)
	flush := func() {
		if timer != nil {
			timer.Stop()
			timer, due = nil, nil
		}
		h.flush(batch)
		batch = nil
	}
	for {
		select {
		case evt := <-h.notices:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents {
				flush()
			} else if timer == nil {
				timer = time.NewTimer(h.cfg.MaxBatchWait)
				due = timer.C
			}
		case <-due:
			timer, due = nil, nil
			h.flush(batch)
			batch = nil
		case <-h.wake:
			batch = h.drainNotices(batch)
			batch = append(batch, h.takeOutcomes()...)
			flush()
		case <-h.stopCh:
			batch = h.drainNotices(batch)
			batch = append(batch, h.takeOutcomes()...)
			flush()
			h.closeSinks()
			return
		}
	}
}

func (h *Hub) drainNotices(batch []Event) []Event {
	for {
		select {
		case evt := <-h.notices:
			batch = append(batch, evt)
		default:
			return batch
		}
	}
}

func (h *Hub) takeOutcomes() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.outcomes
	h.outcomes = nil
	return out
}

// flush hands batch to every sink in chunks of at most MaxBatchEvents.
func (h *Hub) flush(batch []Event) {
	for len(batch) > 0 {
		n := min(len(batch), h.cfg.MaxBatchEvents)
		chunk := append([]Event(nil), batch[:n]...)
		batch = batch[n:]
		for _, sink := range h.sinks {
			if sink == nil {
				continue
			}
			ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
			if err := sink.Consume(ctx, chunk); err != nil {
				h.logger.Warn("progress sink consume failed", zap.Error(err))
			}
			cancel()
		}
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}
