// Package pump decouples "a notification arrived from a backend" from "the
// notification has been handled", bounding memory under a slow consumer.
// High-priority items are never dropped; Regular items are evicted
// oldest-first once their lane is full.
package pump

import (
	"context"
	"encoding/json"
	"sync"

	"pkt.systems/pslog"

	"github.com/dshills/loom/internal/protocol"
	"github.com/dshills/loom/internal/telemetry"
)

// DefaultRegularCapacity bounds the Regular lane when no capacity is
// configured.
const DefaultRegularCapacity = 64

// Item is one queued backend notification.
type Item struct {
	Method   string
	Params   json.RawMessage
	Priority protocol.Priority
}

// Handler consumes one item. Handlers never run concurrently with each
// other; per-backend notification order is preserved for survivors.
type Handler func(ctx context.Context, item Item)

// DropFunc is invoked with a Regular item evicted by backpressure.
type DropFunc func(Item)

// Pump is a two-lane single-consumer queue. Producers never block: Enqueue
// is synchronous and bounded-time regardless of consumer progress.
type Pump struct {
	handler  Handler
	capacity int
	logger   pslog.Logger
	metrics  *telemetry.Metrics

	mu          sync.Mutex
	high        []Item
	regular     []Item
	highPeak    int
	regularPeak int
	dropped     int
	closed      bool

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Pump.
type Option func(*Pump)

// WithRegularCapacity sets the Regular lane's fixed capacity.
func WithRegularCapacity(n int) Option {
	return func(p *Pump) {
		if n > 0 {
			p.capacity = n
		}
	}
}

// WithLogger sets the pump logger.
func WithLogger(l pslog.Logger) Option {
	return func(p *Pump) { p.logger = l }
}

// WithMetrics wires telemetry gauges into the pump.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(p *Pump) { p.metrics = m }
}

// New creates a pump and starts its consumer loop.
func New(handler Handler, opts ...Option) *Pump {
	p := &Pump{
		handler:  handler,
		capacity: DefaultRegularCapacity,
		logger:   pslog.NoopLogger(),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	go p.run()
	return p
}

// Enqueue adds an item. High items always queue. A Regular item arriving at
// a full lane evicts the oldest queued Regular item, which is reported to
// onDropped (may be nil). Enqueue never waits on the consumer.
func (p *Pump) Enqueue(item Item, onDropped DropFunc) {
	var evicted *Item

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if item.Priority == protocol.PriorityHigh {
		p.high = append(p.high, item)
		if len(p.high) > p.highPeak {
			p.highPeak = len(p.high)
		}
	} else {
		if len(p.regular) >= p.capacity {
			old := p.regular[0]
			p.regular = append(p.regular[:0], p.regular[1:]...)
			p.dropped++
			evicted = &old
		}
		p.regular = append(p.regular, item)
		if len(p.regular) > p.regularPeak {
			p.regularPeak = len(p.regular)
		}
	}
	p.updateGaugesLocked()
	p.mu.Unlock()

	if evicted != nil {
		p.logger.Warn("pump.drop", "method", evicted.Method)
		if p.metrics != nil {
			p.metrics.PumpDropped.Inc()
		}
		if onDropped != nil {
			onDropped(*evicted)
		}
	}

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// run is the single consumer loop. The High lane drains ahead of Regular
// whenever both are non-empty.
func (p *Pump) run() {
	defer close(p.done)
	for {
		item, ok := p.next()
		if !ok {
			select {
			case <-p.ctx.Done():
				return
			case <-p.wake:
				continue
			}
		}
		select {
		case <-p.ctx.Done():
			return
		default:
		}
		p.invoke(item)
	}
}

// next pops the highest-priority queued item.
func (p *Pump) next() (Item, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var item Item
	switch {
	case len(p.high) > 0:
		item = p.high[0]
		p.high = append(p.high[:0], p.high[1:]...)
	case len(p.regular) > 0:
		item = p.regular[0]
		p.regular = append(p.regular[:0], p.regular[1:]...)
	default:
		return Item{}, false
	}
	p.updateGaugesLocked()
	return item, true
}

// invoke runs the handler for one item, containing panics so a broken
// handler never stops the loop.
func (p *Pump) invoke(item Item) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("pump.handler.panic", "method", item.Method, "panic", r)
		}
	}()
	p.handler(p.ctx, item)
}

func (p *Pump) updateGaugesLocked() {
	if p.metrics == nil {
		return
	}
	p.metrics.PumpDepth.WithLabelValues("high").Set(float64(len(p.high)))
	p.metrics.PumpDepth.WithLabelValues("regular").Set(float64(len(p.regular)))
	p.metrics.PumpPeak.WithLabelValues("high").Set(float64(p.highPeak))
	p.metrics.PumpPeak.WithLabelValues("regular").Set(float64(p.regularPeak))
}

// Close cancels the consumer loop and drains both lanes without invoking
// handlers. It waits for an in-flight handler to return.
func (p *Pump) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.done
		return
	}
	p.closed = true
	p.high = nil
	p.regular = nil
	p.updateGaugesLocked()
	p.mu.Unlock()

	p.cancel()
	<-p.done
}

// Stats is a point-in-time snapshot of queue depths for diagnosing
// backpressure in the field.
type Stats struct {
	HighDepth    int
	RegularDepth int
	HighPeak     int
	RegularPeak  int
	Dropped      int
}

// Stats returns current and peak lane depths plus the total drop count.
func (p *Pump) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		HighDepth:    len(p.high),
		RegularDepth: len(p.regular),
		HighPeak:     p.highPeak,
		RegularPeak:  p.regularPeak,
		Dropped:      p.dropped,
	}
}
