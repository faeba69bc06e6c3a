package event

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Payload is one emitted event. Type must be fully concrete: a Structured
// matcher with empty dimension values cannot be dispatched.
type Payload struct {
	Type          Matcher
	Data          any
	Timestamp     time.Time
	EntityName    string
	CorrelationID string
	Context       map[string]any
}

// ListenerFunc handles one dispatched payload. Errors are logged by the
// dispatcher and never propagate to the emitting call.
type ListenerFunc func(ctx context.Context, p Payload) error

type listener struct {
	seq   int
	fn    ListenerFunc
	async bool
}

// ListenerOption configures a registration.
type ListenerOption func(*listener)

// Async marks the listener fire-and-forget: Dispatch does not await it.
// Use Dispatcher.Drain to wait for outstanding async listeners to settle.
func Async() ListenerOption {
	return func(l *listener) { l.async = true }
}

// Dispatcher routes payloads to registered listeners. Registration and
// unregistration are safe between dispatches; true parallel use is not a
// design goal here.
type Dispatcher struct {
	mu        sync.Mutex
	seq       int
	listeners map[string][]*listener
	wg        sync.WaitGroup
	log       *zap.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger used for listener failures.
func WithLogger(log *zap.Logger) Option {
	return func(d *Dispatcher) { d.log = log }
}

func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		listeners: make(map[string][]*listener),
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register subscribes fn under the given matcher and returns an unregister
// func. Listeners fire in registration order.
func (d *Dispatcher) Register(m Matcher, fn ListenerFunc, opts ...ListenerOption) func() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.seq++
	l := &listener{seq: d.seq, fn: fn}
	for _, opt := range opts {
		opt(l)
	}
	key := m.registrationKey()
	d.listeners[key] = append(d.listeners[key], l)

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		ls := d.listeners[key]
		for i, cand := range ls {
			if cand == l {
				d.listeners[key] = append(ls[:i:i], ls[i+1:]...)
				return
			}
		}
	}
}

// Dispatch delivers the payload to every matching listener. Synchronous
// listeners run in registration order, each awaited before the next;
// asynchronous listeners run in goroutines that Dispatch does not await.
// Listener errors and panics are isolated: they are logged and do not stop
// delivery to the remaining listeners.
func (d *Dispatcher) Dispatch(ctx context.Context, p Payload) error {
	if p.Type == nil {
		return fmt.Errorf("event payload has no type")
	}
	if s, ok := p.Type.(Structured); ok && !s.Concrete() {
		return fmt.Errorf("emitted structured matcher must be fully concrete: %v", s)
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now()
	}

	for _, l := range d.match(p.Type) {
		if l.async {
			d.wg.Add(1)
			go func(l *listener) {
				defer d.wg.Done()
				d.run(ctx, l, p)
			}(l)
			continue
		}
		d.run(ctx, l, p)
	}
	return nil
}

// Drain blocks until all outstanding asynchronous listeners have settled.
func (d *Dispatcher) Drain() {
	d.wg.Wait()
}

func (d *Dispatcher) run(ctx context.Context, l *listener, p Payload) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("event listener panicked",
				zap.Any("panic", r),
				zap.String("entity", p.EntityName),
				zap.String("correlationId", p.CorrelationID))
		}
	}()
	if err := l.fn(ctx, p); err != nil {
		d.log.Error("event listener failed",
			zap.Error(err),
			zap.String("entity", p.EntityName),
			zap.String("correlationId", p.CorrelationID))
	}
}

// match collects the listeners for a matcher in registration order: wildcard
// listeners always, the exact key for global events, and every dimension
// subset for structured events.
func (d *Dispatcher) match(m Matcher) []*listener {
	d.mu.Lock()
	defer d.mu.Unlock()

	keys := []string{string(Wildcard)}
	switch t := m.(type) {
	case Structured:
		keys = append(keys, subsetKeys(t)...)
	default:
		// dispatching the wildcard itself must not double up its key
		if key := m.registrationKey(); key != string(Wildcard) {
			keys = append(keys, key)
		}
	}

	var matched []*listener
	for _, key := range keys {
		matched = append(matched, d.listeners[key]...)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].seq < matched[j].seq })
	return matched
}
