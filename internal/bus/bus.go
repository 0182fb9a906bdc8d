package bus

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultHistorySize = 1000

// Handler consumes one event. Handlers run on the emitter's goroutine; a
// panic inside a handler is recovered, logged, and does not stop delivery
// to the remaining handlers.
type Handler func(evt Event)

// Config controls Bus behavior.
//   - HistorySize: number of records retained for observability (default 1000).
//   - Logger: optional structured logger used for handler failures.
//   - Observer: optional callback invoked once per emitted event, before
//     delivery; used to feed metrics.
type Config struct {
	HistorySize int
	Logger      *zap.Logger
	Observer    func(Name)
}

// Bus fans events out to subscribers synchronously, in subscription order,
// and keeps a bounded ring of recent events. It is safe for concurrent use
// by the manager loops.
type Bus struct {
	mu       sync.Mutex
	subs     map[Name][]*subscription
	history  []Record
	nextID   int
	logger   *zap.Logger
	maxHist  int
	observer func(Name)
}

type subscription struct {
	id      int
	handler Handler
}

// New constructs a Bus ready for use.
func New(cfg Config) *Bus {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	size := cfg.HistorySize
	if size <= 0 {
		size = defaultHistorySize
	}
	return &Bus{
		subs:     make(map[Name][]*subscription),
		logger:   logger,
		maxHist:  size,
		observer: cfg.Observer,
	}
}

// Subscribe registers a handler for one event name and returns the
// corresponding unsubscribe function. Unsubscribing during an Emit is safe;
// the in-flight delivery still completes against the subscriber snapshot
// taken at emit time.
func (b *Bus) Subscribe(name Name, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscription{id: b.nextID, handler: handler}
	b.subs[name] = append(b.subs[name], sub)
	id := sub.id

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[name]
		for i, s := range subs {
			if s.id == id {
				b.subs[name] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Emit records the event and invokes every current subscriber for its name.
// It returns after all handlers have finished, so a manager's processing
// step keeps its ordering. Handler panics are contained per handler.
func (b *Bus) Emit(evt Event) {
	name := evt.EventName()

	if b.observer != nil {
		b.observer(name)
	}

	b.mu.Lock()
	b.history = append(b.history, Record{Event: name, Payload: evt, Timestamp: time.Now().UTC()})
	if len(b.history) > b.maxHist {
		b.history = b.history[len(b.history)-b.maxHist:]
	}
	snapshot := append([]*subscription(nil), b.subs[name]...)
	b.mu.Unlock()

	b.logger.Debug("emitting event", zap.String("event", string(name)), zap.Int("subscribers", len(snapshot)))

	for _, sub := range snapshot {
		b.deliver(name, sub, evt)
	}
}

func (b *Bus) deliver(name Name, sub *subscription, evt Event) {
	defer func() {
		if rec := recover(); rec != nil {
			b.logger.Error("event handler panicked",
				zap.String("event", string(name)),
				zap.Any("panic", rec),
			)
		}
	}()
	sub.handler(evt)
}

// History returns up to limit of the most recent records, oldest first.
func (b *Bus) History(limit int) []Record {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Record, n)
	copy(out, b.history[len(b.history)-n:])
	return out
}

// SubscriberCount reports the current number of handlers for an event name.
func (b *Bus) SubscriberCount(name Name) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[name])
}
