package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/five82/tether/internal/logging"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("bus closed")

const subscriberBuffer = 64

// Local fans messages out to in-process subscribers. Each subscriber has
// its own buffered queue and goroutine; a full queue drops the message for
// that subscriber only.
type Local struct {
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[uint64]*localSub
	nextID uint64
	closed bool
	wg     sync.WaitGroup
}

type localSub struct {
	id   uint64
	fn   Handler
	ch   chan Envelope
	once sync.Once
}

// NewLocal returns an empty in-process bus.
func NewLocal(logger *slog.Logger) *Local {
	return &Local{logger: logging.OrDefault(logger), subs: map[uint64]*localSub{}}
}

// Publish queues env for every subscriber without blocking.
func (l *Local) Publish(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}
	for _, sub := range l.subs {
		select {
		case sub.ch <- env:
		default:
			l.logger.Warn("bus subscriber queue full, dropping message",
				slog.String("type", string(env.Type)),
				slog.Uint64("subscriber", sub.id),
			)
		}
	}
	return nil
}

// Subscribe registers fn. Handler panics are recovered and logged.
func (l *Local) Subscribe(fn Handler) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || fn == nil {
		return func() {}
	}
	l.nextID++
	sub := &localSub{id: l.nextID, fn: fn, ch: make(chan Envelope, subscriberBuffer)}
	l.subs[sub.id] = sub

	l.wg.Add(1)
	go l.run(sub)

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if _, ok := l.subs[sub.id]; ok {
			delete(l.subs, sub.id)
			sub.stop()
		}
	}
}

// Close stops every subscriber goroutine and waits for them.
func (l *Local) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	for id, sub := range l.subs {
		delete(l.subs, id)
		sub.stop()
	}
	l.mu.Unlock()
	l.wg.Wait()
	return nil
}

func (l *Local) run(sub *localSub) {
	defer l.wg.Done()
	for env := range sub.ch {
		dispatch(l.logger, sub.fn, env)
	}
}

func (s *localSub) stop() {
	s.once.Do(func() { close(s.ch) })
}

// dispatch calls fn and contains its panics.
func dispatch(logger *slog.Logger, fn Handler, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("bus handler failed",
				slog.String("type", string(env.Type)),
				slog.String("id", env.ID),
				slog.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	fn(env)
}
