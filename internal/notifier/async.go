package notifier

import (
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrQueueFull is returned by Async.Send when the delivery queue is saturated.
var ErrQueueFull = errors.New("notification queue full")

// ErrClosed is returned by Async.Send after Close.
var ErrClosed = errors.New("notification queue closed")

// Async hands reports to a background goroutine so callers never wait on the network.
type Async struct {
	next    Sink
	queue   chan string
	logger  *zap.Logger
	onError func(error)

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewAsync starts the delivery goroutine. onError may be nil.
func NewAsync(next Sink, size int, logger *zap.Logger, onError func(error)) *Async {
	if logger == nil {
		logger = zap.NewNop()
	}
	if size <= 0 {
		size = 32
	}
	a := &Async{
		next:    next,
		queue:   make(chan string, size),
		logger:  logger,
		onError: onError,
		done:    make(chan struct{}),
	}
	go a.loop()
	return a
}

func (a *Async) loop() {
	defer close(a.done)
	for text := range a.queue {
		if err := a.next.Send(text); err != nil {
			a.logger.Warn("report delivery failed", zap.Error(err))
			if a.onError != nil {
				a.onError(err)
			}
		}
	}
}

// Send enqueues text without blocking.
func (a *Async) Send(text string) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	select {
	case a.queue <- text:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting reports and waits until the queued ones are delivered.
func (a *Async) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()
	<-a.done
}
