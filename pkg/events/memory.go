package events

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"

	"github.com/fnplane/fnplane/pkg/engine"
)

// MemoryBus is an in-process Bus. Each key hashes to one lane and each lane
// is drained by one goroutine, which gives per-key ordering.
type MemoryBus struct {
	opts  Options
	lanes []chan engine.LifecycleEvent

	mu         sync.RWMutex
	closed     bool
	subscribed bool
	done       chan struct{}
	closeOnce  sync.Once
}

// NewMemoryBus creates a bus with the given number of lanes and per-lane
// buffer size.
func NewMemoryBus(lanes, buffer int, opts Options) *MemoryBus {
	if lanes <= 0 {
		lanes = 1
	}
	if buffer <= 0 {
		buffer = 64
	}
	b := &MemoryBus{
		opts:  opts.withDefaults(),
		lanes: make([]chan engine.LifecycleEvent, lanes),
		done:  make(chan struct{}),
	}
	for i := range b.lanes {
		b.lanes[i] = make(chan engine.LifecycleEvent, buffer)
	}
	return b
}

func (b *MemoryBus) lane(key string) chan engine.LifecycleEvent {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return b.lanes[h.Sum32()%uint32(len(b.lanes))]
}

// Publish enqueues ev on its key's lane, blocking while the lane is full.
func (b *MemoryBus) Publish(ctx context.Context, ev engine.LifecycleEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	select {
	case b.lane(ev.Key()) <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return ErrClosed
	}
}

// Subscribe drains every lane into h until ctx is cancelled or the bus is
// closed. Only one subscriber is allowed.
func (b *MemoryBus) Subscribe(ctx context.Context, h Handler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.subscribed {
		b.mu.Unlock()
		return errors.New("memory bus already has a subscriber")
	}
	b.subscribed = true
	b.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-b.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	var wg sync.WaitGroup
	for _, lane := range b.lanes {
		wg.Add(1)
		go func(lane chan engine.LifecycleEvent) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-b.done:
					return
				case ev := <-lane:
					deliver(ctx, b.opts, h, ev)
				}
			}
		}(lane)
	}
	wg.Wait()
	return nil
}

// Close stops delivery and wakes blocked publishers. Buffered events are
// discarded.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	b.closeOnce.Do(func() { close(b.done) })
	return nil
}
