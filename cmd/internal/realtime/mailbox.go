package realtime

import "sync"

// mailbox is an unbounded FIFO of closures with a level-triggered signal.
// push never blocks, so transport goroutines and timers can always post.
type mailbox struct {
	mu     sync.Mutex
	queue  []func()
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

func (b *mailbox) push(fn func()) {
	b.mu.Lock()
	b.queue = append(b.queue, fn)
	b.mu.Unlock()

	select {
	case b.signal <- struct{}{}:
	default:
	}
}

func (b *mailbox) drain() []func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue
	b.queue = nil
	return q
}

// serve runs queued closures in order until quit is closed. Closures already
// queued when quit closes are still run.
func (b *mailbox) serve(quit <-chan struct{}) {
	for {
		select {
		case <-b.signal:
			for _, fn := range b.drain() {
				fn()
			}
		case <-quit:
			for _, fn := range b.drain() {
				fn()
			}
			return
		}
	}
}
