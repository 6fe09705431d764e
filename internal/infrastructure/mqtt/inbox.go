package mqtt

import (
	"sync"

	"github.com/nerrad567/sparkplug-core/internal/sparkplug"
)

// inbox is an unbounded FIFO between paho's delivery goroutine and the
// session worker. push never blocks, so a slow consumer cannot stall the
// network reader and delay keepalives.
type inbox struct {
	mu     sync.Mutex
	items  []sparkplug.InboundEvent
	closed bool

	signal   chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	out      chan sparkplug.InboundEvent
}

func newInbox() *inbox {
	q := &inbox{
		signal: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		out:    make(chan sparkplug.InboundEvent),
	}
	go q.pump()
	return q
}

// push appends ev. It reports false once the inbox is closed.
func (q *inbox) push(ev sparkplug.InboundEvent) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()
	q.wake()
	return true
}

// close stops accepting events. A non-nil err is queued as the terminal
// event behind everything already pushed.
func (q *inbox) close(err error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	if err != nil {
		q.items = append(q.items, sparkplug.InboundEvent{Err: err})
	}
	q.mu.Unlock()
	q.wake()
}

// halt drops whatever is still queued and closes out promptly.
func (q *inbox) halt() {
	q.close(nil)
	q.stopOnce.Do(func() { close(q.stop) })
}

func (q *inbox) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *inbox) pump() {
	defer close(q.out)
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-q.signal:
				continue
			case <-q.stop:
				return
			}
		}
		ev := q.items[0]
		q.items[0] = sparkplug.InboundEvent{}
		q.items = q.items[1:]
		q.mu.Unlock()

		select {
		case q.out <- ev:
		case <-q.stop:
			return
		}
	}
}

// len returns the number of events not yet handed to the consumer.
func (q *inbox) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
