package encoder

import (
	"sync/atomic"
	"time"
)

// queueCapacity bounds the encoded chunks waiting for the pump.
const queueCapacity = 120

// chunkQueue is a bounded FIFO of encoded chunks with a single producer.
// When full, the oldest chunk is discarded to admit the newest: the
// container resynchronizes at the next fragment, so fresh data is worth
// more than complete data.
type chunkQueue struct {
	ch      chan []byte
	dropped atomic.Int64
}

func newChunkQueue(capacity int) *chunkQueue {
	return &chunkQueue{ch: make(chan []byte, capacity)}
}

func (q *chunkQueue) push(b []byte) {
	for {
		select {
		case q.ch <- b:
			return
		default:
		}
		select {
		case <-q.ch:
			q.dropped.Add(1)
		default:
		}
	}
}

func (q *chunkQueue) pop(timeout time.Duration) ([]byte, bool) {
	select {
	case b := <-q.ch:
		return b, true
	default:
	}
	if timeout <= 0 {
		return nil, false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case b := <-q.ch:
		return b, true
	case <-timer.C:
		return nil, false
	}
}

func (q *chunkQueue) depth() int {
	return len(q.ch)
}
