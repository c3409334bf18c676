package session

import (
	"context"

	"github.com/neuroplastio/keysync/keyapi"
	"go.uber.org/atomic"
)

// dropQueue is a bounded queue that discards its oldest entry when full.
// It has a single producer.
type dropQueue struct {
	ch      chan keyapi.KeyAction
	dropped *atomic.Uint64
}

func newDropQueue(size int, dropped *atomic.Uint64) *dropQueue {
	if size < 1 {
		size = 1
	}
	return &dropQueue{
		ch:      make(chan keyapi.KeyAction, size),
		dropped: dropped,
	}
}

func (q *dropQueue) push(a keyapi.KeyAction) {
	for {
		select {
		case q.ch <- a:
			return
		default:
		}
		select {
		case <-q.ch:
			q.dropped.Inc()
		default:
		}
	}
}

func (q *dropQueue) pop(ctx context.Context) (keyapi.KeyAction, error) {
	select {
	case <-ctx.Done():
		return keyapi.KeyAction{}, ctx.Err()
	case a := <-q.ch:
		return a, nil
	}
}

// clear discards everything queued and returns how many entries were dropped.
func (q *dropQueue) clear() int {
	n := 0
	for {
		select {
		case <-q.ch:
			n++
		default:
			q.dropped.Add(uint64(n))
			return n
		}
	}
}

func (q *dropQueue) len() int {
	return len(q.ch)
}
