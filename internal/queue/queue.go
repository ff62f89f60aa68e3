// Package queue holds serialized frames waiting to be broadcast.
package queue

import (
	"context"
	"log/slog"
	"sync"

	"channel/pkg/frame"
)

// Batch is one or more queued frames merged into a single frame.
type Batch struct {
	Data     []byte // header + concatenated payloads
	Messages int    // number of queued frames merged into Data
}

// Queue is a FIFO of encoded frames shared by one producer and the
// broadcaster. All state is guarded by mu; cond is broadcast whenever the
// queue changes between empty and non-empty or when the queue is stopped.
type Queue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	entries  [][]byte
	capacity int
	stopped  bool
	log      *slog.Logger
}

// New creates a queue. capacity only applies to Enqueue calls with drop set.
func New(capacity int, log *slog.Logger) *Queue {
	if log == nil {
		log = slog.Default()
	}
	q := &Queue{capacity: capacity, log: log}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends an encoded frame. When drop is set and the queue holds
// more than its capacity afterwards, the oldest entries are evicted and
// returned. After Stop the entry itself is rejected and returned. Enqueue
// never blocks on consumers.
func (q *Queue) Enqueue(entry []byte, drop bool) (dropped [][]byte) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		q.log.Warn("Queue stopped, rejected message",
			"bytes", len(entry), "payload", string(frame.Payload(entry)))
		return [][]byte{entry}
	}
	q.entries = append(q.entries, entry)
	if drop {
		for len(q.entries) > q.capacity && len(q.entries) > 0 {
			dropped = append(dropped, q.entries[0])
			q.entries[0] = nil
			q.entries = q.entries[1:]
		}
	}
	q.mu.Unlock()
	q.cond.Broadcast()

	for _, d := range dropped {
		q.log.Debug("Queue full, dropped oldest message",
			"capacity", q.capacity, "bytes", len(d), "payload", string(frame.Payload(d)))
	}
	return dropped
}

// DrainUpTo removes entries from the front and merges them into one frame
// of at most maxBytes. The first entry is always taken, even when it alone
// exceeds maxBytes. It returns false when the queue is empty.
func (q *Queue) DrainUpTo(maxBytes int) (Batch, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return Batch{}, false
	}

	batch := Batch{Data: q.entries[0], Messages: 1}
	n := 1
	for n < len(q.entries) {
		next := frame.Payload(q.entries[n])
		if len(batch.Data)+len(next) > maxBytes {
			break
		}
		batch.Data = append(batch.Data, next...)
		batch.Messages++
		n++
	}
	if batch.Messages > 1 {
		frame.SetLength(batch.Data, uint64(len(batch.Data)-frame.HeaderSize))
	}

	clear(q.entries[:n])
	q.entries = q.entries[n:]
	if len(q.entries) == 0 {
		q.entries = nil
		q.cond.Broadcast()
	}
	return batch, true
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// IsEmpty reports whether the queue has no entries.
func (q *Queue) IsEmpty() bool { return q.Len() == 0 }

// WaitNotEmpty blocks until the queue has an entry or Stop was called. It
// returns false when stopped.
func (q *Queue) WaitNotEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.entries) == 0 && !q.stopped {
		q.cond.Wait()
	}
	return !q.stopped
}

// WaitEmpty blocks until the queue is empty, Stop was called or ctx is
// done. It returns ctx.Err() in the last case.
func (q *Queue) WaitEmpty(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.entries) > 0 && !q.stopped {
		if err := ctx.Err(); err != nil {
			return err
		}
		q.cond.Wait()
	}
	return nil
}

// Stop wakes all waiters and makes later Enqueue calls fail. It removes and
// returns the entries still queued; the caller reports them as dropped.
func (q *Queue) Stop() (left [][]byte) {
	q.mu.Lock()
	q.stopped = true
	left, q.entries = q.entries, nil
	q.mu.Unlock()
	q.cond.Broadcast()
	return left
}
