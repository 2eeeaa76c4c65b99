package emit

import (
	"context"
	"sync"
)

// DeliverFunc hands one record to the compute layer.
type DeliverFunc func(ctx context.Context, rec Record) error

// Buffer serializes delivery across every unit of the process. Records are
// queued, then whichever unit holds the replay lock delivers the whole
// queue one record at a time; each submitter waits for its own result.
type Buffer struct {
	replay sync.Mutex

	mu    sync.Mutex
	queue []*pending
}

type pending struct {
	ctx     context.Context
	rec     Record
	deliver DeliverFunc
	done    chan error
}

// NewBuffer returns an empty Buffer.
func NewBuffer() *Buffer { return &Buffer{} }

var (
	processBuffer     *Buffer
	processBufferOnce sync.Once
)

// ProcessBuffer returns the Buffer shared by every Sink of the process.
func ProcessBuffer() *Buffer {
	processBufferOnce.Do(func() { processBuffer = NewBuffer() })
	return processBuffer
}

// Submit queues rec and returns once it has been delivered.
func (b *Buffer) Submit(ctx context.Context, rec Record, deliver DeliverFunc) error {
	p := &pending{ctx: ctx, rec: rec, deliver: deliver, done: make(chan error, 1)}
	b.mu.Lock()
	b.queue = append(b.queue, p)
	b.mu.Unlock()

	b.Flush()
	return <-p.done
}

// Flush delivers everything queued.
func (b *Buffer) Flush() {
	b.replay.Lock()
	defer b.replay.Unlock()
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.mu.Unlock()
			return
		}
		p := b.queue[0]
		b.queue[0] = nil
		b.queue = b.queue[1:]
		b.mu.Unlock()

		p.done <- p.deliver(p.ctx, p.rec)
	}
}

// Len returns the number of queued records.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}
