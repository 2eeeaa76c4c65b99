package vtq

import (
	"context"
	"sync/atomic"

	"github.com/hazyhaar/ediscovery/emit"
)

// Publisher is the emit.Output of a process running in distributed mode:
// every record goes to the queue instead of the result store.
type Publisher struct {
	q         *Queue
	published atomic.Int64
	signals   atomic.Int64
}

// NewPublisher returns an output publishing to q.
func NewPublisher(q *Queue) *Publisher { return &Publisher{q: q} }

// Write implements emit.Output.
func (p *Publisher) Write(ctx context.Context, key string, rec emit.Record) error {
	rec.Key = key
	if err := p.q.Publish(ctx, rec); err != nil {
		return err
	}
	p.published.Add(1)
	return nil
}

// Progress implements emit.Output.
func (p *Publisher) Progress() { p.signals.Add(1) }

// Published is the number of records the queue accepted.
func (p *Publisher) Published() int64 { return p.published.Load() }

// Drain moves records from q into out until ctx ends. A lease completes
// only once out accepted its record.
func Drain(ctx context.Context, q *Queue, out emit.Output, batch, workers int) {
	q.Consume(ctx, batch, workers, func(ctx context.Context, l *Lease) error {
		if err := out.Write(ctx, l.Record.Key, l.Record); err != nil {
			return err
		}
		out.Progress()
		return nil
	})
}
