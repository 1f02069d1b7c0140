package queue

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tallenb/remedy/internal/models"
)

const drainPollInterval = 5 * time.Second

// StoreHealth reports whether the persistent store is reachable.
type StoreHealth interface {
	Ping(ctx context.Context) error
}

// Handler processes one drained alert end to end.
type Handler func(ctx context.Context, alert models.Alert)

// Drainer empties the queue in FIFO order once the store becomes reachable
// again. One drainer runs per process.
type Drainer struct {
	queue   *Queue
	store   StoreHealth
	handler Handler
}

// NewDrainer creates a Drainer.
func NewDrainer(q *Queue, store StoreHealth, handler Handler) *Drainer {
	return &Drainer{queue: q, store: store, handler: handler}
}

// Run polls until the context is cancelled. While the queue is non-empty
// and the store answers a ping, entries are drained oldest first.
func (d *Drainer) Run(ctx context.Context) {
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.drainOnce(ctx)
		}
	}
}

func (d *Drainer) drainOnce(ctx context.Context) {
	if d.queue.Len() == 0 {
		return
	}
	if err := d.store.Ping(ctx); err != nil {
		log.Debug().Err(err).Int("queued", d.queue.Len()).Msg("Store still unreachable, holding queue")
		return
	}

	drained := 0
	for {
		entry, ok := d.queue.Pop()
		if !ok {
			break
		}
		d.handler(ctx, entry.Alert)
		drained++

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
	if drained > 0 {
		log.Info().Int("drained", drained).Msg("Queue drained after store recovery")
	}
}
