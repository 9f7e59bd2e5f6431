package call

import (
	"context"
	"log/slog"
	"sync"

	"randomtalk/backend/internal/models"
)

// outbox appends local candidates to the store one at a time, in the order
// the connection produced them. Candidates gathered before start are held
// until the room exists.
type outbox struct {
	ctx     context.Context
	write   func(context.Context, models.ICECandidate) error
	written func()
	log     *slog.Logger

	mu        sync.Mutex
	queue     []models.ICECandidate
	signal    chan struct{}
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

func newOutbox(ctx context.Context, write func(context.Context, models.ICECandidate) error, written func(), log *slog.Logger) *outbox {
	return &outbox{
		ctx:     ctx,
		write:   write,
		written: written,
		log:     log,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (o *outbox) push(c models.ICECandidate) {
	o.mu.Lock()
	select {
	case <-o.done:
		o.mu.Unlock()
		return
	default:
	}
	o.queue = append(o.queue, c)
	o.mu.Unlock()

	select {
	case o.signal <- struct{}{}:
	default:
	}
}

func (o *outbox) start() {
	o.startOnce.Do(func() { go o.run() })
}

func (o *outbox) stop() {
	o.stopOnce.Do(func() { close(o.done) })
}

func (o *outbox) run() {
	for {
		o.mu.Lock()
		if len(o.queue) == 0 {
			o.mu.Unlock()
			select {
			case <-o.signal:
				continue
			case <-o.done:
				return
			case <-o.ctx.Done():
				return
			}
		}
		c := o.queue[0]
		o.queue = o.queue[1:]
		o.mu.Unlock()

		if err := o.write(o.ctx, c); err != nil {
			if o.ctx.Err() != nil {
				return
			}
			o.log.Warn("failed to relay local candidate", "error", err)
			continue
		}
		if o.written != nil {
			o.written()
		}
	}
}
