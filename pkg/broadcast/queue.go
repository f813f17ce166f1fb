package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/logging"
	"github.com/harunnryd/callbridge/pkg/metrics"
)

const defaultIdleWait = 10 * time.Millisecond

type item struct {
	msg     []byte
	targets []Conn
}

type QueueOptions struct {
	// IdleWait bounds how long the worker sleeps when nothing signals it.
	IdleWait time.Duration
	Observer metrics.Observer
}

// Queue is the ordered delivery path for high-frequency events. Producers
// never block; a single worker delivers items in FIFO order.
type Queue struct {
	mu    sync.Mutex
	items []item
	wake  chan struct{}

	idle time.Duration
	obs  metrics.Observer
	log  *slog.Logger
}

func NewQueue(opts QueueOptions) *Queue {
	if opts.IdleWait <= 0 {
		opts.IdleWait = defaultIdleWait
	}
	if opts.Observer == nil {
		opts.Observer = metrics.NoopObserver{}
	}
	return &Queue{
		wake: make(chan struct{}, 1),
		idle: opts.IdleWait,
		obs:  opts.Observer,
		log:  logging.NewComponentLogger(slog.Default(), "broadcast_queue"),
	}
}

// Enqueue appends msg for delivery to targets. The target list is captured
// now, so observers that join later do not see it.
func (q *Queue) Enqueue(msg []byte, targets []Conn) {
	if msg == nil || len(targets) == 0 {
		return
	}
	q.mu.Lock()
	q.items = append(q.items, item{msg: msg, targets: targets})
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) pop() (item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return item{}, false
	}
	it := q.items[0]
	q.items[0] = item{}
	q.items = q.items[1:]
	return it, true
}

// Run is the single consumer. It returns after ctx is cancelled and the
// items already queued have been delivered.
func (q *Queue) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.idle)
	defer ticker.Stop()
	q.log.Info("broadcast_queue_started")
	for {
		if it, ok := q.pop(); ok {
			q.deliver(it)
			continue
		}
		select {
		case <-ctx.Done():
			q.flush()
			q.log.Info("broadcast_queue_stopped")
			return nil
		case <-q.wake:
		case <-ticker.C:
		}
	}
}

func (q *Queue) flush() {
	for {
		it, ok := q.pop()
		if !ok {
			return
		}
		q.deliver(it)
	}
}

func (q *Queue) deliver(it item) {
	for _, c := range it.targets {
		if err := c.Send(it.msg); err != nil {
			q.log.Warn("broadcast_send_failed",
				"client_id", c.ID(),
				"reason_code", string(errorsx.ReasonBroadcastSend),
				"error", err.Error())
			metrics.Record(q.obs, metrics.EventBroadcastFailed, 1, map[string]string{"client_id": c.ID()})
			continue
		}
		metrics.Record(q.obs, metrics.EventBroadcastDelivered, 1, nil)
	}
}
