package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

const sendTimeout = 5 * time.Second

type job struct {
	kind string
	run  func(ctx context.Context) error
}

// Async hands notifications to a fixed pool of workers. Enqueueing never
// blocks; when the queue is full the notification is dropped.
type Async struct {
	next   Notifier
	logger *zap.Logger
	queue  chan job
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewAsync(next Notifier, workers, queueSize int, logger *zap.Logger) *Async {
	if logger == nil {
		logger = zap.NewNop()
	}
	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	a := &Async{next: next, logger: logger, queue: make(chan job, queueSize)}
	for i := 0; i < workers; i++ {
		a.wg.Add(1)
		go a.work()
	}
	return a
}

func (a *Async) work() {
	defer a.wg.Done()
	for j := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		if err := j.run(ctx); err != nil {
			observability.NotificationsFailed.WithLabelValues(j.kind).Inc()
			a.logger.Warn("notify_failed", zap.String("kind", j.kind), zap.Error(err))
		}
		cancel()
	}
}

func (a *Async) enqueue(j job) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		observability.NotificationsFailed.WithLabelValues(j.kind).Inc()
		a.logger.Warn("notify_after_close", zap.String("kind", j.kind))
		return nil
	}
	select {
	case a.queue <- j:
	default:
		observability.NotificationsFailed.WithLabelValues(j.kind).Inc()
		a.logger.Warn("notify_dropped", zap.String("kind", j.kind))
	}
	return nil
}

func (a *Async) SendRideConfirmation(_ context.Context, r *models.Ride) error {
	ride := *r
	return a.enqueue(job{kind: KindConfirmation, run: func(ctx context.Context) error {
		return a.next.SendRideConfirmation(ctx, &ride)
	}})
}

func (a *Async) SendRideUpdate(_ context.Context, r *models.Ride, message string) error {
	ride := *r
	return a.enqueue(job{kind: KindUpdate, run: func(ctx context.Context) error {
		return a.next.SendRideUpdate(ctx, &ride, message)
	}})
}

func (a *Async) SendReceipt(_ context.Context, rc Receipt) error {
	return a.enqueue(job{kind: KindReceipt, run: func(ctx context.Context) error {
		return a.next.SendReceipt(ctx, rc)
	}})
}

// Close stops accepting work and waits for queued notifications to drain.
// Notifications sent after Close are dropped and logged.
func (a *Async) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	a.wg.Wait()
}
