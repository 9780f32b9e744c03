package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/giggatek/reconciler/internal/jobs"
)

// ErrClosed is returned by Close when the dispatcher was already closed.
var ErrClosed = errors.New("notify: dispatcher closed")

// DispatcherConfig sizes the worker pool.
type DispatcherConfig struct {
	Workers     int
	QueueSize   int
	SendTimeout time.Duration
}

func (c *DispatcherConfig) setDefaults() {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 5 * time.Second
	}
}

// Dispatcher fans notifications out to a Sink from a fixed pool of workers.
type Dispatcher struct {
	sink    Sink
	cfg     DispatcherConfig
	metrics *jobs.Metrics
	logger  *slog.Logger

	queue chan Notification
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewDispatcher starts cfg.Workers goroutines draining the queue. metrics may be nil.
func NewDispatcher(sink Sink, cfg DispatcherConfig, metrics *jobs.Metrics, logger *slog.Logger) *Dispatcher {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		sink:    sink,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
		queue:   make(chan Notification, cfg.QueueSize),
	}
	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Enqueue queues n without blocking. It reports false when the queue is full
// or the dispatcher is closed; the notification is dropped in that case.
func (d *Dispatcher) Enqueue(n Notification) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.drop(n, "closed")
		return false
	}
	select {
	case d.queue <- n:
		return true
	default:
		d.drop(n, "queue_full")
		return false
	}
}

func (d *Dispatcher) drop(n Notification, reason string) {
	d.logger.Warn("notification dropped",
		"reason", reason,
		"kind", string(n.Kind),
		"transaction_id", n.ProviderTransactionID,
	)
	if d.metrics != nil {
		d.metrics.IncJobsDropped(jobs.JobTypeNotificationDelivery)
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for n := range d.queue {
		d.deliver(n)
	}
}

func (d *Dispatcher) deliver(n Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.SendTimeout)
	defer cancel()

	start := time.Now()
	err := d.sink.Send(ctx, n)
	elapsed := time.Since(start).Seconds()

	if d.metrics != nil {
		d.metrics.ObserveJobDuration(jobs.JobTypeNotificationDelivery, elapsed)
	}
	if err != nil {
		d.logger.Error("notification delivery failed",
			"kind", string(n.Kind),
			"notification_id", n.ID.String(),
			"transaction_id", n.ProviderTransactionID,
			"error", err,
		)
		if d.metrics != nil {
			d.metrics.IncJobsTotal(jobs.JobTypeNotificationDelivery, jobs.StatusFailure)
			d.metrics.IncJobErrors(jobs.JobTypeNotificationDelivery, "sink_error")
		}
		return
	}
	if d.metrics != nil {
		d.metrics.IncJobsTotal(jobs.JobTypeNotificationDelivery, jobs.StatusSuccess)
	}
}

// Close stops accepting notifications and waits for queued ones to be
// delivered, or for ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
