// Package worker provides a generic bounded worker pool for engine tasks and rule executions
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/mbp/metric"
)

var (
	ErrPoolNotStarted     = errors.New("worker pool not started")
	ErrPoolStopped        = errors.New("worker pool stopped")
	ErrPoolAlreadyStarted = errors.New("worker pool already started")
	ErrQueueFull          = errors.New("worker pool queue full")
	ErrNilProcessor       = errors.New("worker pool needs a processor")
	// ErrStopTimeout is returned when workers are still busy after the Stop timeout.
	ErrStopTimeout = errors.New("workers did not stop in time")
)

// Pool processes work items of type T on a fixed number of goroutines
type Pool[T any] struct {
	name      string
	workers   int
	queueSize int
	processor func(context.Context, T) error

	workChan chan T
	metrics  *poolMetrics
	logger   *slog.Logger
	wg       sync.WaitGroup

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	busy      atomic.Int64
	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	panicked  atomic.Int64
	dropped   atomic.Int64

	metricsRegistry *metric.MetricsRegistry
}

type poolMetrics struct {
	queueDepth     prometheus.Gauge
	busyWorkers    prometheus.Gauge
	outcomes       *prometheus.CounterVec
	processingTime *prometheus.HistogramVec
}

// Option configures a Pool
type Option[T any] func(*Pool[T])

// WithMetricsRegistry registers pool metrics, labelled with the pool name
func WithMetricsRegistry[T any](registry *metric.MetricsRegistry) Option[T] {
	return func(p *Pool[T]) {
		p.metricsRegistry = registry
	}
}

// WithLogger sets the logger used for failed and panicking items
func WithLogger[T any](logger *slog.Logger) Option[T] {
	return func(p *Pool[T]) {
		p.logger = logger
	}
}

// NewPool creates a worker pool. name identifies the pool in logs and metrics.
func NewPool[T any](name string, workers, queueSize int, processor func(context.Context, T) error, opts ...Option[T]) *Pool[T] {
	if workers <= 0 {
		workers = 5
	}
	if queueSize <= 0 {
		queueSize = 1000
	}
	if processor == nil {
		panic(ErrNilProcessor)
	}

	pool := &Pool[T]{
		name:      name,
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		workChan:  make(chan T, queueSize),
		logger:    slog.Default(),
	}

	for _, opt := range opts {
		opt(pool)
	}
	pool.logger = pool.logger.With("component", "worker_pool", "pool", name)

	if pool.metricsRegistry != nil {
		pool.initializeMetrics()
	}

	return pool
}

func (p *Pool[T]) initializeMetrics() {
	labels := prometheus.Labels{"pool": p.name}
	m := &poolMetrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "mbp",
			Subsystem:   "worker_pool",
			Name:        "queue_depth",
			Help:        "Items waiting in the pool queue",
			ConstLabels: labels,
		}),
		busyWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "mbp",
			Subsystem:   "worker_pool",
			Name:        "busy_workers",
			Help:        "Workers currently processing an item",
			ConstLabels: labels,
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "mbp",
			Subsystem:   "worker_pool",
			Name:        "items_total",
			Help:        "Items by outcome (submitted, success, error, panic, dropped)",
			ConstLabels: labels,
		}, []string{"outcome"}),
		processingTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "mbp",
			Subsystem:   "worker_pool",
			Name:        "processing_duration_seconds",
			Help:        "Time spent processing one item",
			Buckets:     []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 60},
			ConstLabels: labels,
		}, []string{"status"}),
	}

	service := "worker_pool." + p.name
	for metricName, err := range map[string]error{
		"queue_depth":     p.metricsRegistry.RegisterGauge(service, "queue_depth", m.queueDepth),
		"busy_workers":    p.metricsRegistry.RegisterGauge(service, "busy_workers", m.busyWorkers),
		"items_total":     p.metricsRegistry.RegisterCounterVec(service, "items_total", m.outcomes),
		"processing_time": p.metricsRegistry.RegisterHistogramVec(service, "processing_duration_seconds", m.processingTime),
	} {
		if err != nil {
			p.logger.Warn("worker pool metric not registered", "metric", metricName, "error", err)
		}
	}
	p.metrics = m
}

func (p *Pool[T]) count(outcome string) {
	if p.metrics != nil {
		p.metrics.outcomes.WithLabelValues(outcome).Inc()
	}
}

// Submit enqueues work without blocking. It returns ErrQueueFull when the queue is at capacity.
func (p *Pool[T]) Submit(work T) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.workChan <- work:
		p.submitted.Add(1)
		p.count("submitted")
		if p.metrics != nil {
			p.metrics.queueDepth.Set(float64(len(p.workChan)))
		}
		return nil
	default:
		p.dropped.Add(1)
		p.count("dropped")
		return ErrQueueFull
	}
}

// Start launches the workers. Workers exit when ctx is cancelled or Stop is called.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}

	p.started = true
	return nil
}

// Stop closes the queue and waits for queued items to finish
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	if !p.started || p.stopped {
		p.lifecycleMu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.workChan)
	p.lifecycleMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// Stats returns current pool statistics
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:     p.workers,
		BusyWorkers: int(p.busy.Load()),
		QueueSize:   p.queueSize,
		QueueDepth:  len(p.workChan),
		Submitted:   p.submitted.Load(),
		Processed:   p.processed.Load(),
		Failed:      p.failed.Load(),
		Panicked:    p.panicked.Load(),
		Dropped:     p.dropped.Load(),
	}
}

// PoolStats represents worker pool statistics
type PoolStats struct {
	Workers     int   `json:"workers"`
	BusyWorkers int   `json:"busy_workers"`
	QueueSize   int   `json:"queue_size"`
	QueueDepth  int   `json:"queue_depth"`
	Submitted   int64 `json:"submitted"`
	Processed   int64 `json:"processed"`
	Failed      int64 `json:"failed"`
	Panicked    int64 `json:"panicked"`
	Dropped     int64 `json:"dropped"`
}

func (p *Pool[T]) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case work, ok := <-p.workChan:
			if !ok {
				return
			}
			p.process(ctx, work)
		}
	}
}

// process runs one item. A panicking processor fails that item only.
func (p *Pool[T]) process(ctx context.Context, work T) {
	p.busy.Add(1)
	if p.metrics != nil {
		p.metrics.busyWorkers.Set(float64(p.busy.Load()))
		p.metrics.queueDepth.Set(float64(len(p.workChan)))
	}

	start := time.Now()
	err := p.safeProcess(ctx, work)
	duration := time.Since(start)

	p.busy.Add(-1)
	p.processed.Add(1)

	status := "success"
	if err != nil {
		status = "error"
		p.failed.Add(1)
		var pe *PanicError
		if errors.As(err, &pe) {
			status = "panic"
			p.panicked.Add(1)
			p.logger.Error("work item panicked", "panic", pe.Value, "stack", string(pe.Stack))
		} else {
			p.logger.Debug("work item failed", "error", err)
		}
	}

	if p.metrics != nil {
		p.metrics.busyWorkers.Set(float64(p.busy.Load()))
		p.count(status)
		p.metrics.processingTime.WithLabelValues(status).Observe(duration.Seconds())
	}
}

func (p *Pool[T]) safeProcess(ctx context.Context, work T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return p.processor(ctx, work)
}

// PanicError is returned for an item whose processor panicked
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("worker: processor panicked: %v", e.Value)
}
