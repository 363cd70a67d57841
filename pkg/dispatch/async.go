package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/armorclaw/exceptionmailer/pkg/report"
)

// Async pool defaults
const (
	DefaultWorkers   = 2
	DefaultQueueSize = 64
)

var (
	// ErrQueueFull is returned when the async queue has no room
	ErrQueueFull = errors.New("dispatch queue full")

	// ErrNotRunning is returned when submitting to a pool that is not started
	ErrNotRunning = errors.New("dispatch pool not running")
)

// AsyncOptions configures the worker pool
type AsyncOptions struct {
	Workers   int
	QueueSize int

	// OnResult, if set, is called with the outcome of every queued report
	OnResult func(Result)
}

// Async dispatches reports on background workers
type Async struct {
	dispatcher *Dispatcher
	opts       AsyncOptions

	mu      sync.RWMutex
	queue   chan report.Artifact
	group   *errgroup.Group
	running bool
}

// NewAsync creates a pool around d. Call Start before Submit.
func NewAsync(d *Dispatcher, opts AsyncOptions) *Async {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	return &Async{dispatcher: d, opts: opts}
}

// Start launches the workers. They run until Stop.
func (a *Async) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return fmt.Errorf("dispatch pool already running")
	}

	a.queue = make(chan report.Artifact, a.opts.QueueSize)
	a.group, ctx = errgroup.WithContext(ctx)
	a.running = true

	queue := a.queue
	for i := 0; i < a.opts.Workers; i++ {
		a.group.Go(func() error {
			return a.worker(ctx, queue)
		})
	}

	a.dispatcher.logger.Debug("dispatch pool started",
		"workers", a.opts.Workers,
		"queue_size", a.opts.QueueSize,
	)
	return nil
}

// worker sends until the queue is closed. Cancelling the Start context does
// not stop it; Stop closes the queue and waits for what is left.
func (a *Async) worker(ctx context.Context, queue <-chan report.Artifact) error {
	sendCtx := context.WithoutCancel(ctx)
	for art := range queue {
		a.dispatcher.metrics.SetQueueDepth(len(queue))
		res := a.dispatcher.Dispatch(sendCtx, art, false)
		if a.opts.OnResult != nil {
			a.opts.OnResult(res)
		}
	}
	return nil
}

// Submit queues art without blocking
func (a *Async) Submit(art report.Artifact) Result {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if !a.running {
		return Result{Status: Failed, ReportID: art.ID, Err: fmt.Errorf("%w: %w", ErrDispatchFailed, ErrNotRunning)}
	}

	select {
	case a.queue <- art:
		a.dispatcher.metrics.SetQueueDepth(len(a.queue))
		return Result{Status: Queued, ReportID: art.ID}
	default:
		a.dispatcher.metrics.RecordDispatch(string(Failed), 0)
		return Result{Status: Failed, ReportID: art.ID, Err: fmt.Errorf("%w: %w", ErrDispatchFailed, ErrQueueFull)}
	}
}

// Stop closes the queue and waits for workers to drain it
func (a *Async) Stop() error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	close(a.queue)
	group := a.group
	a.mu.Unlock()

	err := group.Wait()
	a.dispatcher.metrics.SetQueueDepth(0)
	return err
}

// Running reports whether the pool accepts work
func (a *Async) Running() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.running
}
