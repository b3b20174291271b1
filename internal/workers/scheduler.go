package workers

import (
	"context"
	"sync"
	"time"

	"litellm-exporter/pkg/errors"
	"litellm-exporter/pkg/logger"
)

// DefaultStopTimeout bounds how long Stop waits for in-flight iterations
const DefaultStopTimeout = 2 * time.Minute

// ExecutionRecorder receives one call per worker iteration
type ExecutionRecorder interface {
	RecordWorkerExecution(worker string, duration time.Duration, err error)
}

// Scheduler runs each registered worker in its own goroutine on a fixed interval.
// Iterations of one worker never overlap.
type Scheduler struct {
	workers     []Worker
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	mu          sync.RWMutex
	log         *logger.Logger
	recorder    ExecutionRecorder
	stopTimeout time.Duration
	started     bool
}

// NewScheduler creates a new worker scheduler. recorder may be nil.
func NewScheduler(log *logger.Logger, recorder ExecutionRecorder) *Scheduler {
	if log == nil {
		log = logger.Get()
	}
	return &Scheduler{
		workers:     make([]Worker, 0),
		log:         log.Component("scheduler"),
		recorder:    recorder,
		stopTimeout: DefaultStopTimeout,
	}
}

// SetStopTimeout overrides DefaultStopTimeout; call before Start
func (s *Scheduler) SetStopTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopTimeout = d
}

// RegisterWorker adds a worker to the scheduler
func (s *Scheduler) RegisterWorker(w Worker) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		s.log.Warnw("Cannot register worker after scheduler has started", "worker", w.Name())
		return
	}

	s.workers = append(s.workers, w)
	s.log.Infow("Worker registered", "worker", w.Name(), "interval", w.Interval(), "enabled", w.Enabled())
}

// Start begins running all registered workers
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.Wrapf(errors.ErrInternal, "scheduler already started")
	}

	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	workers := append([]Worker(nil), s.workers...)
	s.mu.Unlock()

	s.log.Infow("Starting worker scheduler", "workers", len(workers))

	for _, worker := range workers {
		if !worker.Enabled() {
			s.log.Infow("Skipping disabled worker", "worker", worker.Name())
			continue
		}

		s.wg.Add(1)
		go s.runWorker(worker)
	}

	return nil
}

// Stop cancels the loops and waits for in-flight iterations to return.
// The sleep between iterations is interrupted immediately.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return errors.Wrapf(errors.ErrInternal, "scheduler not started")
	}
	s.cancel()
	timeout := s.stopTimeout
	s.mu.Unlock()

	s.log.Info("Stopping worker scheduler...")

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var shutdownErr error
	select {
	case <-done:
		s.log.Info("All workers stopped gracefully")
	case <-timer.C:
		s.log.Warnw("Worker shutdown timed out", "timeout", timeout)
		shutdownErr = errors.Wrapf(errors.ErrInternal, "shutdown timeout after %s", timeout)
	}

	s.mu.Lock()
	s.started = false
	s.mu.Unlock()

	return shutdownErr
}

// runWorker executes a single worker in a loop
func (s *Scheduler) runWorker(worker Worker) {
	defer s.wg.Done()

	s.log.Debugw("Worker started", "worker", worker.Name())

	ticker := time.NewTicker(worker.Interval())
	defer ticker.Stop()

	// Run immediately on start
	s.executeWorker(worker)

	for {
		select {
		case <-s.ctx.Done():
			s.log.Debugw("Worker stopping due to context cancellation", "worker", worker.Name())
			return

		case <-ticker.C:
			// a tick that raced with cancellation must not start another iteration
			if s.ctx.Err() != nil {
				return
			}
			s.executeWorker(worker)
		}
	}
}

// executeWorker runs a single iteration of the worker with error handling
func (s *Scheduler) executeWorker(worker Worker) {
	start := time.Now()

	var err error
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("worker %s panicked: %v", worker.Name(), r)
			s.log.Errorw("Worker panicked", "worker", worker.Name(), "panic", r)
		}

		duration := time.Since(start)
		if h, ok := worker.(WorkerWithHealth); ok {
			if err != nil {
				h.RecordError(err, duration)
			} else {
				h.RecordRun(duration)
			}
		}
		if s.recorder != nil {
			s.recorder.RecordWorkerExecution(worker.Name(), duration, err)
		}
	}()

	err = worker.Run(s.ctx)
	if err != nil {
		s.log.Warnw("Worker execution failed",
			"worker", worker.Name(),
			"error", err,
			"duration", time.Since(start),
		)
		return
	}

	s.log.Debugw("Worker execution completed",
		"worker", worker.Name(),
		"duration", time.Since(start),
	)
}

// GetWorkers returns a list of all registered workers
func (s *Scheduler) GetWorkers() []Worker {
	s.mu.RLock()
	defer s.mu.RUnlock()

	workers := make([]Worker, len(s.workers))
	copy(workers, s.workers)
	return workers
}

// Health returns the health of every worker that tracks it, keyed by name
func (s *Scheduler) Health() map[string]WorkerHealth {
	out := make(map[string]WorkerHealth)
	for _, w := range s.GetWorkers() {
		if h, ok := w.(WorkerWithHealth); ok {
			out[w.Name()] = h.Health()
		}
	}
	return out
}

// IsRunning returns whether the scheduler is currently running
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}
