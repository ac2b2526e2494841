package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	ErrSessionQueueFull = errors.New("session queue full")
	ErrSchedulerClosed  = errors.New("scheduler closed")
)

const defaultIdleTimeout = 5 * time.Minute

// Job runs with exclusive access to one session.
type Job func(context.Context) error

// Scheduler serializes jobs per session id. Each id gets one worker goroutine
// and a bounded FIFO queue; different ids run in parallel. Idle workers exit.
type Scheduler struct {
	logger      *zap.Logger
	queueSize   int
	idleTimeout time.Duration

	mu      sync.Mutex
	closed  bool
	workers map[string]*worker
	wg      sync.WaitGroup
}

type worker struct {
	ch chan job
}

const (
	jobQueued int32 = iota
	jobStarted
	jobAbandoned
)

type job struct {
	ctx   context.Context
	fn    Job
	done  chan error
	state *atomic.Int32
}

type SchedulerOption func(*Scheduler)

func WithIdleTimeout(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.idleTimeout = d
		}
	}
}

func NewScheduler(logger *zap.Logger, queueSize int, opts ...SchedulerOption) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if queueSize <= 0 {
		queueSize = 16
	}
	s := &Scheduler{
		logger:      logger,
		queueSize:   queueSize,
		idleTimeout: defaultIdleTimeout,
		workers:     make(map[string]*worker),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Do queues fn behind earlier jobs of the same session and waits for it. A
// full queue is rejected immediately. If ctx ends before the job starts, Do
// returns ctx.Err() and the job is skipped when dequeued. Once started, Do
// waits for the job's own result.
func (s *Scheduler) Do(ctx context.Context, sessionID string, fn Job) error {
	j := job{ctx: ctx, fn: fn, done: make(chan error, 1), state: new(atomic.Int32)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSchedulerClosed
	}
	w := s.workerForLocked(sessionID)
	select {
	case w.ch <- j:
	default:
		s.mu.Unlock()
		s.logger.Warn("session queue full", zap.String("session_id", sessionID))
		return ErrSessionQueueFull
	}
	s.mu.Unlock()

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		if j.state.CompareAndSwap(jobQueued, jobAbandoned) {
			return ctx.Err()
		}
		return <-j.done
	}
}

// Close stops accepting jobs, fails the queued ones and waits for running jobs
// to return.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for key, w := range s.workers {
		close(w.ch)
		delete(s.workers, key)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) workerForLocked(key string) *worker {
	if w, ok := s.workers[key]; ok {
		return w
	}
	w := &worker{ch: make(chan job, s.queueSize)}
	s.workers[key] = w
	s.wg.Add(1)
	go s.run(key, w)
	return w
}

func (s *Scheduler) run(key string, w *worker) {
	defer s.wg.Done()
	idle := time.NewTimer(s.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case j, ok := <-w.ch:
			if !ok {
				return
			}
			s.execute(key, j)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(s.idleTimeout)
		case <-idle.C:
			s.mu.Lock()
			if len(w.ch) == 0 && s.workers[key] == w {
				delete(s.workers, key)
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			idle.Reset(s.idleTimeout)
		}
	}
}

func (s *Scheduler) execute(key string, j job) {
	if s.isClosed() {
		j.done <- ErrSchedulerClosed
		return
	}
	if err := j.ctx.Err(); err != nil {
		s.logger.Debug("skipping cancelled session job", zap.String("session_id", key), zap.Error(err))
		j.done <- err
		return
	}
	if !j.state.CompareAndSwap(jobQueued, jobStarted) {
		j.done <- j.ctx.Err()
		return
	}
	j.done <- j.fn(j.ctx)
}

func (s *Scheduler) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
