package runtime

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
)

type worker struct {
	name   string
	run    func(context.Context) error
	closeF func() error
}

// Supervisor runs named workers until its context is cancelled or one of
// them fails, then closes them in reverse registration order.
type Supervisor struct {
	mu      sync.Mutex
	workers []worker
	wg      sync.WaitGroup
	errOnce sync.Once
	err     error
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewSupervisor() *Supervisor {
	return &Supervisor{}
}

// Add registers a worker. closeF may be nil.
func (s *Supervisor) Add(name string, run func(context.Context) error, closeF func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers = append(s.workers, worker{name: name, run: run, closeF: closeF})
}

func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	for _, w := range s.workers {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			log.WithField("worker", w.name).Debug("Worker started")
			err := w.run(s.ctx)
			if err != nil {
				log.WithField("worker", w.name).WithError(err).Error("Worker failed")
				s.errOnce.Do(func() { s.err = err })
				s.cancel()
				return
			}
			log.WithField("worker", w.name).Debug("Worker exited")
		}()
	}
	return nil
}

// Wait blocks until ctx is cancelled or a worker fails, closes the workers in
// reverse order and returns the first worker error.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.mu.Lock()
	inner := s.ctx
	cancel := s.cancel
	s.mu.Unlock()
	if inner == nil {
		inner = ctx
	}

	select {
	case <-ctx.Done():
	case <-inner.Done():
	}
	if cancel != nil {
		cancel()
	}

	for i := len(s.workers) - 1; i >= 0; i-- {
		w := s.workers[i]
		if w.closeF == nil {
			continue
		}
		if err := w.closeF(); err != nil {
			log.WithField("worker", w.name).WithError(err).Warn("Failed to close worker")
		}
	}
	s.wg.Wait()
	return s.err
}
