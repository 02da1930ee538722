package monitor

import "sync"

// doneSignal is a manual-reset event: Set releases every waiter until the
// next Reset.
type doneSignal struct {
	mu sync.Mutex
	ch chan struct{}
}

func newDoneSignal() *doneSignal {
	ch := make(chan struct{})
	close(ch)
	return &doneSignal{ch: ch}
}

func (s *doneSignal) Set() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.ch:
	default:
		close(s.ch)
	}
}

func (s *doneSignal) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.ch:
		s.ch = make(chan struct{})
	default:
	}
}

func (s *doneSignal) IsSet() bool {
	select {
	case <-s.Done():
		return true
	default:
		return false
	}
}

// Done returns a channel closed while the signal is set.
func (s *doneSignal) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}
