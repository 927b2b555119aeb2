package broker

import (
	"context"
	"errors"
	"sync"
)

// subHandle is the Subscription implementation shared by all drivers. The
// consume loop calls finish exactly once when it exits; Close cancels the
// loop and blocks until it has finished.
type subHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex
	err    error
	once   sync.Once
}

func newSubHandle(cancel context.CancelFunc) *subHandle {
	return &subHandle{cancel: cancel, done: make(chan struct{})}
}

func (s *subHandle) Done() <-chan struct{} {
	return s.done
}

func (s *subHandle) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subHandle) Close() error {
	s.once.Do(s.cancel)
	<-s.done
	return nil
}

// finish records the terminal error and releases Done waiters. Context
// cancellation counts as a clean stop.
func (s *subHandle) finish(err error) {
	s.mu.Lock()
	if err != nil && !isContextErr(err) {
		s.err = err
	}
	s.mu.Unlock()
	close(s.done)
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
