package safe_close

import "sync"

// SafeClose coordinates the long-running goroutines of the gateway
// (listeners, the api server, the signal watcher).
//
//  1. Every service goroutine is started by Attach and must return once the
//     close signal is received.
//  2. A service goroutine that fails returns its error. The first error
//     sends the close signal, so the other services stop as well.
//  3. Anyone can call SendCloseSignal to stop all services, and CloseWait
//     to stop them and wait for them.
type SafeClose struct {
	m           sync.Mutex
	wg          sync.WaitGroup
	closeSignal chan struct{}
	closeErr    error
}

func NewSafeClose() *SafeClose {
	return &SafeClose{
		closeSignal: make(chan struct{}),
	}
}

// Attach runs f in a new goroutine. A non-nil error returned by f sends
// the close signal with that error. If s was closed, f will not run.
func (s *SafeClose) Attach(f func(closeSignal <-chan struct{}) error) {
	s.m.Lock()
	select {
	case <-s.closeSignal:
		s.m.Unlock()
		return
	default:
		s.wg.Add(1)
	}
	s.m.Unlock()

	go func() {
		defer s.wg.Done()
		if err := f(s.closeSignal); err != nil {
			s.SendCloseSignal(err)
		}
	}()
}

// SendCloseSignal sends a close signal. Only the first call records err.
// It is concurrent safe and can be called multiple times.
func (s *SafeClose) SendCloseSignal(err error) {
	s.m.Lock()
	defer s.m.Unlock()

	select {
	case <-s.closeSignal:
		return
	default:
		s.closeErr = err
		close(s.closeSignal)
	}
}

// Err returns the error of the first SendCloseSignal.
func (s *SafeClose) Err() error {
	s.m.Lock()
	defer s.m.Unlock()
	return s.closeErr
}

// Wait blocks until the close signal is sent and all attached goroutines
// returned. It returns Err.
func (s *SafeClose) Wait() error {
	<-s.closeSignal
	s.wg.Wait()
	return s.Err()
}

// CloseWait sends a close signal and waits until all attached goroutines
// returned. It must not be called from an attached goroutine.
func (s *SafeClose) CloseWait() error {
	s.SendCloseSignal(nil)
	return s.Wait()
}
