package safe_close

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSafeClose_CloseWait(t *testing.T) {
	sc := NewSafeClose()
	var exited atomic.Int32
	for i := 0; i < 10; i++ {
		sc.Attach(func(closeSignal <-chan struct{}) error {
			<-closeSignal
			time.Sleep(10 * time.Millisecond)
			exited.Add(1)
			return nil
		})
	}
	assert.NoError(t, sc.CloseWait())
	assert.EqualValues(t, 10, exited.Load())

	// closed, f must not run
	sc.Attach(func(<-chan struct{}) error {
		t.Error("attached after close")
		return nil
	})
	assert.NoError(t, sc.CloseWait())
}

func TestSafeClose_firstErrWins(t *testing.T) {
	sc := NewSafeClose()
	err1 := errors.New("bind failed")
	sc.Attach(func(<-chan struct{}) error { return err1 })
	sc.Attach(func(closeSignal <-chan struct{}) error {
		<-closeSignal
		return errors.New("closed")
	})

	errCh := make(chan error, 1)
	go func() { errCh <- sc.Wait() }()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, err1)
	case <-time.After(time.Second):
		t.Fatal("close signal timeout")
	}
}
