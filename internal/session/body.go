package session

import (
	"bytes"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"

	ajperr "ajpd/internal/errors"
)

// Body is the read-once request body of one cycle.  The connection's
// I/O goroutine delivers chunks as they arrive; the handler's worker
// reads them.  A read that finds nothing buffered suspends until the
// next delivery, completion, failure or the suspend timeout.
type Body struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	done    bool
	err     error
	read    int64
	signal  chan struct{}
	timeout time.Duration
}

func newBody(timeout time.Duration) *Body {
	return &Body{signal: make(chan struct{}, 1), timeout: timeout}
}

// deliver appends a copy of p.
func (b *Body) deliver(p []byte) {
	if len(p) == 0 {
		return
	}
	b.mu.Lock()
	b.buf.Write(p)
	b.mu.Unlock()
	b.notify()
}

// finish marks the body complete: reads drain the buffer, then EOF.
func (b *Body) finish() {
	b.mu.Lock()
	b.done = true
	b.mu.Unlock()
	b.notify()
}

// fail makes every later read return err.  The first failure wins.
func (b *Body) fail(err error) {
	b.mu.Lock()
	if b.err == nil {
		b.err = err
	}
	b.mu.Unlock()
	b.notify()
}

func (b *Body) notify() {
	select {
	case b.signal <- struct{}{}:
	default:
	}
}

// Read implements io.Reader.
func (b *Body) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		b.mu.Lock()
		if b.err != nil {
			err := b.err
			b.mu.Unlock()
			return 0, err
		}
		if b.buf.Len() > 0 {
			n, _ := b.buf.Read(p)
			b.read += int64(n)
			b.mu.Unlock()
			return n, nil
		}
		if b.done {
			b.mu.Unlock()
			return 0, io.EOF
		}
		b.mu.Unlock()

		if b.timeout <= 0 {
			<-b.signal
			continue
		}
		if timer == nil {
			timer = time.NewTimer(b.timeout)
		}
		select {
		case <-b.signal:
		case <-timer.C:
			err := errors.Wrapf(ajperr.ErrSuspendTimeout, "no body data for %v", b.timeout)
			b.fail(err)
			return 0, err
		}
	}
}

// Consumed returns the number of bytes handed to readers so far.
func (b *Body) Consumed() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.read
}

// Buffered returns the number of delivered bytes not yet read.
func (b *Body) Buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}
