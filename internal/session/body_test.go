package session

import (
	"io"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ajperr "ajpd/internal/errors"
)

func TestBody_ReadSuspendsUntilDelivery(t *testing.T) {
	defer leaktest.Check(t)()

	b := newBody(time.Second)
	got := make(chan string, 1)
	go func() {
		data, err := io.ReadAll(b)
		assert.NoError(t, err)
		got <- string(data)
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-got:
		t.Fatal("read returned before any data arrived")
	default:
	}

	b.deliver([]byte("hello "))
	time.Sleep(10 * time.Millisecond)
	b.deliver([]byte("world"))
	b.finish()

	select {
	case s := <-got:
		assert.Equal(t, "hello world", s)
	case <-time.After(time.Second):
		t.Fatal("reader never woke up")
	}
	assert.Equal(t, int64(11), b.Consumed())
	assert.Zero(t, b.Buffered())
}

func TestBody_DeliverCopies(t *testing.T) {
	b := newBody(0)
	p := []byte("abc")
	b.deliver(p)
	p[0] = 'X'
	b.finish()

	data, err := io.ReadAll(b)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(data))
}

func TestBody_SuspendTimeout(t *testing.T) {
	b := newBody(30 * time.Millisecond)
	start := time.Now()
	_, err := b.Read(make([]byte, 4))
	assert.ErrorIs(t, err, ajperr.ErrSuspendTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	// The failure sticks.
	b.deliver([]byte("late"))
	_, err = b.Read(make([]byte, 4))
	assert.ErrorIs(t, err, ajperr.ErrSuspendTimeout)
}

func TestBody_FailWakesReader(t *testing.T) {
	defer leaktest.Check(t)()

	b := newBody(0)
	errc := make(chan error, 1)
	go func() {
		_, err := b.Read(make([]byte, 1))
		errc <- err
	}()

	time.Sleep(10 * time.Millisecond)
	b.fail(ajperr.ErrStreamTerminated)
	b.fail(io.ErrUnexpectedEOF)

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ajperr.ErrStreamTerminated)
	case <-time.After(time.Second):
		t.Fatal("reader never woke up")
	}
}

func TestBody_EmptyRead(t *testing.T) {
	b := newBody(0)
	n, err := b.Read(nil)
	assert.Zero(t, n)
	assert.NoError(t, err)
}
