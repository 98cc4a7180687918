package bridge

import (
	"context"
	"crypto/subtle"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"

	"github.com/pkg/errors"

	"ajpd/internal/ajp"
	ajperr "ajpd/internal/errors"
	"ajpd/internal/metrics"
	"ajpd/internal/session"
	"ajpd/util"
)

// Dispatcher runs the handler for one cycle and completes it.
type Dispatcher struct {
	Resolver Resolver
	Logger   *util.Logger
	Metrics  *metrics.Collector

	// Secret, when set, must match the request's secret attribute;
	// other requests are answered 403.
	Secret string
}

// PanicError is returned when a handler panicked after its headers
// were sent, so no clean response can follow.
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("handler panic: %v", e.Value) }

// Serve runs the cycle currently held by sess: resolve, invoke, flush,
// drain the unread body and send EndResponse.  A nil error means the
// cycle completed and sess is reset; any error means the connection
// must be closed.
func (d *Dispatcher) Serve(ctx context.Context, sess *session.Session, out Output) (err error) {
	log := d.Logger
	if log == nil {
		log = util.Discard()
	}

	fr := sess.Forward()
	body := sess.Body()
	if fr == nil || body == nil {
		return errors.WithStack(ajperr.ErrStreamTerminated)
	}

	req := NewRequest(ctx, fr, body)
	w := NewResponse(sess, out, fr.Method)

	h, id := d.resolve(fr)
	sess.Bind(id)

	d.Metrics.CycleStarted()
	defer func() {
		status := 0
		if err == nil {
			status = w.Status()
		}
		d.Metrics.CycleFinished(status)
	}()

	log.Debug("%s %s → %s", fr.Method, fr.RequestURI, id)

	if err := d.invoke(h, w, req); err != nil {
		var pe *PanicError
		if !errors.As(err, &pe) {
			return err
		}
		d.Metrics.HandlerPanic()
		log.Error("%s %s: %v\n%s", fr.Method, fr.RequestURI, pe.Value, pe.Stack)
		if !w.reset() {
			return err
		}
		Error(w, http.StatusInternalServerError)
	}

	if err := w.flush(); err != nil {
		return err
	}

	if n, err := io.Copy(io.Discard, body); err != nil {
		return errors.Wrap(err, "draining request body")
	} else if n > 0 {
		log.Verbose("%s %s: discarded %d unread body bytes", fr.Method, fr.RequestURI, n)
	}

	return sess.Finish(func() error {
		buf := util.GetPacketBuf()
		defer util.PutPacketBuf(buf)
		*buf = ajp.AppendEndResponse(*buf, out.KeepAlive())
		return out.WritePacket(*buf)
	})
}

func (d *Dispatcher) resolve(fr *ajp.ForwardRequest) (Handler, string) {
	if d.Secret != "" && subtle.ConstantTimeCompare([]byte(d.Secret), []byte(fr.Secret)) != 1 {
		return Forbidden, "forbidden"
	}
	if d.Resolver == nil {
		return NotFound, "not-found"
	}
	h, id, ok := d.Resolver.Resolve(fr.RequestURI)
	if !ok || h == nil {
		return NotFound, "not-found"
	}
	return h, id
}

// invoke calls h, turning a panic into a PanicError.  The net/http
// sentinel http.ErrAbortHandler aborts quietly.
func (d *Dispatcher) invoke(h Handler, w *Response, r *Request) (err error) {
	defer func() {
		if v := recover(); v != nil {
			if v == http.ErrAbortHandler {
				err = errors.WithStack(ajperr.ErrStreamTerminated)
				return
			}
			err = &PanicError{Value: v, Stack: debug.Stack()}
		}
	}()
	h.ServeAJP(w, r)
	return nil
}
