// Package session holds the per-connection state of the AJP request
// cycle.  A Session is driven by the connection's I/O goroutine through
// Accept and by the handler's worker through MarkHeadersSent and
// Finish; every transition happens under the session lock.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"ajpd/internal/ajp"
	ajperr "ajpd/internal/errors"
)

// State is the cycle state.
type State int

const (
	AwaitingRequest State = iota
	AccumulatingBody
	Dispatching
)

func (s State) String() string {
	switch s {
	case AwaitingRequest:
		return "awaiting-request"
	case AccumulatingBody:
		return "accumulating-body"
	case Dispatching:
		return "dispatching"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Options tune a Session.
type Options struct {
	// MaxBodyRequest caps a single GetBodyChunk request.
	MaxBodyRequest int

	// LenientEmptyChunk treats an empty chunk as the end of a body
	// that is still short of its declared length.  Off, that chunk is
	// a ContentLengthShortfall.
	LenientEmptyChunk bool

	// EagerDispatch starts the handler on the forward request instead
	// of on body completion.
	EagerDispatch bool

	// BodyTimeout bounds a handler suspended on a body read.
	BodyTimeout time.Duration
}

// Flags are the once-per-cycle latches.
type Flags struct {
	HeadersSent    bool
	HandlerInvoked bool
	EndSent        bool
	FormEncoded    bool
}

// Action tells the connection what to do after a package.
type Action struct {
	Dispatch    bool // start the handler worker for this cycle
	RequestBody int  // > 0: ask the peer for up to this many body bytes
	Pong        bool // answer with CPong
	Shutdown    bool // peer asked the container to shut down
}

// Snapshot is a copy of the session fields.
type Snapshot struct {
	State     State
	Seq       int
	Declared  int64 // -1 when unset
	Received  int64
	Flags     Flags
	Path      string
	HandlerID string
	Cycles    uint64
}

// Session is the state of one connection.
type Session struct {
	mu   sync.Mutex
	opts Options

	state     State
	seq       int
	declared  int64
	received  int64
	flags     Flags
	path      string
	handlerID string
	forward   *ajp.ForwardRequest
	body      *Body

	cycles  uint64
	aborted error
}

// New returns a Session in AwaitingRequest.
func New(opts Options) *Session {
	if opts.MaxBodyRequest <= 0 || opts.MaxBodyRequest > ajp.MaxBodyRequest {
		opts.MaxBodyRequest = ajp.MaxBodyRequest
	}
	s := &Session{opts: opts}
	s.reset()
	return s
}

// Accept processes one framed payload.  The returned package is nil on
// error; any error is a ProtocolError and ends the connection.
func (s *Session) Accept(payload []byte) (*ajp.Package, Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.aborted != nil {
		return nil, Action{}, ajperr.Protocol(ajperr.ErrStreamTerminated, "", s.seq, s.aborted)
	}

	s.seq++
	first := s.seq == 1
	pkg, err := ajp.Decode(payload, first)
	if err != nil {
		return nil, Action{}, ajperr.Classify(err, packageName(payload, first), s.seq)
	}

	var act Action
	switch pkg.Kind {
	case ajp.KindPing, ajp.KindCPing:
		s.seq = 0
		act.Pong = true
	case ajp.KindShutdown:
		s.seq = 0
		act.Shutdown = true
	case ajp.KindForwardRequest:
		act = s.begin(pkg.Forward)
	case ajp.KindBodyChunk:
		act, err = s.chunk(pkg.Body)
		if err != nil {
			return nil, Action{}, ajperr.Classify(err, pkg.Kind.String(), s.seq)
		}
	}
	return pkg, act, nil
}

func packageName(payload []byte, first bool) string {
	if !first {
		return ajp.KindBodyChunk.String()
	}
	if len(payload) == 0 {
		return ""
	}
	return ajp.Kind(payload[0]).String()
}

func (s *Session) begin(fr *ajp.ForwardRequest) Action {
	s.forward = fr
	s.declared = fr.ContentLength
	s.path = fr.RequestURI
	s.flags.FormEncoded = fr.IsForm()
	s.body = newBody(s.opts.BodyTimeout)

	if fr.HasBody() {
		s.state = AccumulatingBody
		return Action{Dispatch: s.opts.EagerDispatch && s.latch()}
	}
	s.state = Dispatching
	s.body.finish()
	return Action{Dispatch: s.latch()}
}

func (s *Session) chunk(data []byte) (Action, error) {
	n := int64(len(data))
	if s.state != AccumulatingBody {
		if n == 0 {
			return Action{}, nil
		}
		if s.declared < 0 {
			return Action{}, errors.Wrapf(ajperr.ErrContentLengthOverrun, "%d body bytes without content-length", n)
		}
		return Action{}, errors.Wrapf(ajperr.ErrContentLengthOverrun, "%d bytes after complete body of %d", n, s.declared)
	}

	if n == 0 {
		if !s.opts.LenientEmptyChunk {
			return Action{}, errors.Wrapf(ajperr.ErrContentLengthShortfall, "empty chunk at %d of %d", s.received, s.declared)
		}
		return s.complete(), nil
	}
	if s.received+n > s.declared {
		return Action{}, errors.Wrapf(ajperr.ErrContentLengthOverrun, "%d + %d exceeds %d", s.received, n, s.declared)
	}

	s.received += n
	s.body.deliver(data)
	if s.received == s.declared {
		return s.complete(), nil
	}
	return Action{RequestBody: int(min(s.declared-s.received, int64(s.opts.MaxBodyRequest)))}, nil
}

func (s *Session) complete() Action {
	s.state = Dispatching
	s.body.finish()
	return Action{Dispatch: s.latch()}
}

// latch sets HandlerInvoked and reports whether this call set it.
func (s *Session) latch() bool {
	if s.flags.HandlerInvoked {
		return false
	}
	s.flags.HandlerInvoked = true
	return true
}

// MarkHeadersSent sets HeadersSent and reports whether this call set
// it.  It fails once EndResponse has gone out or the session aborted.
func (s *Session) MarkHeadersSent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aborted != nil || s.flags.HeadersSent || s.flags.EndSent {
		return false
	}
	s.flags.HeadersSent = true
	return true
}

// HeadersSent reports whether SendHeaders has gone out this cycle.
func (s *Session) HeadersSent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flags.HeadersSent
}

// Finish ends the cycle: it sets EndSent, runs write (which sends
// EndResponse) and resets the session, all under the session lock so
// the next forward request cannot observe a half-finished cycle.
// Only the first call per cycle writes.
func (s *Session) Finish(write func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aborted != nil {
		return errors.WithStack(ajperr.ErrStreamTerminated)
	}
	if s.flags.EndSent {
		return nil
	}
	s.flags.EndSent = true
	err := write()
	s.reset()
	s.cycles++
	return err
}

// Abort tears the session down: a suspended body read fails with err
// and every later call reports stream termination.
func (s *Session) Abort(err error) {
	if err == nil {
		err = ajperr.ErrStreamTerminated
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aborted != nil {
		return
	}
	s.aborted = err
	if s.body != nil {
		s.body.fail(err)
	}
	s.reset()
}

// Aborted returns the abort cause, or nil.
func (s *Session) Aborted() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

// Reset clears all cycle state.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
}

func (s *Session) reset() {
	s.state = AwaitingRequest
	s.seq = 0
	s.declared = -1
	s.received = 0
	s.flags = Flags{}
	s.path = ""
	s.handlerID = ""
	s.forward = nil
	s.body = nil
}

// Bind records the handler serving the current cycle.
func (s *Session) Bind(id string) {
	s.mu.Lock()
	s.handlerID = id
	s.mu.Unlock()
}

// Forward returns the current forward request, nil between cycles.
func (s *Session) Forward() *ajp.ForwardRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forward
}

// Body returns the current request body, nil between cycles.
func (s *Session) Body() *Body {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.body
}

// State returns the cycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot copies the session fields.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		State:     s.state,
		Seq:       s.seq,
		Declared:  s.declared,
		Received:  s.received,
		Flags:     s.flags,
		Path:      s.path,
		HandlerID: s.handlerID,
		Cycles:    s.cycles,
	}
}
