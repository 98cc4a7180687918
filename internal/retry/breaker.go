package retry

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrOpen is returned by [Breaker.Execute] while the breaker is open.
var ErrOpen = errors.New("circuit open")

// State is a breaker's position.
type State int

const (
	StateClosed   State = iota // calls pass through
	StateOpen                  // calls are rejected until the cooldown ends
	StateHalfOpen              // one trial call decides
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a [Breaker].
type BreakerConfig struct {
	MaxFailures int           // consecutive failures that open the breaker (default 3)
	Cooldown    time.Duration // time spent open before a trial call (default 10s)

	// OnStateChange runs under the breaker's lock.
	OnStateChange func(from, to State)
}

// Breaker stops calling an operation that keeps failing.  After
// MaxFailures consecutive failures it rejects calls with ErrOpen for
// Cooldown, then lets a single trial through: success closes it again,
// failure reopens it.
type Breaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
}

// NewBreaker returns a closed Breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 10 * time.Second
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// Execute runs fn unless the breaker is open.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn()
	b.record(err)
	return err
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return nil
	}
	wait := b.cfg.Cooldown - b.now().Sub(b.openedAt)
	if wait > 0 {
		return errors.Wrapf(ErrOpen, "%d consecutive failures, next trial in %v", b.failures, wait.Round(time.Millisecond))
	}
	b.transition(StateHalfOpen)
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		b.failures = 0
		b.transition(StateClosed)
		return
	}
	b.failures++
	if b.state == StateHalfOpen || b.failures >= b.cfg.MaxFailures {
		b.openedAt = b.now()
		b.transition(StateOpen)
	}
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}
