package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/carepath/report-pipeline/internal/config"
)

// ErrOpen is returned without calling out while a breaker is open.
var ErrOpen = eris.New("resilience: breaker open")

// State is a breaker's position.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	}
	return "unknown"
}

// Breaker stops calls to a collaborator after Threshold consecutive
// failures. Once Cooldown has passed a single probe call is let through;
// its result closes or reopens the breaker.
type Breaker struct {
	Name      string
	Threshold int
	Cooldown  time.Duration

	now func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker builds a breaker from the circuit section of the config.
// Unset fields default to 5 failures and a 30s cooldown.
func NewBreaker(name string, cc config.CircuitConfig) *Breaker {
	b := &Breaker{
		Name:      name,
		Threshold: cc.FailureThreshold,
		Cooldown:  time.Duration(cc.ResetTimeoutSecs) * time.Second,
	}
	if b.Threshold <= 0 {
		b.Threshold = 5
	}
	if b.Cooldown <= 0 {
		b.Cooldown = 30 * time.Second
	}
	return b
}

// State reports the breaker's position. An open breaker whose cooldown has
// passed reports HalfOpen.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.cooledDown() {
		return HalfOpen
	}
	return b.state
}

// Reset closes the breaker.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probing = false
	b.moveTo(Closed)
}

// Do runs fn through the breaker.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Through(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Through runs fn through b, or directly when b is nil.
func Through[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	if b == nil {
		return fn(ctx)
	}
	var zero T
	if err := b.admit(); err != nil {
		return zero, err
	}
	val, err := fn(ctx)
	b.settle(err)
	return val, err
}

// Guard retries fn under p with every attempt passing through b. ErrOpen is
// not retryable, so an open breaker ends the loop at once.
func Guard[T any](ctx context.Context, p Policy, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	return Retry(ctx, p, func(ctx context.Context) (T, error) {
		return Through(ctx, b, fn)
	})
}

func (b *Breaker) clock() time.Time {
	if b.now != nil {
		return b.now()
	}
	return time.Now()
}

func (b *Breaker) cooledDown() bool {
	return b.clock().Sub(b.openedAt) >= b.Cooldown
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Open:
		if !b.cooledDown() {
			return ErrOpen
		}
		b.moveTo(HalfOpen)
		b.probing = true
	case HalfOpen:
		if b.probing {
			return ErrOpen
		}
		b.probing = true
	}
	return nil
}

// settle records a call's result. A cancelled caller says nothing about
// the collaborator and is not counted.
func (b *Breaker) settle(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false

	if errors.Is(err, context.Canceled) {
		return
	}
	if err == nil {
		b.failures = 0
		b.moveTo(Closed)
		return
	}

	b.failures++
	if b.state == HalfOpen || b.failures >= b.Threshold {
		b.openedAt = b.clock()
		b.moveTo(Open)
	}
}

func (b *Breaker) moveTo(to State) {
	if b.state == to {
		return
	}
	zap.L().Warn("resilience: breaker state change",
		zap.String("breaker", b.Name),
		zap.Stringer("from", b.state),
		zap.Stringer("to", to),
		zap.Int("failures", b.failures),
	)
	b.state = to
}
