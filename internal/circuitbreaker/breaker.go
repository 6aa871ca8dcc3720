// Package circuitbreaker stops calling an API host that keeps failing. Each
// host gets its own breaker: it trips once the failure ratio of a counting
// window reaches the configured limit, rejects calls for a cool-down, then lets
// a few probes through to decide whether to close again.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// State of a breaker
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

var stateNames = [...]string{"closed", "open", "half-open"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

var (
	ErrOpenState       = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// IsRejected reports whether err came from the breaker refusing a call
// rather than from the call itself.
func IsRejected(err error) bool {
	return errors.Is(err, ErrOpenState) || errors.Is(err, ErrTooManyRequests)
}

// Config tunes when a breaker trips and how it recovers.
type Config struct {
	// MaxRequests caps the probes admitted while half-open. That many
	// consecutive successful probes close the breaker again.
	MaxRequests uint32

	// Interval is how long a closed breaker accumulates counts before
	// starting a fresh window.
	Interval time.Duration

	// Timeout is how long a tripped breaker rejects calls before probing.
	Timeout time.Duration

	// Threshold is the number of finished calls in a window before the
	// failure ratio is evaluated.
	Threshold uint32

	// FailureRatio trips the breaker once failures/calls reaches it.
	FailureRatio float64

	// OnStateChange receives the host and the transition.
	OnStateChange func(host string, from, to State)
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		MaxRequests:  1,
		Interval:     60 * time.Second,
		Timeout:      60 * time.Second,
		Threshold:    10,
		FailureRatio: 0.5,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxRequests == 0 {
		c.MaxRequests = 1
	}
	if c.Interval <= 0 {
		c.Interval = 60 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	return c
}

// Breaker guards the calls made to one host.
type Breaker struct {
	host string
	cfg  Config

	mu       sync.Mutex
	state    State
	until    time.Time // end of the counting window when closed, of the cool-down when open
	admitted uint32
	calls    uint32
	failures uint32
}

// New returns a closed breaker that is not bound to a host.
func New(cfg *Config) *Breaker {
	return newBreaker("", cfg)
}

func newBreaker(host string, cfg *Config) *Breaker {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	b := &Breaker{host: host, cfg: cfg.withDefaults()}
	b.startWindow(time.Now())
	return b
}

// State returns the state as of now; an expired cool-down reads as half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current(time.Now())
}

// Execute runs fn unless the breaker rejects it. A non-nil error from fn
// counts as a failure.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn()
	b.record(err == nil)
	return err
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.current(time.Now()) {
	case StateOpen:
		return ErrOpenState
	case StateHalfOpen:
		if b.admitted >= b.cfg.MaxRequests {
			return ErrTooManyRequests
		}
	}
	b.admitted++
	return nil
}

func (b *Breaker) record(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	switch b.current(now) {
	case StateClosed:
		b.calls++
		if !ok {
			b.failures++
		}
		if b.calls >= b.cfg.Threshold && float64(b.failures)/float64(b.calls) >= b.cfg.FailureRatio {
			b.moveTo(StateOpen, now)
		}
	case StateHalfOpen:
		if !ok {
			b.moveTo(StateOpen, now)
			return
		}
		b.calls++
		if b.calls >= b.cfg.MaxRequests {
			b.moveTo(StateClosed, now)
		}
	}
}

// current advances expired windows. Callers hold mu.
func (b *Breaker) current(now time.Time) State {
	switch b.state {
	case StateClosed:
		if now.After(b.until) {
			b.startWindow(now)
		}
	case StateOpen:
		if now.After(b.until) {
			b.moveTo(StateHalfOpen, now)
		}
	}
	return b.state
}

func (b *Breaker) moveTo(to State, now time.Time) {
	from := b.state
	b.state = to
	b.startWindow(now)
	if from != to && b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.host, from, to)
	}
}

func (b *Breaker) startWindow(now time.Time) {
	b.admitted, b.calls, b.failures = 0, 0, 0
	switch b.state {
	case StateClosed:
		b.until = now.Add(b.cfg.Interval)
	case StateOpen:
		b.until = now.Add(b.cfg.Timeout)
	default:
		b.until = time.Time{}
	}
}

func (b *Breaker) snapshot() HostStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return HostStats{State: b.current(time.Now()), Requests: b.admitted, Failures: b.failures}
}

// HostStats is a snapshot of one host's breaker
type HostStats struct {
	State    State
	Requests uint32
	Failures uint32
}

// HostBreaker keeps one breaker per host, created on first use.
type HostBreaker struct {
	cfg *Config

	mu    sync.Mutex
	hosts map[string]*Breaker
}

func NewHostBreaker(cfg *Config) *HostBreaker {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &HostBreaker{cfg: cfg, hosts: make(map[string]*Breaker)}
}

// For returns the breaker guarding host.
func (hb *HostBreaker) For(host string) *Breaker {
	hb.mu.Lock()
	defer hb.mu.Unlock()
	b, ok := hb.hosts[host]
	if !ok {
		b = newBreaker(host, hb.cfg)
		hb.hosts[host] = b
	}
	return b
}

func (hb *HostBreaker) Execute(host string, fn func() error) error {
	return hb.For(host).Execute(fn)
}

func (hb *HostBreaker) State(host string) State {
	return hb.For(host).State()
}

// Stats returns a snapshot per host seen so far.
func (hb *HostBreaker) Stats() map[string]HostStats {
	hb.mu.Lock()
	defer hb.mu.Unlock()
	out := make(map[string]HostStats, len(hb.hosts))
	for host, b := range hb.hosts {
		out[host] = b.snapshot()
	}
	return out
}

// Reset forgets host; its next call starts from a closed breaker.
func (hb *HostBreaker) Reset(host string) {
	hb.mu.Lock()
	defer hb.mu.Unlock()
	delete(hb.hosts, host)
}
