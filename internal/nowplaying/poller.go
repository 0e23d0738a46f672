package nowplaying

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/justestif/go-spotify-now-playing/internal/logging"
)

const (
	// DefaultInterval is the poll period.
	DefaultInterval = time.Second

	// DefaultTimeout bounds a single fetch.
	DefaultTimeout = 5 * time.Second
)

// Source fetches the raw currently-playing body for a bearer token.
// An empty body means nothing is playing.
type Source interface {
	CurrentlyPlaying(ctx context.Context, accessToken string) ([]byte, error)
}

// TickerFunc starts a periodic ticker and returns its channel and a stop func.
type TickerFunc func(d time.Duration) (<-chan time.Time, func())

func stdTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// State is a point-in-time copy of a poller's status.
type State struct {
	Snapshot  *Snapshot
	Active    bool
	UpdatedAt time.Time // zero until the first snapshot is applied
	Polls     uint64    // fetches issued
	Failures  uint64
	LastError error // cleared by the next applied snapshot
}

// cycle is one activation: a token plus the goroutines polling with it.
type cycle struct {
	token  string
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Poller keeps the latest Snapshot for one bearer token.
//
// All exported methods are safe for concurrent use.
type Poller struct {
	source   Source
	interval time.Duration
	timeout  time.Duration
	ticker   TickerFunc
	now      func() time.Time
	logger   *log.Logger

	mu        sync.Mutex
	token     string
	current   *cycle
	seq       uint64 // last sequence number issued
	applied   uint64 // highest sequence number applied
	snapshot  *Snapshot
	updatedAt time.Time
	failures  uint64
	lastErr   error
	subs      map[chan struct{}]struct{}
}

// Option configures a Poller.
type Option func(*Poller)

// WithInterval sets the poll period.
func WithInterval(d time.Duration) Option {
	return func(p *Poller) {
		p.interval = d
	}
}

// WithTimeout bounds each fetch.
func WithTimeout(d time.Duration) Option {
	return func(p *Poller) {
		p.timeout = d
	}
}

// WithTicker replaces the time source for the poll period.
func WithTicker(fn TickerFunc) Option {
	return func(p *Poller) {
		p.ticker = fn
	}
}

// WithClock replaces the clock used to stamp applied snapshots.
func WithClock(now func() time.Time) Option {
	return func(p *Poller) {
		p.now = now
	}
}

// WithLogger sets the logger poll failures are reported to.
func WithLogger(l *log.Logger) Option {
	return func(p *Poller) {
		p.logger = l
	}
}

// NewPoller creates an inactive Poller. It does nothing until SetToken is
// called with a non-empty token.
func NewPoller(source Source, opts ...Option) *Poller {
	p := &Poller{
		source:   source,
		interval: DefaultInterval,
		timeout:  DefaultTimeout,
		ticker:   stdTicker,
		now:      time.Now,
		logger:   logging.Discard(),
		subs:     make(map[chan struct{}]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SetToken hands the poller the current bearer token.
//
// A new non-empty token cancels any running cycle and starts a fresh one with
// an immediate fetch. An empty token stops polling. Setting the same token
// again is a no-op. When SetToken returns, the replaced cycle has issued its
// last fetch; any of its results still in flight are discarded.
// The stored snapshot is kept across token changes.
func (p *Poller) SetToken(token string) {
	p.mu.Lock()
	if token == p.token {
		p.mu.Unlock()
		return
	}

	old := p.current
	p.current = nil
	p.token = token

	if token != "" {
		ctx, cancel := context.WithCancel(context.Background())
		c := &cycle{token: token, cancel: cancel}
		c.wg.Add(1)
		p.current = c
		go p.run(ctx, c)
	}
	p.mu.Unlock()

	if old != nil {
		old.cancel()
		old.wg.Wait()
	}

	if token == "" {
		p.logger.Debug("now playing poller stopped")
	} else {
		p.logger.Debug("now playing poller started", "interval", p.interval)
	}
}

// Stop withdraws the token. It is equivalent to SetToken("").
func (p *Poller) Stop() {
	p.SetToken("")
}

// Snapshot returns the latest applied snapshot, or nil if nothing is playing
// or no poll has succeeded yet. Snapshots are never mutated once stored.
func (p *Poller) Snapshot() *Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshot
}

// State returns a copy of the poller's status.
func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return State{
		Snapshot:  p.snapshot,
		Active:    p.current != nil,
		UpdatedAt: p.updatedAt,
		Polls:     p.seq,
		Failures:  p.failures,
		LastError: p.lastErr,
	}
}

// Subscribe returns a channel that receives a signal after every applied
// snapshot. Signals coalesce: a slow reader sees at least one signal after
// the latest change. The returned func unsubscribes.
func (p *Poller) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	p.mu.Lock()
	p.subs[ch] = struct{}{}
	p.mu.Unlock()

	return ch, func() {
		p.mu.Lock()
		delete(p.subs, ch)
		p.mu.Unlock()
	}
}

// run drives one cycle: an immediate poll, then one per tick.
func (p *Poller) run(ctx context.Context, c *cycle) {
	defer c.wg.Done()

	ticks, stop := p.ticker(p.interval)
	defer stop()

	p.poll(ctx, c)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks:
			p.poll(ctx, c)
		}
	}
}

// poll issues one fetch tagged with the next sequence number. The fetch runs
// on its own goroutine so a slow response never delays the next tick.
func (p *Poller) poll(ctx context.Context, c *cycle) {
	if ctx.Err() != nil {
		return
	}

	p.mu.Lock()
	if p.current != c {
		p.mu.Unlock()
		return
	}
	p.seq++
	seq := p.seq
	c.wg.Add(1)
	p.mu.Unlock()

	go p.fetch(ctx, c, seq)
}

func (p *Poller) fetch(ctx context.Context, c *cycle, seq uint64) {
	defer c.wg.Done()

	fetchCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	body, err := p.source.CurrentlyPlaying(fetchCtx, c.token)
	var snap *Snapshot
	if err == nil {
		snap, err = Parse(body)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// The cycle was cancelled or replaced while this fetch was in flight.
	if p.current != c {
		return
	}

	if err != nil {
		p.failures++
		p.lastErr = err
		p.logger.Warn("now playing poll failed", "seq", seq, "err", err)
		return
	}

	// A later poll already landed.
	if seq <= p.applied {
		p.logger.Debug("discarding stale poll result", "seq", seq, "applied", p.applied)
		return
	}

	p.applied = seq
	p.snapshot = snap
	p.updatedAt = p.now()
	p.lastErr = nil

	for ch := range p.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
