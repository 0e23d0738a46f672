package nowplaying

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/justestif/go-spotify-now-playing/internal/logging"
)

// DefaultIdleTimeout is how long a poller keeps running without being viewed.
const DefaultIdleTimeout = 30 * time.Second

// Registry owns one Poller per browser session.
//
// A session's poller is started on Attach and stopped on Detach, on shutdown,
// or once nobody has looked at it for the idle timeout.
type Registry struct {
	newPoller   func() *Poller
	idleTimeout time.Duration
	now         func() time.Time
	logger      *log.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	poller   *Poller
	lastSeen time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithIdleTimeout sets how long an unviewed poller survives.
func WithIdleTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		r.idleTimeout = d
	}
}

// WithRegistryClock replaces the clock used for idle tracking.
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.now = now
	}
}

// WithRegistryLogger sets the registry's logger.
func WithRegistryLogger(l *log.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = l
	}
}

// NewRegistry creates a Registry that builds pollers with newPoller.
func NewRegistry(newPoller func() *Poller, opts ...RegistryOption) *Registry {
	r := &Registry{
		newPoller:   newPoller,
		idleTimeout: DefaultIdleTimeout,
		now:         time.Now,
		logger:      logging.Discard(),
		entries:     make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Attach returns the session's poller, creating it if needed, hands it the
// current token and marks it as viewed. An empty token stops the poller but
// keeps its last snapshot.
func (r *Registry) Attach(sessionID, token string) *Poller {
	r.mu.Lock()
	e, ok := r.entries[sessionID]
	if !ok {
		e = &entry{poller: r.newPoller()}
		r.entries[sessionID] = e
	}
	e.lastSeen = r.now()
	r.mu.Unlock()

	e.poller.SetToken(token)

	// A concurrent Detach may have removed the entry while the token was
	// being applied; make sure the orphan does not keep polling.
	r.mu.Lock()
	current := r.entries[sessionID]
	r.mu.Unlock()
	if current != e {
		e.poller.Stop()
	}

	return e.poller
}

// Get returns the session's poller, or nil.
func (r *Registry) Get(sessionID string) *Poller {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[sessionID]; ok {
		return e.poller
	}
	return nil
}

// Touch marks the session's poller as viewed. It reports whether one exists.
func (r *Registry) Touch(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sessionID]
	if ok {
		e.lastSeen = r.now()
	}
	return ok
}

// Detach stops and forgets the session's poller.
func (r *Registry) Detach(sessionID string) {
	r.mu.Lock()
	e, ok := r.entries[sessionID]
	delete(r.entries, sessionID)
	r.mu.Unlock()

	if ok {
		e.poller.Stop()
	}
}

// IdleTimeout reports how long an unviewed poller survives. Long-lived
// viewers should Touch more often than this.
func (r *Registry) IdleTimeout() time.Duration {
	return r.idleTimeout
}

// Len returns the number of tracked sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Sweep stops pollers that have not been viewed within the idle timeout and
// returns how many were removed.
func (r *Registry) Sweep() int {
	cutoff := r.now().Add(-r.idleTimeout)

	r.mu.Lock()
	var idle []*Poller
	for id, e := range r.entries {
		if e.lastSeen.Before(cutoff) {
			idle = append(idle, e.poller)
			delete(r.entries, id)
		}
	}
	r.mu.Unlock()

	for _, p := range idle {
		p.Stop()
	}
	if len(idle) > 0 {
		r.logger.Debug("stopped idle pollers", "count", len(idle))
	}
	return len(idle)
}

// Run sweeps idle pollers until ctx is done, then stops every poller.
// It must be run in its own goroutine.
func (r *Registry) Run(ctx context.Context) {
	r.logger.Info("poller registry started", "idle_timeout", r.idleTimeout)
	defer r.logger.Info("poller registry stopped")

	ticker := time.NewTicker(max(r.idleTimeout/2, 10*time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.stopAll()
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

func (r *Registry) stopAll() {
	r.mu.Lock()
	pollers := make([]*Poller, 0, len(r.entries))
	for id, e := range r.entries {
		pollers = append(pollers, e.poller)
		delete(r.entries, id)
	}
	r.mu.Unlock()

	for _, p := range pollers {
		p.Stop()
	}
}
