package nowplaying

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
)

const waitTimeout = 2 * time.Second

// fakeSource records every fetch and answers with respond.
type fakeSource struct {
	mu      sync.Mutex
	tokens  []string
	called  chan string
	respond func(ctx context.Context, n int, token string) ([]byte, error)
}

func newFakeSource(respond func(ctx context.Context, n int, token string) ([]byte, error)) *fakeSource {
	return &fakeSource{
		called:  make(chan string, 100),
		respond: respond,
	}
}

func (f *fakeSource) CurrentlyPlaying(ctx context.Context, token string) ([]byte, error) {
	f.mu.Lock()
	f.tokens = append(f.tokens, token)
	n := len(f.tokens)
	f.mu.Unlock()

	f.called <- token

	if f.respond == nil {
		return nil, nil
	}
	return f.respond(ctx, n, token)
}

func (f *fakeSource) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tokens)
}

func (f *fakeSource) waitCall(t *testing.T) string {
	t.Helper()
	select {
	case token := <-f.called:
		return token
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for fetch")
		return ""
	}
}

// manualTicker lets a test decide when each poll period elapses.
type manualTicker struct {
	ch      chan time.Time
	mu      sync.Mutex
	stopped int
}

func newManualTicker() *manualTicker {
	return &manualTicker{ch: make(chan time.Time)}
}

func (m *manualTicker) start(time.Duration) (<-chan time.Time, func()) {
	return m.ch, func() {
		m.mu.Lock()
		m.stopped++
		m.mu.Unlock()
	}
}

func (m *manualTicker) tick(t *testing.T) {
	t.Helper()
	select {
	case m.ch <- time.Now():
	case <-time.After(waitTimeout):
		t.Fatal("tick was not consumed")
	}
}

func (m *manualTicker) stops() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

// syncBuffer is a bytes.Buffer safe for concurrent writers and readers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func trackBody(name string) []byte {
	return []byte(`{"progress_ms": 1000, "item": {"name": "` + name + `", "duration_ms": 200000, "artists": [{"name": "Artist"}], "album": {"name": "Album", "images": [{"url": "u"}]}}}`)
}

func trackName(p *Poller) string {
	if s := p.Snapshot(); s != nil {
		return s.TrackName
	}
	return ""
}

func TestPoller_NoTokenNeverFetches(t *testing.T) {
	src := newFakeSource(nil)
	ticker := newManualTicker()
	p := NewPoller(src, WithTicker(ticker.start))

	p.SetToken("")
	time.Sleep(50 * time.Millisecond)

	if n := src.count(); n != 0 {
		t.Errorf("fetches = %d, want 0", n)
	}
	if p.State().Active {
		t.Error("Active = true without a token")
	}
	if p.Snapshot() != nil {
		t.Error("Snapshot() != nil without a token")
	}
}

func TestPoller_ImmediateFetchThenOnePerPeriod(t *testing.T) {
	src := newFakeSource(func(context.Context, int, string) ([]byte, error) {
		return trackBody("Song A"), nil
	})
	ticker := newManualTicker()
	p := NewPoller(src, WithTicker(ticker.start))

	p.SetToken("tok")

	if got := src.waitCall(t); got != "tok" {
		t.Errorf("token = %q, want tok", got)
	}
	waitFor(t, "first snapshot", func() bool { return trackName(p) == "Song A" })

	for i := 0; i < 3; i++ {
		ticker.tick(t)
		src.waitCall(t)
	}

	p.Stop()

	if n := src.count(); n != 4 {
		t.Errorf("fetches = %d, want 4", n)
	}
	if polls := p.State().Polls; polls != 4 {
		t.Errorf("Polls = %d, want 4", polls)
	}
	if ticker.stops() != 1 {
		t.Errorf("ticker stopped %d times, want 1", ticker.stops())
	}
}

func TestPoller_StandardTicker(t *testing.T) {
	src := newFakeSource(func(context.Context, int, string) ([]byte, error) {
		return trackBody("Song A"), nil
	})
	p := NewPoller(src, WithInterval(5*time.Millisecond))

	p.SetToken("tok")
	waitFor(t, "three fetches", func() bool { return src.count() >= 3 })
	p.Stop()

	n := src.count()
	time.Sleep(30 * time.Millisecond)
	if after := src.count(); after != n {
		t.Errorf("fetches grew from %d to %d after Stop", n, after)
	}
}

func TestPoller_FailureKeepsSnapshotAndLogs(t *testing.T) {
	tests := []struct {
		name    string
		second  func() ([]byte, error)
		wantLog string
	}{
		{
			name:    "transport error",
			second:  func() ([]byte, error) { return nil, errors.New("connection reset") },
			wantLog: "connection reset",
		},
		{
			name:    "malformed body",
			second:  func() ([]byte, error) { return []byte("<html>"), nil },
			wantLog: "malformed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newFakeSource(func(_ context.Context, n int, _ string) ([]byte, error) {
				if n == 1 {
					return trackBody("Song A"), nil
				}
				return tt.second()
			})
			ticker := newManualTicker()
			var logs syncBuffer
			p := NewPoller(src, WithTicker(ticker.start), WithLogger(log.New(&logs)))

			p.SetToken("tok")
			src.waitCall(t)
			waitFor(t, "first snapshot", func() bool { return p.Snapshot() != nil })
			before := p.Snapshot()

			ticker.tick(t)
			src.waitCall(t)
			waitFor(t, "failure to be recorded", func() bool { return p.State().Failures == 1 })

			state := p.State()
			if state.Snapshot != before {
				t.Error("snapshot changed after a failed poll")
			}
			if state.LastError == nil {
				t.Error("LastError = nil after a failed poll")
			}

			p.Stop()

			out := logs.String()
			if !strings.Contains(out, "now playing poll failed") || !strings.Contains(out, tt.wantLog) {
				t.Errorf("log output = %q, want failure diagnostic containing %q", out, tt.wantLog)
			}
		})
	}
}

func TestPoller_SuccessClearsLastError(t *testing.T) {
	src := newFakeSource(func(_ context.Context, n int, _ string) ([]byte, error) {
		if n == 1 {
			return nil, errors.New("boom")
		}
		return trackBody("Song A"), nil
	})
	ticker := newManualTicker()
	p := NewPoller(src, WithTicker(ticker.start))
	defer p.Stop()

	p.SetToken("tok")
	src.waitCall(t)
	waitFor(t, "failure", func() bool { return p.State().Failures == 1 })

	ticker.tick(t)
	src.waitCall(t)
	waitFor(t, "snapshot", func() bool { return p.Snapshot() != nil })

	state := p.State()
	if state.LastError != nil {
		t.Errorf("LastError = %v, want nil after success", state.LastError)
	}
	if state.Failures != 1 {
		t.Errorf("Failures = %d, want 1", state.Failures)
	}
	if state.UpdatedAt.IsZero() {
		t.Error("UpdatedAt is zero after a successful poll")
	}
}

func TestPoller_NothingPlaying(t *testing.T) {
	src := newFakeSource(func(_ context.Context, n int, _ string) ([]byte, error) {
		if n == 1 {
			return trackBody("Song A"), nil
		}
		return nil, nil
	})
	ticker := newManualTicker()
	p := NewPoller(src, WithTicker(ticker.start))
	defer p.Stop()

	p.SetToken("tok")
	src.waitCall(t)
	waitFor(t, "first snapshot", func() bool { return p.Snapshot() != nil })

	ticker.tick(t)
	src.waitCall(t)
	waitFor(t, "snapshot to clear", func() bool { return p.Snapshot() == nil })

	if f := p.State().Failures; f != 0 {
		t.Errorf("Failures = %d, want 0", f)
	}
}

func TestPoller_LogoutStopsFetching(t *testing.T) {
	src := newFakeSource(func(context.Context, int, string) ([]byte, error) {
		return trackBody("Song A"), nil
	})
	ticker := newManualTicker()
	p := NewPoller(src, WithTicker(ticker.start))

	p.SetToken("tok")
	src.waitCall(t)
	ticker.tick(t)
	src.waitCall(t)

	p.SetToken("")
	n := src.count()

	if p.State().Active {
		t.Error("Active = true after logout")
	}
	if ticker.stops() != 1 {
		t.Errorf("ticker stopped %d times, want 1", ticker.stops())
	}

	// Nobody is reading the tick channel any more.
	select {
	case ticker.ch <- time.Now():
		t.Error("tick consumed after logout")
	case <-time.After(50 * time.Millisecond):
	}

	if after := src.count(); after != n {
		t.Errorf("fetches grew from %d to %d after logout", n, after)
	}
}

func TestPoller_SameTokenIsNoop(t *testing.T) {
	src := newFakeSource(nil)
	ticker := newManualTicker()
	p := NewPoller(src, WithTicker(ticker.start))
	defer p.Stop()

	p.SetToken("tok")
	src.waitCall(t)

	p.SetToken("tok")
	time.Sleep(30 * time.Millisecond)

	if n := src.count(); n != 1 {
		t.Errorf("fetches = %d, want 1", n)
	}
}

func TestPoller_OutOfOrderResponseDiscarded(t *testing.T) {
	release := make(chan struct{})
	src := newFakeSource(func(_ context.Context, n int, _ string) ([]byte, error) {
		if n == 1 {
			<-release
			return trackBody("Old"), nil
		}
		return trackBody("New"), nil
	})
	ticker := newManualTicker()
	var logs syncBuffer
	logger := log.New(&logs)
	logger.SetLevel(log.DebugLevel)
	p := NewPoller(src, WithTicker(ticker.start), WithLogger(logger))

	p.SetToken("tok")
	src.waitCall(t) // poll 1 is now stuck

	ticker.tick(t)
	src.waitCall(t)
	waitFor(t, "poll 2 to apply", func() bool { return trackName(p) == "New" })

	close(release)
	waitFor(t, "poll 1 to be discarded", func() bool {
		return strings.Contains(logs.String(), "discarding stale poll result")
	})

	if got := trackName(p); got != "New" {
		t.Errorf("track = %q, want New", got)
	}

	p.Stop()
}

func TestPoller_InFlightResultDiscardedAfterTeardown(t *testing.T) {
	release := make(chan struct{})
	src := newFakeSource(func(ctx context.Context, _ int, _ string) ([]byte, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return trackBody("Late"), nil
	})
	ticker := newManualTicker()
	p := NewPoller(src, WithTicker(ticker.start))

	p.SetToken("tok")
	src.waitCall(t)

	p.Stop()
	close(release)

	if s := p.Snapshot(); s != nil {
		t.Errorf("Snapshot() = %+v, want nil after teardown", s)
	}
	if f := p.State().Failures; f != 0 {
		t.Errorf("Failures = %d, want 0", f)
	}
}

func TestPoller_ReactivationKeepsPreviousSnapshot(t *testing.T) {
	releaseB := make(chan struct{})
	src := newFakeSource(func(ctx context.Context, _ int, token string) ([]byte, error) {
		if token == "A" {
			return trackBody("Song A"), nil
		}
		select {
		case <-releaseB:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return trackBody("Song B"), nil
	})
	ticker := newManualTicker()
	p := NewPoller(src, WithTicker(ticker.start))
	defer p.Stop()

	p.SetToken("A")
	src.waitCall(t)
	waitFor(t, "Song A", func() bool { return trackName(p) == "Song A" })

	p.SetToken("B")

	if got := trackName(p); got != "Song A" {
		t.Errorf("track after re-login = %q, want Song A until the next poll lands", got)
	}
	if got := src.waitCall(t); got != "B" {
		t.Errorf("token = %q, want B", got)
	}
	if ticker.stops() != 1 {
		t.Errorf("old ticker stopped %d times, want 1", ticker.stops())
	}

	close(releaseB)
	waitFor(t, "Song B", func() bool { return trackName(p) == "Song B" })
}

func TestPoller_Subscribe(t *testing.T) {
	src := newFakeSource(func(context.Context, int, string) ([]byte, error) {
		return trackBody("Song A"), nil
	})
	ticker := newManualTicker()
	p := NewPoller(src, WithTicker(ticker.start))
	defer p.Stop()

	updates, unsubscribe := p.Subscribe()
	defer unsubscribe()

	p.SetToken("tok")

	select {
	case <-updates:
	case <-time.After(waitTimeout):
		t.Fatal("no update signal after first snapshot")
	}

	if got := trackName(p); got != "Song A" {
		t.Errorf("track = %q, want Song A", got)
	}
}

func TestPoller_UnsubscribeStopsSignals(t *testing.T) {
	src := newFakeSource(func(context.Context, int, string) ([]byte, error) {
		return trackBody("Song A"), nil
	})
	ticker := newManualTicker()
	p := NewPoller(src, WithTicker(ticker.start))
	defer p.Stop()

	updates, unsubscribe := p.Subscribe()
	unsubscribe()

	p.SetToken("tok")
	src.waitCall(t)
	waitFor(t, "snapshot", func() bool { return p.Snapshot() != nil })

	select {
	case <-updates:
		t.Error("received signal after unsubscribe")
	default:
	}
}
