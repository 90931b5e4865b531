package sessionmgr

import (
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/loppo-llc/termsup/internal/apperr"
	"github.com/loppo-llc/termsup/internal/state"
	"github.com/loppo-llc/termsup/internal/store"
	"github.com/loppo-llc/termsup/internal/tmuxctl"
)

type fakeClient struct {
	outputs []string
	states  []state.Session
	dead    []string
}

func (f *fakeClient) SendOutput(data []byte) error {
	f.outputs = append(f.outputs, string(data))
	return nil
}

func (f *fakeClient) SendStateChange(s state.Session) error {
	f.states = append(f.states, s)
	return nil
}

func (f *fakeClient) SendSessionDead(message string) error {
	f.dead = append(f.dead, message)
	return nil
}

type fakeNotifier struct {
	calls int
}

func (f *fakeNotifier) NotifyStateChange(sessionName string, s state.Session) {
	f.calls++
}

func newTestManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "termsup.db")
	st, err := store.OpenAt(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("OpenAt: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	m := New(tmuxctl.New(), st, &fakeNotifier{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return m, st
}

func TestToValidUTF8_ReplacesInvalidBytes(t *testing.T) {
	got := toValidUTF8([]byte{'o', 'k', 0xff, 0xfe})
	if !utf8.ValidString(got) {
		t.Fatalf("expected valid UTF-8 output, got %q", got)
	}
	if !strings.HasPrefix(got, "ok") {
		t.Fatalf("expected valid prefix to survive, got %q", got)
	}
}

func TestDirExists(t *testing.T) {
	dir := t.TempDir()
	if !dirExists(dir) {
		t.Fatalf("expected %q to exist", dir)
	}
	if dirExists(filepath.Join(dir, "does-not-exist")) {
		t.Fatal("expected nonexistent path to report false")
	}
	if dirExists(filepath.Join(dir, "also-missing", "nested")) {
		t.Fatal("expected nested nonexistent path to report false")
	}
}

func TestInput_UnmanagedSession_ReturnsSessionNotFound(t *testing.T) {
	m, _ := newTestManager(t)
	client := &fakeClient{}

	err := m.Input("ghost", client, []byte("hi"))
	if apperr.KindOf(err) != apperr.KindSessionNotFound {
		t.Fatalf("KindOf(err) = %v, want KindSessionNotFound", apperr.KindOf(err))
	}
}

func TestResize_UnmanagedSession_ReturnsSessionNotFound(t *testing.T) {
	m, _ := newTestManager(t)
	client := &fakeClient{}

	err := m.Resize("ghost", client, 80, 24)
	if apperr.KindOf(err) != apperr.KindSessionNotFound {
		t.Fatalf("KindOf(err) = %v, want KindSessionNotFound", apperr.KindOf(err))
	}
}

func TestUnregisterClient_UnmanagedSession_NoPanic(t *testing.T) {
	m, _ := newTestManager(t)
	client := &fakeClient{}

	m.UnregisterClient("ghost", client)
}

func TestObserveStreaming_BroadcastsOnStateChange(t *testing.T) {
	m, st := newTestManager(t)

	client := &fakeClient{}
	cc := &clientConn{client: client, stop: make(chan struct{}), done: make(chan struct{})}
	ms := &managedSession{
		name:     "alpha",
		clients:  map[Client]*clientConn{client: cc},
		detector: state.New(),
		current:  state.Working,
	}
	m.mu.Lock()
	m.managed["alpha"] = ms
	m.mu.Unlock()

	// "❯" is an idle pattern. The first observation only marks it pending;
	// the hysteresis window must elapse before a second observation commits
	// it, differing from the seeded Working state and triggering a
	// broadcast.
	m.observeStreaming("alpha", "\n❯ ")
	time.Sleep(600 * time.Millisecond)
	m.observeStreaming("alpha", "\n❯ ")

	if len(client.states) == 0 {
		t.Fatal("expected at least one state_change to be sent to the client")
	}

	savedState, _, ok, err := st.GetIdleState("alpha")
	if err != nil {
		t.Fatalf("GetIdleState: %v", err)
	}
	if !ok {
		t.Fatal("expected observeStreaming to persist the committed state")
	}
	if savedState == string(state.Working) {
		t.Fatal("expected persisted state to differ from the seeded Working state")
	}
}

func TestPersist_RateLimited(t *testing.T) {
	m, st := newTestManager(t)

	ms := &managedSession{name: "alpha", clients: map[Client]*clientConn{}}
	m.mu.Lock()
	m.managed["alpha"] = ms
	m.mu.Unlock()

	m.persist("alpha", state.Idle)
	m.persist("alpha", state.Working)

	saved, _, ok, err := st.GetIdleState("alpha")
	if err != nil {
		t.Fatalf("GetIdleState: %v", err)
	}
	if !ok {
		t.Fatal("expected first persist to write idle_state")
	}
	if saved != string(state.Idle) {
		t.Fatalf("saved state = %q, want %q (second persist within the rate-limit window should be dropped)", saved, state.Idle)
	}
}

func TestAnnounceDead_OnlySendsOnce(t *testing.T) {
	m, _ := newTestManager(t)

	client := &fakeClient{}
	ms := &managedSession{
		name:    "alpha",
		clients: map[Client]*clientConn{client: {client: client}},
	}
	m.mu.Lock()
	m.managed["alpha"] = ms
	m.mu.Unlock()

	m.announceDead("alpha")
	m.announceDead("alpha")

	if len(client.dead) != 1 {
		t.Fatalf("len(client.dead) = %d, want 1 (announceDead must be idempotent)", len(client.dead))
	}
}
