// Package sessionmgr implements the PTY pool / session manager (§4.4): it
// registers and unregisters WebSocket clients against named tmux sessions,
// fans a per-client tmux attach's output out to its owner, aggregates
// keystrokes back into that attach, and runs the streaming state-inference
// engine over the bytes as they arrive.
//
// Sizing policy: per-client PTY (§4.4 policy (a)). Every registered client
// gets its own `tmux attach-session`; tmux's own `window-size=largest`
// voting (set when the session is created, see internal/tmuxctl) decides
// the pane geometry when clients disagree, so no resize_sync frame is ever
// emitted by this package.
package sessionmgr

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/loppo-llc/termsup/internal/apperr"
	"github.com/loppo-llc/termsup/internal/ptyproc"
	"github.com/loppo-llc/termsup/internal/state"
	"github.com/loppo-llc/termsup/internal/store"
	"github.com/loppo-llc/termsup/internal/tmuxctl"
)

// persistInterval rate-limits idle_state writes from the streaming path to
// at most once per second per session (§4.4, invariant 6).
const persistInterval = 1 * time.Second

// pollInterval is the busy-poll cadence used in place of epoll/kqueue
// fd-readiness notification (§4.1 permits either).
const pollInterval = 15 * time.Millisecond

// Client is the per-connection sink a registered WebSocket client
// implements. The manager never touches a websocket directly: it only
// knows how to hand a client its output, state transitions, and
// session-death notice.
type Client interface {
	SendOutput(data []byte) error
	SendStateChange(s state.Session) error
	SendSessionDead(message string) error
}

// Notifier is the subset of internal/notify.Manager the manager needs.
type Notifier interface {
	NotifyStateChange(sessionName string, s state.Session)
}

type clientConn struct {
	client  Client
	adapter *ptyproc.Adapter
	stop    chan struct{}
	done    chan struct{}
}

// managedSession is the manager's aggregate over one tmux session name: its
// set of PTY connections, detector, committed state, and persist timer. It
// exists iff its client set is non-empty (§3).
type managedSession struct {
	name        string
	clients     map[Client]*clientConn
	detector    *state.Detector
	current     state.Session
	lastPersist time.Time
	deadSent    bool
}

// Manager is the singleton PTY pool. A single lock serializes every
// register/unregister/create touching the session-name map (§5); per-client
// read loops and writes run concurrently and never hold it.
type Manager struct {
	mu       sync.Mutex
	managed  map[string]*managedSession
	tmux     *tmuxctl.Client
	store    *store.Store
	notifier Notifier
	logger   *slog.Logger
}

func New(tmux *tmuxctl.Client, st *store.Store, notifier Notifier, logger *slog.Logger) *Manager {
	return &Manager{
		managed:  make(map[string]*managedSession),
		tmux:     tmux,
		store:    st,
		notifier: notifier,
		logger:   logger,
	}
}

// RegisterClient implements §4.4 registerClient: it spawns a PTY for the
// named tmux session (auto-recreating the session if it was externally
// killed and a declared workdir is on record), seeds the client with the
// current pane snapshot, and starts its read loop.
func (m *Manager) RegisterClient(name string, client Client) error {
	m.mu.Lock()
	ms, ok := m.managed[name]
	if !ok {
		ms = &managedSession{
			name:     name,
			clients:  make(map[Client]*clientConn),
			detector: state.New(),
			current:  state.Unknown,
		}
		m.managed[name] = ms
	}
	m.mu.Unlock()

	adapter := ptyproc.New(m.tmux, name)
	if err := adapter.Spawn(); err != nil {
		if m.tmux.HasSession(name) {
			m.dropIfEmpty(name)
			return apperr.Wrap(apperr.KindInternal, "failed to attach to session "+name, err)
		}
		if recreateErr := m.recreateSession(name); recreateErr != nil {
			m.dropIfEmpty(name)
			return apperr.Wrap(apperr.KindSessionNotFound, "session not found: "+name, recreateErr)
		}
		if err2 := adapter.Spawn(); err2 != nil {
			m.dropIfEmpty(name)
			return apperr.Wrap(apperr.KindSessionNotFound, "session not found: "+name, err2)
		}
	}

	cc := &clientConn{client: client, adapter: adapter, stop: make(chan struct{}), done: make(chan struct{})}

	m.mu.Lock()
	ms.clients[client] = cc
	m.mu.Unlock()

	// Outside the lock: seed the new client with the current pane snapshot
	// and run (stateless) snapshot analysis to seed `current`, without
	// touching the streaming buffer used by hysteresis (§9 open question).
	snapshot, err := m.tmux.CapturePaneContent(name)
	if err != nil {
		m.logger.Warn("sessionmgr: capture pane failed on register", "session", name, "err", err)
	}
	if snapshot != "" {
		if err := client.SendOutput([]byte(snapshot)); err != nil {
			m.logger.Debug("sessionmgr: send initial output failed", "session", name, "err", err)
		}
	}

	initial := state.New()
	result := initial.AnalyzeInitial(snapshot)
	m.mu.Lock()
	changed := ms.current != result.State
	if changed {
		ms.current = result.State
	}
	m.mu.Unlock()
	if changed {
		if err := client.SendStateChange(result.State); err != nil {
			m.logger.Debug("sessionmgr: send initial state failed", "session", name, "err", err)
		}
		m.persist(name, result.State)
	}

	go m.readLoop(name, cc)
	return nil
}

// recreateSession implements the §4.4 step-2 reconnect-after-external-kill
// path: look up the declared workdir and, if it still exists on disk,
// re-create the tmux session there (§4.7 createTmuxSession).
func (m *Manager) recreateSession(name string) error {
	row, ok, err := m.store.GetSession(name)
	if err != nil {
		return fmt.Errorf("lookup declared session: %w", err)
	}
	if !ok || row.Workdir == "" {
		return fmt.Errorf("no declared workdir for session %q", name)
	}
	if !dirExists(row.Workdir) {
		return fmt.Errorf("declared workdir %q no longer exists", row.Workdir)
	}
	return m.tmux.CreateTmuxSession(name, row.Workdir)
}

// UnregisterClient implements §4.4 unregisterClient: stop and await the
// client's read loop, close its PTY, remove it from the client set, and
// drop the managed session entirely if it was the last client. The
// underlying tmux session is never touched.
func (m *Manager) UnregisterClient(name string, client Client) {
	m.mu.Lock()
	ms, ok := m.managed[name]
	if !ok {
		m.mu.Unlock()
		return
	}
	cc, ok := ms.clients[client]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(ms.clients, client)
	empty := len(ms.clients) == 0
	if empty {
		delete(m.managed, name)
	}
	m.mu.Unlock()

	close(cc.stop)
	<-cc.done
	cc.adapter.Close()
}

func (m *Manager) dropIfEmpty(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ms, ok := m.managed[name]; ok && len(ms.clients) == 0 {
		delete(m.managed, name)
	}
}

// Input implements the client->server "input" message: write keystrokes to
// that client's own PTY.
func (m *Manager) Input(name string, client Client, data []byte) error {
	cc, ok := m.lookupClient(name, client)
	if !ok {
		return apperr.New(apperr.KindSessionNotFound, "no pty for client")
	}
	return cc.adapter.Write(data)
}

// Resize implements the client->server "resize" message.
func (m *Manager) Resize(name string, client Client, cols, rows int) error {
	cc, ok := m.lookupClient(name, client)
	if !ok {
		return apperr.New(apperr.KindSessionNotFound, "no pty for client")
	}
	return cc.adapter.Resize(cols, rows)
}

func (m *Manager) lookupClient(name string, client Client) (*clientConn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.managed[name]
	if !ok {
		return nil, false
	}
	cc, ok := ms.clients[client]
	return cc, ok
}

// readLoop drains one client's PTY, fans decoded output to its owner, and
// runs the streaming state engine over every chunk (§4.4, §5 ordering
// guarantees: output frames precede the state_change they triggered).
func (m *Manager) readLoop(name string, cc *clientConn) {
	defer close(cc.done)

	consecutiveEOF := 0
	for {
		select {
		case <-cc.stop:
			return
		default:
		}

		data, result := cc.adapter.Read()
		switch result {
		case ptyproc.ReadData:
			consecutiveEOF = 0
			text := toValidUTF8(data)
			if err := cc.client.SendOutput(data); err != nil {
				return
			}
			m.observeStreaming(name, text)

		case ptyproc.ReadWouldBlock:
			consecutiveEOF = 0
			select {
			case <-cc.stop:
				return
			case <-time.After(pollInterval):
			}

		case ptyproc.ReadEOF:
			consecutiveEOF++
			if consecutiveEOF < 3 {
				select {
				case <-cc.stop:
					return
				case <-time.After(pollInterval):
				}
				continue
			}
			if !cc.adapter.IsAlive() {
				m.announceDead(name)
				return
			}
			consecutiveEOF = 0
		}
	}
}

// observeStreaming runs the streaming detector for a managed session and
// broadcasts + rate-limit-persists any committed transition.
func (m *Manager) observeStreaming(name string, chunk string) {
	m.mu.Lock()
	ms, ok := m.managed[name]
	m.mu.Unlock()
	if !ok {
		return
	}

	result := ms.detector.Process(chunk)

	m.mu.Lock()
	changed := ms.current != result.State
	if changed {
		ms.current = result.State
	}
	clients := snapshotClients(ms)
	m.mu.Unlock()

	if !changed {
		return
	}

	for _, c := range clients {
		if err := c.SendStateChange(result.State); err != nil {
			m.logger.Debug("sessionmgr: broadcast state_change failed", "session", name, "err", err)
		}
	}
	m.persist(name, result.State)
}

func (m *Manager) announceDead(name string) {
	m.mu.Lock()
	ms, ok := m.managed[name]
	var clients []Client
	if ok && !ms.deadSent {
		ms.deadSent = true
		clients = snapshotClients(ms)
	}
	m.mu.Unlock()

	for _, c := range clients {
		if err := c.SendSessionDead("tmux session is no longer running"); err != nil {
			m.logger.Debug("sessionmgr: send session_dead failed", "session", name, "err", err)
		}
	}
}

func (m *Manager) persist(name string, s state.Session) {
	m.mu.Lock()
	ms, ok := m.managed[name]
	if !ok {
		m.mu.Unlock()
		return
	}
	now := time.Now()
	if !ms.lastPersist.IsZero() && now.Sub(ms.lastPersist) < persistInterval {
		m.mu.Unlock()
		return
	}
	ms.lastPersist = now
	m.mu.Unlock()

	if err := m.store.SaveIdleState(name, string(s)); err != nil {
		m.logger.Warn("sessionmgr: persist idle_state failed", "session", name, "err", err)
	}
	if m.notifier != nil {
		m.notifier.NotifyStateChange(name, s)
	}
}

func snapshotClients(ms *managedSession) []Client {
	out := make([]Client, 0, len(ms.clients))
	for c := range ms.clients {
		out = append(out, c)
	}
	return out
}

func toValidUTF8(b []byte) string {
	return strings.ToValidUTF8(string(b), "�")
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
