// Package idlemonitor polls every live tmux session on a fixed interval and
// maintains its inferred state independent of whether any client is
// attached over the WebSocket stream, so the session list can always show
// an accurate state even with nobody watching.
package idlemonitor

import (
	"log/slog"
	"sync"
	"time"

	"github.com/loppo-llc/termsup/internal/state"
	"github.com/loppo-llc/termsup/internal/store"
	"github.com/loppo-llc/termsup/internal/tmuxctl"
)

// PollInterval is how often every live session's pane is re-captured and
// re-analyzed.
const PollInterval = 2 * time.Second

// Notifier is the subset of internal/notify.Manager the monitor needs, kept
// as an interface so tests don't require a real VAPID keypair.
type Notifier interface {
	NotifyStateChange(sessionName string, s state.Session)
}

// Monitor tracks per-session state-inference detectors and persists state
// transitions.
type Monitor struct {
	tmux     *tmuxctl.Client
	st       *store.Store
	notifier Notifier
	logger   *slog.Logger

	mu        sync.Mutex
	detectors map[string]*state.Detector
	states    map[string]state.Session
	workingAt map[string]time.Time
}

func New(tmux *tmuxctl.Client, st *store.Store, notifier Notifier, logger *slog.Logger) *Monitor {
	return &Monitor{
		tmux:      tmux,
		st:        st,
		notifier:  notifier,
		logger:    logger,
		detectors: make(map[string]*state.Detector),
		states:    make(map[string]state.Session),
		workingAt: make(map[string]time.Time),
	}
}

// State returns the last-known state for a session, or state.Unknown if the
// monitor has never observed it.
func (m *Monitor) State(sessionName string) state.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[sessionName]
	if !ok {
		return state.Unknown
	}
	return s
}

// Tick runs one polling pass over every currently live tmux session. It is
// meant to be driven by an internal/scheduler job at PollInterval.
func (m *Monitor) Tick() {
	sessions, err := m.tmux.ListSessions()
	if err != nil {
		m.logger.Warn("idle monitor: failed to list live sessions", "err", err)
		return
	}

	live := make(map[string]bool, len(sessions))
	for _, name := range sessions {
		live[name] = true
	}

	m.mu.Lock()
	for name := range m.detectors {
		if !live[name] {
			delete(m.detectors, name)
			delete(m.states, name)
			delete(m.workingAt, name)
		}
	}
	m.mu.Unlock()

	for _, name := range sessions {
		m.checkSession(name)
	}
}

func (m *Monitor) checkSession(sessionName string) {
	content, err := m.tmux.CapturePaneContent(sessionName)
	if err != nil {
		m.logger.Warn("idle monitor: failed to capture pane", "session", sessionName, "err", err)
		return
	}
	if content == "" {
		return
	}

	m.mu.Lock()
	detector, ok := m.detectors[sessionName]
	if !ok {
		detector = state.New()
		m.detectors[sessionName] = detector
	}
	m.mu.Unlock()

	result := detector.AnalyzeInitial(content)
	result.State = m.applyStallOverride(sessionName, result)

	m.mu.Lock()
	oldState, known := m.states[sessionName]
	changed := !known || oldState != result.State
	if changed {
		m.states[sessionName] = result.State
	}
	m.mu.Unlock()

	if changed {
		m.logger.Info("session state changed", "session", sessionName, "from", oldState, "to", result.State)
		if err := m.st.SaveIdleState(sessionName, string(result.State)); err != nil {
			m.logger.Warn("idle monitor: failed to persist state", "session", sessionName, "err", err)
		}
		if m.notifier != nil {
			m.notifier.NotifyStateChange(sessionName, result.State)
		}
	}
}

// applyStallOverride mirrors the streaming detector's own stall overlay for
// the snapshot-only path this monitor uses: continuous WORKING for longer
// than the stall threshold is reported as STALLED instead.
func (m *Monitor) applyStallOverride(sessionName string, result state.Result) state.Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if result.State != state.Working {
		delete(m.workingAt, sessionName)
		return result.State
	}

	since, ok := m.workingAt[sessionName]
	if !ok {
		m.workingAt[sessionName] = time.Now()
		return result.State
	}
	if time.Since(since) > state.StallThreshold {
		return state.Stalled
	}
	return result.State
}
