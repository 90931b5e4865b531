// Package diffcache keeps a precomputed git diff snapshot for sessions
// clients are actually looking at, so a dashboard rendering N sessions'
// change counts never shells out to git N times on every poll (§4.6).
package diffcache

import (
	"log/slog"
	"sync"
	"time"

	"github.com/loppo-llc/termsup/internal/gitfacade"
)

// interestTTL is how long a markActive call keeps a session in the active
// set without being refreshed by another call.
const interestTTL = 60 * time.Second

// RefreshInterval is how often the active set is recomputed, meant to be
// driven by an internal/scheduler job.
const RefreshInterval = 5 * time.Second

// WorkdirLookup resolves a session name to the workdir its diff should be
// computed against.
type WorkdirLookup func(sessionName string) (workdir string, ok bool)

type entry struct {
	snapshot gitfacade.DiffSnapshot
	computed time.Time
}

// Cache holds the most recently computed DiffSnapshot per session, refreshed
// only for sessions a client has expressed interest in recently.
type Cache struct {
	mu           sync.Mutex
	git          *gitfacade.Facade
	lookupWorkdir WorkdirLookup
	logger       *slog.Logger

	lastInterest map[string]time.Time
	snapshots    map[string]entry
}

func New(git *gitfacade.Facade, lookup WorkdirLookup, logger *slog.Logger) *Cache {
	return &Cache{
		git:          git,
		lookupWorkdir: lookup,
		logger:       logger,
		lastInterest: make(map[string]time.Time),
		snapshots:    make(map[string]entry),
	}
}

// markActive records that a client is currently interested in a session's
// diff, extending its refresh window by interestTTL. Called from getDiff,
// never from getStats (§8 testable property 8, scenario S6): asking for
// just the additions/deletions count must not itself keep a session's full
// diff warm.
func (c *Cache) markActive(sessionName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastInterest[sessionName] = time.Now()
}

// activeSessions returns every session with interest recorded within the
// last interestTTL.
func (c *Cache) activeSessions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	var out []string
	for name, last := range c.lastInterest {
		if now.Sub(last) <= interestTTL {
			out = append(out, name)
		} else {
			delete(c.lastInterest, name)
			delete(c.snapshots, name)
		}
	}
	return out
}

// Refresh recomputes the diff for every currently active session. Meant to
// be called on RefreshInterval by the scheduler.
func (c *Cache) Refresh() {
	for _, name := range c.activeSessions() {
		workdir, ok := c.lookupWorkdir(name)
		if !ok {
			continue
		}
		snap, err := c.git.DiffWithUntracked(workdir)
		if err != nil {
			c.logger.Warn("diffcache: refresh failed", "session", name, "err", err)
			continue
		}
		c.mu.Lock()
		c.snapshots[name] = entry{snapshot: snap, computed: time.Now()}
		c.mu.Unlock()
	}
}

// GetDiff returns the cached diff snapshot for a session — an empty
// snapshot if nothing has been computed for it yet — and marks the
// session active so the next Refresh() populates it. It never itself
// shells out to git: diff computation stays off the request path (§4.6),
// confined to Refresh.
func (c *Cache) GetDiff(sessionName string) (gitfacade.DiffSnapshot, error) {
	c.markActive(sessionName)

	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.snapshots[sessionName]
	if !ok {
		return gitfacade.DiffSnapshot{}, nil
	}
	return e.snapshot, nil
}

// GetStats returns only the aggregate addition/deletion counts of the
// cached snapshot — zero if nothing has been computed for it yet. It
// deliberately does NOT call markActive (a stats-only poll must not by
// itself keep a session's full diff warm) and, like GetDiff, never
// computes synchronously.
func (c *Cache) GetStats(sessionName string) (gitfacade.DiffStats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.snapshots[sessionName]
	if !ok {
		return gitfacade.DiffStats{}, nil
	}
	return e.snapshot.Stats, nil
}

// Invalidate drops any cached snapshot for a session immediately. Callers
// invoke this right after a commit, reset, checkout, or pull so GetDiff/
// GetStats return an empty result instead of stale data until the next
// Refresh recomputes the snapshot.
func (c *Cache) Invalidate(sessionName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.snapshots, sessionName)
}
