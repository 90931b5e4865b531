// Package registry implements the session registry (§4.7): the merged view
// of declared (SQLite), live (tmux), and derived (idle_state/status)
// session data, plus the create/reset/delete operations that keep all three
// in agreement.
package registry

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"time"

	"github.com/loppo-llc/termsup/internal/apperr"
	"github.com/loppo-llc/termsup/internal/gitfacade"
	"github.com/loppo-llc/termsup/internal/store"
	"github.com/loppo-llc/termsup/internal/tmuxctl"
)

// nameRe is the session name validation pattern named in §3: ASCII letters,
// digits, underscore, and dash only, so a name is always safe to use
// directly as a tmux session name and a worktree directory component.
var nameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Registry owns session creation/reset/deletion and produces the merged
// declared+live+derived session listing.
type Registry struct {
	tmux  *tmuxctl.Client
	git   *gitfacade.Facade
	store *store.Store
	logger *slog.Logger
}

func New(tmux *tmuxctl.Client, git *gitfacade.Facade, st *store.Store, logger *slog.Logger) *Registry {
	return &Registry{tmux: tmux, git: git, store: st, logger: logger}
}

// CreateRequest describes a new declared session. Mode is "direct" (attach
// to an existing path) or "worktree" (create a git worktree off repoPath
// first and use its path as the workdir).
type CreateRequest struct {
	Name               string
	Mode               string // "direct" | "worktree"
	Workdir            string // required for direct mode
	RepoPath           string // required for worktree mode
	Branch             string // required for worktree mode
	CreateBranch       bool
	BaseBranch         string
	Description        string
	DisplayName        string
}

// Session is the merged view §3 describes: declared fields plus whatever
// live/derived data is currently available.
type Session struct {
	Name               string
	Workdir            string
	Description        string
	DisplayName        string
	Type               string
	WorktreeParentRepo string
	WorktreeBranch     string
	LastUsedAt         string
	Live               bool
	State              string // from idle_state, "" if never observed
	Status             string // AI-generated status summary, "" if unset
}

// CreateSession validates the request, creates the tmux session (via the
// shared §4.7 createTmuxSession sequence in internal/tmuxctl), and records
// the declared row. Creating a session whose name is already live is
// rejected; creating one whose declared workdir already exists and matches
// is treated as idempotent (§4.7 edge case).
func (r *Registry) CreateSession(req CreateRequest) (Session, error) {
	if !nameRe.MatchString(req.Name) {
		return Session{}, apperr.New(apperr.KindValidation, "session name must match ^[A-Za-z0-9_-]+$")
	}

	if existing, ok, err := r.store.GetSession(req.Name); err != nil {
		return Session{}, fmt.Errorf("lookup existing session: %w", err)
	} else if ok {
		if r.tmux.HasSession(req.Name) {
			return Session{}, apperr.New(apperr.KindSessionExists, "session "+req.Name+" already exists")
		}
		if existing.Workdir == req.Workdir && req.Workdir != "" {
			if err := r.tmux.CreateTmuxSession(req.Name, existing.Workdir); err != nil {
				return Session{}, apperr.Wrap(apperr.KindInternal, "failed to start tmux session", err)
			}
			return r.toSession(existing), nil
		}
		return Session{}, apperr.New(apperr.KindSessionExists, "session "+req.Name+" already declared")
	}
	if r.tmux.HasSession(req.Name) {
		return Session{}, apperr.New(apperr.KindSessionExists, "a live tmux session named "+req.Name+" already exists")
	}

	row := store.SessionRow{
		Name:        req.Name,
		Description: req.Description,
		DisplayName: req.DisplayName,
		Type:        "direct",
		LastUsedAt:  now(),
	}

	switch req.Mode {
	case "worktree":
		if req.RepoPath == "" || req.Branch == "" {
			return Session{}, apperr.New(apperr.KindValidation, "worktree mode requires repoPath and branch")
		}
		wt, err := r.git.CreateWorktree(req.RepoPath, req.Branch, req.CreateBranch, req.BaseBranch)
		if err != nil {
			return Session{}, err
		}
		row.Workdir = wt.Path
		row.Type = "worktree"
		row.WorktreeParentRepo = req.RepoPath
		row.WorktreeBranch = req.Branch
	default:
		if req.Workdir == "" {
			return Session{}, apperr.New(apperr.KindValidation, "direct mode requires workdir")
		}
		if info, err := os.Stat(req.Workdir); err != nil || !info.IsDir() {
			return Session{}, apperr.New(apperr.KindValidation, "workdir does not exist: "+req.Workdir)
		}
		row.Workdir = req.Workdir
	}

	if err := r.tmux.CreateTmuxSession(req.Name, row.Workdir); err != nil {
		return Session{}, apperr.Wrap(apperr.KindInternal, "failed to start tmux session", err)
	}
	if err := r.store.UpsertSession(row); err != nil {
		return Session{}, fmt.Errorf("persist declared session: %w", err)
	}
	return r.toSession(row), nil
}

// ResetSession implements §4.7 resetSession: kill every window but the
// current one, respawn it in the session's workdir, and re-run the startup
// sequence.
func (r *Registry) ResetSession(name string) error {
	workdir, err := r.GetSessionWorkdir(name)
	if err != nil {
		return err
	}
	if !r.tmux.HasSession(name) {
		return apperr.New(apperr.KindSessionNotFound, "session not found: "+name)
	}
	if err := r.tmux.KillOtherWindows(name); err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to reset session", err)
	}
	if err := r.tmux.RespawnWindow(name, workdir); err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to reset session", err)
	}
	return r.tmux.RunStartupSequence(name, workdir)
}

// DeleteSession implements §4.7 deleteSession: kill the live tmux session
// if present, optionally force-remove a worktree, and drop the declared
// row.
func (r *Registry) DeleteSession(name string, cleanupWorktree bool) error {
	row, ok, err := r.store.GetSession(name)
	if err != nil {
		return fmt.Errorf("lookup session: %w", err)
	}

	if err := r.tmux.KillSession(name); err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to kill tmux session", err)
	}

	if ok && cleanupWorktree && row.Type == "worktree" && row.WorktreeParentRepo != "" {
		if err := r.git.RemoveWorktree(row.WorktreeParentRepo, row.Workdir, true); err != nil {
			r.logger.Warn("registry: worktree removal failed", "session", name, "err", err)
		}
	}

	return r.store.DeleteSession(name)
}

// ListSessions implements §3's merge semantics: the union of declared rows
// and live tmux sessions, annotated with derived idle_state/status data
// where available.
func (r *Registry) ListSessions() ([]Session, error) {
	declared, err := r.store.ListSessions()
	if err != nil {
		return nil, fmt.Errorf("list declared sessions: %w", err)
	}
	live, err := r.tmux.ListSessions()
	if err != nil {
		return nil, fmt.Errorf("list live sessions: %w", err)
	}
	liveSet := make(map[string]bool, len(live))
	for _, name := range live {
		liveSet[name] = true
	}

	seen := make(map[string]bool, len(declared))
	var out []Session
	for _, row := range declared {
		seen[row.Name] = true
		s := r.toSession(row)
		s.Live = liveSet[row.Name]
		out = append(out, s)
	}
	for _, name := range live {
		if seen[name] {
			continue
		}
		workdir, _ := r.tmux.PaneCurrentPath(name)
		s := Session{Name: name, Workdir: workdir, Type: "direct", Live: true}
		r.annotateDerived(&s)
		out = append(out, s)
	}
	return out, nil
}

// TouchSession updates last_used_at for a session, declaring an orphaned
// live-only session with a minimal row on first touch.
func (r *Registry) TouchSession(name string) error {
	return r.store.TouchSession(name)
}

// PatchUpdate carries the subset of Session fields a PATCH request may
// change (§6 `PATCH /api/sessions/{name}`): displayName and description,
// matching original_source's SessionUpdate model. A nil field leaves the
// existing value untouched.
type PatchUpdate struct {
	DisplayName *string
	Description *string
}

// PatchSession applies a partial update to a declared session's metadata.
// An orphaned live-only session (no declared row yet) gets a minimal row
// created on first patch, mirroring original_source's update_session.
func (r *Registry) PatchSession(name string, upd PatchUpdate) (Session, error) {
	row, ok, err := r.store.GetSession(name)
	if err != nil {
		return Session{}, fmt.Errorf("lookup session: %w", err)
	}
	if !ok {
		if !r.tmux.HasSession(name) {
			return Session{}, apperr.New(apperr.KindSessionNotFound, "session not found: "+name)
		}
		row = store.SessionRow{Name: name, Type: "direct", LastUsedAt: now()}
	}
	if upd.DisplayName != nil {
		row.DisplayName = *upd.DisplayName
	}
	if upd.Description != nil {
		row.Description = *upd.Description
	}
	if err := r.store.UpsertSession(row); err != nil {
		return Session{}, fmt.Errorf("persist session patch: %w", err)
	}
	return r.toSession(row), nil
}

// GetSessionWorkdir resolves a session's working directory: declared
// workdir first, falling back to tmux's live pane_current_path for an
// orphaned live session, else SessionNotFound.
func (r *Registry) GetSessionWorkdir(name string) (string, error) {
	row, ok, err := r.store.GetSession(name)
	if err != nil {
		return "", fmt.Errorf("lookup session: %w", err)
	}
	if ok && row.Workdir != "" {
		return row.Workdir, nil
	}
	if r.tmux.HasSession(name) {
		if path, err := r.tmux.PaneCurrentPath(name); err == nil && path != "" {
			return path, nil
		}
	}
	return "", apperr.New(apperr.KindSessionNotFound, "session not found: "+name)
}

func (r *Registry) toSession(row store.SessionRow) Session {
	s := Session{
		Name:               row.Name,
		Workdir:            row.Workdir,
		Description:        row.Description,
		DisplayName:        row.DisplayName,
		Type:               row.Type,
		WorktreeParentRepo: row.WorktreeParentRepo,
		WorktreeBranch:     row.WorktreeBranch,
		LastUsedAt:         row.LastUsedAt,
	}
	r.annotateDerived(&s)
	return s
}

func (r *Registry) annotateDerived(s *Session) {
	if state, _, ok, err := r.store.GetIdleState(s.Name); err == nil && ok {
		s.State = state
	}
	if status, _, ok, err := r.store.GetStatus(s.Name); err == nil && ok {
		s.Status = status
	}
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
