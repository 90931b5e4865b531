package registry

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/loppo-llc/termsup/internal/apperr"
	"github.com/loppo-llc/termsup/internal/gitfacade"
	"github.com/loppo-llc/termsup/internal/store"
	"github.com/loppo-llc/termsup/internal/tmuxctl"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "termsup.db")
	st, err := store.OpenAt(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("OpenAt: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(tmuxctl.New(), gitfacade.New(), st, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestCreateSession_RejectsInvalidName(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.CreateSession(CreateRequest{Name: "has spaces", Mode: "direct", Workdir: t.TempDir()})
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("KindOf(err) = %v, want KindValidation", apperr.KindOf(err))
	}
}

func TestCreateSession_DirectModeRequiresWorkdir(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.CreateSession(CreateRequest{Name: "alpha", Mode: "direct"})
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("KindOf(err) = %v, want KindValidation", apperr.KindOf(err))
	}
}

func TestCreateSession_DirectModeRejectsMissingWorkdir(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.CreateSession(CreateRequest{Name: "alpha", Mode: "direct", Workdir: "/no/such/path/termsup-test"})
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("KindOf(err) = %v, want KindValidation", apperr.KindOf(err))
	}
}

func TestCreateSession_WorktreeModeRequiresRepoAndBranch(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.CreateSession(CreateRequest{Name: "alpha", Mode: "worktree"})
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("KindOf(err) = %v, want KindValidation", apperr.KindOf(err))
	}
}

func TestGetSessionWorkdir_UnknownSession(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.GetSessionWorkdir("ghost")
	if apperr.KindOf(err) != apperr.KindSessionNotFound {
		t.Fatalf("KindOf(err) = %v, want KindSessionNotFound", apperr.KindOf(err))
	}
}

func TestGetSessionWorkdir_DeclaredSession(t *testing.T) {
	r := newTestRegistry(t)

	if err := r.store.UpsertSession(store.SessionRow{Name: "alpha", Workdir: "/tmp/alpha-work", Type: "direct"}); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}

	workdir, err := r.GetSessionWorkdir("alpha")
	if err != nil {
		t.Fatalf("GetSessionWorkdir: %v", err)
	}
	if workdir != "/tmp/alpha-work" {
		t.Fatalf("workdir = %q, want /tmp/alpha-work", workdir)
	}
}

func TestPatchSession_UpdatesDeclaredFields(t *testing.T) {
	r := newTestRegistry(t)

	if err := r.store.UpsertSession(store.SessionRow{Name: "alpha", Workdir: "/tmp/alpha", Type: "direct", Description: "old"}); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}

	display := "Alpha Session"
	session, err := r.PatchSession("alpha", PatchUpdate{DisplayName: &display})
	if err != nil {
		t.Fatalf("PatchSession: %v", err)
	}
	if session.DisplayName != display {
		t.Fatalf("DisplayName = %q, want %q", session.DisplayName, display)
	}
	if session.Description != "old" {
		t.Fatalf("Description = %q, want unchanged %q", session.Description, "old")
	}
}

func TestPatchSession_UnknownSessionRejected(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.PatchSession("ghost", PatchUpdate{})
	if apperr.KindOf(err) != apperr.KindSessionNotFound {
		t.Fatalf("KindOf(err) = %v, want KindSessionNotFound", apperr.KindOf(err))
	}
}

func TestListSessions_IncludesDeclaredSessionsWithDerivedState(t *testing.T) {
	r := newTestRegistry(t)

	if err := r.store.UpsertSession(store.SessionRow{Name: "alpha", Workdir: "/tmp/alpha", Type: "direct"}); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}
	if err := r.store.SaveIdleState("alpha", "idle"); err != nil {
		t.Fatalf("SaveIdleState: %v", err)
	}

	sessions, err := r.ListSessions()
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("len(sessions) = %d, want 1", len(sessions))
	}
	if sessions[0].State != "idle" {
		t.Fatalf("State = %q, want idle", sessions[0].State)
	}
	if sessions[0].Live {
		t.Fatal("declared session with no live tmux session should not report Live")
	}
}
