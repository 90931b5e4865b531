package diffcache

import (
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/loppo-llc/termsup/internal/gitfacade"
)

func writeFile(t *testing.T, dir, name, content string) error {
	t.Helper()
	return os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}
	run("init")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	return dir
}

func TestCache_GetStats_DoesNotMarkActive(t *testing.T) {
	dir := initRepo(t)
	git := gitfacade.New()
	lookup := func(name string) (string, bool) {
		if name != "sess" {
			return "", false
		}
		return dir, true
	}
	c := New(git, lookup, discardLogger())

	if _, err := c.GetStats("sess"); err != nil {
		t.Fatalf("GetStats: %v", err)
	}

	if len(c.activeSessions()) != 0 {
		t.Fatal("GetStats must not mark the session active")
	}
}

func TestCache_GetDiff_MarksActive(t *testing.T) {
	dir := initRepo(t)
	git := gitfacade.New()
	lookup := func(name string) (string, bool) { return dir, true }
	c := New(git, lookup, discardLogger())

	if _, err := c.GetDiff("sess"); err != nil {
		t.Fatalf("GetDiff: %v", err)
	}

	active := c.activeSessions()
	if len(active) != 1 || active[0] != "sess" {
		t.Fatalf("activeSessions = %v, want [sess]", active)
	}
}

// GetDiff must never itself shell out to git: before any Refresh() has
// run, a cold session returns an empty snapshot rather than blocking the
// caller on a synchronous git diff (§4.6).
func TestCache_GetDiff_ColdMissNeverComputesSynchronously(t *testing.T) {
	dir := initRepo(t)
	if err := writeFile(t, dir, "new.txt", "a\nb\n"); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	git := gitfacade.New()
	lookup := func(name string) (string, bool) { return dir, true }
	c := New(git, lookup, discardLogger())

	snap, err := c.GetDiff("sess")
	if err != nil {
		t.Fatalf("GetDiff: %v", err)
	}
	if len(snap.Files) != 0 {
		t.Fatalf("expected empty snapshot on cold miss, got %+v", snap)
	}
	if stats, err := c.GetStats("sess"); err != nil || stats != (gitfacade.DiffStats{}) {
		t.Fatalf("GetStats on cold miss = %+v, %v, want zero value", stats, err)
	}
}

// Only Refresh() may compute a diff: after marking a session active via
// GetDiff, running Refresh populates the cache and subsequent reads see it.
func TestCache_Refresh_PopulatesActiveSessions(t *testing.T) {
	dir := initRepo(t)
	if err := writeFile(t, dir, "new.txt", "a\nb\n"); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	git := gitfacade.New()
	lookup := func(name string) (string, bool) { return dir, true }
	c := New(git, lookup, discardLogger())

	if _, err := c.GetDiff("sess"); err != nil {
		t.Fatalf("GetDiff: %v", err)
	}
	c.Refresh()

	snap, err := c.GetDiff("sess")
	if err != nil {
		t.Fatalf("GetDiff after Refresh: %v", err)
	}
	if len(snap.Files) != 1 || snap.Files[0].Path != "new.txt" {
		t.Fatalf("expected new.txt in refreshed snapshot, got %+v", snap.Files)
	}

	stats, err := c.GetStats("sess")
	if err != nil {
		t.Fatalf("GetStats after Refresh: %v", err)
	}
	if stats.Additions != 3 {
		t.Fatalf("additions = %d, want 3", stats.Additions)
	}
}

func TestCache_Invalidate_DropsSnapshot(t *testing.T) {
	dir := initRepo(t)
	git := gitfacade.New()
	lookup := func(name string) (string, bool) { return dir, true }
	c := New(git, lookup, discardLogger())

	if _, err := c.GetDiff("sess"); err != nil {
		t.Fatalf("GetDiff: %v", err)
	}
	c.Refresh()
	c.Invalidate("sess")

	c.mu.Lock()
	_, ok := c.snapshots["sess"]
	c.mu.Unlock()
	if ok {
		t.Fatal("expected snapshot to be evicted after Invalidate")
	}
}

func TestCache_UnknownSession_ReturnsEmpty(t *testing.T) {
	git := gitfacade.New()
	lookup := func(name string) (string, bool) { return "", false }
	c := New(git, lookup, discardLogger())

	snap, err := c.GetDiff("missing")
	if err != nil {
		t.Fatalf("GetDiff: %v", err)
	}
	if len(snap.Files) != 0 {
		t.Fatalf("expected empty snapshot, got %+v", snap)
	}
}
