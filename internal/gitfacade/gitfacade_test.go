package gitfacade

import (
	"os"
	"os/exec"
	"strings"
	"testing"
)

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}

func TestSanitizeBranchForPath_SlashesBecomeDashes(t *testing.T) {
	if got := SanitizeBranchForPath("feat/login"); got != "feat-login" {
		t.Fatalf("got %q, want feat-login", got)
	}
}

func TestSanitizeBranchForPath_HashBecomesDash(t *testing.T) {
	if got := SanitizeBranchForPath("fix/bug#123"); got != "fix-bug-123" {
		t.Fatalf("got %q, want fix-bug-123", got)
	}
}

func TestSanitizeBranchForPath_CollapsesRunsAndTrims(t *testing.T) {
	if got := SanitizeBranchForPath("///foo///"); got != "foo" {
		t.Fatalf("got %q, want foo", got)
	}
}

func TestParseDiffOutput_SplitsFilesAndCountsLines(t *testing.T) {
	diff := "diff --git a/a.txt b/a.txt\n" +
		"index 123..456 100644\n" +
		"--- a/a.txt\n" +
		"+++ b/a.txt\n" +
		"@@ -1,1 +1,2 @@\n" +
		" line1\n" +
		"+line2\n" +
		"diff --git a/b.txt b/b.txt\n" +
		"--- a/b.txt\n" +
		"+++ b/b.txt\n" +
		"-removed\n"

	files, stats := parseDiffOutput(diff)
	if len(files) != 2 {
		t.Fatalf("got %d files, want 2", len(files))
	}
	if files[0].Path != "a.txt" || files[1].Path != "b.txt" {
		t.Fatalf("unexpected file paths: %+v", files)
	}
	if stats.Additions != 1 {
		t.Fatalf("additions = %d, want 1", stats.Additions)
	}
	if stats.Deletions != 1 {
		t.Fatalf("deletions = %d, want 1", stats.Deletions)
	}
}

func TestFormatRelativeDate(t *testing.T) {
	got := formatRelativeDate("2024-05-01T12:34:56+00:00")
	if got != "2024-05-01 12:34" {
		t.Fatalf("got %q, want 2024-05-01 12:34", got)
	}
}

func TestShortHash(t *testing.T) {
	if got := shortHash("0123456789abcdef"); got != "0123456" {
		t.Fatalf("got %q, want 0123456", got)
	}
}

func TestGenerateUntrackedDiff_AllAdditionsPseudoDiff(t *testing.T) {
	dir := t.TempDir()
	if err := writeFile(dir+"/new.txt", "a\nb\n"); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	entry, stats, err := generateUntrackedDiff(dir, "new.txt")
	if err != nil {
		t.Fatalf("generateUntrackedDiff: %v", err)
	}
	if entry.Path != "new.txt" {
		t.Fatalf("path = %q, want new.txt", entry.Path)
	}
	if entry.OldContent != nil {
		t.Fatalf("oldContent should be nil for a new file")
	}
	if entry.NewContent == nil || *entry.NewContent != "a\nb\n" {
		t.Fatalf("newContent = %v, want a\\nb\\n", entry.NewContent)
	}
	// "a\nb\n" splits into ["a", "b", ""] -> three + lines.
	if stats.Additions != 3 {
		t.Fatalf("additions = %d, want 3", stats.Additions)
	}
}

// TestDiffWithUntracked_PopulatesTrackedFileContents is the regression test
// for the bug where tracked-file diff entries never got OldContent/NewContent
// populated: parseDiffOutput only fills Path/Diff, so DiffWithUntracked must
// separately read the HEAD blob and the working-tree file for each entry.
func TestDiffWithUntracked_PopulatesTrackedFileContents(t *testing.T) {
	dir := t.TempDir()
	if err := writeFile(dir+"/tracked.txt", "one\ntwo\n"); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	runGit(t, dir, "init")
	runGit(t, dir, "add", "tracked.txt")
	runGit(t, dir, "commit", "-m", "initial")

	if err := writeFile(dir+"/tracked.txt", "one\ntwo\nthree\n"); err != nil {
		t.Fatalf("modify fixture: %v", err)
	}

	f := New()
	snap, err := f.DiffWithUntracked(dir)
	if err != nil {
		t.Fatalf("DiffWithUntracked: %v", err)
	}

	var entry *DiffEntry
	for i := range snap.Files {
		if snap.Files[i].Path == "tracked.txt" {
			entry = &snap.Files[i]
		}
	}
	if entry == nil {
		t.Fatalf("tracked.txt not found in snapshot: %+v", snap.Files)
	}
	if entry.OldContent == nil || *entry.OldContent != "one\ntwo\n" {
		t.Fatalf("oldContent = %v, want \"one\\ntwo\\n\"", entry.OldContent)
	}
	if entry.NewContent == nil || *entry.NewContent != "one\ntwo\nthree\n" {
		t.Fatalf("newContent = %v, want \"one\\ntwo\\nthree\\n\"", entry.NewContent)
	}
}

// TestCommitDiff_PopulatesContentsAcrossParent covers the hash^ lookup for a
// commit with a parent: OldContent must come from the parent commit's blob
// and NewContent from the commit itself.
func TestCommitDiff_PopulatesContentsAcrossParent(t *testing.T) {
	dir := t.TempDir()
	runGit(t, dir, "init")
	if err := writeFile(dir+"/f.txt", "v1\n"); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	runGit(t, dir, "add", "f.txt")
	runGit(t, dir, "commit", "-m", "first")

	if err := writeFile(dir+"/f.txt", "v1\nv2\n"); err != nil {
		t.Fatalf("modify fixture: %v", err)
	}
	runGit(t, dir, "add", "f.txt")
	runGit(t, dir, "commit", "-m", "second")

	out, err := exec.Command("git", "-C", dir, "rev-parse", "HEAD").Output()
	if err != nil {
		t.Fatalf("rev-parse HEAD: %v", err)
	}
	hash := strings.TrimSpace(string(out))

	f := New()
	_, snap, err := f.CommitDiff(dir, hash)
	if err != nil {
		t.Fatalf("CommitDiff: %v", err)
	}
	if len(snap.Files) != 1 || snap.Files[0].Path != "f.txt" {
		t.Fatalf("unexpected files: %+v", snap.Files)
	}
	entry := snap.Files[0]
	if entry.OldContent == nil || *entry.OldContent != "v1\n" {
		t.Fatalf("oldContent = %v, want \"v1\\n\"", entry.OldContent)
	}
	if entry.NewContent == nil || *entry.NewContent != "v1\nv2\n" {
		t.Fatalf("newContent = %v, want \"v1\\nv2\\n\"", entry.NewContent)
	}
}

// TestCommitDiff_RootCommitHasNilOldContent covers the root-commit case,
// where hash^ doesn't exist: OldContent must stay nil rather than error.
func TestCommitDiff_RootCommitHasNilOldContent(t *testing.T) {
	dir := t.TempDir()
	runGit(t, dir, "init")
	if err := writeFile(dir+"/f.txt", "only\n"); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	runGit(t, dir, "add", "f.txt")
	runGit(t, dir, "commit", "-m", "root")

	out, err := exec.Command("git", "-C", dir, "rev-parse", "HEAD").Output()
	if err != nil {
		t.Fatalf("rev-parse HEAD: %v", err)
	}
	hash := strings.TrimSpace(string(out))

	f := New()
	_, snap, err := f.CommitDiff(dir, hash)
	if err != nil {
		t.Fatalf("CommitDiff: %v", err)
	}
	if len(snap.Files) != 1 || snap.Files[0].Path != "f.txt" {
		t.Fatalf("unexpected files: %+v", snap.Files)
	}
	entry := snap.Files[0]
	if entry.OldContent != nil {
		t.Fatalf("oldContent = %v, want nil for a root commit", entry.OldContent)
	}
	if entry.NewContent == nil || *entry.NewContent != "only\n" {
		t.Fatalf("newContent = %v, want \"only\\n\"", entry.NewContent)
	}
}
