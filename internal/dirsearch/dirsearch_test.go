package dirsearch

import (
	"os"
	"path/filepath"
	"testing"
)

func mkRepo(t *testing.T, root, name string) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(filepath.Join(dir, ".git"), 0o755); err != nil {
		t.Fatal(err)
	}
}

func TestSearch_FindsMatchingRepos(t *testing.T) {
	root := t.TempDir()
	mkRepo(t, root, "widget-service")
	mkRepo(t, root, "other-thing")
	if err := os.MkdirAll(filepath.Join(root, "node_modules", "nested-repo", ".git"), 0o755); err != nil {
		t.Fatal(err)
	}

	results := Search(root, "widget", 20)
	if len(results) != 1 || results[0].Name != "widget-service" {
		t.Fatalf("expected one match for widget-service, got %+v", results)
	}
}

func TestSearch_SkipsIgnoredDirs(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "node_modules", "buried-repo", ".git"), 0o755); err != nil {
		t.Fatal(err)
	}

	results := Search(root, "", 20)
	if len(results) != 0 {
		t.Fatalf("expected node_modules to be skipped entirely, got %+v", results)
	}
}

func TestSearch_RespectsLimit(t *testing.T) {
	root := t.TempDir()
	for i := 0; i < 5; i++ {
		mkRepo(t, root, string(rune('a'+i))+"-repo")
	}

	results := Search(root, "", 3)
	if len(results) != 3 {
		t.Fatalf("expected limit of 3, got %d", len(results))
	}
}

func TestSearch_MissingBaseDirReturnsEmpty(t *testing.T) {
	results := Search(filepath.Join(t.TempDir(), "does-not-exist"), "", 20)
	if results != nil {
		t.Fatalf("expected nil for missing base dir, got %+v", results)
	}
}
