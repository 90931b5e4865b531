package filebrowser

import (
	"os"
	"path/filepath"
	"testing"
)

func TestBrowser_ListProjectFiles_SkipsIgnoredDirs(t *testing.T) {
	root := t.TempDir()
	mustWrite(t, filepath.Join(root, "main.go"), "package main")
	mustMkdir(t, filepath.Join(root, "node_modules"))
	mustWrite(t, filepath.Join(root, "node_modules", "x.js"), "ignored")
	mustMkdir(t, filepath.Join(root, "src"))
	mustWrite(t, filepath.Join(root, "src", "lib.go"), "package src")

	b := New()
	entries, err := b.ListProjectFiles(root)
	if err != nil {
		t.Fatalf("ListProjectFiles: %v", err)
	}

	for _, e := range entries {
		if e.Path == "node_modules" || e.Path == filepath.Join("node_modules", "x.js") {
			t.Fatalf("ignored directory leaked into listing: %+v", e)
		}
	}

	foundMain, foundLib := false, false
	for _, e := range entries {
		if e.Path == "main.go" {
			foundMain = true
		}
		if e.Path == filepath.Join("src", "lib.go") {
			foundLib = true
		}
	}
	if !foundMain || !foundLib {
		t.Fatalf("expected entries missing: %+v", entries)
	}
}

func TestBrowser_ReadFile_RejectsPathEscape(t *testing.T) {
	root := t.TempDir()
	mustWrite(t, filepath.Join(root, "inside.txt"), "safe")

	outsideDir := t.TempDir()
	mustWrite(t, filepath.Join(outsideDir, "secret.txt"), "nope")

	b := New()
	_, err := b.ReadFile(root, filepath.Join("..", filepath.Base(outsideDir), "secret.txt"))
	if err == nil {
		t.Fatal("expected path-escape rejection, got nil error")
	}
}

func TestBrowser_ReadFile_InfersLanguage(t *testing.T) {
	root := t.TempDir()
	mustWrite(t, filepath.Join(root, "app.py"), "print('hi')")

	b := New()
	fc, err := b.ReadFile(root, "app.py")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if fc.Language != "python" {
		t.Fatalf("language = %q, want python", fc.Language)
	}
	if fc.Content != "print('hi')" {
		t.Fatalf("content = %q", fc.Content)
	}
}

func TestBrowser_ReadFile_UnknownExtensionDefaultsText(t *testing.T) {
	root := t.TempDir()
	mustWrite(t, filepath.Join(root, "data.bin"), "x")

	b := New()
	fc, err := b.ReadFile(root, "data.bin")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if fc.Language != "text" {
		t.Fatalf("language = %q, want text", fc.Language)
	}
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func mustMkdir(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", path, err)
	}
}
