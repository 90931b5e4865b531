// Package filebrowser implements the derived file access layer: a
// root-relative listing and a path-escape-protected file reader, with a
// short-lived per-root listing cache so repeated sidebar refreshes don't
// re-walk large trees.
package filebrowser

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/loppo-llc/termsup/internal/apperr"
)

var ignoreDirs = map[string]bool{
	".git": true, "node_modules": true, "__pycache__": true,
	".venv": true, "venv": true, "dist": true, "build": true,
}

var extToLanguage = map[string]string{
	".py": "python", ".js": "javascript", ".ts": "typescript", ".tsx": "tsx",
	".jsx": "jsx", ".json": "json", ".md": "markdown", ".sh": "bash",
	".css": "css", ".html": "html", ".yaml": "yaml", ".yml": "yaml", ".toml": "toml",
}

// Entry is one file or directory in a listing.
type Entry struct {
	Path string
	Type string // "file" | "directory"
	Size *int64
}

// FileContent is the result of reading a single file.
type FileContent struct {
	Content  string
	Language string
	Path     string
}

const listingTTL = 10 * time.Second

type cacheEntry struct {
	entries []Entry
	at      time.Time
}

// Browser lists and reads files under a project root, caching listings per
// root for listingTTL.
type Browser struct {
	mu    sync.Mutex
	cache map[string]cacheEntry
}

func New() *Browser {
	return &Browser{cache: make(map[string]cacheEntry)}
}

// ListProjectFiles recursively walks root, skipping the standard ignored
// directory names, and returns entries sorted by path. Cached per root for
// 10s.
func (b *Browser) ListProjectFiles(root string) ([]Entry, error) {
	b.mu.Lock()
	if c, ok := b.cache[root]; ok && time.Since(c.at) < listingTTL {
		entries := c.entries
		b.mu.Unlock()
		return entries, nil
	}
	b.mu.Unlock()

	var entries []Entry
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		for _, part := range strings.Split(rel, string(filepath.Separator)) {
			if ignoreDirs[part] {
				if info.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}

		if info.IsDir() {
			entries = append(entries, Entry{Path: rel, Type: "directory"})
			return nil
		}
		size := info.Size()
		entries = append(entries, Entry{Path: rel, Type: "file", Size: &size})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })

	b.mu.Lock()
	b.cache[root] = cacheEntry{entries: entries, at: time.Now()}
	b.mu.Unlock()

	return entries, nil
}

// Invalidate drops the cached listing for root, e.g. after a file upload.
func (b *Browser) Invalidate(root string) {
	b.mu.Lock()
	delete(b.cache, root)
	b.mu.Unlock()
}

// ReadFile reads a root-relative path after verifying it cannot escape
// root. Always resolve both sides to canonical absolute paths and compare
// the canonical forms — never trust raw string prefixing of user input.
func (b *Browser) ReadFile(root, relPath string) (FileContent, error) {
	full := filepath.Join(root, relPath)

	if !withinRoot(full, root) {
		return FileContent{}, apperr.New(apperr.KindValidation, "path escapes project root")
	}

	info, err := os.Stat(full)
	if err != nil {
		return FileContent{}, apperr.New(apperr.KindValidation, "file not found")
	}
	if info.IsDir() {
		return FileContent{}, apperr.New(apperr.KindValidation, "path is not a file")
	}

	data, err := os.ReadFile(full)
	if err != nil {
		return FileContent{}, fmt.Errorf("read %s: %w", full, err)
	}

	return FileContent{
		Content:  string(data), // lossy UTF-8 in the sense that invalid bytes are kept as-is by Go strings
		Language: languageFor(full),
		Path:     relPath,
	}, nil
}

// withinRoot resolves both path and root to their canonical absolute forms
// (following symlinks where possible) and tests the prefix relationship on
// those canonical forms only.
func withinRoot(path, root string) bool {
	resolvedRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		resolvedRoot, err = filepath.Abs(root)
		if err != nil {
			return false
		}
	}

	resolvedPath, err := filepath.EvalSymlinks(path)
	if err != nil {
		// Target may not exist yet (e.g. a file about to be created);
		// fall back to resolving its parent directory instead.
		parent, parentErr := filepath.EvalSymlinks(filepath.Dir(path))
		if parentErr != nil {
			return false
		}
		resolvedPath = filepath.Join(parent, filepath.Base(path))
	}

	if resolvedPath == resolvedRoot {
		return true
	}
	return strings.HasPrefix(resolvedPath, resolvedRoot+string(filepath.Separator))
}

func languageFor(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if lang, ok := extToLanguage[ext]; ok {
		return lang
	}
	return "text"
}
