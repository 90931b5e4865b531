// Package dirsearch implements the directories search endpoint (§6
// `GET /api/directories/search`): a depth-limited walk of a configured
// repo-search root looking for git repositories whose leaf name matches a
// query.
package dirsearch

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// skipDirs extends filebrowser's ignore set with the original_source
// REPO_SEARCH_SKIP_DIRS additions (.cache/.tox/.nox) — this walk crawls a
// user's entire ~/src tree, so it is more conservative about what it
// descends into than the project file browser.
var skipDirs = map[string]bool{
	".git": true, "node_modules": true, "__pycache__": true,
	".venv": true, "venv": true, "dist": true, "build": true,
	".cache": true, ".tox": true, ".nox": true,
}

const maxDepth = 3

// Repo is one matching directory: its absolute path and leaf name.
type Repo struct {
	Path string
	Name string
}

// Search walks baseDir up to maxDepth looking for directories containing a
// `.git` entry whose name contains query (case-insensitive), returning at
// most limit results sorted by name. A baseDir that does not exist yields
// an empty result, not an error.
func Search(baseDir, query string, limit int) []Repo {
	info, err := os.Stat(baseDir)
	if err != nil || !info.IsDir() {
		return nil
	}

	queryLower := strings.ToLower(query)
	var results []Repo

	var walk func(dir string, depth int)
	walk = func(dir string, depth int) {
		if depth > maxDepth || len(results) >= limit {
			return
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			return
		}
		for _, e := range entries {
			if len(results) >= limit {
				return
			}
			if !e.IsDir() || shouldSkip(e.Name()) {
				continue
			}
			full := filepath.Join(dir, e.Name())
			if isGitRepo(full) {
				if strings.Contains(strings.ToLower(e.Name()), queryLower) {
					results = append(results, Repo{Path: full, Name: e.Name()})
				}
				continue
			}
			walk(full, depth+1)
		}
	}
	walk(baseDir, 0)

	sort.Slice(results, func(i, j int) bool {
		return strings.ToLower(results[i].Name) < strings.ToLower(results[j].Name)
	})
	return results
}

func shouldSkip(name string) bool {
	return strings.HasPrefix(name, ".") || skipDirs[name]
}

func isGitRepo(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil
}
