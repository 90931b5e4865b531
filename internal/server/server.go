// Package server exposes the JSON/WebSocket API described in §6: session
// CRUD and per-session data (todos, scratchpad, status) over plain JSON,
// terminal I/O over a WebSocket stream, and read/write git + derived-file
// access scoped to a session's workdir.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/loppo-llc/termsup/internal/apperr"
	"github.com/loppo-llc/termsup/internal/completion"
	"github.com/loppo-llc/termsup/internal/diffcache"
	"github.com/loppo-llc/termsup/internal/dirsearch"
	"github.com/loppo-llc/termsup/internal/filebrowser"
	"github.com/loppo-llc/termsup/internal/gitfacade"
	"github.com/loppo-llc/termsup/internal/notify"
	"github.com/loppo-llc/termsup/internal/registry"
	"github.com/loppo-llc/termsup/internal/sessionmgr"
	"github.com/loppo-llc/termsup/internal/store"
)

// Config wires every dependency the server needs. Every field is required;
// the caller (cmd/termsupd) owns construction order and lifecycle.
type Config struct {
	Addr      string
	Logger    *slog.Logger
	Store     *store.Store
	Registry  *registry.Registry
	Sessions  *sessionmgr.Manager
	Git       *gitfacade.Facade
	Files     *filebrowser.Browser
	Diffs     *diffcache.Cache
	Notify    *notify.Manager
	Completer completion.Completer
	Version   string
}

// Server holds the wired dependencies and the underlying http.Server.
type Server struct {
	cfg     Config
	mux     *http.ServeMux
	httpSrv *http.Server
}

func New(cfg Config) *Server {
	s := &Server{cfg: cfg, mux: http.NewServeMux()}
	s.routes()
	s.httpSrv = &http.Server{
		Addr:    cfg.Addr,
		Handler: s.mux,
	}
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/info", s.handleInfo)

	s.mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	s.mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	s.mux.HandleFunc("GET /api/sessions/{name}", s.handleGetSession)
	s.mux.HandleFunc("PATCH /api/sessions/{name}", s.handlePatchSession)
	s.mux.HandleFunc("DELETE /api/sessions/{name}", s.handleDeleteSession)
	s.mux.HandleFunc("POST /api/sessions/{name}/reset", s.handleResetSession)
	s.mux.HandleFunc("POST /api/sessions/{name}/touch", s.handleTouchSession)
	s.mux.HandleFunc("GET /api/sessions/branches", s.handleWorktreeBranches)

	s.mux.HandleFunc("GET /api/directories/search", s.handleDirectorySearch)

	s.mux.HandleFunc("GET /api/session/{name}/stream", s.handleWebSocket)

	s.mux.HandleFunc("GET /api/sessions/{name}/todos", s.handleGetTodos)
	s.mux.HandleFunc("PUT /api/sessions/{name}/todos", s.handlePutTodos)
	s.mux.HandleFunc("GET /api/sessions/{name}/scratchpad", s.handleGetScratchpad)
	s.mux.HandleFunc("PUT /api/sessions/{name}/scratchpad", s.handlePutScratchpad)
	s.mux.HandleFunc("GET /api/sessions/{name}/status", s.handleGetStatus)

	s.mux.HandleFunc("GET /api/sessions/{name}/git/status", s.handleGitStatus)
	s.mux.HandleFunc("GET /api/sessions/{name}/git/diff", s.handleGitDiff)
	s.mux.HandleFunc("GET /api/sessions/{name}/git/diff/stats", s.handleGitDiffStats)
	s.mux.HandleFunc("GET /api/sessions/{name}/git/log", s.handleGitLog)
	s.mux.HandleFunc("GET /api/sessions/{name}/git/commit/{hash}", s.handleGitCommitDiff)
	s.mux.HandleFunc("GET /api/sessions/{name}/git/branches", s.handleGitBranches)
	s.mux.HandleFunc("POST /api/sessions/{name}/git/checkout", s.handleGitCheckout)
	s.mux.HandleFunc("POST /api/sessions/{name}/git/commit", s.handleGitCommit)
	s.mux.HandleFunc("POST /api/sessions/{name}/git/reset", s.handleGitReset)
	s.mux.HandleFunc("POST /api/sessions/{name}/git/push", s.handleGitPush)
	s.mux.HandleFunc("POST /api/sessions/{name}/git/pull", s.handleGitPull)
	s.mux.HandleFunc("GET /api/sessions/{name}/git/remote-status", s.handleGitRemoteStatus)

	s.mux.HandleFunc("GET /api/sessions/{name}/files", s.handleListFiles)
	s.mux.HandleFunc("GET /api/sessions/{name}/files/content", s.handleReadFile)

	s.mux.HandleFunc("GET /api/push/vapid", s.handleVAPIDKey)
	s.mux.HandleFunc("POST /api/push/subscribe", s.handlePushSubscribe)
	s.mux.HandleFunc("POST /api/push/unsubscribe", s.handlePushUnsubscribe)
}

// Serve blocks, accepting connections on ln until the server is shut down.
func (s *Server) Serve(ln net.Listener) error {
	err := s.httpSrv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server, waiting for in-flight requests
// (including open WebSocket streams) up to ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

type apiInfo struct {
	Version string `json:"version"`
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, apiInfo{Version: s.cfg.Version})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.cfg.Registry.ListSessions()
	if err != nil {
		writeError(w, s.cfg.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

type createSessionRequest struct {
	Name         string `json:"name"`
	Mode         string `json:"mode"`
	Workdir      string `json:"workdir"`
	RepoPath     string `json:"repoPath"`
	Branch       string `json:"branch"`
	CreateBranch bool   `json:"createBranch"`
	BaseBranch   string `json:"baseBranch"`
	Description  string `json:"description"`
	DisplayName  string `json:"displayName"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, s.cfg.Logger, apperr.Wrap(apperr.KindValidation, "invalid request body", err))
		return
	}

	session, err := s.cfg.Registry.CreateSession(registry.CreateRequest{
		Name:         req.Name,
		Mode:         req.Mode,
		Workdir:      req.Workdir,
		RepoPath:     req.RepoPath,
		Branch:       req.Branch,
		CreateBranch: req.CreateBranch,
		BaseBranch:   req.BaseBranch,
		Description:  req.Description,
		DisplayName:  req.DisplayName,
	})
	if err != nil {
		writeError(w, s.cfg.Logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	sessions, err := s.cfg.Registry.ListSessions()
	if err != nil {
		writeError(w, s.cfg.Logger, err)
		return
	}
	for _, sess := range sessions {
		if sess.Name == name {
			writeJSON(w, http.StatusOK, sess)
			return
		}
	}
	writeError(w, s.cfg.Logger, apperr.New(apperr.KindSessionNotFound, "session not found: "+name))
}

type patchSessionRequest struct {
	DisplayName *string `json:"displayName"`
	Description *string `json:"description"`
}

func (s *Server) handlePatchSession(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req patchSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, s.cfg.Logger, apperr.Wrap(apperr.KindValidation, "invalid request body", err))
		return
	}
	session, err := s.cfg.Registry.PatchSession(name, registry.PatchUpdate{
		DisplayName: req.DisplayName,
		Description: req.Description,
	})
	if err != nil {
		writeError(w, s.cfg.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// handleWorktreeBranches implements the worktree-oriented
// `GET /api/sessions/branches?repo_path=…`: branches of repoPath not
// already checked out in any of its worktrees.
func (s *Server) handleWorktreeBranches(w http.ResponseWriter, r *http.Request) {
	repoPath := r.URL.Query().Get("repo_path")
	if repoPath == "" {
		writeError(w, s.cfg.Logger, apperr.New(apperr.KindValidation, "repo_path is required"))
		return
	}
	branches, err := s.cfg.Git.BranchesForWorktree(repoPath)
	if err != nil {
		writeError(w, s.cfg.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"branches": branches})
}

// repoSearchDir unmarshals the "repoSearchDir" settings value (if any),
// falling back to ~/src per original_source's default.
func (s *Server) repoSearchDir() string {
	raw, err := s.cfg.Store.SettingsValue("repoSearchDir")
	if err == nil && raw != "" {
		var dir string
		if json.Unmarshal([]byte(raw), &dir) == nil && dir != "" {
			return dir
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "src"
	}
	return filepath.Join(home, "src")
}

func (s *Server) handleDirectorySearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	repos := dirsearch.Search(s.repoSearchDir(), query, 20)
	out := make([]map[string]string, len(repos))
	for i, repo := range repos {
		out[i] = map[string]string{"path": repo.Path, "name": repo.Name}
	}
	writeJSON(w, http.StatusOK, map[string]any{"directories": out})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	cleanupWorktree := r.URL.Query().Get("cleanup_worktree") == "true"
	if err := s.cfg.Registry.DeleteSession(name, cleanupWorktree); err != nil {
		writeError(w, s.cfg.Logger, err)
		return
	}
	s.cfg.Diffs.Invalidate(name)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResetSession(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.cfg.Registry.ResetSession(name); err != nil {
		writeError(w, s.cfg.Logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTouchSession(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.cfg.Registry.TouchSession(name); err != nil {
		writeError(w, s.cfg.Logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type todoItem struct {
	Text string `json:"text"`
	Done bool   `json:"done"`
}

func (s *Server) handleGetTodos(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	todos, err := s.cfg.Store.GetTodos(name)
	if err != nil {
		writeError(w, s.cfg.Logger, err)
		return
	}
	out := make([]todoItem, len(todos))
	for i, t := range todos {
		out[i] = todoItem{Text: t.Text, Done: t.Done}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePutTodos(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var items []todoItem
	if err := json.NewDecoder(r.Body).Decode(&items); err != nil {
		writeError(w, s.cfg.Logger, apperr.Wrap(apperr.KindValidation, "invalid request body", err))
		return
	}
	todos := make([]store.Todo, len(items))
	for i, it := range items {
		todos[i] = store.Todo{Text: it.Text, Done: it.Done}
	}
	if err := s.cfg.Store.SaveTodos(name, todos); err != nil {
		writeError(w, s.cfg.Logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetScratchpad(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	content, err := s.cfg.Store.GetScratchpad(name)
	if err != nil {
		writeError(w, s.cfg.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"content": content})
}

func (s *Server) handlePutScratchpad(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var body struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, s.cfg.Logger, apperr.Wrap(apperr.KindValidation, "invalid request body", err))
		return
	}
	if err := s.cfg.Store.SaveScratchpad(name, body.Content); err != nil {
		writeError(w, s.cfg.Logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	status, updatedAt, ok, err := s.cfg.Store.GetStatus(name)
	if err != nil {
		writeError(w, s.cfg.Logger, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, map[string]string{"status": "", "updatedAt": ""})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status, "updatedAt": updatedAt})
}

// sessionWorkdir resolves {name}'s workdir or writes the appropriate error
// response and returns ok=false.
func (s *Server) sessionWorkdir(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	name := r.PathValue("name")
	workdir, err := s.cfg.Registry.GetSessionWorkdir(name)
	if err != nil {
		writeError(w, s.cfg.Logger, err)
		return "", "", false
	}
	return name, workdir, true
}

func (s *Server) handleGitStatus(w http.ResponseWriter, r *http.Request) {
	_, workdir, ok := s.sessionWorkdir(w, r)
	if !ok {
		return
	}
	status, err := s.cfg.Git.Status(workdir)
	if err != nil {
		writeError(w, s.cfg.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleGitDiff(w http.ResponseWriter, r *http.Request) {
	name, _, ok := s.sessionWorkdir(w, r)
	if !ok {
		return
	}
	snap, err := s.cfg.Diffs.GetDiff(name)
	if err != nil {
		writeError(w, s.cfg.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleGitDiffStats(w http.ResponseWriter, r *http.Request) {
	name, _, ok := s.sessionWorkdir(w, r)
	if !ok {
		return
	}
	stats, err := s.cfg.Diffs.GetStats(name)
	if err != nil {
		writeError(w, s.cfg.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGitLog(w http.ResponseWriter, r *http.Request) {
	_, workdir, ok := s.sessionWorkdir(w, r)
	if !ok {
		return
	}
	commits, err := s.cfg.Git.CommitLog(workdir, 30)
	if err != nil {
		writeError(w, s.cfg.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, commits)
}

func (s *Server) handleGitCommitDiff(w http.ResponseWriter, r *http.Request) {
	_, workdir, ok := s.sessionWorkdir(w, r)
	if !ok {
		return
	}
	hash := r.PathValue("hash")
	commit, snap, err := s.cfg.Git.CommitDiff(workdir, hash)
	if err != nil {
		writeError(w, s.cfg.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commit": commit, "diff": snap})
}

func (s *Server) handleGitBranches(w http.ResponseWriter, r *http.Request) {
	_, workdir, ok := s.sessionWorkdir(w, r)
	if !ok {
		return
	}
	branches, err := s.cfg.Git.Branches(workdir)
	if err != nil {
		writeError(w, s.cfg.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, branches)
}

func (s *Server) handleGitCheckout(w http.ResponseWriter, r *http.Request) {
	name, workdir, ok := s.sessionWorkdir(w, r)
	if !ok {
		return
	}
	var body struct {
		Branch string `json:"branch"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, s.cfg.Logger, apperr.Wrap(apperr.KindValidation, "invalid request body", err))
		return
	}
	branch, err := s.cfg.Git.CheckoutBranch(workdir, body.Branch)
	if err != nil {
		writeError(w, s.cfg.Logger, err)
		return
	}
	s.cfg.Diffs.Invalidate(name)
	writeJSON(w, http.StatusOK, map[string]string{"branch": branch})
}

func (s *Server) handleGitCommit(w http.ResponseWriter, r *http.Request) {
	name, workdir, ok := s.sessionWorkdir(w, r)
	if !ok {
		return
	}
	var body struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, s.cfg.Logger, apperr.Wrap(apperr.KindValidation, "invalid request body", err))
		return
	}
	result, err := s.cfg.Git.StageAllAndCommit(workdir, body.Message)
	if err != nil {
		writeError(w, s.cfg.Logger, err)
		return
	}
	s.cfg.Diffs.Invalidate(name)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGitReset(w http.ResponseWriter, r *http.Request) {
	name, workdir, ok := s.sessionWorkdir(w, r)
	if !ok {
		return
	}
	status, err := s.cfg.Git.ResetToHead(workdir)
	if err != nil {
		writeError(w, s.cfg.Logger, err)
		return
	}
	s.cfg.Diffs.Invalidate(name)
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (s *Server) handleGitPush(w http.ResponseWriter, r *http.Request) {
	_, workdir, ok := s.sessionWorkdir(w, r)
	if !ok {
		return
	}
	result, err := s.cfg.Git.Push(workdir)
	if err != nil {
		writeError(w, s.cfg.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGitPull(w http.ResponseWriter, r *http.Request) {
	name, workdir, ok := s.sessionWorkdir(w, r)
	if !ok {
		return
	}
	if err := s.cfg.Git.PullRebase(workdir); err != nil {
		writeError(w, s.cfg.Logger, err)
		return
	}
	s.cfg.Diffs.Invalidate(name)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGitRemoteStatus(w http.ResponseWriter, r *http.Request) {
	_, workdir, ok := s.sessionWorkdir(w, r)
	if !ok {
		return
	}
	result, err := s.cfg.Git.RemoteStatus(workdir, true)
	if err != nil {
		writeError(w, s.cfg.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	_, workdir, ok := s.sessionWorkdir(w, r)
	if !ok {
		return
	}
	entries, err := s.cfg.Files.ListProjectFiles(workdir)
	if err != nil {
		writeError(w, s.cfg.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleReadFile(w http.ResponseWriter, r *http.Request) {
	_, workdir, ok := s.sessionWorkdir(w, r)
	if !ok {
		return
	}
	rel := r.URL.Query().Get("path")
	content, err := s.cfg.Files.ReadFile(workdir, rel)
	if err != nil {
		writeError(w, s.cfg.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, content)
}

func (s *Server) handleVAPIDKey(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"publicKey": s.cfg.Notify.VAPIDPublicKey()})
}

// webpushSubscriptionRequest mirrors the PushSubscription JSON shape a
// browser's Push API produces.
type webpushSubscriptionRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

func (s *Server) handlePushSubscribe(w http.ResponseWriter, r *http.Request) {
	var req webpushSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, s.cfg.Logger, apperr.Wrap(apperr.KindValidation, "invalid request body", err))
		return
	}
	s.cfg.Notify.Subscribe(&webpush.Subscription{
		Endpoint: req.Endpoint,
		Keys: webpush.Keys{
			P256dh: req.Keys.P256dh,
			Auth:   req.Keys.Auth,
		},
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePushUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Endpoint string `json:"endpoint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, s.cfg.Logger, apperr.Wrap(apperr.KindValidation, "invalid request body", err))
		return
	}
	s.cfg.Notify.Unsubscribe(body.Endpoint)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)
	if status >= 500 {
		logger.Error("request failed", "err", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "kind": string(kind)})
}
