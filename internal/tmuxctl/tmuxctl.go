// Package tmuxctl wraps the tmux control-mode subcommands this system
// depends on (new-session, kill-session, capture-pane, display-message, and
// the window-navigation commands), isolating every exec.Command("tmux", ...)
// call behind a small typed API.
package tmuxctl

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// Client issues tmux subcommands against the ambient tmux server. It is
// stateless; every method shells out independently.
type Client struct{}

func New() *Client { return &Client{} }

func run(args ...string) (string, error) {
	cmd := exec.Command("tmux", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		return "", fmt.Errorf("tmux %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// HasSession reports whether a tmux session with this name currently
// exists.
func (c *Client) HasSession(name string) bool {
	cmd := exec.Command("tmux", "has-session", "-t", name)
	return cmd.Run() == nil
}

// NewSession creates a detached session rooted at workdir and sets
// window-size to "largest", per the per-client-PTY sizing policy (§4.4):
// the biggest attached client's geometry wins so a mobile client joining
// later never shrinks a desktop client already attached.
func (c *Client) NewSession(name, workdir string) error {
	if _, err := run("new-session", "-d", "-s", name, "-c", workdir); err != nil {
		return err
	}
	_, _ = run("set-option", "-t", name, "window-size", "largest")
	return nil
}

// KillSession kills a tmux session if it exists; killing an absent session
// is not an error.
func (c *Client) KillSession(name string) error {
	if !c.HasSession(name) {
		return nil
	}
	_, err := run("kill-session", "-t", name)
	return err
}

// ListSessions returns the names of every live tmux session.
func (c *Client) ListSessions() ([]string, error) {
	out, err := run("list-sessions", "-F", "#{session_name}")
	if err != nil {
		// tmux exits non-zero with "no server running" when nothing is up.
		if strings.Contains(err.Error(), "no server running") {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(strings.TrimRight(out, "\n"), "\n") {
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// WindowCount returns the number of windows open in a session.
func (c *Client) WindowCount(name string) (int, error) {
	out, err := run("list-windows", "-t", name, "-F", "#{window_index}")
	if err != nil {
		return 0, err
	}
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	n := 0
	for _, l := range lines {
		if l != "" {
			n++
		}
	}
	return n, nil
}

// Attached reports whether any client is currently attached to the
// session.
func (c *Client) Attached(name string) bool {
	out, err := run("display-message", "-t", name, "-p", "#{session_attached}")
	if err != nil {
		return false
	}
	n, _ := strconv.Atoi(strings.TrimSpace(out))
	return n > 0
}

// CapturePaneContent captures the active pane's currently rendered content,
// ANSI escapes preserved, full scrollback-independent snapshot.
func (c *Client) CapturePaneContent(name string) (string, error) {
	out, err := run("capture-pane", "-t", name, "-e", "-p", "-S", "-", "-E", "-")
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(out, "\n", "\r\n"), nil
}

// PaneCurrentPath asks tmux for the active pane's current working
// directory, used to recover a workdir for an orphaned live session.
func (c *Client) PaneCurrentPath(name string) (string, error) {
	out, err := run("display-message", "-t", name, "-p", "#{pane_current_path}")
	if err != nil {
		return "", err
	}
	path := strings.TrimSpace(out)
	if path == "" {
		return "", fmt.Errorf("tmux returned empty pane_current_path for %q", name)
	}
	return path, nil
}

// SendLiteral sends literal keystrokes to a session's active pane without
// interpreting them as a tmux key name.
func (c *Client) SendLiteral(name, text string) error {
	_, err := run("send-keys", "-t", name, "-l", text)
	return err
}

// SendEnter sends an Enter keypress to a session's active pane.
func (c *Client) SendEnter(name string) error {
	_, err := run("send-keys", "-t", name, "Enter")
	return err
}

// RunStartupCommand sends a command line followed by Enter — the common
// "type this, then press return" idiom used for the venv-activate and
// claude-launch startup sequence.
func (c *Client) RunStartupCommand(name, command string) error {
	if err := c.SendLiteral(name, command); err != nil {
		return err
	}
	return c.SendEnter(name)
}

// CreateTmuxSession implements the createTmuxSession operation (§4.7): start
// a detached session rooted at workdir, then run the fixed startup
// sequence — activate a venv if one is present, then launch claude. The
// sequence is a hardcoded pair of commands rather than a configurable
// template (§9 open question resolution): every declared session in this
// system is a claude coding session, not a general-purpose shell.
func (c *Client) CreateTmuxSession(name, workdir string) error {
	if err := c.NewSession(name, workdir); err != nil {
		return err
	}
	return c.RunStartupSequence(name, workdir)
}

// RunStartupSequence runs the fixed claude-session startup sequence in an
// already-running window: activate a venv if present, then launch claude.
// Shared between CreateTmuxSession and a reset (respawn-window) path that
// needs the same sequence without creating a new session.
func (c *Client) RunStartupSequence(name, workdir string) error {
	if venv := VenvActivateScript(workdir); venv != "" {
		if err := c.RunStartupCommand(name, "source "+venv); err != nil {
			return err
		}
	}
	return c.RunStartupCommand(name, "claude")
}

// VenvActivateScript returns the path to a Python venv's activate script
// under workdir, checking the conventional "venv" and ".venv" directory
// names, or "" if neither exists.
func VenvActivateScript(workdir string) string {
	for _, dir := range []string{"venv", ".venv"} {
		candidate := filepath.Join(workdir, dir, "bin", "activate")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// NextWindow, PrevWindow, NewWindow implement the tmux window-navigation
// commands named in the subprocess contract.
func (c *Client) NextWindow(name string) error {
	_, err := run("next-window", "-t", name)
	return err
}

func (c *Client) PrevWindow(name string) error {
	_, err := run("previous-window", "-t", name)
	return err
}

func (c *Client) NewWindow(name, workdir string) error {
	_, err := run("new-window", "-t", name, "-c", workdir)
	return err
}

// KillOtherWindows kills every window in a session except its current
// window, leaving exactly one window for a respawn.
func (c *Client) KillOtherWindows(name string) error {
	_, err := run("kill-window", "-a", "-t", name+":")
	return err
}

// RespawnWindow kills and restarts the command running in a session's
// current window, rooted at workdir.
func (c *Client) RespawnWindow(name, workdir string) error {
	_, err := run("respawn-window", "-k", "-c", workdir, "-t", name+":")
	return err
}
