// Package ptyproc manages a single PTY bridging one client to one tmux
// session via `tmux attach-session`. Each client connection owns exactly
// one Adapter; tmux remains the source of truth for process lifetime.
package ptyproc

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty/v2"

	"github.com/loppo-llc/termsup/internal/tmuxctl"
)

// Adapter is a per-connection bridge to a tmux session, grounded in
// tmux_pty.py's TmuxPtySession and kojo's startTmuxAttach/Resize helpers.
type Adapter struct {
	mu          sync.Mutex
	sessionName string
	cmd         *exec.Cmd
	master      *os.File
	cols, rows  int
	tmux        *tmuxctl.Client
}

// New returns an Adapter for the named tmux session. Spawn must be called
// before Read/Write/Resize do anything useful.
func New(tmux *tmuxctl.Client, sessionName string) *Adapter {
	return &Adapter{tmux: tmux, sessionName: sessionName, cols: 80, rows: 24}
}

// Spawn verifies the named tmux session exists, then forks a PTY running
// `tmux attach-session -t <name>`. The master fd is placed in non-blocking
// mode and sized to the default 80x24.
func (a *Adapter) Spawn() error {
	if !a.tmux.HasSession(a.sessionName) {
		return fmt.Errorf("session %q missing", a.sessionName)
	}

	cmd := exec.Command("tmux", "attach-session", "-t", a.sessionName)
	master, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("spawn attach for %q: %w", a.sessionName, err)
	}

	a.mu.Lock()
	a.cmd = cmd
	a.master = master
	a.mu.Unlock()

	_ = syscall.SetNonblock(int(master.Fd()), true)
	return a.Resize(a.cols, a.rows)
}

// Resize sets the PTY window size via TIOCSWINSZ.
func (a *Adapter) Resize(cols, rows int) error {
	a.mu.Lock()
	master := a.master
	a.cols, a.rows = cols, rows
	a.mu.Unlock()

	if master == nil {
		return nil
	}
	return pty.Setsize(master, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
}

// Write sends keystrokes to the PTY.
func (a *Adapter) Write(data []byte) error {
	a.mu.Lock()
	master := a.master
	a.mu.Unlock()

	if master == nil {
		return fmt.Errorf("write to unspawned adapter for %q", a.sessionName)
	}
	_, err := master.Write(data)
	return err
}

// ReadResult is the outcome of one non-blocking Read call.
type ReadResult int

const (
	// ReadData means len(bytes) > 0 bytes were read successfully.
	ReadData ReadResult = iota
	// ReadWouldBlock means no data is currently available.
	ReadWouldBlock
	// ReadEOF means the underlying PTY has died.
	ReadEOF
)

// Read performs one non-blocking read of up to 4096 bytes.
func (a *Adapter) Read() ([]byte, ReadResult) {
	a.mu.Lock()
	master := a.master
	a.mu.Unlock()

	if master == nil {
		return nil, ReadEOF
	}

	buf := make([]byte, 4096)
	n, err := master.Read(buf)
	if err != nil {
		if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
			return nil, ReadWouldBlock
		}
		return nil, ReadEOF
	}
	if n == 0 {
		return nil, ReadWouldBlock
	}
	return buf[:n], ReadData
}

// IsAlive reports whether the underlying tmux session still exists.
func (a *Adapter) IsAlive() bool {
	return a.tmux.HasSession(a.sessionName)
}

// Close releases the PTY fd and kills/reaps the attach-session child. It is
// idempotent.
func (a *Adapter) Close() {
	a.mu.Lock()
	master := a.master
	cmd := a.cmd
	a.master = nil
	a.cmd = nil
	a.mu.Unlock()

	if master != nil {
		_ = master.Close()
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	}
}
