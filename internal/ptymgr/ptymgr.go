// Package ptymgr owns PTY pairs and their child processes: spawn, resize,
// write, kill, and wait. A PTY exposes a single master file descriptor in
// Go (unlike platforms where read and write handles are taken
// separately), so this package models the "writer handle can only be
// taken once" rule from the design as a one-time handout of the shared
// file guarded by a mutex for writes and a sync.Once for the reader task.
package ptymgr

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/creack/pty"
)

// CreateOptions describes how to spawn one session's child process.
type CreateOptions struct {
	Command       string
	Args          []string
	WorkingDir    string
	Env           map[string]string
	Rows, Cols    uint16
	UseLoginShell bool
}

// PTY owns one master/slave pair and its child process.
type PTY struct {
	cmd *exec.Cmd
	ptm *os.File

	writerMu sync.Mutex
	readOnce sync.Once

	rowsCols atomic.Uint32 // packed rows<<16 | cols, for lock-free reads

	pid int
}

func packSize(rows, cols uint16) uint32 { return uint32(rows)<<16 | uint32(cols) }

// Start allocates a PTY and spawns the child described by opts. On any
// failure after the child has been forked, the child is killed before the
// error is returned so no orphaned process or partial state survives.
func Start(opts CreateOptions) (*PTY, error) {
	argv0, args := resolveCommand(opts)

	cmd := exec.Command(argv0, args...)
	cmd.Dir = opts.WorkingDir
	cmd.Env = buildEnv(opts.Env)

	ptm, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: opts.Rows,
		Cols: opts.Cols,
	})
	if err != nil {
		return nil, fmt.Errorf("pty start: %w", err)
	}

	p := &PTY{
		cmd: cmd,
		ptm: ptm,
		pid: cmd.Process.Pid,
	}
	p.rowsCols.Store(packSize(opts.Rows, opts.Cols))
	return p, nil
}

// resolveCommand picks argv for the child. In login-shell mode the
// caller's command/args are ignored for execution (but the caller retains
// them for diagnostics) and a platform login shell is launched instead.
func resolveCommand(opts CreateOptions) (string, []string) {
	if !opts.UseLoginShell {
		return opts.Command, opts.Args
	}
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}
	return shell, []string{"-l"}
}

// buildEnv returns the exact environment the child will see: only the
// caller-supplied variables, never the daemon's ambient environment.
func buildEnv(vars map[string]string) []string {
	env := make([]string, 0, len(vars))
	for k, v := range vars {
		env = append(env, k+"="+v)
	}
	return env
}

// Reader hands out the PTY's readable side exactly once. Subsequent calls
// return nil; only one reader task may exist per session.
func (p *PTY) Reader() *os.File {
	var out *os.File
	p.readOnce.Do(func() { out = p.ptm })
	return out
}

// WriteStdin writes bytes to the child's stdin, under a mutex so
// concurrent requests never interleave a single write.
func (p *PTY) WriteStdin(data []byte) error {
	p.writerMu.Lock()
	defer p.writerMu.Unlock()
	if _, err := p.ptm.Write(data); err != nil {
		return fmt.Errorf("pty write: %w", err)
	}
	return nil
}

// Resize updates the PTY's window size and remembers it.
func (p *PTY) Resize(rows, cols uint16) error {
	if err := pty.Setsize(p.ptm, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		return fmt.Errorf("pty resize: %w", err)
	}
	p.rowsCols.Store(packSize(rows, cols))
	return nil
}

// Size returns the most recently applied dimensions.
func (p *PTY) Size() (rows, cols uint16) {
	v := p.rowsCols.Load()
	return uint16(v >> 16), uint16(v & 0xffff)
}

// Pid returns the child's process id.
func (p *PTY) Pid() int { return p.pid }

// Wait blocks until the child exits and returns its exit code.
func (p *PTY) Wait() int {
	state, _ := p.cmd.Process.Wait()
	if state == nil {
		return -1
	}
	return state.ExitCode()
}

// Kill sends SIGKILL to the child and closes the master. Best-effort: a
// child that has already exited produces no error to the caller.
func (p *PTY) Kill() {
	if p.pid > 0 {
		_ = syscall.Kill(p.pid, syscall.SIGKILL)
	}
	_ = p.ptm.Close()
}

// Close releases the master file descriptor without signalling the
// child, used once the reader has already observed EOF.
func (p *PTY) Close() error {
	return p.ptm.Close()
}
