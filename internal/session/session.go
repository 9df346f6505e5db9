// Package session implements the in-memory session store: one Session per
// PTY-backed child process, each with its own scrollback ring and output
// broadcaster. A Session outlives its child process (status transitions to
// stopped rather than disappearing) so scrollback remains readable until
// the caller explicitly destroys it.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/seboyle/ptyhubd/internal/broadcast"
	"github.com/seboyle/ptyhubd/internal/ptymgr"
	"github.com/seboyle/ptyhubd/internal/ring"
)

// Status values for Session.Status().
const (
	StatusRunning = "running"
	StatusStopped = "stopped"
)

// idleThreshold is how long a running session must go without output
// before it is reported as idle, mirroring the running/waiting distinction
// a caller uses to decide whether attaching is worthwhile.
const idleThreshold = 2 * time.Second

// Session is one PTY-backed child process plus its scrollback and fan-out.
type Session struct {
	ID         string
	Command    string
	Args       []string
	WorkingDir string
	CreatedAt  time.Time

	ring  *ring.Buffer
	bcast *broadcast.Broadcaster

	mu           sync.RWMutex
	pty          *ptymgr.PTY
	status       string
	exitCode     int
	lastOutputAt atomic.Int64 // unix nanos
}

// newSession wires a freshly started PTY into a new Session. Not exported:
// sessions are only created through Store.Create.
func newSession(id string, opts ptymgr.CreateOptions, pty *ptymgr.PTY, scrollbackBytes, broadcastQueueDepth int) *Session {
	s := &Session{
		ID:         id,
		Command:    opts.Command,
		Args:       opts.Args,
		WorkingDir: opts.WorkingDir,
		CreatedAt:  time.Now(),
		ring:       ring.New(scrollbackBytes),
		bcast:      broadcast.New(broadcastQueueDepth),
		pty:        pty,
		status:     StatusRunning,
	}
	s.lastOutputAt.Store(s.CreatedAt.UnixNano())
	return s
}

// readLoop drains PTY output into the scrollback ring and broadcaster
// until the PTY is closed or the child exits, then records the exit
// status and notifies the store via onExit.
func (s *Session) readLoop(readBufSize int, onExit func(id string, exitCode int)) {
	reader := s.pty.Reader()
	buf := make([]byte, readBufSize)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.ring.Push(chunk)
			s.bcast.Feed(chunk)
			s.lastOutputAt.Store(time.Now().UnixNano())
		}
		if err != nil {
			break
		}
	}

	exitCode := s.pty.Wait()

	s.mu.Lock()
	s.status = StatusStopped
	s.exitCode = exitCode
	s.mu.Unlock()

	s.bcast.CloseAll()
	if onExit != nil {
		onExit(s.ID, exitCode)
	}
}

// Status returns the session's current lifecycle state.
func (s *Session) Status() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// ExitCode returns the child's exit code. Only meaningful once Status is
// StatusStopped; zero otherwise.
func (s *Session) ExitCode() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.exitCode
}

// Pid returns the child's process id, or 0 if the session never ran.
func (s *Session) Pid() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pty == nil {
		return 0
	}
	return s.pty.Pid()
}

// Size returns the PTY's current dimensions.
func (s *Session) Size() (rows, cols uint16) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pty == nil {
		return 0, 0
	}
	return s.pty.Size()
}

// LastOutputAt returns the timestamp of the most recently observed byte.
func (s *Session) LastOutputAt() time.Time {
	return time.Unix(0, s.lastOutputAt.Load())
}

// Idle reports whether a running session has been silent past the idle
// threshold. Always false for a stopped session: idleness only describes
// a running child waiting on input.
func (s *Session) Idle() bool {
	if s.Status() != StatusRunning {
		return false
	}
	return time.Since(s.LastOutputAt()) >= idleThreshold
}

// WriteStdin forwards bytes to the child's stdin. Returns an error
// wrapping session-not-running if the child has already exited.
func (s *Session) WriteStdin(data []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status != StatusRunning {
		return ErrNotRunning
	}
	return s.pty.WriteStdin(data)
}

// Resize applies new PTY dimensions. A no-op error if the session has
// already stopped.
func (s *Session) Resize(rows, cols uint16) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status != StatusRunning {
		return ErrNotRunning
	}
	return s.pty.Resize(rows, cols)
}

// Scrollback returns a snapshot of the retained output buffer.
func (s *Session) Scrollback() []byte {
	return s.ring.Snapshot()
}

// Subscribe attaches a new output subscriber, delivering only bytes fed
// after this call. Returns nil if the session has already stopped, since
// there is nothing further to stream; callers should fall back to
// Scrollback for the final picture.
func (s *Session) Subscribe() *broadcast.Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status != StatusRunning {
		return nil
	}
	return s.bcast.Subscribe()
}

// Unsubscribe detaches a previously subscribed client.
func (s *Session) Unsubscribe(sub *broadcast.Subscription) {
	if sub == nil {
		return
	}
	s.bcast.Unsubscribe(sub)
}

// Stop kills the child if running. Idempotent: stopping an already
// stopped session succeeds without error.
func (s *Session) Stop() {
	s.mu.RLock()
	status := s.status
	pty := s.pty
	s.mu.RUnlock()
	if status != StatusRunning {
		return
	}
	pty.Kill()
}
