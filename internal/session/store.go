package session

import (
	"sync"
	"time"

	"github.com/seboyle/ptyhubd/internal/ptymgr"
)

// deadSessionAge is how long after its last output a stopped session is
// kept around (for scrollback and status queries) before the sweeper
// reclaims it.
const deadSessionAge = 10 * time.Minute

// Config bounds the resources each session consumes.
type Config struct {
	ScrollbackBytes     int
	BroadcastQueueDepth int
	PtyReadBufferSize   int
}

// DefaultConfig matches the daemon's out-of-the-box tuning.
func DefaultConfig() Config {
	return Config{
		ScrollbackBytes:     1 << 20, // 1 MiB
		BroadcastQueueDepth: 64,
		PtyReadBufferSize:   32 * 1024,
	}
}

// Store owns every known session, keyed by caller-chosen session id.
type Store struct {
	cfg Config

	mu       sync.RWMutex
	sessions map[string]*Session
	pending  map[string]struct{} // ids reserved by an in-flight Create, not yet spawned

	// OnExit, if set, is invoked (off the reader goroutine's critical
	// path) whenever a session's child process exits.
	OnExit func(sessionID string, exitCode int)
}

// NewStore creates an empty session store tuned by cfg.
func NewStore(cfg Config) *Store {
	return &Store{
		cfg:      cfg,
		sessions: make(map[string]*Session),
		pending:  make(map[string]struct{}),
	}
}

// Create spawns a new session under id. Fails with ErrAlreadyExists if id
// is already in use, matching the wire protocol's explicit create
// semantics (callers choose their own ids, so collisions are a caller
// error rather than something to silently paper over).
func (st *Store) Create(id string, opts ptymgr.CreateOptions) (*Session, error) {
	st.mu.Lock()
	if _, exists := st.sessions[id]; exists {
		st.mu.Unlock()
		return nil, ErrAlreadyExists
	}
	if _, exists := st.pending[id]; exists {
		st.mu.Unlock()
		return nil, ErrAlreadyExists
	}
	// Reserve the id before starting the child (fork/exec can take a
	// while) so a concurrent Create with the same id cannot race past
	// this check. The id stays absent from sessions — and so invisible
	// to Get/List/Stop/Destroy — until a real *Session exists to back it.
	st.pending[id] = struct{}{}
	st.mu.Unlock()

	pty, err := ptymgr.Start(opts)
	if err != nil {
		st.mu.Lock()
		delete(st.pending, id)
		st.mu.Unlock()
		return nil, err
	}

	sess := newSession(id, opts, pty, st.cfg.ScrollbackBytes, st.cfg.BroadcastQueueDepth)

	st.mu.Lock()
	delete(st.pending, id)
	st.sessions[id] = sess
	st.mu.Unlock()

	go sess.readLoop(st.cfg.PtyReadBufferSize, st.OnExit)

	return sess, nil
}

// Get returns the session registered under id, if any. An id reserved by
// an in-flight Create but not yet spawned is reported as ErrNotFound,
// the same as an id that was never created.
func (st *Store) Get(id string) (*Session, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// List returns every known session in no particular order.
func (st *Store) List() []*Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s)
	}
	return out
}

// Stop kills the child of the named session if running. Repeated stops of
// an existing (or already stopped) session are idempotent no-ops; a
// session that was never created, or has since been destroyed, reports
// ErrNotFound.
func (st *Store) Stop(id string) error {
	s, err := st.Get(id)
	if err != nil {
		return err
	}
	s.Stop()
	return nil
}

// Destroy stops (if running) and removes a session entirely. Removal is
// idempotent: destroying an absent session is not an error.
func (st *Store) Destroy(id string) {
	st.mu.Lock()
	s, ok := st.sessions[id]
	if ok {
		delete(st.sessions, id)
	}
	st.mu.Unlock()
	if ok {
		s.Stop()
	}
}

// DestroyAll stops and removes every session, used during daemon
// shutdown.
func (st *Store) DestroyAll() {
	st.mu.Lock()
	ids := make([]string, 0, len(st.sessions))
	for id := range st.sessions {
		ids = append(ids, id)
	}
	st.mu.Unlock()
	for _, id := range ids {
		st.Destroy(id)
	}
}

// SweepDead removes stopped sessions whose last output is older than
// deadSessionAge, reclaiming their scrollback memory. The age is measured
// from the last output, not from the moment the session stopped. Returns
// the number of sessions removed.
func (st *Store) SweepDead() int {
	now := time.Now()
	st.mu.Lock()
	defer st.mu.Unlock()

	swept := 0
	for id, s := range st.sessions {
		if s.Status() != StatusStopped {
			continue
		}
		if now.Sub(s.LastOutputAt()) < deadSessionAge {
			continue
		}
		delete(st.sessions, id)
		swept++
	}
	return swept
}
