// Package proto defines the newline-delimited JSON wire protocol spoken
// between ptyhub (client) and ptyhubd (daemon) over a Unix domain socket.
//
// Every request carries a caller-chosen id; every response directly
// caused by a request carries that same id. Streaming messages (live PTY
// output, session lifecycle events) carry no id. A writer emits
// serialize(msg) + "\n"; a reader scans one line at a time, skips empty
// lines, and never conflates EOF with a read error.
package proto

// Request type discriminators.
const (
	TypeCreateSession   = "create_session"
	TypeAttach          = "attach"
	TypeDetach          = "detach"
	TypeResizePty       = "resize_pty"
	TypeWriteStdin      = "write_stdin"
	TypeStopSession     = "stop_session"
	TypeDestroySession  = "destroy_session"
	TypeListSessions    = "list_sessions"
	TypeGetSession      = "get_session"
	TypeReadScrollback  = "read_scrollback"
	TypeDaemonStop      = "daemon_stop"
	TypePing            = "ping"
)

// Response type discriminators.
const (
	TypeSessionCreated     = "session_created"
	TypeSessionList        = "session_list"
	TypeSessionInfo        = "session_info"
	TypeScrollbackContents = "scrollback_contents"
	TypePtyOutput          = "pty_output"         // streaming
	TypePtyOutputDropped   = "pty_output_dropped" // streaming
	TypeSessionEvent       = "session_event"      // streaming
	TypeError              = "error"
	TypeAck                = "ack"
)

// Error codes. Clients must map any code not in this list to a generic
// protocol error.
const (
	ErrSessionNotFound      = "session_not_found"
	ErrSessionAlreadyExists = "session_already_exists"
	ErrSessionNotRunning    = "session_not_running"
	ErrPtyError             = "pty_error"
	ErrBase64Decode         = "base64_decode_error"
	ErrUnknown              = "unknown_error"
)

// Session status values, per the two-state lifecycle (running/stopped).
const (
	StatusRunning = "running"
	StatusStopped = "stopped"
)

// Session lifecycle event kinds carried in a session_event streaming message.
const (
	EventStopped      = "stopped"
	EventResizeFailed = "resize_failed"
)

// Envelope is the minimal shape every message has: enough to dispatch on
// Type and, for request/response pairs, to correlate by ID.
type Envelope struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

// ── Requests ─────────────────────────────────────────────────────────────

// CreateSessionRequest spawns a child process inside a newly allocated PTY.
type CreateSessionRequest struct {
	Type            string            `json:"type"`
	ID              string            `json:"id"`
	SessionID       string            `json:"session_id"`
	WorkingDir      string            `json:"working_directory"`
	Command         string            `json:"command"`
	Args            []string          `json:"args,omitempty"`
	EnvVars         map[string]string `json:"env_vars,omitempty"`
	Rows            int               `json:"rows,omitempty"`
	Cols            int               `json:"cols,omitempty"`
	UseLoginShell   bool              `json:"use_login_shell,omitempty"`
}

// AttachRequest resizes the session to the client's declared dimensions
// and subscribes the caller to its output; the daemon replays scrollback
// then streams live bytes.
type AttachRequest struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	Rows      int    `json:"rows,omitempty"`
	Cols      int    `json:"cols,omitempty"`
}

// DetachRequest unsubscribes the caller from a session's output.
type DetachRequest struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
}

// ResizePtyRequest applies new PTY dimensions. Idempotent.
type ResizePtyRequest struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	Rows      int    `json:"rows"`
	Cols      int    `json:"cols"`
}

// WriteStdinRequest writes base64-encoded raw bytes to the child's stdin.
type WriteStdinRequest struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
}

// StopSessionRequest kills the child if running; the session entry (and
// its scrollback) survives. Idempotent.
type StopSessionRequest struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
}

// DestroySessionRequest kills (if running) and removes the session entry.
// Removal is idempotent: destroying an absent session succeeds.
type DestroySessionRequest struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	Force     bool   `json:"force,omitempty"`
}

// ListSessionsRequest enumerates sessions. ProjectID is carried on the wire
// but the daemon does not filter by it: every known session is returned.
type ListSessionsRequest struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	ProjectID string `json:"project_id,omitempty"`
}

// GetSessionRequest returns a summary for one session.
type GetSessionRequest struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
}

// ReadScrollbackRequest returns the full scrollback for one session as a
// single base64 payload.
type ReadScrollbackRequest struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
}

// DaemonStopRequest triggers server-wide graceful shutdown.
type DaemonStopRequest struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// PingRequest is a bare health probe.
type PingRequest struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// ── Responses ────────────────────────────────────────────────────────────

// SessionSummary is a point-in-time view of one session, used both in
// SessionCreatedResponse and in list/get responses.
type SessionSummary struct {
	SessionID    string `json:"session_id"`
	Status       string `json:"status"`
	Pid          int    `json:"pid"`
	Rows         int    `json:"rows"`
	Cols         int    `json:"cols"`
	Command      string `json:"command"`
	WorkingDir   string `json:"working_directory"`
	CreatedAt    int64  `json:"created_at"`
	LastOutputAt int64  `json:"last_output_at,omitempty"`
	Idle         bool   `json:"idle,omitempty"`
	ExitCode     int    `json:"exit_code,omitempty"`
}

// SessionCreatedResponse confirms a session was created and is running.
type SessionCreatedResponse struct {
	Type    string         `json:"type"`
	ID      string         `json:"id"`
	Session SessionSummary `json:"session"`
}

// SessionListResponse enumerates known sessions.
type SessionListResponse struct {
	Type     string           `json:"type"`
	ID       string           `json:"id"`
	Sessions []SessionSummary `json:"sessions"`
}

// SessionInfoResponse answers get_session.
type SessionInfoResponse struct {
	Type    string         `json:"type"`
	ID      string         `json:"id"`
	Session SessionSummary `json:"session"`
}

// ScrollbackContentsResponse carries the full scrollback as one base64
// payload, in response to read_scrollback. (The attach-time replay is sent
// as a PtyOutputResponse instead.)
type ScrollbackContentsResponse struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
}

// PtyOutputResponse delivers live PTY bytes to an attached client. It has
// no id: it is a streaming message, not a reply to a single request.
type PtyOutputResponse struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
}

// PtyOutputDroppedResponse notifies an attached client that the
// broadcaster discarded output because the client fell behind. The
// client is never disconnected for this; read_scrollback always has the
// full picture.
type PtyOutputDroppedResponse struct {
	Type         string `json:"type"`
	SessionID    string `json:"session_id"`
	BytesDropped int    `json:"bytes_dropped"`
}

// SessionEventResponse reports an asynchronous lifecycle transition
// (e.g. the child exited) to attached clients.
type SessionEventResponse struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Event     string `json:"event"`
	Message   string `json:"message,omitempty"`
}

// ErrorResponse reports a per-request failure. Code is drawn from the
// fixed vocabulary above; unrecognised codes must be treated by clients
// as a generic protocol error.
type ErrorResponse struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AckResponse is the generic success reply for requests that carry no
// other payload (detach, resize_pty, write_stdin, stop_session,
// destroy_session, daemon_stop, ping).
type AckResponse struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}
