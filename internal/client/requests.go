package client

import (
	"encoding/base64"
	"encoding/json"

	"github.com/seboyle/ptyhubd/internal/proto"
)

func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// CreateSessionParams mirrors create_session's payload, omitting id
// (assigned internally) and type (fixed).
type CreateSessionParams struct {
	SessionID     string
	WorkingDir    string
	Command       string
	Args          []string
	EnvVars       map[string]string
	Rows, Cols    int
	UseLoginShell bool
}

// CreateSession spawns a new session and returns its initial summary.
func (c *Client) CreateSession(p CreateSessionParams) (proto.SessionSummary, error) {
	id := c.nextRequestID()
	resp, err := c.send(id, proto.CreateSessionRequest{
		Type: proto.TypeCreateSession, ID: id,
		SessionID: p.SessionID, WorkingDir: p.WorkingDir, Command: p.Command,
		Args: p.Args, EnvVars: p.EnvVars, Rows: p.Rows, Cols: p.Cols,
		UseLoginShell: p.UseLoginShell,
	})
	if err != nil {
		return proto.SessionSummary{}, err
	}
	if resp.typ == proto.TypeError {
		return proto.SessionSummary{}, asError(resp)
	}
	var r proto.SessionCreatedResponse
	if err := json.Unmarshal(resp.raw, &r); err != nil {
		return proto.SessionSummary{}, &ProtocolError{Code: "unknown_error", Message: err.Error()}
	}
	return r.Session, nil
}

// Attach resizes the session to rows/cols, subscribes to its output, and
// returns once the daemon acknowledges the attach. The scrollback replay
// and any resize-failed notice follow the ack on c.Stream, so the caller
// must then drain c.Stream (via ReadNext) to consume them and the live
// output for this session.
func (c *Client) Attach(sessionID string, rows, cols int) error {
	id := c.nextRequestID()
	resp, err := c.send(id, proto.AttachRequest{
		Type: proto.TypeAttach, ID: id, SessionID: sessionID, Rows: rows, Cols: cols,
	})
	if err != nil {
		return err
	}
	if resp.typ == proto.TypeError {
		return asError(resp)
	}
	return nil
}

// Detach unsubscribes from a previously attached session's output.
func (c *Client) Detach(sessionID string) error {
	id := c.nextRequestID()
	resp, err := c.send(id, proto.DetachRequest{Type: proto.TypeDetach, ID: id, SessionID: sessionID})
	if err != nil {
		return err
	}
	if resp.typ == proto.TypeError {
		return asError(resp)
	}
	return nil
}

// ResizePty applies new PTY dimensions.
func (c *Client) ResizePty(sessionID string, rows, cols int) error {
	id := c.nextRequestID()
	resp, err := c.send(id, proto.ResizePtyRequest{
		Type: proto.TypeResizePty, ID: id, SessionID: sessionID, Rows: rows, Cols: cols,
	})
	if err != nil {
		return err
	}
	if resp.typ == proto.TypeError {
		return asError(resp)
	}
	return nil
}

// WriteStdin writes raw bytes to the session's child process stdin.
func (c *Client) WriteStdin(sessionID string, data []byte) error {
	id := c.nextRequestID()
	resp, err := c.send(id, proto.WriteStdinRequest{
		Type: proto.TypeWriteStdin, ID: id, SessionID: sessionID,
		Data: base64.StdEncoding.EncodeToString(data),
	})
	if err != nil {
		return err
	}
	if resp.typ == proto.TypeError {
		return asError(resp)
	}
	return nil
}

// StopSession kills the session's child process if running.
func (c *Client) StopSession(sessionID string) error {
	id := c.nextRequestID()
	resp, err := c.send(id, proto.StopSessionRequest{Type: proto.TypeStopSession, ID: id, SessionID: sessionID})
	if err != nil {
		return err
	}
	if resp.typ == proto.TypeError {
		return asError(resp)
	}
	return nil
}

// DestroySession removes the session entirely.
func (c *Client) DestroySession(sessionID string, force bool) error {
	id := c.nextRequestID()
	resp, err := c.send(id, proto.DestroySessionRequest{
		Type: proto.TypeDestroySession, ID: id, SessionID: sessionID, Force: force,
	})
	if err != nil {
		return err
	}
	if resp.typ == proto.TypeError {
		return asError(resp)
	}
	return nil
}

// ListSessions enumerates known sessions. projectID is sent with the
// request, but the daemon does not filter by it and returns every session.
func (c *Client) ListSessions(projectID string) ([]proto.SessionSummary, error) {
	id := c.nextRequestID()
	resp, err := c.send(id, proto.ListSessionsRequest{Type: proto.TypeListSessions, ID: id, ProjectID: projectID})
	if err != nil {
		return nil, err
	}
	if resp.typ == proto.TypeError {
		return nil, asError(resp)
	}
	var r proto.SessionListResponse
	if err := json.Unmarshal(resp.raw, &r); err != nil {
		return nil, &ProtocolError{Code: "unknown_error", Message: err.Error()}
	}
	return r.Sessions, nil
}

// GetSession returns a summary for one session.
func (c *Client) GetSession(sessionID string) (proto.SessionSummary, error) {
	id := c.nextRequestID()
	resp, err := c.send(id, proto.GetSessionRequest{Type: proto.TypeGetSession, ID: id, SessionID: sessionID})
	if err != nil {
		return proto.SessionSummary{}, err
	}
	if resp.typ == proto.TypeError {
		return proto.SessionSummary{}, asError(resp)
	}
	var r proto.SessionInfoResponse
	if err := json.Unmarshal(resp.raw, &r); err != nil {
		return proto.SessionSummary{}, &ProtocolError{Code: "unknown_error", Message: err.Error()}
	}
	return r.Session, nil
}

// ReadScrollback returns the full retained output for a session.
func (c *Client) ReadScrollback(sessionID string) ([]byte, error) {
	id := c.nextRequestID()
	resp, err := c.send(id, proto.ReadScrollbackRequest{Type: proto.TypeReadScrollback, ID: id, SessionID: sessionID})
	if err != nil {
		return nil, err
	}
	if resp.typ == proto.TypeError {
		return nil, asError(resp)
	}
	var r proto.ScrollbackContentsResponse
	if err := json.Unmarshal(resp.raw, &r); err != nil {
		return nil, &ProtocolError{Code: "unknown_error", Message: err.Error()}
	}
	return decodeBase64(r.Data)
}

// DaemonStop triggers server-wide graceful shutdown.
func (c *Client) DaemonStop() error {
	id := c.nextRequestID()
	resp, err := c.send(id, proto.DaemonStopRequest{Type: proto.TypeDaemonStop, ID: id})
	if err != nil {
		return err
	}
	if resp.typ == proto.TypeError {
		return asError(resp)
	}
	return nil
}

// Ping is a bare health probe.
func (c *Client) Ping() error {
	id := c.nextRequestID()
	resp, err := c.send(id, proto.PingRequest{Type: proto.TypePing, ID: id})
	if err != nil {
		return err
	}
	if resp.typ == proto.TypeError {
		return asError(resp)
	}
	return nil
}
