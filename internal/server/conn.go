package server

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/seboyle/ptyhubd/internal/broadcast"
	"github.com/seboyle/ptyhubd/internal/proto"
	"github.com/seboyle/ptyhubd/internal/ptymgr"
	"github.com/seboyle/ptyhubd/internal/session"
)

// connHandler owns one client connection: it decodes requests, dispatches
// them against the store, and — for attach — runs a streaming task that
// writes live output back under the same write lock used for replies.
type connHandler struct {
	id    uuid.UUID
	conn  net.Conn
	store *session.Store

	requestShutdown func()

	writeMu sync.Mutex

	mu       sync.Mutex
	attached map[string]context.CancelFunc // sessionID -> cancel for its streaming task
}

func newConnHandler(conn net.Conn, store *session.Store, requestShutdown func()) *connHandler {
	return &connHandler{
		id:              uuid.New(),
		conn:            conn,
		store:           store,
		requestShutdown: requestShutdown,
		attached:        make(map[string]context.CancelFunc),
	}
}

// serve runs the connection's main loop until EOF, a read error, or ctx is
// cancelled. On exit it detaches from every session this client attached
// to and closes the connection.
func (h *connHandler) serve(ctx context.Context) {
	defer h.conn.Close()
	defer h.detachFromAll()

	lines := make(chan []byte)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(h.conn)
		scanner.Buffer(make([]byte, 4096), 2<<20)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			cp := make([]byte, len(line))
			copy(cp, line)
			lines <- cp
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			h.handleLine(ctx, line)
		}
	}
}

func (h *connHandler) handleLine(ctx context.Context, line []byte) {
	var env proto.Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		log.Printf("conn %s: malformed request: %v", h.id, err)
		return
	}

	switch env.Type {
	case proto.TypePing:
		h.writeMsg(proto.AckResponse{Type: proto.TypeAck, ID: env.ID})

	case proto.TypeDaemonStop:
		h.writeMsg(proto.AckResponse{Type: proto.TypeAck, ID: env.ID})
		h.requestShutdown()

	case proto.TypeCreateSession:
		h.handleCreateSession(line, env.ID)

	case proto.TypeAttach:
		h.handleAttach(ctx, line, env.ID)

	case proto.TypeDetach:
		h.handleDetach(line, env.ID)

	case proto.TypeResizePty:
		h.handleResizePty(line, env.ID)

	case proto.TypeWriteStdin:
		h.handleWriteStdin(line, env.ID)

	case proto.TypeStopSession:
		h.handleStopSession(line, env.ID)

	case proto.TypeDestroySession:
		h.handleDestroySession(line, env.ID)

	case proto.TypeListSessions:
		h.handleListSessions(line, env.ID)

	case proto.TypeGetSession:
		h.handleGetSession(line, env.ID)

	case proto.TypeReadScrollback:
		h.handleReadScrollback(line, env.ID)

	default:
		h.writeError(env.ID, proto.ErrUnknown, "unknown request type: "+env.Type)
	}
}

func (h *connHandler) writeMsg(v interface{}) {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	h.writeLocked(v)
}

func (h *connHandler) writeError(id, code, message string) {
	h.writeMsg(proto.ErrorResponse{Type: proto.TypeError, ID: id, Code: code, Message: message})
}

// mapStoreError translates the session package's sentinel errors to the
// wire's fixed code vocabulary; anything else is reported as pty_error,
// the catch-all for PTY/system failures.
func mapStoreError(id string, err error) (code, message string) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return proto.ErrSessionNotFound, err.Error()
	case errors.Is(err, session.ErrAlreadyExists):
		return proto.ErrSessionAlreadyExists, err.Error()
	case errors.Is(err, session.ErrNotRunning):
		return proto.ErrSessionNotRunning, err.Error()
	default:
		return proto.ErrPtyError, err.Error()
	}
}

func summarize(s *session.Session) proto.SessionSummary {
	rows, cols := s.Size()
	sum := proto.SessionSummary{
		SessionID:  s.ID,
		Status:     s.Status(),
		Pid:        s.Pid(),
		Rows:       int(rows),
		Cols:       int(cols),
		Command:    s.Command,
		WorkingDir: s.WorkingDir,
		CreatedAt:  s.CreatedAt.Unix(),
		Idle:       s.Idle(),
	}
	sum.LastOutputAt = s.LastOutputAt().Unix()
	if s.Status() == session.StatusStopped {
		sum.ExitCode = s.ExitCode()
	}
	return sum
}

func (h *connHandler) handleCreateSession(line []byte, id string) {
	var req proto.CreateSessionRequest
	if err := json.Unmarshal(line, &req); err != nil {
		h.writeError(id, proto.ErrUnknown, "malformed create_session: "+err.Error())
		return
	}

	rows, cols := req.Rows, req.Cols
	if rows == 0 {
		rows = 24
	}
	if cols == 0 {
		cols = 80
	}

	opts := ptymgr.CreateOptions{
		Command:       req.Command,
		Args:          req.Args,
		WorkingDir:    req.WorkingDir,
		Env:           req.EnvVars,
		Rows:          uint16(rows),
		Cols:          uint16(cols),
		UseLoginShell: req.UseLoginShell,
	}

	sess, err := h.store.Create(req.SessionID, opts)
	if err != nil {
		code, msg := mapStoreError(id, err)
		h.writeError(id, code, msg)
		return
	}

	h.writeMsg(proto.SessionCreatedResponse{Type: proto.TypeSessionCreated, ID: id, Session: summarize(sess)})
}

// handleAttach implements the ordering rule from the design notes:
// subscribe before snapshot, then hold the write lock across ack, the
// optional resize-failed notice, and the scrollback replay, so no live
// byte can be observed before the replay completes.
func (h *connHandler) handleAttach(ctx context.Context, line []byte, id string) {
	var req proto.AttachRequest
	if err := json.Unmarshal(line, &req); err != nil {
		h.writeError(id, proto.ErrUnknown, "malformed attach: "+err.Error())
		return
	}

	sess, err := h.store.Get(req.SessionID)
	if err != nil {
		code, msg := mapStoreError(id, err)
		h.writeError(id, code, msg)
		return
	}

	rows, cols := req.Rows, req.Cols
	if rows == 0 {
		rows = 24
	}
	if cols == 0 {
		cols = 80
	}

	var resizeErr error
	if e := sess.Resize(uint16(rows), uint16(cols)); e != nil {
		resizeErr = e
	}

	sub := sess.Subscribe()
	scrollback := sess.Scrollback()

	h.writeMu.Lock()
	h.writeLocked(proto.AckResponse{Type: proto.TypeAck, ID: id})
	if resizeErr != nil {
		h.writeLocked(proto.SessionEventResponse{
			Type:      proto.TypeSessionEvent,
			SessionID: sess.ID,
			Event:     proto.EventResizeFailed,
			Message:   resizeErr.Error(),
		})
	}
	if len(scrollback) > 0 {
		h.writeLocked(proto.PtyOutputResponse{
			Type:      proto.TypePtyOutput,
			SessionID: sess.ID,
			Data:      base64.StdEncoding.EncodeToString(scrollback),
		})
	}
	h.writeMu.Unlock()

	if sub == nil {
		// Session already stopped: nothing left to stream.
		return
	}

	streamCtx, cancel := context.WithCancel(ctx)
	h.mu.Lock()
	if prev, ok := h.attached[sess.ID]; ok {
		prev()
	}
	h.attached[sess.ID] = cancel
	h.mu.Unlock()

	go h.streamSession(streamCtx, sess, sub)
}

// streamSession delivers live broadcaster messages to the client until
// the session exits, the client detaches, or the connection ends.
// Detach/disconnect cancel streamCtx before the subscription channel is
// closed, so ctx.Err() != nil there distinguishes an intentional detach
// from the session's own exit (channel closed with ctx still live), which
// is when — and only when — a session_event{"stopped"} is emitted. This
// stands in for a separate global exit-event demultiplexer: each attached
// stream already observes the exit at the same moment the status flips,
// since Session.readLoop closes the broadcaster right after doing so.
func (h *connHandler) streamSession(ctx context.Context, sess *session.Session, sub *broadcast.Subscription) {
	defer sess.Unsubscribe(sub)
	for {
		msg, ok := sub.Recv(ctx)
		if !ok {
			if ctx.Err() == nil {
				h.writeMsg(proto.SessionEventResponse{
					Type:      proto.TypeSessionEvent,
					SessionID: sess.ID,
					Event:     proto.EventStopped,
				})
			}
			return
		}
		if msg.Dropped > 0 {
			h.writeMsg(proto.PtyOutputDroppedResponse{
				Type:         proto.TypePtyOutputDropped,
				SessionID:    sess.ID,
				BytesDropped: msg.Dropped,
			})
			continue
		}
		h.writeMsg(proto.PtyOutputResponse{
			Type:      proto.TypePtyOutput,
			SessionID: sess.ID,
			Data:      base64.StdEncoding.EncodeToString(msg.Data),
		})
	}
}

// writeLocked marshals and writes v; the caller must already hold writeMu.
func (h *connHandler) writeLocked(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("conn %s: marshal response: %v", h.id, err)
		return
	}
	data = append(data, '\n')
	if _, err := h.conn.Write(data); err != nil {
		log.Printf("conn %s: write: %v", h.id, err)
	}
}

func (h *connHandler) handleDetach(line []byte, id string) {
	var req proto.DetachRequest
	if err := json.Unmarshal(line, &req); err != nil {
		h.writeError(id, proto.ErrUnknown, "malformed detach: "+err.Error())
		return
	}

	h.mu.Lock()
	cancel, ok := h.attached[req.SessionID]
	if ok {
		delete(h.attached, req.SessionID)
	}
	h.mu.Unlock()
	if ok {
		cancel()
	}

	h.writeMsg(proto.AckResponse{Type: proto.TypeAck, ID: id})
}

func (h *connHandler) detachFromAll() {
	h.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(h.attached))
	for id, cancel := range h.attached {
		cancels = append(cancels, cancel)
		delete(h.attached, id)
	}
	h.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

func (h *connHandler) handleResizePty(line []byte, id string) {
	var req proto.ResizePtyRequest
	if err := json.Unmarshal(line, &req); err != nil {
		h.writeError(id, proto.ErrUnknown, "malformed resize_pty: "+err.Error())
		return
	}
	sess, err := h.store.Get(req.SessionID)
	if err != nil {
		code, msg := mapStoreError(id, err)
		h.writeError(id, code, msg)
		return
	}
	if err := sess.Resize(uint16(req.Rows), uint16(req.Cols)); err != nil {
		code, msg := mapStoreError(id, err)
		h.writeError(id, code, msg)
		return
	}
	h.writeMsg(proto.AckResponse{Type: proto.TypeAck, ID: id})
}

func (h *connHandler) handleWriteStdin(line []byte, id string) {
	var req proto.WriteStdinRequest
	if err := json.Unmarshal(line, &req); err != nil {
		h.writeError(id, proto.ErrUnknown, "malformed write_stdin: "+err.Error())
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		h.writeError(id, proto.ErrBase64Decode, err.Error())
		return
	}
	sess, err := h.store.Get(req.SessionID)
	if err != nil {
		code, msg := mapStoreError(id, err)
		h.writeError(id, code, msg)
		return
	}
	if err := sess.WriteStdin(data); err != nil {
		code, msg := mapStoreError(id, err)
		h.writeError(id, code, msg)
		return
	}
	h.writeMsg(proto.AckResponse{Type: proto.TypeAck, ID: id})
}

func (h *connHandler) handleStopSession(line []byte, id string) {
	var req proto.StopSessionRequest
	if err := json.Unmarshal(line, &req); err != nil {
		h.writeError(id, proto.ErrUnknown, "malformed stop_session: "+err.Error())
		return
	}
	if err := h.store.Stop(req.SessionID); err != nil {
		code, msg := mapStoreError(id, err)
		h.writeError(id, code, msg)
		return
	}
	h.writeMsg(proto.AckResponse{Type: proto.TypeAck, ID: id})
}

func (h *connHandler) handleDestroySession(line []byte, id string) {
	var req proto.DestroySessionRequest
	if err := json.Unmarshal(line, &req); err != nil {
		h.writeError(id, proto.ErrUnknown, "malformed destroy_session: "+err.Error())
		return
	}
	h.store.Destroy(req.SessionID)
	h.writeMsg(proto.AckResponse{Type: proto.TypeAck, ID: id})
}

func (h *connHandler) handleListSessions(line []byte, id string) {
	var req proto.ListSessionsRequest
	if err := json.Unmarshal(line, &req); err != nil {
		h.writeError(id, proto.ErrUnknown, "malformed list_sessions: "+err.Error())
		return
	}
	all := h.store.List()
	summaries := make([]proto.SessionSummary, 0, len(all))
	for _, s := range all {
		summaries = append(summaries, summarize(s))
	}
	h.writeMsg(proto.SessionListResponse{Type: proto.TypeSessionList, ID: id, Sessions: summaries})
}

func (h *connHandler) handleGetSession(line []byte, id string) {
	var req proto.GetSessionRequest
	if err := json.Unmarshal(line, &req); err != nil {
		h.writeError(id, proto.ErrUnknown, "malformed get_session: "+err.Error())
		return
	}
	sess, err := h.store.Get(req.SessionID)
	if err != nil {
		code, msg := mapStoreError(id, err)
		h.writeError(id, code, msg)
		return
	}
	h.writeMsg(proto.SessionInfoResponse{Type: proto.TypeSessionInfo, ID: id, Session: summarize(sess)})
}

func (h *connHandler) handleReadScrollback(line []byte, id string) {
	var req proto.ReadScrollbackRequest
	if err := json.Unmarshal(line, &req); err != nil {
		h.writeError(id, proto.ErrUnknown, "malformed read_scrollback: "+err.Error())
		return
	}
	sess, err := h.store.Get(req.SessionID)
	if err != nil {
		code, msg := mapStoreError(id, err)
		h.writeError(id, code, msg)
		return
	}
	h.writeMsg(proto.ScrollbackContentsResponse{
		Type:      proto.TypeScrollbackContents,
		ID:        id,
		SessionID: sess.ID,
		Data:      base64.StdEncoding.EncodeToString(sess.Scrollback()),
	})
}
