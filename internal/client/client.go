// Package client implements the typed ptyhubd client library: it mirrors
// the wire protocol in internal/proto, correlating requests with
// responses by id and demultiplexing unframed streaming messages (live
// PTY output, session events) onto a separate channel after Attach. This
// is the Go counterpart of catherd's mustRequest/writeRequest/
// readResponse helpers in cmd/catherd/main.go, generalized so a single
// connection can carry both request/response traffic and one active
// attach stream at once, as the protocol requires.
package client

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/seboyle/ptyhubd/internal/proto"
)

// streamingTypes are response variants carrying no id — they are
// delivered to the Stream channel instead of a pending-request waiter.
var streamingTypes = map[string]bool{
	proto.TypePtyOutput:        true,
	proto.TypePtyOutputDropped: true,
	proto.TypeSessionEvent:     true,
}

// StreamMsg is one message delivered after Attach: either a chunk of live
// output, a dropped-output notice, or a session lifecycle event. Exactly
// one of Data, Dropped, or Event is meaningful for a given message.
type StreamMsg struct {
	SessionID string
	Data      []byte // present for pty_output
	Dropped   int    // present for pty_output_dropped
	Event     string // present for session_event
	Message   string // advisory text for session_event
}

// Client is a connection to ptyhubd, speaking the session protocol.
type Client struct {
	conn   net.Conn
	nextID uint64

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan rawResponse

	Stream chan StreamMsg

	closeOnce sync.Once
	readErr   atomic.Value // error
}

type rawResponse struct {
	typ string
	raw json.RawMessage
}

// Dial connects to the daemon listening at socketPath. A missing socket
// or refused connection is reported as ErrDaemonNotRunning; any other
// dial failure is wrapped in ErrConnectionFailed.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ECONNREFUSED) {
			return nil, ErrDaemonNotRunning
		}
		return nil, &ErrConnectionFailed{Err: err}
	}

	c := &Client{
		conn:    conn,
		pending: make(map[string]chan rawResponse),
		Stream:  make(chan StreamMsg, 64),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 4096), 2<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env proto.Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			continue
		}
		raw := make(json.RawMessage, len(line))
		copy(raw, line)

		if streamingTypes[env.Type] {
			c.deliverStream(env.Type, raw)
			continue
		}

		c.pendingMu.Lock()
		ch, ok := c.pending[env.ID]
		if ok {
			delete(c.pending, env.ID)
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- rawResponse{typ: env.Type, raw: raw}
		}
	}
	if err := scanner.Err(); err != nil {
		c.readErr.Store(err)
	} else {
		c.readErr.Store(fmt.Errorf("ptyhubd: connection closed"))
	}
	close(c.Stream)
	c.failPending()
}

func (c *Client) deliverStream(typ string, raw json.RawMessage) {
	switch typ {
	case proto.TypePtyOutput:
		var r proto.PtyOutputResponse
		if json.Unmarshal(raw, &r) == nil {
			data, _ := decodeBase64(r.Data)
			c.Stream <- StreamMsg{SessionID: r.SessionID, Data: data}
		}
	case proto.TypePtyOutputDropped:
		var r proto.PtyOutputDroppedResponse
		if json.Unmarshal(raw, &r) == nil {
			c.Stream <- StreamMsg{SessionID: r.SessionID, Dropped: r.BytesDropped}
		}
	case proto.TypeSessionEvent:
		var r proto.SessionEventResponse
		if json.Unmarshal(raw, &r) == nil {
			c.Stream <- StreamMsg{SessionID: r.SessionID, Event: r.Event, Message: r.Message}
		}
	}
}

func (c *Client) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
}

// ReadNext blocks for the next streaming message after Attach. ok is
// false once the connection has closed or errored.
func (c *Client) ReadNext() (StreamMsg, bool) {
	msg, ok := <-c.Stream
	return msg, ok
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.conn.Close() })
	return err
}

func (c *Client) nextRequestID() string {
	return strconv.FormatUint(atomic.AddUint64(&c.nextID, 1), 10)
}

// send writes req and waits for the correlated response, returning the
// decoded raw response or a connection-level error.
func (c *Client) send(id string, req interface{}) (rawResponse, error) {
	ch := make(chan rawResponse, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	data, err := json.Marshal(req)
	if err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return rawResponse{}, err
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	_, err = c.conn.Write(data)
	c.writeMu.Unlock()
	if err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		if e, ok := c.readErr.Load().(error); ok {
			return rawResponse{}, e
		}
		return rawResponse{}, &ErrConnectionFailed{Err: err}
	}

	resp, ok := <-ch
	if !ok {
		if e, ok := c.readErr.Load().(error); ok {
			return rawResponse{}, e
		}
		return rawResponse{}, fmt.Errorf("ptyhubd: connection closed")
	}
	return resp, nil
}

// asError translates a raw error response into a typed client error.
func asError(resp rawResponse) error {
	var e proto.ErrorResponse
	if json.Unmarshal(resp.raw, &e) != nil {
		return &ProtocolError{Code: "unknown_error", Message: "malformed error response"}
	}
	return errorForCode(e.Code, e.Message)
}
