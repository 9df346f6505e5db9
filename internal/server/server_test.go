package server

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seboyle/ptyhubd/internal/proto"
	"github.com/seboyle/ptyhubd/internal/session"
)

// testServer starts a Server on a temp socket and returns a dial func. The
// server's context is cancelled (and the socket cleaned up) automatically
// at test end.
func testServer(t *testing.T) func() net.Conn {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "ptyhubd.sock")
	store := session.NewStore(session.Config{
		ScrollbackBytes:     4096,
		BroadcastQueueDepth: 16,
		PtyReadBufferSize:   4096,
	})
	srv := New(sockPath, store, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give the listener a moment to bind.
	require.Eventually(t, func() bool {
		conn, err := net.Dial("unix", sockPath)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)

	return func() net.Conn {
		conn, err := net.Dial("unix", sockPath)
		require.NoError(t, err)
		return conn
	}
}

func sendLine(t *testing.T, conn net.Conn, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	data = append(data, '\n')
	_, err = conn.Write(data)
	require.NoError(t, err)
}

func readLine(t *testing.T, reader *bufio.Reader) map[string]interface{} {
	t.Helper()
	line, err := reader.ReadBytes('\n')
	require.NoError(t, err)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(line, &out))
	return out
}

func TestServer_PingAck(t *testing.T) {
	dial := testServer(t)
	conn := dial()
	defer conn.Close()
	reader := bufio.NewReader(conn)

	sendLine(t, conn, proto.PingRequest{Type: proto.TypePing, ID: "1"})
	resp := readLine(t, reader)
	assert.Equal(t, proto.TypeAck, resp["type"])
	assert.Equal(t, "1", resp["id"])
}

func TestServer_ListEmptyThenCreateThenStop(t *testing.T) {
	dial := testServer(t)
	conn := dial()
	defer conn.Close()
	reader := bufio.NewReader(conn)

	sendLine(t, conn, proto.ListSessionsRequest{Type: proto.TypeListSessions, ID: "1"})
	resp := readLine(t, reader)
	assert.Equal(t, proto.TypeSessionList, resp["type"])
	assert.Empty(t, resp["sessions"])

	sendLine(t, conn, proto.CreateSessionRequest{
		Type: proto.TypeCreateSession, ID: "2", SessionID: "test-session",
		WorkingDir: "/tmp", Command: "/bin/sh", Rows: 24, Cols: 80,
	})
	resp = readLine(t, reader)
	require.Equal(t, proto.TypeSessionCreated, resp["type"])
	sessObj := resp["session"].(map[string]interface{})
	assert.Equal(t, "running", sessObj["status"])

	sendLine(t, conn, proto.GetSessionRequest{Type: proto.TypeGetSession, ID: "3", SessionID: "test-session"})
	resp = readLine(t, reader)
	assert.Equal(t, "test-session", resp["session"].(map[string]interface{})["session_id"])

	sendLine(t, conn, proto.StopSessionRequest{Type: proto.TypeStopSession, ID: "4", SessionID: "test-session"})
	resp = readLine(t, reader)
	assert.Equal(t, proto.TypeAck, resp["type"])

	require.Eventually(t, func() bool {
		sendLine(t, conn, proto.GetSessionRequest{Type: proto.TypeGetSession, ID: "5", SessionID: "test-session"})
		resp = readLine(t, reader)
		return resp["session"].(map[string]interface{})["status"] == "stopped"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestServer_DuplicateCreateRejected(t *testing.T) {
	dial := testServer(t)
	conn := dial()
	defer conn.Close()
	reader := bufio.NewReader(conn)

	create := proto.CreateSessionRequest{
		Type: proto.TypeCreateSession, ID: "1", SessionID: "dup",
		WorkingDir: "/tmp", Command: "/bin/sh", Rows: 24, Cols: 80,
	}
	sendLine(t, conn, create)
	resp := readLine(t, reader)
	require.Equal(t, proto.TypeSessionCreated, resp["type"])

	create.ID = "2"
	sendLine(t, conn, create)
	resp = readLine(t, reader)
	assert.Equal(t, proto.TypeError, resp["type"])
	assert.Equal(t, proto.ErrSessionAlreadyExists, resp["code"])
}

func TestServer_ExitTransitionsToStopped(t *testing.T) {
	dial := testServer(t)
	conn := dial()
	defer conn.Close()
	reader := bufio.NewReader(conn)

	sendLine(t, conn, proto.CreateSessionRequest{
		Type: proto.TypeCreateSession, ID: "1", SessionID: "exit-test",
		WorkingDir: "/tmp", Command: "/usr/bin/true", Rows: 24, Cols: 80,
	})
	resp := readLine(t, reader)
	require.Equal(t, proto.TypeSessionCreated, resp["type"])

	require.Eventually(t, func() bool {
		sendLine(t, conn, proto.GetSessionRequest{Type: proto.TypeGetSession, ID: "2", SessionID: "exit-test"})
		resp = readLine(t, reader)
		return resp["session"].(map[string]interface{})["status"] == "stopped"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestServer_MalformedInputTolerated(t *testing.T) {
	dial := testServer(t)
	bad := dial()
	_, err := bad.Write([]byte("this is not json\n"))
	require.NoError(t, err)
	bad.Close()

	fresh := dial()
	defer fresh.Close()
	reader := bufio.NewReader(fresh)
	sendLine(t, fresh, proto.ListSessionsRequest{Type: proto.TypeListSessions, ID: "1"})
	resp := readLine(t, reader)
	assert.Equal(t, proto.TypeSessionList, resp["type"])
}

func TestServer_AttachWriteObserveOutput(t *testing.T) {
	dial := testServer(t)
	conn := dial()
	defer conn.Close()
	reader := bufio.NewReader(conn)

	sendLine(t, conn, proto.CreateSessionRequest{
		Type: proto.TypeCreateSession, ID: "1", SessionID: "shell",
		WorkingDir: "/tmp", Command: "/bin/sh", Rows: 24, Cols: 80,
	})
	resp := readLine(t, reader)
	require.Equal(t, proto.TypeSessionCreated, resp["type"])

	sendLine(t, conn, proto.AttachRequest{Type: proto.TypeAttach, ID: "2", SessionID: "shell", Rows: 24, Cols: 80})
	resp = readLine(t, reader)
	require.Equal(t, proto.TypeAck, resp["type"])

	data := base64.StdEncoding.EncodeToString([]byte("echo hello\n"))
	sendLine(t, conn, proto.WriteStdinRequest{Type: proto.TypeWriteStdin, ID: "3", SessionID: "shell", Data: data})
	resp = readLine(t, reader)
	for resp["type"] == proto.TypePtyOutput {
		// Scrollback replay or live output (e.g. the shell prompt) may be
		// written before the write_stdin reply.
		resp = readLine(t, reader)
	}
	require.Equal(t, proto.TypeAck, resp["type"])

	found := false
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		msg := readLineTolerant(reader)
		if msg == nil {
			continue
		}
		if msg["type"] == proto.TypePtyOutput {
			raw, _ := base64.StdEncoding.DecodeString(msg["data"].(string))
			if len(raw) > 0 {
				found = true
				break
			}
		}
	}
	assert.True(t, found, "expected at least one non-empty pty_output message")
}

func readLineTolerant(reader *bufio.Reader) map[string]interface{} {
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return nil
	}
	var out map[string]interface{}
	if json.Unmarshal(line, &out) != nil {
		return nil
	}
	return out
}

func TestServer_DestroyRemovesSession(t *testing.T) {
	dial := testServer(t)
	conn := dial()
	defer conn.Close()
	reader := bufio.NewReader(conn)

	sendLine(t, conn, proto.CreateSessionRequest{
		Type: proto.TypeCreateSession, ID: "1", SessionID: "doomed",
		WorkingDir: "/tmp", Command: "/bin/sh", Rows: 24, Cols: 80,
	})
	resp := readLine(t, reader)
	require.Equal(t, proto.TypeSessionCreated, resp["type"])

	sendLine(t, conn, proto.DestroySessionRequest{Type: proto.TypeDestroySession, ID: "2", SessionID: "doomed"})
	resp = readLine(t, reader)
	require.Equal(t, proto.TypeAck, resp["type"])

	sendLine(t, conn, proto.GetSessionRequest{Type: proto.TypeGetSession, ID: "3", SessionID: "doomed"})
	resp = readLine(t, reader)
	assert.Equal(t, proto.TypeError, resp["type"])
	assert.Equal(t, proto.ErrSessionNotFound, resp["code"])

	sendLine(t, conn, proto.StopSessionRequest{Type: proto.TypeStopSession, ID: "4", SessionID: "doomed"})
	resp = readLine(t, reader)
	assert.Equal(t, proto.TypeError, resp["type"])
	assert.Equal(t, proto.ErrSessionNotFound, resp["code"])
}

func TestServer_DestroyOnMissingSessionIsIdempotent(t *testing.T) {
	dial := testServer(t)
	conn := dial()
	defer conn.Close()
	reader := bufio.NewReader(conn)

	sendLine(t, conn, proto.DestroySessionRequest{Type: proto.TypeDestroySession, ID: "1", SessionID: "never-existed"})
	resp := readLine(t, reader)
	assert.Equal(t, proto.TypeAck, resp["type"])
}

func TestServer_DaemonStopShutsDownPromptly(t *testing.T) {
	dial := testServer(t)
	conn := dial()
	defer conn.Close()
	reader := bufio.NewReader(conn)

	sendLine(t, conn, proto.DaemonStopRequest{Type: proto.TypeDaemonStop, ID: "1"})
	resp := readLine(t, reader)
	assert.Equal(t, proto.TypeAck, resp["type"])

	// Shutdown unwinds every connection handler, which closes this
	// connection well within 3s.
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err := reader.ReadBytes('\n')
	assert.ErrorIs(t, err, io.EOF)
}
