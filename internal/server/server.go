// Package server implements the daemon's Unix-socket IPC surface: the
// accept loop, per-connection request dispatch, and attach streaming.
// It follows the same shape as catherdd's daemon.Run/handleConn, but
// dispatches the session-oriented protocol in internal/proto instead of
// catherdd's worktree/agent-instance protocol, and supervises its
// goroutines with an errgroup rather than bare `go func(){}()` calls.
package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seboyle/ptyhubd/internal/session"
)

// Server binds one Unix socket and serves the session protocol over it
// until its context is cancelled.
type Server struct {
	SocketPath    string
	Store         *session.Store
	SweepInterval time.Duration

	cancel context.CancelFunc
}

// New creates a Server backed by store, listening at socketPath.
func New(socketPath string, store *session.Store, sweepInterval time.Duration) *Server {
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	return &Server{SocketPath: socketPath, Store: store, SweepInterval: sweepInterval}
}

// Run binds the socket and blocks, serving connections until ctx is
// cancelled or an unrecoverable accept error occurs. On return the socket
// file is removed and every session is terminated.
func (s *Server) Run(ctx context.Context) error {
	os.Remove(s.SocketPath)

	l, err := net.Listen("unix", s.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.SocketPath, err)
	}

	log.Printf("ptyhubd listening on %s", s.SocketPath)

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		l.Close()
		return nil
	})

	g.Go(func() error {
		s.acceptLoop(ctx, l)
		return nil
	})

	g.Go(func() error {
		s.sweepLoop(ctx)
		return nil
	})

	err = g.Wait()

	os.Remove(s.SocketPath)
	s.Store.DestroyAll()
	cancel()

	return err
}

func (s *Server) acceptLoop(ctx context.Context, l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.Printf("accept: %v", err)
				return
			}
		}
		h := newConnHandler(conn, s.Store, s.requestShutdown)
		go h.serve(ctx)
	}
}

func (s *Server) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Store.SweepDead(); n > 0 {
				log.Printf("swept %d dead session(s)", n)
			}
		}
	}
}

// requestShutdown is handed to connHandlers so a daemon_stop request can
// unwind the whole server: it cancels the shared context, which stops the
// accept loop, the sweeper, and every connection handler's select.
func (s *Server) requestShutdown() {
	if s.cancel != nil {
		s.cancel()
	}
}
