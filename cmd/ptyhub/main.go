// ptyhub is the CLI client for ptyhubd: create, list, attach to, and tear
// down PTY-backed sessions over the daemon's Unix socket.
package main

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/seboyle/ptyhubd/internal/client"
	"github.com/seboyle/ptyhubd/internal/config"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "create":
		cmdCreate()
	case "list":
		cmdList()
	case "attach":
		cmdAttach()
	case "stop":
		cmdStop()
	case "destroy":
		cmdDestroy()
	case "ping":
		cmdPing()
	case "daemon-stop":
		cmdDaemonStop()
	default:
		fmt.Fprintf(os.Stderr, "ptyhub: unknown command %q\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `ptyhub – drive ptyhubd sessions

  create <session-id> <command> [args...]   Spawn a session
  list                                      List known sessions
  attach <session-id>                       Attach terminal (detach: Ctrl-])
  stop <session-id>                         Kill the session's process
  destroy <session-id>                      Stop and remove a session
  ping                                      Check the daemon is alive
  daemon-stop                               Ask the daemon to shut down`)
}

func dial() *client.Client {
	sock := config.DefaultSocketPath()
	c, err := client.Dial(sock)
	if err == nil {
		return c
	}
	if err != client.ErrDaemonNotRunning {
		fmt.Fprintf(os.Stderr, "ptyhub: %v\n", err)
		os.Exit(1)
	}

	if !ensureDaemonStarted(sock) {
		fmt.Fprintln(os.Stderr, "ptyhub: daemon did not start in time")
		os.Exit(1)
	}
	c, err = client.Dial(sock)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ptyhub: %v\n", err)
		os.Exit(1)
	}
	return c
}

// ensureDaemonStarted launches ptyhubd next to this binary (or from PATH)
// and waits for the socket to come up, the way catherd's ensureDaemon does
// for catherdd.
func ensureDaemonStarted(sockPath string) bool {
	exe, _ := os.Executable()
	daemonBin := exe[:len(exe)-len("ptyhub")] + "ptyhubd"
	if _, err := os.Stat(daemonBin); err != nil {
		daemonBin = "ptyhubd"
	}

	cmd := exec.Command(daemonBin, "start")
	cmd.Stdout, cmd.Stderr = os.Stderr, os.Stderr
	if err := cmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "ptyhub: could not start daemon: %v\n", err)
		return false
	}

	for i := 0; i < 30; i++ {
		if _, err := os.Stat(sockPath); err == nil {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false
}

func cmdPing() {
	c := dial()
	defer c.Close()
	if err := c.Ping(); err != nil {
		fmt.Fprintf(os.Stderr, "ptyhub: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("ok")
}

func cmdDaemonStop() {
	c := dial()
	defer c.Close()
	if err := c.DaemonStop(); err != nil {
		fmt.Fprintf(os.Stderr, "ptyhub: %v\n", err)
		os.Exit(1)
	}
}

func cmdCreate() {
	if len(os.Args) < 4 {
		fmt.Fprintln(os.Stderr, "usage: ptyhub create <session-id> <command> [args...]")
		os.Exit(1)
	}
	sessionID, command, args := os.Args[2], os.Args[3], os.Args[4:]

	cwd, err := os.Getwd()
	if err != nil {
		cwd = "/"
	}

	c := dial()
	defer c.Close()
	sum, err := c.CreateSession(client.CreateSessionParams{
		SessionID: sessionID, WorkingDir: cwd, Command: command, Args: args,
		EnvVars: map[string]string{"TERM": os.Getenv("TERM")},
		Rows:    24, Cols: 80,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "ptyhub: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("created session %s (pid %d)\n", sum.SessionID, sum.Pid)
	fmt.Printf("run: ptyhub attach %s\n", sessionID)
}

func cmdList() {
	c := dial()
	defer c.Close()
	sessions, err := c.ListSessions("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "ptyhub: %v\n", err)
		os.Exit(1)
	}
	if len(sessions) == 0 {
		fmt.Println("no sessions")
		return
	}
	fmt.Printf("%-16s  %-10s  %s\n", "ID", "STATUS", "COMMAND")
	for _, s := range sessions {
		status := s.Status
		if s.Idle {
			status = "idle"
		}
		fmt.Printf("%-16s  %-10s  %s\n", s.SessionID, status, s.Command)
	}
}

func cmdStop() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: ptyhub stop <session-id>")
		os.Exit(1)
	}
	c := dial()
	defer c.Close()
	if err := c.StopSession(os.Args[2]); err != nil {
		fmt.Fprintf(os.Stderr, "ptyhub: %v\n", err)
		os.Exit(1)
	}
}

func cmdDestroy() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: ptyhub destroy <session-id>")
		os.Exit(1)
	}
	c := dial()
	defer c.Close()
	if err := c.DestroySession(os.Args[2], true); err != nil {
		fmt.Fprintf(os.Stderr, "ptyhub: %v\n", err)
		os.Exit(1)
	}
}

// cmdAttach puts the terminal in raw mode, forwards stdin to the session
// (Ctrl-] detaches), and prints streamed output, mirroring catherd's
// cmdAttach loop but speaking JSON envelopes instead of a binary frame
// sub-protocol.
func cmdAttach() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: ptyhub attach <session-id>")
		os.Exit(1)
	}
	sessionID := os.Args[2]

	c := dial()
	defer c.Close()

	fd := int(os.Stdin.Fd())
	cols, rows, err := term.GetSize(fd)
	if err != nil {
		cols, rows = 80, 24
	}

	if err := c.Attach(sessionID, rows, cols); err != nil {
		fmt.Fprintf(os.Stderr, "ptyhub: %v\n", err)
		os.Exit(1)
	}

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ptyhub: cannot set raw mode: %v\n", err)
		os.Exit(1)
	}
	defer term.Restore(fd, oldState)

	fmt.Fprintf(os.Stdout, "\r\n[ptyhub] attached to %s  (detach: Ctrl-])\r\n", sessionID)

	done := make(chan struct{}, 1)
	signalDone := func() {
		select {
		case done <- struct{}{}:
		default:
		}
	}

	go func() {
		for {
			msg, ok := c.ReadNext()
			if !ok {
				signalDone()
				return
			}
			switch {
			case msg.Event == "stopped":
				signalDone()
				return
			case len(msg.Data) > 0:
				os.Stdout.Write(msg.Data)
			}
		}
	}()

	go func() {
		buf := make([]byte, 256)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				for i := 0; i < n; i++ {
					if buf[i] == 0x1D {
						c.Detach(sessionID)
						signalDone()
						return
					}
				}
				if werr := c.WriteStdin(sessionID, buf[:n]); werr != nil {
					signalDone()
					return
				}
			}
			if err != nil {
				signalDone()
				return
			}
		}
	}()

	winchCh := make(chan os.Signal, 1)
	signal.Notify(winchCh, syscall.SIGWINCH)
	go func() {
		for range winchCh {
			if cols, rows, err := term.GetSize(fd); err == nil {
				c.ResizePty(sessionID, rows, cols)
			}
		}
	}()

	<-done
	signal.Stop(winchCh)
	fmt.Fprintf(os.Stdout, "\n[ptyhub] detached from %s\n", sessionID)
}
