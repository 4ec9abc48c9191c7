// Package localexec provides ready-made shell and exec channel handlers
// that run commands as a local system user with an optional
// pseudo-terminal, in the manner of the teacher's runShellAs — but
// speaking mux.Context's stdio streams instead of a raw net.Conn, and
// recording utmp/lastlog entries the way an interactive login shell
// would.
package localexec

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"os/user"
	"strconv"
	"syscall"

	"github.com/anmitsu/go-shlex"
	"github.com/kr/pty"

	"blitter.com/go/goutmp"
	"blitter.com/go/ssssh/internal/mux"
)

// Options configures how local commands are launched.
type Options struct {
	// Shell is the interactive login shell used for "shell" channel
	// requests and for "exec" when DirectExec is false.
	Shell string
	// DirectExec, when true, splits the exec command line with a
	// shell-lexer and execs argv[0] directly instead of handing the
	// whole string to Shell -c — avoids a shell interposing on the
	// command for callers that want it split like a real argv.
	DirectExec bool
	// RecordLogin, when true, adds a utmp/lastlog entry for the
	// duration of a PTY-backed session (shell, or exec after a pty-req),
	// as a real login shell would.
	RecordLogin bool
	// RemoteHost is recorded in utmp/lastlog entries.
	RemoteHost string
}

func (o Options) shell() string {
	if o.Shell == "" {
		return "/bin/bash"
	}
	return o.Shell
}

// Handler implements mux.Facade's Launch for session channels, running
// commands as the given system user.
type Handler struct {
	user *user.User
	opts Options
}

// New builds a Handler that runs commands as the named local user. It
// fails if the user cannot be looked up, mirroring the teacher's
// user.Lookup-then-Sscanf uid/gid pattern.
func New(username string, opts Options) (*Handler, error) {
	u, err := user.Lookup(username)
	if err != nil {
		return nil, err
	}
	return &Handler{user: u, opts: opts}, nil
}

// Launch implements mux.Facade. launchKind is one of "shell", "exec",
// "subsystem", "direct-tcpip" as dispatched by the mux.
func (h *Handler) Launch(ctx *mux.Context, launchKind, param string) (uint32, error) {
	switch launchKind {
	case "shell":
		return h.runShell(ctx)
	case "exec":
		return h.runExec(ctx, param)
	case "subsystem":
		return 0, fmt.Errorf("localexec: subsystem %q not implemented", param)
	default:
		return 0, fmt.Errorf("localexec: unsupported channel kind %q", launchKind)
	}
}

func (h *Handler) credential() (*syscall.Credential, error) {
	uid, err := strconv.Atoi(h.user.Uid)
	if err != nil {
		return nil, err
	}
	gid, err := strconv.Atoi(h.user.Gid)
	if err != nil {
		return nil, err
	}
	return &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}, nil
}

func (h *Handler) runShell(ctx *mux.Context) (uint32, error) {
	cred, err := h.credential()
	if err != nil {
		return 1, err
	}
	c := exec.Command(h.shellArgs(true)[0], h.shellArgs(true)[1:]...)
	c.Dir = h.user.HomeDir
	c.Env = []string{"HOME=" + h.user.HomeDir, "USER=" + h.user.Username, "LOGNAME=" + h.user.Username, "TERM=" + h.termName(ctx)}
	c.SysProcAttr = &syscall.SysProcAttr{Credential: cred}

	return h.runWithPTY(ctx, c)
}

func (h *Handler) runExec(ctx *mux.Context, command string) (uint32, error) {
	cred, err := h.credential()
	if err != nil {
		return 1, err
	}

	var c *exec.Cmd
	if h.opts.DirectExec {
		args, err := shlex.Split(command, true)
		if err != nil || len(args) == 0 {
			return 1, errors.New("localexec: could not split exec command line")
		}
		c = exec.Command(args[0], args[1:]...)
	} else {
		c = exec.Command(h.opts.shell(), "-c", command)
	}
	c.Dir = h.user.HomeDir
	c.Env = []string{"HOME=" + h.user.HomeDir, "USER=" + h.user.Username, "LOGNAME=" + h.user.Username}
	c.SysProcAttr = &syscall.SysProcAttr{Credential: cred}

	if ctx.PTY != nil {
		return h.runWithPTY(ctx, c)
	}
	return h.runPlain(ctx, c)
}

func (h *Handler) shellArgs(interactive bool) []string {
	if interactive {
		return []string{h.opts.shell(), "-i", "-l"}
	}
	return []string{h.opts.shell()}
}

func (h *Handler) termName(ctx *mux.Context) string {
	if ctx.PTY != nil && ctx.PTY.Term != "" {
		return ctx.PTY.Term
	}
	return "vt102"
}

// runWithPTY starts c attached to a pseudo-terminal, wiring the pty to
// ctx's stdio and forwarding window-change requests, the way the
// teacher's runShellAs wires kr/pty to a hkexsh.Conn.
func (h *Handler) runWithPTY(ctx *mux.Context, c *exec.Cmd) (uint32, error) {
	ptmx, err := pty.Start(c)
	if err != nil {
		return 1, err
	}
	defer ptmx.Close()

	if h.opts.RecordLogin {
		utmpx := goutmp.Put_utmp(h.user.Username, ptmx.Name(), h.opts.RemoteHost)
		defer goutmp.Unput_utmp(utmpx)
		goutmp.Put_lastlog_entry("ssssh", h.user.Username, ptmx.Name(), h.opts.RemoteHost)
	}

	go func() {
		if ctx.PTY != nil {
			pty.Setsize(ptmx, &pty.Winsize{Rows: uint16(ctx.PTY.Rows), Cols: uint16(ctx.PTY.Cols)})
		}
		for wc := range ctx.WinCh {
			pty.Setsize(ptmx, &pty.Winsize{Rows: uint16(wc.Rows), Cols: uint16(wc.Cols)})
		}
	}()

	go func() { _, _ = io.Copy(ptmx, ctx.Stdin) }()
	_, _ = io.Copy(ctx.Stdout, ptmx)

	return waitExitCode(c)
}

// runPlain starts c with ordinary pipes, used for exec requests without
// an attached pty.
func (h *Handler) runPlain(ctx *mux.Context, c *exec.Cmd) (uint32, error) {
	c.Stdin = ctx.Stdin
	c.Stdout = ctx.Stdout
	c.Stderr = ctx.Stderr

	if err := c.Start(); err != nil {
		return 1, err
	}
	return waitExitCode(c)
}

func waitExitCode(c *exec.Cmd) (uint32, error) {
	err := c.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return uint32(exitErr.ExitCode()), nil
	}
	return 1, err
}

// AcceptChannel implements the mux.Facade side of channel-type gating:
// this handler only serves session channels.
func (h *Handler) AcceptChannel(kind mux.Kind, extra []byte) bool {
	if kind != mux.KindSession {
		return false
	}
	return true
}
