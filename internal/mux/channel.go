// Package mux implements the SSH connection-layer channel multiplexer:
// open/close, per-channel flow control windows, and demultiplexing of
// data, extended-data and request messages onto application handlers.
package mux

import (
	"io"
	"sync"
)

// Default flow-control parameters (spec.md §4.6), overridable per Mux.
const (
	DefaultInitWindow = 2 * 1024 * 1024
	DefaultMaxPacket  = 32 * 1024
)

// State is a channel's lifecycle stage.
type State int

const (
	StateOpening State = iota
	StateOpen
	StateEOFRx // peer sent CHANNEL_EOF; our writes to their stdin no longer make sense
	StateEOFTx // we sent CHANNEL_EOF (handler's stdout closed)
	StateClosed
)

// Kind identifies the channel-open request type.
type Kind string

const (
	KindSession      Kind = "session"
	KindDirectTCPIP  Kind = "direct-tcpip"
)

// WindowChange is delivered on WinCh when the peer sends a
// window-change channel request against an open PTY.
type WindowChange struct {
	Rows, Cols uint32
}

// Context is the per-channel handle passed to application handlers. Its
// three streams are the channel's stdio (spec.md §4.7): Stdin is what
// the peer sent via CHANNEL_DATA, Stdout/Stderr are what the handler
// writes back out as CHANNEL_DATA / CHANNEL_EXTENDED_DATA.
type Context struct {
	ChannelID uint32
	Kind      Kind

	// Username is the identity the connection authenticated as,
	// carried down from userauth so handlers never need a separate
	// lookup to know who they're running as.
	Username string

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// PTY, set only if a pty-req preceded the handler launch.
	PTY *PTYInfo
	// Env holds "name" -> "value" pairs sent via env requests before launch.
	Env map[string]string
	// WinCh delivers window-change notifications for an active PTY.
	WinCh chan WindowChange

	done chan struct{}
}

// Done is closed when the connection (or this channel) is torn down;
// handlers should select on it alongside blocking I/O.
func (c *Context) Done() <-chan struct{} { return c.done }

// PTYInfo carries the parameters of a pty-req channel request.
type PTYInfo struct {
	Term          string
	Rows, Cols    uint32
	PixelW, PixelH uint32
	Modes         []byte
}

// channel is the mux's internal bookkeeping for one open channel; it is
// distinct from Context (the trimmed view handlers get).
type channel struct {
	mu sync.Mutex

	localID  uint32
	remoteID uint32
	kind     Kind
	state    State

	localWindow     uint32
	remoteWindow    uint32
	localMaxPacket  uint32
	remoteMaxPacket uint32

	localWindowInitial uint32
	localWindowConsumedSinceAdjust uint32

	stdinW *io.PipeWriter // mux writes client CHANNEL_DATA bytes here
	stdinR *io.PipeReader // handler's Context.Stdin

	stdoutR *io.PipeReader // mux reads handler output here
	stdoutW *io.PipeWriter // handler's Context.Stdout

	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	pty *PTYInfo
	env map[string]string

	winCh chan WindowChange
	done  chan struct{}

	eofSentLocal  bool
	eofSeenRemote bool
	closeSentLocal  bool
	closeSeenRemote bool

	exitStatus *uint32
}

// newChannel builds one channel's bookkeeping. localInitWindow/
// localMaxPacket are this side's advertised flow-control parameters
// (Mux.initWindow/Mux.maxPacket, configurable via WithInitialWindowSize/
// WithMaxPacketSize); remoteInitWindow/remoteMaxPacket come from the
// peer's CHANNEL_OPEN.
func newChannel(localID, remoteID, localInitWindow, localMaxPacket, remoteInitWindow, remoteMaxPacket uint32, kind Kind) *channel {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	return &channel{
		localID: localID, remoteID: remoteID, kind: kind, state: StateOpen,
		localWindow: localInitWindow, remoteWindow: remoteInitWindow,
		localWindowInitial: localInitWindow,
		localMaxPacket:  localMaxPacket,
		remoteMaxPacket: remoteMaxPacket,
		stdinR: stdinR, stdinW: stdinW,
		stdoutR: stdoutR, stdoutW: stdoutW,
		stderrR: stderrR, stderrW: stderrW,
		winCh: make(chan WindowChange, 4),
		done:  make(chan struct{}),
	}
}

func (c *channel) toContext(username string) *Context {
	return &Context{
		ChannelID: c.localID,
		Kind:      c.kind,
		Username:  username,
		Stdin:     c.stdinR,
		Stdout:    c.stdoutW,
		Stderr:    c.stderrW,
		PTY:       c.pty,
		Env:       c.env,
		WinCh:     c.winCh,
		done:      c.done,
	}
}

// addRemoteWindow saturates at 2^32-1 per spec.md's CHANNEL_WINDOW_ADJUST
// invariant.
func (c *channel) addRemoteWindow(n uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sum := uint64(c.remoteWindow) + uint64(n)
	if sum > 0xFFFFFFFF {
		sum = 0xFFFFFFFF
	}
	c.remoteWindow = uint32(sum)
}
