package mux

import (
	"io"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"blitter.com/go/ssssh/internal/transport"
	"blitter.com/go/ssssh/internal/wire"
)

// fakeFacade is a minimal Facade: AcceptChannel is configurable per
// test, Launch writes a fixed payload to Stdout and returns a fixed
// exit code, recording the launchKind/param it was called with.
type fakeFacade struct {
	accept bool

	mu         sync.Mutex
	launchKind string
	param      string
	username   string

	stdout   []byte
	exitCode uint32
	launchErr error
}

func (f *fakeFacade) AcceptChannel(kind Kind, extra []byte) bool { return f.accept }

func (f *fakeFacade) Launch(ctx *Context, launchKind, param string) (uint32, error) {
	f.mu.Lock()
	f.launchKind = launchKind
	f.param = param
	f.username = ctx.Username
	f.mu.Unlock()

	// Real handlers (a shell, an exec'd command) always drain their
	// stdin; mimic that here so CHANNEL_DATA delivery never blocks
	// the mux's inbound read loop behind an unread io.Pipe.
	go io.Copy(io.Discard, ctx.Stdin)

	if len(f.stdout) > 0 {
		_, _ = ctx.Stdout.Write(f.stdout)
	}
	return f.exitCode, f.launchErr
}

// newMuxPipe returns a server-side Mux wired to a plaintext Transport,
// and the peer Transport a test drives directly as "the client". Mux
// only ever calls SendMessage/ReadMessage, which — like in userauth's
// tests — work identically pre-Handshake on both ends of a net.Pipe.
func newMuxPipe(t *testing.T, facade Facade, username string) (m *Mux, cli *transport.Transport, closeFn func()) {
	a, b := net.Pipe()
	srv := transport.NewServerTransport(a, transport.Config{}, nil)
	cli = transport.NewServerTransport(b, transport.Config{}, nil)
	m = New(srv, facade, username, 0, 0)
	return m, cli, func() { a.Close(); b.Close() }
}

func openChannel(t *testing.T, cli *transport.Transport, senderID uint32) wire.ChannelOpenConfirmation {
	require.NoError(t, cli.SendMessage(wire.ChannelOpen{
		ChannelType: string(KindSession),
		SenderID:    senderID,
		InitWindow:  DefaultInitWindow,
		MaxPacket:   DefaultMaxPacket,
	}))
	msg, err := cli.ReadMessage()
	require.NoError(t, err)
	conf, ok := msg.(wire.ChannelOpenConfirmation)
	require.True(t, ok, "expected CHANNEL_OPEN_CONFIRMATION, got %T", msg)
	return conf
}

func TestChannelOpenAccepted(t *testing.T) {
	facade := &fakeFacade{accept: true}
	m, cli, closeFn := newMuxPipe(t, facade, "alice")
	defer closeFn()
	go m.Run()

	conf := openChannel(t, cli, 7)
	require.Equal(t, uint32(7), conf.RecipientID)
	require.Equal(t, uint32(0), conf.SenderID)
	require.Equal(t, uint32(DefaultInitWindow), conf.InitWindow)
}

func TestChannelOpenRejected(t *testing.T) {
	facade := &fakeFacade{accept: false}
	m, cli, closeFn := newMuxPipe(t, facade, "alice")
	defer closeFn()
	go m.Run()

	require.NoError(t, cli.SendMessage(wire.ChannelOpen{
		ChannelType: string(KindSession),
		SenderID:    3,
		InitWindow:  DefaultInitWindow,
		MaxPacket:   DefaultMaxPacket,
	}))
	msg, err := cli.ReadMessage()
	require.NoError(t, err)
	fail, ok := msg.(wire.ChannelOpenFailure)
	require.True(t, ok, "expected CHANNEL_OPEN_FAILURE, got %T", msg)
	require.Equal(t, uint32(3), fail.RecipientID)
	require.Equal(t, wire.OpenAdministrativelyProhibited, fail.ReasonCode)
}

func TestGlobalRequestAlwaysFails(t *testing.T) {
	facade := &fakeFacade{accept: true}
	m, cli, closeFn := newMuxPipe(t, facade, "alice")
	defer closeFn()
	go m.Run()

	require.NoError(t, cli.SendMessage(wire.GlobalRequest{Name: "tcpip-forward", WantReply: true}))
	msg, err := cli.ReadMessage()
	require.NoError(t, err)
	_, ok := msg.(wire.RequestFailure)
	require.True(t, ok, "expected REQUEST_FAILURE, got %T", msg)
}

func TestChannelDataRespectsWindowAndRefills(t *testing.T) {
	facade := &fakeFacade{accept: true}
	m, cli, closeFn := newMuxPipe(t, facade, "alice")
	defer closeFn()
	go m.Run()

	openChannel(t, cli, 1)

	// A launched shell drains its own stdin via fakeFacade's background
	// io.Copy, so CHANNEL_DATA past the quarter-window refill threshold
	// never blocks on an unread pipe.
	require.NoError(t, cli.SendMessage(wire.ChannelRequest{RecipientID: 0, RequestType: "shell", WantReply: true}))

	// CHANNEL_DATA payloads must individually fit within localMaxPacket,
	// so cross the quarter-window refill threshold with several
	// max-sized packets rather than one oversized one.
	packet := make([]byte, DefaultMaxPacket)
	sent := uint32(0)
	for sent <= DefaultInitWindow/4 {
		require.NoError(t, cli.SendMessage(wire.ChannelData{RecipientID: 0, Data: packet}))
		sent += DefaultMaxPacket
	}

	// The handler returns instantly, so CHANNEL_SUCCESS and the
	// exit/EOF/close sequence can arrive in either order relative to
	// each other, and the WINDOW_ADJUST may follow CHANNEL_CLOSE; collect
	// messages until both the close and the adjust have been seen instead
	// of asserting a fixed position for any one message.
	sawSuccess := false
	sawAdjust := false
	sawClose := false
	for i := 0; i < 10 && !(sawClose && sawAdjust); i++ {
		msg, err := cli.ReadMessage()
		require.NoError(t, err)
		switch v := msg.(type) {
		case wire.ChannelSuccess:
			sawSuccess = true
		case wire.ChannelWindowAdjust:
			sawAdjust = true
			require.Equal(t, uint32(1), v.RecipientID)
		case wire.ChannelClose:
			sawClose = true
		}
	}
	require.True(t, sawSuccess, "expected CHANNEL_SUCCESS for the shell request")
	require.True(t, sawClose, "did not observe CHANNEL_CLOSE within the expected message count")
	require.True(t, sawAdjust, "expected a CHANNEL_WINDOW_ADJUST once consumption crossed the quarter-window threshold")
}

func TestShellLaunchAndExitSequence(t *testing.T) {
	facade := &fakeFacade{accept: true, stdout: []byte("hello"), exitCode: 7}
	m, cli, closeFn := newMuxPipe(t, facade, "bob")
	defer closeFn()
	go m.Run()

	openChannel(t, cli, 1)

	require.NoError(t, cli.SendMessage(wire.ChannelRequest{RecipientID: 0, RequestType: "shell", WantReply: true}))

	// The handler returns instantly here, so CHANNEL_SUCCESS for the
	// shell request can race with the exit/EOF/close sequence; collect
	// everything rather than assuming CHANNEL_SUCCESS arrives first.
	var sawSuccess, sawData, sawExitStatus, sawEOF, sawClose bool
	var gotExitCode uint32
	for i := 0; i < 10 && !sawClose; i++ {
		msg, err := cli.ReadMessage()
		require.NoError(t, err)
		switch v := msg.(type) {
		case wire.ChannelSuccess:
			sawSuccess = true
		case wire.ChannelData:
			sawData = true
			require.Equal(t, "hello", string(v.Data))
		case wire.ChannelRequest:
			require.Equal(t, "exit-status", v.RequestType)
			sawExitStatus = true
			require.Len(t, v.Rest, 4)
			gotExitCode = uint32(v.Rest[0])<<24 | uint32(v.Rest[1])<<16 | uint32(v.Rest[2])<<8 | uint32(v.Rest[3])
		case wire.ChannelEOF:
			sawEOF = true
		case wire.ChannelClose:
			sawClose = true
		}
	}
	require.True(t, sawSuccess, "expected CHANNEL_SUCCESS for the shell request")
	require.True(t, sawData, "expected handler stdout to arrive as CHANNEL_DATA")
	require.True(t, sawExitStatus, "expected an exit-status CHANNEL_REQUEST")
	require.True(t, sawEOF, "expected CHANNEL_EOF after the handler finished")
	require.True(t, sawClose, "expected CHANNEL_CLOSE after the handler finished")
	require.Equal(t, uint32(7), gotExitCode)

	facade.mu.Lock()
	defer facade.mu.Unlock()
	require.Equal(t, "shell", facade.launchKind)
	require.Equal(t, "bob", facade.username)
}

func TestPeerInitiatedCloseIsAcknowledged(t *testing.T) {
	facade := &fakeFacade{accept: true}
	m, cli, closeFn := newMuxPipe(t, facade, "alice")
	defer closeFn()
	go m.Run()

	openChannel(t, cli, 1)

	require.NoError(t, cli.SendMessage(wire.ChannelEOF{RecipientID: 0}))
	require.NoError(t, cli.SendMessage(wire.ChannelClose{RecipientID: 0}))

	msg, err := cli.ReadMessage()
	require.NoError(t, err)
	_, ok := msg.(wire.ChannelClose)
	require.True(t, ok, "expected the mux to reply CHANNEL_CLOSE, got %T", msg)
}

func TestPtyReqCarriesIntoContext(t *testing.T) {
	facade := &fakeFacade{accept: true}
	m, cli, closeFn := newMuxPipe(t, facade, "alice")
	defer closeFn()
	go m.Run()

	openChannel(t, cli, 1)

	ptyPayload := wire.NewWriter().Str("xterm").Uint32(80).Uint32(24).Uint32(640).Uint32(480).String(nil).Bytes()
	require.NoError(t, cli.SendMessage(wire.ChannelRequest{RecipientID: 0, RequestType: "pty-req", WantReply: true, Rest: ptyPayload}))

	msg, err := cli.ReadMessage()
	require.NoError(t, err)
	_, ok := msg.(wire.ChannelSuccess)
	require.True(t, ok, "expected CHANNEL_SUCCESS for pty-req, got %T", msg)

	ch := m.getChannel(0)
	require.NotNil(t, ch)
	ch.mu.Lock()
	pty := ch.pty
	ch.mu.Unlock()
	require.NotNil(t, pty)
	require.Equal(t, "xterm", pty.Term)
	require.Equal(t, uint32(80), pty.Cols)
	require.Equal(t, uint32(24), pty.Rows)
}
