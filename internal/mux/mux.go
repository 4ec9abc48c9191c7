package mux

import (
	"encoding/binary"
	"sync"
	"time"

	"blitter.com/go/ssssh/internal/logger"
	"blitter.com/go/ssssh/internal/transport"
	"blitter.com/go/ssssh/internal/wire"
)

// extended data type 1 is stderr; every other code is ignored per
// spec.md's CHANNEL_EXTENDED_DATA row.
const extendedDataStderr = 1

// Facade is the handler-registration surface the mux dispatches to. The
// ssssh package implements this; mux itself knows nothing about pty
// allocation, shells, or exec — only about routing.
type Facade interface {
	// AcceptChannel decides whether a CHANNEL_OPEN of this kind is
	// accepted at all (before any request has arrived).
	AcceptChannel(kind Kind, extra []byte) bool
	// Launch spawns the handler for a channel once it knows enough to
	// run (a session channel launches only after shell/exec/subsystem;
	// direct-tcpip launches immediately on open). It must return the
	// process/stream exit code when done.
	Launch(ctx *Context, launchKind string, param string) (exitCode uint32, err error)
}

// Mux owns one connection's channel table and its two workers: the
// inbound message loop and the outbound arbiter (spec.md §5).
type Mux struct {
	t        *transport.Transport
	facade   Facade
	username string

	initWindow uint32 // local initial_window_size advertised on every CHANNEL_OPEN_CONFIRMATION
	maxPacket  uint32 // local maximum_packet_size advertised the same way

	mu       sync.Mutex
	channels map[uint32]*channel
	nextID   uint32

	outCh chan wire.Message
	done  chan struct{}
}

// New constructs a Mux bound to an already-authenticated Transport.
// username is the identity userauth.Authenticator.Run returned; it is
// copied into every channel's Context so handlers never look it up
// separately. initWindow/maxPacket are this side's flow-control
// parameters (spec.md §6); a zero value falls back to
// DefaultInitWindow/DefaultMaxPacket.
func New(t *transport.Transport, facade Facade, username string, initWindow, maxPacket uint32) *Mux {
	if initWindow == 0 {
		initWindow = DefaultInitWindow
	}
	if maxPacket == 0 {
		maxPacket = DefaultMaxPacket
	}
	return &Mux{
		t:          t,
		facade:     facade,
		username:   username,
		initWindow: initWindow,
		maxPacket:  maxPacket,
		channels:   make(map[uint32]*channel),
		outCh:      make(chan wire.Message, 64),
		done:       make(chan struct{}),
	}
}

// Run drives the connection until the peer disconnects or a fatal
// transport error occurs. It blocks; callers run it in the connection's
// own goroutine.
func (m *Mux) Run() error {
	go m.outboundArbiter()
	defer close(m.done)

	for {
		msg, err := m.t.ReadMessage()
		if err != nil {
			m.closeAll()
			return m.t.DisconnectOnFatal(err)
		}
		if err := m.dispatch(msg); err != nil {
			m.closeAll()
			return m.t.DisconnectOnFatal(err)
		}
	}
}

// outboundArbiter is the single writer to the transport, serializing
// every channel pump and the mux's own control replies through one
// ordered queue (spec.md §5's FIFO-per-direction guarantee).
func (m *Mux) outboundArbiter() {
	for {
		select {
		case msg := <-m.outCh:
			if err := m.t.SendMessage(msg); err != nil {
				logger.LogWarning("mux: send failed: " + err.Error())
				return
			}
		case <-m.done:
			return
		}
	}
}

func (m *Mux) send(msg wire.Message) {
	select {
	case m.outCh <- msg:
	case <-m.done:
	}
}

func (m *Mux) dispatch(msg wire.Message) error {
	switch v := msg.(type) {
	case wire.GlobalRequest:
		return m.handleGlobalRequest(v)
	case wire.ChannelOpen:
		return m.handleChannelOpen(v)
	case wire.ChannelWindowAdjust:
		return m.handleWindowAdjust(v)
	case wire.ChannelData:
		return m.handleChannelData(v)
	case wire.ChannelExtendedData:
		return m.handleChannelExtendedData(v)
	case wire.ChannelRequest:
		return m.handleChannelRequest(v)
	case wire.ChannelEOF:
		return m.handleChannelEOF(v)
	case wire.ChannelClose:
		return m.handleChannelClose(v)
	default:
		return nil
	}
}

// handleGlobalRequest replies FAILURE for everything: this library does
// not implement tcpip-forward or any other global request kind.
func (m *Mux) handleGlobalRequest(v wire.GlobalRequest) error {
	if v.WantReply {
		m.send(wire.RequestFailure{})
	}
	return nil
}

func (m *Mux) handleChannelOpen(v wire.ChannelOpen) error {
	kind := Kind(v.ChannelType)
	if !m.facade.AcceptChannel(kind, v.Rest) {
		m.send(wire.ChannelOpenFailure{
			RecipientID: v.SenderID,
			ReasonCode:  wire.OpenAdministrativelyProhibited,
			Description: "channel type not accepted",
		})
		return nil
	}

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	ch := newChannel(id, v.SenderID, m.initWindow, m.maxPacket, v.InitWindow, v.MaxPacket, kind)
	m.channels[id] = ch
	m.mu.Unlock()

	m.send(wire.ChannelOpenConfirmation{
		RecipientID: v.SenderID,
		SenderID:    id,
		InitWindow:  ch.localWindow,
		MaxPacket:   ch.localMaxPacket,
	})

	if kind == KindDirectTCPIP {
		go m.runHandler(ch, "direct-tcpip", string(v.Rest))
		go m.pumpStdout(ch)
		go m.pumpStderr(ch)
	}
	return nil
}

func (m *Mux) getChannel(localID uint32) *channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channels[localID]
}

func (m *Mux) handleWindowAdjust(v wire.ChannelWindowAdjust) error {
	ch := m.getChannel(v.RecipientID)
	if ch == nil {
		return nil
	}
	ch.addRemoteWindow(v.BytesToAdd)
	return nil
}

func (m *Mux) handleChannelData(v wire.ChannelData) error {
	ch := m.getChannel(v.RecipientID)
	if ch == nil {
		return nil
	}
	ch.mu.Lock()
	if uint32(len(v.Data)) > ch.localWindow || uint32(len(v.Data)) > ch.localMaxPacket {
		ch.mu.Unlock()
		return &transport.FatalError{Reason: transport.ReasonProtocolError, Msg: "mux: CHANNEL_DATA exceeds window or max packet"}
	}
	ch.localWindow -= uint32(len(v.Data))
	ch.mu.Unlock()

	if _, err := ch.stdinW.Write(v.Data); err != nil {
		// handler already gone; nothing more to deliver.
		return nil
	}
	m.maybeRefillWindow(ch)
	return nil
}

func (m *Mux) handleChannelExtendedData(v wire.ChannelExtendedData) error {
	ch := m.getChannel(v.RecipientID)
	if ch == nil {
		return nil
	}
	if v.DataType != extendedDataStderr {
		return nil // other codes ignored per spec.md's Connection table
	}
	ch.mu.Lock()
	if uint32(len(v.Data)) > ch.localWindow || uint32(len(v.Data)) > ch.localMaxPacket {
		ch.mu.Unlock()
		return &transport.FatalError{Reason: transport.ReasonProtocolError, Msg: "mux: CHANNEL_EXTENDED_DATA exceeds window or max packet"}
	}
	ch.localWindow -= uint32(len(v.Data))
	ch.mu.Unlock()
	_, _ = ch.stderrW.Write(v.Data)
	m.maybeRefillWindow(ch)
	return nil
}

// maybeRefillWindow sends CHANNEL_WINDOW_ADJUST once the handler has
// consumed at least 1/4 of the initial local window's worth of data
// since the last refill (spec.md §4.6's flow-control rule).
func (m *Mux) maybeRefillWindow(ch *channel) {
	ch.mu.Lock()
	threshold := ch.localWindowInitial / 4
	consumed := ch.localWindowInitial - ch.localWindow
	if consumed < threshold {
		ch.mu.Unlock()
		return
	}
	add := consumed
	ch.localWindow += add
	ch.mu.Unlock()

	m.send(wire.ChannelWindowAdjust{RecipientID: ch.remoteID, BytesToAdd: add})
}

func (m *Mux) handleChannelRequest(v wire.ChannelRequest) error {
	ch := m.getChannel(v.RecipientID)
	if ch == nil {
		return nil
	}

	ok := m.dispatchChannelRequest(ch, v)
	if v.WantReply {
		if ok {
			m.send(wire.ChannelSuccess{RecipientID: ch.remoteID})
		} else {
			m.send(wire.ChannelFailure{RecipientID: ch.remoteID})
		}
	}
	return nil
}

func (m *Mux) dispatchChannelRequest(ch *channel, v wire.ChannelRequest) bool {
	r := wire.NewReader(v.Rest)
	switch v.RequestType {
	case "pty-req":
		term := string(r.String())
		cols := r.Uint32()
		rows := r.Uint32()
		pxw := r.Uint32()
		pxh := r.Uint32()
		modes := r.String()
		if r.Err() != nil {
			return false
		}
		ch.mu.Lock()
		ch.pty = &PTYInfo{Term: term, Rows: rows, Cols: cols, PixelW: pxw, PixelH: pxh, Modes: modes}
		ch.mu.Unlock()
		return true

	case "env":
		name := string(r.String())
		value := string(r.String())
		if r.Err() != nil {
			return false
		}
		ch.mu.Lock()
		if ch.env == nil {
			ch.env = make(map[string]string)
		}
		ch.env[name] = value
		ch.mu.Unlock()
		return true

	case "window-change":
		cols := r.Uint32()
		rows := r.Uint32()
		if r.Err() != nil {
			return false
		}
		select {
		case ch.winCh <- WindowChange{Rows: rows, Cols: cols}:
		default:
		}
		return true

	case "shell":
		go m.runHandler(ch, "shell", "")
		go m.pumpStdout(ch)
		go m.pumpStderr(ch)
		return true

	case "exec":
		cmd := string(r.String())
		if r.Err() != nil {
			return false
		}
		go m.runHandler(ch, "exec", cmd)
		go m.pumpStdout(ch)
		go m.pumpStderr(ch)
		return true

	case "subsystem":
		name := string(r.String())
		if r.Err() != nil {
			return false
		}
		go m.runHandler(ch, "subsystem", name)
		go m.pumpStdout(ch)
		go m.pumpStderr(ch)
		return true

	case "signal":
		// surfaced to handlers via Context in a fuller implementation;
		// acknowledged here since most shells install their own handling.
		return true

	case "exit-status":
		return true

	default:
		return false
	}
}

// runHandler invokes the facade's Launch and then performs the
// exit-status -> EOF -> CLOSE sequence (spec.md §4.6's "Channel exit" rule).
func (m *Mux) runHandler(ch *channel, launchKind, param string) {
	ctx := ch.toContext(m.username)
	code, err := m.facade.Launch(ctx, launchKind, param)
	if err != nil {
		logger.LogWarning("mux: handler error: " + err.Error())
	}
	ch.stdoutW.Close()
	ch.stderrW.Close()

	if launchKind != "direct-tcpip" {
		var codeBuf [4]byte
		binary.BigEndian.PutUint32(codeBuf[:], code)
		m.send(wire.ChannelRequest{RecipientID: ch.remoteID, RequestType: "exit-status", WantReply: false, Rest: codeBuf[:]})
	}
	m.sendEOF(ch)
	m.sendClose(ch)
}

func (m *Mux) pumpStdout(ch *channel) { m.pumpStream(ch, ch.stdoutR, false) }
func (m *Mux) pumpStderr(ch *channel) { m.pumpStream(ch, ch.stderrR, true) }

// pumpStream copies handler output to CHANNEL_DATA/CHANNEL_EXTENDED_DATA
// packets, chunked to respect remote_max_packet and blocking (via a
// simple poll) when remote_window is exhausted.
func (m *Mux) pumpStream(ch *channel, src interface{ Read([]byte) (int, error) }, stderr bool) {
	buf := make([]byte, m.maxPacket)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			m.writeChunked(ch, buf[:n], stderr)
		}
		if err != nil {
			return
		}
	}
}

func (m *Mux) writeChunked(ch *channel, data []byte, stderr bool) {
	for len(data) > 0 {
		ch.mu.Lock()
		maxPacket := ch.remoteMaxPacket
		if maxPacket == 0 || maxPacket > m.maxPacket {
			maxPacket = m.maxPacket
		}
		avail := ch.remoteWindow
		ch.mu.Unlock()

		if avail == 0 {
			select {
			case <-m.done:
				return
			case <-ch.done:
				return
			case <-time.After(10 * time.Millisecond):
			}
			continue // polls until a WINDOW_ADJUST arrives; the window starts at the peer's advertised size
		}

		n := uint32(len(data))
		if n > maxPacket {
			n = maxPacket
		}
		if n > avail {
			n = avail
		}
		chunk := data[:n]
		data = data[n:]

		ch.mu.Lock()
		ch.remoteWindow -= n
		ch.mu.Unlock()

		if stderr {
			m.send(wire.ChannelExtendedData{RecipientID: ch.remoteID, DataType: extendedDataStderr, Data: chunk})
		} else {
			m.send(wire.ChannelData{RecipientID: ch.remoteID, Data: chunk})
		}
	}
}

func (m *Mux) sendEOF(ch *channel) {
	ch.mu.Lock()
	already := ch.eofSentLocal
	ch.eofSentLocal = true
	ch.mu.Unlock()
	if !already {
		m.send(wire.ChannelEOF{RecipientID: ch.remoteID})
	}
}

func (m *Mux) sendClose(ch *channel) {
	ch.mu.Lock()
	already := ch.closeSentLocal
	ch.closeSentLocal = true
	bothClosed := ch.closeSeenRemote
	ch.mu.Unlock()
	if !already {
		m.send(wire.ChannelClose{RecipientID: ch.remoteID})
	}
	if bothClosed {
		m.freeChannel(ch.localID)
	}
}

func (m *Mux) handleChannelEOF(v wire.ChannelEOF) error {
	ch := m.getChannel(v.RecipientID)
	if ch == nil {
		return nil
	}
	ch.mu.Lock()
	ch.eofSeenRemote = true
	ch.state = StateEOFRx
	ch.mu.Unlock()
	ch.stdinW.Close()
	return nil
}

func (m *Mux) handleChannelClose(v wire.ChannelClose) error {
	ch := m.getChannel(v.RecipientID)
	if ch == nil {
		return nil
	}
	ch.mu.Lock()
	ch.closeSeenRemote = true
	ch.state = StateClosed
	needReply := !ch.closeSentLocal
	ch.mu.Unlock()

	ch.stdinW.Close()
	close(ch.done)

	if needReply {
		m.sendClose(ch)
	} else {
		m.freeChannel(ch.localID)
	}
	return nil
}

func (m *Mux) freeChannel(id uint32) {
	m.mu.Lock()
	delete(m.channels, id)
	m.mu.Unlock()
}

func (m *Mux) closeAll() {
	m.mu.Lock()
	chans := make([]*channel, 0, len(m.channels))
	for _, ch := range m.channels {
		chans = append(chans, ch)
	}
	m.channels = make(map[uint32]*channel)
	m.mu.Unlock()

	for _, ch := range chans {
		select {
		case <-ch.done:
		default:
			close(ch.done)
		}
		ch.stdinW.Close()
		ch.stdoutW.Close()
		ch.stderrW.Close()
	}
}
