// Package ssssh is an embeddable SSHv2 server library: applications get
// a Server, register host keys and auth/channel handlers, and hand it
// a net.Listener (TCP, or an alternate transport such as transportkcp).
// Everything below this package — wire codec, transport/KEX state
// machine, userauth, channel mux — is internal and unexported.
package ssssh

import (
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"blitter.com/go/ssssh/internal/logger"
	"blitter.com/go/ssssh/internal/mux"
	"blitter.com/go/ssssh/internal/suite"
	"blitter.com/go/ssssh/internal/transport"
	"blitter.com/go/ssssh/internal/userauth"
)

// Server holds one listening SSH server's configuration: host keys,
// negotiable algorithm preferences, rekey thresholds, and the
// application-supplied auth/channel handlers. The zero value is not
// usable; construct with New.
type Server struct {
	hostKeys map[string]suite.HostKey

	identString  string
	kexOrder     []string
	hostKeyOrder []string
	cipherOrder  []string
	macOrder     []string

	rekeyPackets  uint64
	rekeyBytes    uint64
	rekeyInterval time.Duration

	timeout time.Duration

	initWindowSize uint32
	maxPacketSize  uint32

	maxAuthAttempts int

	auth   userauth.Handlers
	facade mux.Facade

	connContext ConnContext
}

// ConnContext is called once per accepted connection, before the SSH
// handshake begins, so applications can log or rate-limit by remote
// address. A nil ConnContext is a no-op.
type ConnContext func(remoteAddr net.Addr)

// AuthContext is handed to every registered auth handler.
type AuthContext = userauth.Context

// SessionContext is handed to every registered channel handler via
// mux.Context's public fields; re-exported here so callers never import
// the internal/mux package directly.
type SessionContext = mux.Context

// PTYInfo describes a pty-req channel request.
type PTYInfo = mux.PTYInfo

// WindowChange is delivered on a SessionContext's WinCh.
type WindowChange = mux.WindowChange

// Option configures a Server at construction time, in the manner of a
// functional-options registration surface.
type Option func(*Server)

// New constructs a Server with at least one host key. Construction
// fails if no host key is supplied, since a KEXINIT with an empty
// server_host_key_algorithms list can never negotiate.
func New(opts ...Option) (*Server, error) {
	s := &Server{
		hostKeys:        make(map[string]suite.HostKey),
		identString:     "SSH-2.0-ssssh_1.0",
		rekeyPackets:    1 << 32,
		rekeyBytes:      1 << 30,
		rekeyInterval:   time.Hour,
		timeout:         60 * time.Second,
		initWindowSize:  mux.DefaultInitWindow,
		maxPacketSize:   mux.DefaultMaxPacket,
		maxAuthAttempts: 20,
	}
	for _, o := range opts {
		o(s)
	}
	if len(s.hostKeys) == 0 {
		return nil, fmt.Errorf("ssssh: New: at least one host key is required (use WithHostKey)")
	}
	return s, nil
}

// Serve accepts connections from l until it returns an error (including
// when l is closed), handling each in its own goroutine. It never
// returns nil; callers typically run it in its own goroutine or treat a
// returned error from a deliberate l.Close() as expected shutdown.
func (s *Server) Serve(l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			return err
		}
		if s.connContext != nil {
			s.connContext(conn.RemoteAddr())
		}
		go s.handleConn(conn)
	}
}

func (s *Server) transportConfig() transport.Config {
	return transport.Config{
		IdentString:   s.identString,
		KexOrder:      s.kexOrder,
		HostKeyOrder:  s.hostKeyOrder,
		CipherOrder:   s.cipherOrder,
		MACOrder:      s.macOrder,
		RekeyPackets:  s.rekeyPackets,
		RekeyBytes:    s.rekeyBytes,
		RekeyInterval: s.rekeyInterval,
		Timeout:       s.timeout,
	}
}

// handleConn drives one connection through handshake, authentication,
// and the channel mux, in that order (spec.md's connection lifecycle).
// It never returns an error to the caller; failures are logged and the
// connection is closed.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	// A short per-connection id, distinct from the SSH session id, lets
	// operators grep one connection's log lines out of a busy server
	// without the remote address (which NAT and connection reuse can
	// make ambiguous).
	connID := uuid.NewString()[:8]

	t := transport.NewServerTransport(conn, s.transportConfig(), s.hostKeys)
	if err := t.Handshake(); err != nil {
		t.DisconnectOnFatal(err)
		logger.LogWarning(fmt.Sprintf("ssssh[%s]: handshake with %s failed: %v", connID, conn.RemoteAddr(), err))
		return
	}

	if s.facade == nil {
		logger.LogWarning(fmt.Sprintf("ssssh[%s]: no channel handlers registered, disconnecting %s", connID, conn.RemoteAddr()))
		_ = t.Disconnect(transport.ReasonByApplication, "server not configured to accept channels")
		return
	}

	auth := userauth.New(t, s.auth, s.maxAuthAttempts, conn.RemoteAddr())
	user, err := auth.Run()
	if err != nil {
		t.DisconnectOnFatal(err)
		logger.LogInfo(fmt.Sprintf("ssssh[%s]: authentication with %s did not complete: %v", connID, conn.RemoteAddr(), err))
		return
	}
	logger.LogInfo(fmt.Sprintf("ssssh[%s]: %s authenticated from %s", connID, user, conn.RemoteAddr()))

	m := mux.New(t, s.facade, user, s.initWindowSize, s.maxPacketSize)
	if err := m.Run(); err != nil {
		logger.LogDebug(fmt.Sprintf("ssssh[%s]: connection from %s (user %s) ended: %v", connID, conn.RemoteAddr(), user, err))
	}
}
