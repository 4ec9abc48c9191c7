package ssssh

import (
	"time"

	"blitter.com/go/ssssh/internal/mux"
	"blitter.com/go/ssssh/internal/suite"
)

// WithHostKey registers a host key under its negotiable algorithm name.
// A Server needs at least one; registering more than one under
// different algorithms (e.g. both ssh-ed25519 and rsa-sha2-256) lets
// clients that refuse one algorithm still connect via another.
func WithHostKey(hk suite.HostKey) Option {
	return func(s *Server) {
		s.hostKeys[hk.Algo()] = hk
	}
}

// WithIdentString overrides the SSH identification string sent during
// version exchange (default "SSH-2.0-ssssh_1.0").
func WithIdentString(ident string) Option {
	return func(s *Server) { s.identString = ident }
}

// WithKexOrder overrides the server's key-exchange algorithm preference
// order (default suite.DefaultKexOrder).
func WithKexOrder(order []string) Option {
	return func(s *Server) { s.kexOrder = order }
}

// WithHostKeyOrder overrides the server's host-key algorithm preference
// order, filtered at handshake time to algorithms with a registered key.
func WithHostKeyOrder(order []string) Option {
	return func(s *Server) { s.hostKeyOrder = order }
}

// WithCipherOrder overrides the server's cipher preference order
// (default suite.DefaultCipherOrder), applied symmetrically to both
// directions.
func WithCipherOrder(order []string) Option {
	return func(s *Server) { s.cipherOrder = order }
}

// WithMACOrder overrides the server's MAC preference order (default
// suite.DefaultMACOrder); ignored for directions negotiated to an AEAD
// cipher, which carries its own integrity tag.
func WithMACOrder(order []string) Option {
	return func(s *Server) { s.macOrder = order }
}

// WithRekeyThresholds overrides the packet-count, byte-count, and
// elapsed-time rekey triggers (spec.md §4.4). A zero value leaves the
// corresponding default (2^32 packets, 1 GiB, 1 hour) in place.
func WithRekeyThresholds(packets, bytes uint64, interval time.Duration) Option {
	return func(s *Server) {
		if packets != 0 {
			s.rekeyPackets = packets
		}
		if bytes != 0 {
			s.rekeyBytes = bytes
		}
		if interval != 0 {
			s.rekeyInterval = interval
		}
	}
}

// WithTimeout overrides the inbound idle timeout (spec.md §5/§6, default
// 60s): if no packet arrives from the peer within this duration, the
// connection is sent DISCONNECT reason=BY_APPLICATION and closed.
func WithTimeout(d time.Duration) Option {
	return func(s *Server) { s.timeout = d }
}

// WithMaxAuthAttempts overrides the failed-authentication-attempt limit
// before the server disconnects (default 20).
func WithMaxAuthAttempts(n int) Option {
	return func(s *Server) { s.maxAuthAttempts = n }
}

// WithInitialWindowSize overrides this side's advertised initial channel
// window (spec.md §6, default 2 MiB), sent in every
// CHANNEL_OPEN_CONFIRMATION this server issues.
func WithInitialWindowSize(n uint32) Option {
	return func(s *Server) { s.initWindowSize = n }
}

// WithMaxPacketSize overrides this side's advertised maximum CHANNEL_DATA
// packet size (spec.md §6, default 32 KiB).
func WithMaxPacketSize(n uint32) Option {
	return func(s *Server) { s.maxPacketSize = n }
}

// WithConnContext registers a callback invoked once per accepted
// connection, before the handshake begins.
func WithConnContext(fn ConnContext) Option {
	return func(s *Server) { s.connContext = fn }
}

// WithNoneAuth registers the "none" authentication method. Most
// deployments should leave this unset; it exists for interactive
// clients probing available methods or deliberately unauthenticated
// demo servers.
func WithNoneAuth(fn func(ctx AuthContext) bool) Option {
	return func(s *Server) { s.auth.None = fn }
}

// WithPasswordAuth registers the "password" authentication method. fn's
// changing/newPassword parameters are only meaningful when the client
// requests a password change, which this library surfaces but does not
// itself implement server-side enforcement of.
func WithPasswordAuth(fn func(ctx AuthContext, password, newPassword string, changing bool) bool) Option {
	return func(s *Server) { s.auth.Password = fn }
}

// WithPublicKeyAuth registers the "publickey" authentication method.
// fn is called first as an acceptability probe (no signature yet
// verified) and, if it returns true, again after the signature itself
// has been cryptographically verified — so a handler doing expensive
// authorized_keys lookups runs those lookups at most twice per attempt,
// never on an unverified signature.
func WithPublicKeyAuth(fn func(ctx AuthContext, algo string, blob []byte) bool) Option {
	return func(s *Server) { s.auth.PublicKey = fn }
}

// ChannelHandler is the application's entry point for a launched
// session or direct-tcpip channel. It must block until the channel's
// work is done and return the exit code to report (ignored for
// direct-tcpip).
type ChannelHandler interface {
	// AcceptChannel decides whether a CHANNEL_OPEN of this kind should
	// be accepted at all.
	AcceptChannel(kind string, extra []byte) bool
	// Launch runs the handler for a channel once launchKind ("shell",
	// "exec", "subsystem", "direct-tcpip") and param are known.
	Launch(ctx *SessionContext, launchKind string, param string) (exitCode uint32, err error)
}

// WithChannelHandler registers the application's channel handler. Only
// one may be registered; the last call wins.
func WithChannelHandler(h ChannelHandler) Option {
	return func(s *Server) { s.facade = facadeAdapter{h} }
}

// facadeAdapter adapts the public ChannelHandler (whose Kind parameter
// is a plain string, so applications importing only this package never
// need internal/mux's Kind type) to mux.Facade.
type facadeAdapter struct{ h ChannelHandler }

func (a facadeAdapter) AcceptChannel(kind mux.Kind, extra []byte) bool {
	return a.h.AcceptChannel(string(kind), extra)
}

func (a facadeAdapter) Launch(ctx *mux.Context, launchKind, param string) (uint32, error) {
	return a.h.Launch(ctx, launchKind, param)
}
