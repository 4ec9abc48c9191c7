// Package userauth implements the SSH user authentication state machine:
// SERVICE_REQUEST/SERVICE_ACCEPT followed by a sequence of
// USERAUTH_REQUEST attempts against the none, password and publickey
// methods.
package userauth

import (
	"errors"
	"net"

	"blitter.com/go/ssssh/internal/logger"
	"blitter.com/go/ssssh/internal/suite"
	"blitter.com/go/ssssh/internal/transport"
	"blitter.com/go/ssssh/internal/wire"
)

// Context is handed to every auth handler; it never exposes the raw
// connection, only what a handler needs to render a decision.
type Context struct {
	User       string
	RemoteAddr net.Addr
	SessionID  []byte
}

// Handlers is the application's registration surface for each supported
// auth method. A nil handler means the method is not offered.
type Handlers struct {
	None      func(ctx Context) bool
	Password  func(ctx Context, password, newPassword string, changing bool) bool
	PublicKey func(ctx Context, algo string, blob []byte) bool
}

// ErrTooManyAttempts is returned when the failure counter reaches the
// configured maximum; the caller must disconnect.
var ErrTooManyAttempts = errors.New("userauth: too many failed attempts")

// ErrAuthAborted is returned when the peer disconnects or sends a
// non-userauth message before authenticating.
var ErrAuthAborted = errors.New("userauth: aborted before success")

// Authenticator drives one connection's authentication phase.
type Authenticator struct {
	t           *transport.Transport
	handlers    Handlers
	maxAttempts int
	remoteAddr  net.Addr
}

// New constructs an Authenticator. maxAttempts <= 0 uses the spec
// default of 20 failed attempts before disconnect.
func New(t *transport.Transport, h Handlers, maxAttempts int, remoteAddr net.Addr) *Authenticator {
	if maxAttempts <= 0 {
		maxAttempts = 20
	}
	return &Authenticator{t: t, handlers: h, maxAttempts: maxAttempts, remoteAddr: remoteAddr}
}

func (a *Authenticator) offeredMethods() []string {
	var methods []string
	if a.handlers.None != nil {
		methods = append(methods, "none")
	}
	if a.handlers.Password != nil {
		methods = append(methods, "password")
	}
	if a.handlers.PublicKey != nil {
		methods = append(methods, "publickey")
	}
	return methods
}

// Run waits for the ssh-userauth service request and then authenticates
// the connecting user, returning their username on SSH_MSG_USERAUTH_SUCCESS.
func (a *Authenticator) Run() (string, error) {
	msg, err := a.t.ReadMessage()
	if err != nil {
		return "", err
	}
	req, ok := msg.(wire.ServiceRequest)
	if !ok || req.Name != "ssh-userauth" {
		return "", ErrAuthAborted
	}
	if err := a.t.SendMessage(wire.ServiceAccept{Name: "ssh-userauth"}); err != nil {
		return "", err
	}

	failures := 0
	for {
		msg, err := a.t.ReadMessage()
		if err != nil {
			return "", err
		}
		ureq, ok := msg.(wire.UserauthRequest)
		if !ok {
			return "", ErrAuthAborted
		}
		if ureq.Service != "ssh-connection" {
			if err := a.reject(); err != nil {
				return "", err
			}
			continue
		}

		ctx := Context{User: ureq.User, RemoteAddr: a.remoteAddr, SessionID: a.t.SessionID()}
		ok, err = a.tryMethod(ctx, ureq)
		if err == errProbeAccepted {
			continue // PK_OK already sent; not a failed attempt
		}
		if err != nil {
			return "", err
		}
		if ok {
			if err := a.t.SendMessage(wire.UserauthSuccess{}); err != nil {
				return "", err
			}
			logger.LogInfo("userauth: " + ureq.User + " authenticated via " + ureq.Method)
			return ureq.User, nil
		}

		failures++
		if failures >= a.maxAttempts {
			_ = a.t.Disconnect(transport.ReasonByApplication, "too many authentication failures")
			return "", ErrTooManyAttempts
		}
		if err := a.reject(); err != nil {
			return "", err
		}
	}
}

func (a *Authenticator) reject() error {
	return a.t.SendMessage(wire.UserauthFailure{Methods: a.offeredMethods(), PartialSuccess: false})
}

// errProbeAccepted tells Run that a publickey probe was answered with
// PK_OK, so no USERAUTH_FAILURE follows and no failure is counted.
var errProbeAccepted = errors.New("userauth: publickey probe answered with PK_OK")

// tryMethod dispatches one USERAUTH_REQUEST to the matching handler.
// A false return (without error) means "send USERAUTH_FAILURE". An
// accepted publickey probe sends its own PK_OK reply and returns
// errProbeAccepted (a probe never succeeds the whole authentication); a
// rejected probe is an ordinary failure.
func (a *Authenticator) tryMethod(ctx Context, req wire.UserauthRequest) (bool, error) {
	switch req.Method {
	case "none":
		if a.handlers.None == nil {
			return false, nil
		}
		return a.handlers.None(ctx), nil

	case "password":
		if a.handlers.Password == nil {
			return false, nil
		}
		r := wire.NewReader(req.Rest)
		changing := r.Bool()
		password := string(r.String())
		var newPassword string
		if changing {
			newPassword = string(r.String())
		}
		if r.Err() != nil {
			return false, nil
		}
		return a.handlers.Password(ctx, password, newPassword, changing), nil

	case "publickey":
		if a.handlers.PublicKey == nil {
			return false, nil
		}
		return a.tryPublicKey(ctx, req)

	default:
		return false, nil
	}
}

func (a *Authenticator) tryPublicKey(ctx Context, req wire.UserauthRequest) (bool, error) {
	r := wire.NewReader(req.Rest)
	hasSig := r.Bool()
	algo := string(r.String())
	blob := r.String()
	if r.Err() != nil {
		return false, nil
	}

	// algo must match the key type embedded in blob before either
	// sub-flow goes any further — spec.md §9 Open Question 2 resolves a
	// mismatch as rejected outright, never as a question for the
	// application's handler to decide.
	pub, err := suite.ParsePublicKeyBlob(algo, blob)
	if err != nil {
		return false, nil
	}

	if !hasSig {
		// Probe sub-flow: tell the client this key would be accepted, but
		// this attempt itself never authenticates (spec.md §4.5). There is
		// no signature to verify yet, so the handler is the only check.
		if !a.handlers.PublicKey(ctx, algo, blob) {
			return false, nil
		}
		if err := a.t.SendMessage(wire.UserauthPKOK{Algo: algo, Blob: blob}); err != nil {
			return false, err
		}
		return false, errProbeAccepted
	}

	sig := r.String()
	if r.Err() != nil {
		return false, nil
	}

	// Verify before invoking the handler (spec.md §4.5): an unverified
	// signature must never reach application code.
	payload := signedPayload(a.t.SessionID(), req.User, req.Service, algo, blob)
	if err := pub.Verify(payload, sig); err != nil {
		return false, nil
	}

	return a.handlers.PublicKey(ctx, algo, blob), nil
}

// signedPayload builds the exact byte sequence a publickey signature
// covers (spec.md §4.5): session_id || USERAUTH_REQUEST || user ||
// service || "publickey" || true || algo || key_blob.
func signedPayload(sessionID []byte, user, service, algo string, blob []byte) []byte {
	w := wire.NewWriter()
	w.String(sessionID)
	w.Byte(wire.MsgUserauthRequest)
	w.Str(user)
	w.Str(service)
	w.Str("publickey")
	w.Bool(true)
	w.Str(algo)
	w.String(blob)
	return w.Bytes()
}
