// Command ssssh-demo is a minimal standalone server exercising the
// ssssh library end to end: an ephemeral ed25519 host key, password
// auth against the system shadow file, and shell/exec channels run as
// the authenticating local user — the same shape as the teacher's
// hkexshd, rebuilt on top of the public API instead of a raw net.Conn.
package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"os"

	"blitter.com/go/ssssh"
	"blitter.com/go/ssssh/authhelpers"
	"blitter.com/go/ssssh/internal/suite"
	"blitter.com/go/ssssh/localexec"
	"blitter.com/go/ssssh/transportkcp"
)

func main() {
	var laddr string
	var useKCP bool
	var kcpPassphrase string
	var dbg bool
	var vopt bool

	flag.StringVar(&laddr, "l", ":2022", "interface[:port] to listen")
	flag.BoolVar(&useKCP, "kcp", false, "listen via KCP-over-UDP instead of TCP")
	flag.StringVar(&kcpPassphrase, "kcp-psk", "", "pre-shared passphrase for -kcp")
	flag.BoolVar(&dbg, "d", false, "debug logging")
	flag.BoolVar(&vopt, "v", false, "show version")
	flag.Parse()

	if vopt {
		fmt.Println("ssssh-demo 1.0")
		os.Exit(0)
	}
	if !dbg {
		log.SetOutput(os.Stderr)
	}

	hostKey, err := suite.NewEd25519HostKey()
	if err != nil {
		log.Fatalf("generating host key: %v", err)
	}

	srv, err := ssssh.New(
		ssssh.WithHostKey(hostKey),
		ssssh.WithConnContext(func(addr net.Addr) {
			log.Printf("accepted connection from %s", addr)
		}),
		ssssh.WithPasswordAuth(func(ctx ssssh.AuthContext, password, newPassword string, changing bool) bool {
			ok, err := authhelpers.VerifyShadow(ctx.User, password)
			if err != nil {
				log.Printf("shadow lookup for %s failed: %v", ctx.User, err)
				return false
			}
			return ok
		}),
		ssssh.WithChannelHandler(demoHandler{}),
	)
	if err != nil {
		log.Fatal(err)
	}

	var l net.Listener
	if useKCP {
		l, err = transportkcp.Listen(laddr, transportkcp.Config{Passphrase: []byte(kcpPassphrase), Salt: []byte("ssssh-demo")})
	} else {
		l, err = net.Listen("tcp", laddr)
	}
	if err != nil {
		log.Fatal(err)
	}
	defer l.Close()

	log.Printf("serving on %s (kcp=%v)", laddr, useKCP)
	log.Fatal(srv.Serve(l))
}

// demoHandler launches shell/exec channels as the connection's
// authenticated local user, deferring the actual pty wiring to
// localexec. Stateless: localexec.New is cheap (a user.Lookup) and run
// once per channel rather than cached per connection.
type demoHandler struct{}

func (demoHandler) AcceptChannel(kind string, extra []byte) bool {
	return kind == "session"
}

func (demoHandler) Launch(ctx *ssssh.SessionContext, launchKind, param string) (uint32, error) {
	h, err := localexec.New(ctx.Username, localexec.Options{RecordLogin: true, RemoteHost: "ssssh-demo"})
	if err != nil {
		return 1, err
	}
	return h.Launch(ctx, launchKind, param)
}
