package transport

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"math/big"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"blitter.com/go/ssssh/internal/suite"
	"blitter.com/go/ssssh/internal/wire"
)

func TestExchangeVersionsSkipsBannerLines(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	tr := &Transport{conn: serverConn, br: bufio.NewReader(serverConn), cfg: Config{IdentString: "SSH-2.0-test"}}

	done := make(chan error, 1)
	go func() { done <- tr.exchangeVersions() }()

	// net.Pipe has no buffering and the server writes its own line first,
	// so the client must read it before writing anything.
	_, err := bufio.NewReader(clientConn).ReadString('\n')
	require.NoError(t, err)
	_, err = clientConn.Write([]byte("Welcome to the server\r\n"))
	require.NoError(t, err)
	_, err = clientConn.Write([]byte("SSH-2.0-OpenSSH_9.0\r\n"))
	require.NoError(t, err)

	require.NoError(t, <-done)
	require.Equal(t, "SSH-2.0-OpenSSH_9.0", tr.peerVersion)
}

func TestExchangeVersionsCapsBannerScan(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	tr := &Transport{conn: serverConn, br: bufio.NewReader(serverConn), cfg: Config{IdentString: "SSH-2.0-test"}}

	done := make(chan error, 1)
	go func() { done <- tr.exchangeVersions() }()

	go func() {
		if _, rerr := bufio.NewReader(clientConn).ReadString('\n'); rerr != nil {
			return
		}
		for i := 0; i < maxBannerLinesForTest()+5; i++ {
			_, werr := clientConn.Write([]byte("not ssh\r\n"))
			if werr != nil {
				return
			}
		}
	}()

	err := <-done
	require.ErrorIs(t, err, errNotSSH)
}

// maxBannerLinesForTest mirrors the maxBannerLines constant local to
// exchangeVersions; the two are separate literals, so a change to one
// must be repeated in the other by hand.
func maxBannerLinesForTest() int { return 50 }

func TestNeedsRekey(t *testing.T) {
	tr := &Transport{
		cfg:       Config{RekeyPackets: 10, RekeyBytes: 1000, RekeyInterval: time.Hour},
		framer:    NewFramer(&bytes.Buffer{}),
		lastKexAt: time.Now(),
	}
	require.False(t, tr.NeedsRekey())

	tr.framer.tx.packets = 11
	require.True(t, tr.NeedsRekey())

	tr.framer.tx.packets = 0
	tr.framer.tx.bytesSent = 2000
	require.True(t, tr.NeedsRekey())

	tr.framer.tx.bytesSent = 0
	tr.lastKexAt = time.Now().Add(-2 * time.Hour)
	require.True(t, tr.NeedsRekey())
}

func TestDeriveKeyExtendsPastOneHashBlock(t *testing.T) {
	K := big.NewInt(0x1234567890)
	H := []byte("exchange-hash-stand-in-32-bytes")
	sessionID := []byte("session-id-stand-in")
	hashNew := func() suite.Hasher { return sha256.New() }

	short := deriveKey(hashNew, K, H, 'A', sessionID, 16)
	require.Len(t, short, 16)

	long := deriveKey(hashNew, K, H, 'A', sessionID, 50)
	require.Len(t, long, 50)
	require.Equal(t, short, long[:16], "extension must not change the already-derived prefix")

	other := deriveKey(hashNew, K, H, 'B', sessionID, 16)
	require.NotEqual(t, short, other, "different letters must derive different key material")
}

// Full-handshake test: drives a minimal client implementation of the
// curve25519-sha256 / ssh-ed25519 / chacha20-poly1305@openssh.com path by
// hand, using the same suite/wire building blocks the server uses, and
// confirms Handshake() completes and the resulting session id is the
// exchange hash's SHA-256 output.
func TestHandshakeCurve25519ECDH(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	hostKey, err := suite.NewEd25519HostKey()
	require.NoError(t, err)

	srv := NewServerTransport(serverConn, Config{}, map[string]suite.HostKey{"ssh-ed25519": hostKey})

	srvDone := make(chan error, 1)
	go func() { srvDone <- srv.Handshake() }()

	// The server writes its identification first and net.Pipe does not
	// buffer, so read it before sending the client's.
	const clientIdent = "SSH-2.0-ssssh-test-client"
	br := bufio.NewReader(clientConn)
	serverLine, err := br.ReadString('\n')
	require.NoError(t, err)
	serverIdent := strings.TrimRight(serverLine, "\r\n")
	require.True(t, strings.HasPrefix(serverIdent, "SSH-2.0-"))
	_, err = clientConn.Write([]byte(clientIdent + "\r\n"))
	require.NoError(t, err)

	cf := NewFramer(clientConn)

	serverKexInitPayload, err := cf.ReadPacket()
	require.NoError(t, err)
	serverKexMsg, err := wire.Decode(serverKexInitPayload)
	require.NoError(t, err)
	serverInit, ok := serverKexMsg.(wire.KexInit)
	require.True(t, ok)
	require.Contains(t, serverInit.KexAlgorithms, "curve25519-sha256")
	require.Contains(t, serverInit.ServerHostKeyAlgorithms, "ssh-ed25519")

	clientInit := wire.KexInit{
		KexAlgorithms:             suite.DefaultKexOrder,
		ServerHostKeyAlgorithms:   suite.DefaultHostKeyOrder,
		CiphersClientToServer:     suite.DefaultCipherOrder,
		CiphersServerToClient:     suite.DefaultCipherOrder,
		MACsClientToServer:        suite.DefaultMACOrder,
		MACsServerToClient:        suite.DefaultMACOrder,
		CompressionClientToServer: suite.DefaultCompressionOrder,
		CompressionServerToClient: suite.DefaultCompressionOrder,
	}
	clientKexInitPayload := clientInit.Marshal()
	require.NoError(t, cf.WritePacket(clientKexInitPayload))

	kex := suite.KEXByName["curve25519-sha256"]
	priv, pub, err := kex.GenerateEphemeral()
	require.NoError(t, err)
	require.NoError(t, cf.WritePacket(wire.KexECDHInit{ClientPubKey: pub}.Marshal()))

	replyPayload, err := cf.ReadPacket()
	require.NoError(t, err)
	replyMsg, err := wire.DecodeKexMsg(replyPayload, true, false)
	require.NoError(t, err)
	reply, ok := replyMsg.(wire.KexECDHReply)
	require.True(t, ok)

	K, err := kex.SharedSecret(priv, reply.ServerPubKey)
	require.NoError(t, err)

	h := kex.HashNew()
	w := wire.NewWriter()
	w.String([]byte(clientIdent)).String([]byte(serverIdent))
	w.String(clientKexInitPayload).String(serverKexInitPayload)
	w.String(reply.HostKey).String(pub).String(reply.ServerPubKey)
	w.MPInt(K)
	h.Write(w.Bytes())
	H := h.Sum(nil)
	require.Len(t, H, 32)

	hostPub, err := suite.ParsePublicKeyBlob("ssh-ed25519", reply.HostKey)
	require.NoError(t, err)
	require.NoError(t, hostPub.Verify(H, reply.Signature))

	newKeysPayload, err := cf.ReadPacket()
	require.NoError(t, err)
	_, err = wire.Decode(newKeysPayload)
	require.NoError(t, err)
	require.NoError(t, cf.WritePacket(wire.NewKeys{}.Marshal()))

	select {
	case err := <-srvDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server handshake did not complete")
	}

	require.Equal(t, H, srv.SessionID())
}

func TestReadMessageIdleTimeoutDisconnects(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	tr := &Transport{
		conn:      serverConn,
		br:        bufio.NewReader(serverConn),
		framer:    NewFramer(serverConn),
		cfg:       Config{Timeout: 50 * time.Millisecond, RekeyInterval: time.Hour},
		lastKexAt: time.Now(),
	}

	done := make(chan error, 1)
	go func() {
		_, err := tr.ReadMessage()
		done <- err
	}()

	cf := NewFramer(clientConn)
	payload, err := cf.ReadPacket()
	require.NoError(t, err)
	msg, err := wire.Decode(payload)
	require.NoError(t, err)
	disc, ok := msg.(wire.Disconnect)
	require.True(t, ok, "expected DISCONNECT, got %T", msg)
	require.EqualValues(t, ReasonByApplication, disc.Reason)

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrIdleTimeout)
	case <-time.After(1500 * time.Millisecond):
		t.Fatal("ReadMessage did not return after the idle timeout elapsed")
	}
}

// clientECDHRound reads the peer's KEXINIT, then runs the rest of one
// client-side curve25519-sha256 key-exchange round over cf. It serves the
// initial handshake, where nothing else can arrive on the wire first.
func clientECDHRound(t *testing.T, cf *Framer, clientIdent, serverIdent string) (K *big.Int, H []byte) {
	serverKexInitPayload, err := cf.ReadPacket()
	require.NoError(t, err)
	_, err = wire.Decode(serverKexInitPayload)
	require.NoError(t, err)
	return clientECDHRoundFrom(t, cf, clientIdent, serverIdent, serverKexInitPayload)
}

// clientECDHRoundFrom runs one client-side curve25519-sha256 key-exchange
// round given a KEXINIT payload already read off the wire — used for a
// rekey, where the reader loop must classify the packet before knowing
// whether a key exchange is starting. It serves both the initial
// handshake and every later rekey, since RFC 4253 runs the identical
// KEXINIT/KEX_ECDH/NEWKEYS flow for each. clientIdent/serverIdent are the
// version strings exchanged once at connection start and reused unchanged
// by every round's exchange hash.
func clientECDHRoundFrom(t *testing.T, cf *Framer, clientIdent, serverIdent string, serverKexInitPayload []byte) (K *big.Int, H []byte) {
	clientInit := wire.KexInit{
		KexAlgorithms:             suite.DefaultKexOrder,
		ServerHostKeyAlgorithms:   suite.DefaultHostKeyOrder,
		CiphersClientToServer:     suite.DefaultCipherOrder,
		CiphersServerToClient:     suite.DefaultCipherOrder,
		MACsClientToServer:        suite.DefaultMACOrder,
		MACsServerToClient:        suite.DefaultMACOrder,
		CompressionClientToServer: suite.DefaultCompressionOrder,
		CompressionServerToClient: suite.DefaultCompressionOrder,
	}
	clientKexInitPayload := clientInit.Marshal()
	require.NoError(t, cf.WritePacket(clientKexInitPayload))

	kex := suite.KEXByName["curve25519-sha256"]
	priv, pub, err := kex.GenerateEphemeral()
	require.NoError(t, err)
	require.NoError(t, cf.WritePacket(wire.KexECDHInit{ClientPubKey: pub}.Marshal()))

	replyPayload, err := cf.ReadPacket()
	require.NoError(t, err)
	replyMsg, err := wire.DecodeKexMsg(replyPayload, true, false)
	require.NoError(t, err)
	reply, ok := replyMsg.(wire.KexECDHReply)
	require.True(t, ok)

	K, err = kex.SharedSecret(priv, reply.ServerPubKey)
	require.NoError(t, err)

	h := kex.HashNew()
	w := wire.NewWriter()
	w.String([]byte(clientIdent)).String([]byte(serverIdent))
	w.String(clientKexInitPayload).String(serverKexInitPayload)
	w.String(reply.HostKey).String(pub).String(reply.ServerPubKey)
	w.MPInt(K)
	h.Write(w.Bytes())
	H = h.Sum(nil)

	hostPub, err := suite.ParsePublicKeyBlob("ssh-ed25519", reply.HostKey)
	require.NoError(t, err)
	require.NoError(t, hostPub.Verify(H, reply.Signature))

	return K, H
}

// readPacketWithTimeout reads one packet off cf, failing the test rather
// than hanging forever if the expected rekey or keepalive never arrives.
func readPacketWithTimeout(t *testing.T, cf *Framer, timeout time.Duration) []byte {
	type result struct {
		payload []byte
		err     error
	}
	ch := make(chan result, 1)
	go func() {
		payload, err := cf.ReadPacket()
		ch <- result{payload, err}
	}()
	select {
	case r := <-ch:
		require.NoError(t, r.err)
		return r.payload
	case <-time.After(timeout):
		t.Fatal("timed out waiting for a packet")
		return nil
	}
}

// clientFinishNewKeys reads the server's NEWKEYS and replies with the
// client's own, completing the round clientECDHRound started.
func clientFinishNewKeys(t *testing.T, cf *Framer) {
	newKeysPayload, err := cf.ReadPacket()
	require.NoError(t, err)
	_, err = wire.Decode(newKeysPayload)
	require.NoError(t, err)
	require.NoError(t, cf.WritePacket(wire.NewKeys{}.Marshal()))
}

// activateClientKeys derives the six RFC 4253 §7.2 key vectors for K/H and
// arms cf's AEAD state in both directions. Letters C/E belong to the
// client-to-server direction and become this test's send keys; D/F belong
// to server-to-client and become its receive keys, mirroring the server's
// own CipherC2S/CipherS2C split in sendAndAwaitNewKeys.
func activateClientKeys(t *testing.T, cf *Framer, K *big.Int, H, sessionID []byte) {
	hashNew := func() suite.Hasher { return sha256.New() }
	const cipherName = "chacha20-poly1305@openssh.com"

	encCS := deriveKey(hashNew, K, H, 'C', sessionID, keyLenFor(cipherName))
	encSC := deriveKey(hashNew, K, H, 'D', sessionID, keyLenFor(cipherName))

	tx, err := buildDirection(cipherName, "", encCS, nil, nil)
	require.NoError(t, err)
	rx, err := buildDirection(cipherName, "", encSC, nil, nil)
	require.NoError(t, err)

	cf.ActivateSendKeys(tx)
	cf.ActivateRecvKeys(rx)
}

// TestServerInitiatedRekeyPreservesSessionID drives a real handshake
// followed by two server-initiated rekeys (RekeyPackets set low enough
// that the server's own ReadMessage loop trips NeedsRekey twice), with a
// second goroutine calling SendMessage concurrently the whole time to
// exercise kexGate's exclusion between an in-flight key exchange and an
// ordinary outbound write. The session id must stay frozen across both.
func TestServerInitiatedRekeyPreservesSessionID(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	hostKey, err := suite.NewEd25519HostKey()
	require.NoError(t, err)

	srv := NewServerTransport(serverConn, Config{RekeyPackets: 1}, map[string]suite.HostKey{"ssh-ed25519": hostKey})

	srvHandshakeDone := make(chan error, 1)
	go func() { srvHandshakeDone <- srv.Handshake() }()

	const clientIdent = "SSH-2.0-ssssh-test-client"
	br := bufio.NewReader(clientConn)
	serverLine, err := br.ReadString('\n')
	require.NoError(t, err)
	serverIdent := strings.TrimRight(serverLine, "\r\n")
	_, err = clientConn.Write([]byte(clientIdent + "\r\n"))
	require.NoError(t, err)

	cf := NewFramer(clientConn)
	K, H := clientECDHRound(t, cf, clientIdent, serverIdent)
	clientFinishNewKeys(t, cf)

	select {
	case err := <-srvHandshakeDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server handshake did not complete")
	}

	sessionID := srv.SessionID()
	require.Equal(t, H, sessionID)
	activateClientKeys(t, cf, K, H, sessionID)

	// The server's single reader goroutine: every inbound message it
	// decodes (after transparently absorbing any server-initiated rekey)
	// lands here.
	recvCh := make(chan wire.Message, 16)
	go func() {
		for {
			msg, err := srv.ReadMessage()
			if err != nil {
				close(recvCh)
				return
			}
			recvCh <- msg
		}
	}()

	// Simulates outboundArbiter: sends one message concurrently with
	// whatever the reader goroutine above is doing, including mid-rekey.
	go func() {
		_ = srv.SendMessage(wire.GlobalRequest{Name: "keepalive@ssssh"})
	}()

	// Five client-to-server packets, with RekeyPackets=1, trip the rekey
	// threshold twice (after the 2nd and after the 4th), since each
	// ActivateRecvKeys resets the server's rx counter to zero.
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for i := 0; i < 5; i++ {
			_ = cf.WritePacket(wire.GlobalRequest{Name: "ping"}.Marshal())
		}
	}()

	rekeys := 0
	for rekeys < 2 {
		payload := readPacketWithTimeout(t, cf, 5*time.Second)
		msg, err := wire.Decode(payload)
		require.NoError(t, err)
		switch msg.(type) {
		case wire.KexInit:
			K, H = clientECDHRoundFrom(t, cf, clientIdent, serverIdent, payload)
			clientFinishNewKeys(t, cf)
			activateClientKeys(t, cf, K, H, sessionID)
			rekeys++
		case wire.GlobalRequest:
			// the concurrent SendMessage call's payload; nothing to do.
		}
	}

	<-writerDone
	require.Equal(t, sessionID, srv.SessionID(), "session id must stay frozen across a server-initiated rekey")
	require.GreaterOrEqual(t, srv.kexCount, 3, "expected the initial handshake plus at least two rekeys")
}
