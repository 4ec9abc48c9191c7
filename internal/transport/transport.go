package transport

import (
	"bufio"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strings"
	"sync"
	"time"

	"blitter.com/go/ssssh/internal/logger"
	"blitter.com/go/ssssh/internal/suite"
	"blitter.com/go/ssssh/internal/wire"
)

// Config carries the negotiable algorithm preference lists and rekey
// thresholds a Transport enforces. Zero-value fields fall back to the
// suite package's defaults.
type Config struct {
	IdentString  string // e.g. "SSH-2.0-ssssh_1.0"; CR/LF appended automatically
	KexOrder     []string
	HostKeyOrder []string
	CipherOrder  []string
	MACOrder     []string

	RekeyPackets  uint64        // default 1<<32 per spec.md §4.4
	RekeyBytes    uint64        // default 1 GiB
	RekeyInterval time.Duration // default 1h

	Timeout time.Duration // default 60s; inbound idle timeout (spec.md §5/§6)
}

func (c *Config) fillDefaults() {
	if c.IdentString == "" {
		c.IdentString = "SSH-2.0-ssssh_1.0"
	}
	if c.KexOrder == nil {
		c.KexOrder = suite.DefaultKexOrder
	}
	if c.HostKeyOrder == nil {
		c.HostKeyOrder = suite.DefaultHostKeyOrder
	}
	if c.CipherOrder == nil {
		c.CipherOrder = suite.DefaultCipherOrder
	}
	if c.MACOrder == nil {
		c.MACOrder = suite.DefaultMACOrder
	}
	if c.RekeyPackets == 0 {
		c.RekeyPackets = 1 << 32
	}
	if c.RekeyBytes == 0 {
		c.RekeyBytes = 1 << 30
	}
	if c.RekeyInterval == 0 {
		c.RekeyInterval = time.Hour
	}
	if c.Timeout == 0 {
		c.Timeout = 60 * time.Second
	}
}

// Transport drives the server side of the SSH transport layer over one
// accepted connection: version exchange, KEXINIT negotiation, key
// exchange, NEWKEYS, and transparent rekeying. Everything above it
// (userauth, channel mux) talks in terms of SendMessage/ReadMessage and
// never sees packet framing directly.
type Transport struct {
	conn     net.Conn
	br       *bufio.Reader
	framer   *Framer
	cfg      Config
	hostKeys map[string]suite.HostKey

	ourVersion  string
	peerVersion string

	sessionID []byte // frozen on first KEX, per spec.md's Session id invariant

	lastKexAt time.Time
	kexCount  int

	// kexGate excludes SendMessage from the wire while a key exchange is
	// in flight: RFC 4253 §7.1 forbids any non-KEX packet between our
	// KEXINIT and our NEWKEYS, so SendMessage and runKex/
	// respondToPeerInitiatedKex must never write concurrently. Reads are
	// not gated by it — only ReadMessage's own goroutine ever calls
	// framer.ReadPacket, including the reads a rekey performs inline, so
	// there is never a second reader to race against.
	kexGate sync.Mutex
}

// NewServerTransport wraps an accepted connection. hostKeys must contain
// at least one entry whose key is a name from cfg.HostKeyOrder (or
// suite.DefaultHostKeyOrder).
func NewServerTransport(conn net.Conn, cfg Config, hostKeys map[string]suite.HostKey) *Transport {
	cfg.fillDefaults()
	return &Transport{
		conn:     conn,
		br:       bufio.NewReader(conn),
		framer:   NewFramer(conn),
		cfg:      cfg,
		hostKeys: hostKeys,
	}
}

// SessionID returns the frozen first exchange hash, used by userauth to
// build the publickey signature payload.
func (t *Transport) SessionID() []byte { return t.sessionID }

// Handshake performs the version exchange and the initial key exchange,
// leaving the Transport in the Ready state with live session keys.
func (t *Transport) Handshake() error {
	if err := t.exchangeVersions(); err != nil {
		return err
	}
	return t.runKex(true)
}

func (t *Transport) exchangeVersions() error {
	if _, err := t.conn.Write([]byte(t.cfg.IdentString + "\r\n")); err != nil {
		return err
	}
	t.ourVersion = t.cfg.IdentString

	// Pre-banner lines (RFC 4253 §4.2): non-SSH lines preceding the
	// identification string are allowed and ignored, up to a sane cap so
	// a peer that never sends one can't hang the handshake forever.
	const maxBannerLines = 50
	for i := 0; i < maxBannerLines; i++ {
		line, err := t.br.ReadString('\n')
		if err != nil {
			return err
		}
		line = strings.TrimRight(line, "\r\n")
		if strings.HasPrefix(line, "SSH-2.0-") || strings.HasPrefix(line, "SSH-1.99-") {
			t.peerVersion = line
			return nil
		}
	}
	return errNotSSH
}

// buildKexInit constructs our KEXINIT payload with a fresh cookie.
func (t *Transport) buildKexInit() (wire.KexInit, error) {
	var cookie [16]byte
	if _, err := rand.Read(cookie[:]); err != nil {
		return wire.KexInit{}, err
	}
	hostKeyAlgos := make([]string, 0, len(t.cfg.HostKeyOrder))
	for _, name := range t.cfg.HostKeyOrder {
		if _, ok := t.hostKeys[name]; ok {
			hostKeyAlgos = append(hostKeyAlgos, name)
		}
	}
	return wire.KexInit{
		Cookie:                    cookie,
		KexAlgorithms:             t.cfg.KexOrder,
		ServerHostKeyAlgorithms:   hostKeyAlgos,
		CiphersClientToServer:     t.cfg.CipherOrder,
		CiphersServerToClient:     t.cfg.CipherOrder,
		MACsClientToServer:        t.cfg.MACOrder,
		MACsServerToClient:        t.cfg.MACOrder,
		CompressionClientToServer: suite.DefaultCompressionOrder,
		CompressionServerToClient: suite.DefaultCompressionOrder,
	}, nil
}

// runKex executes one full key-exchange round: KEXINIT exchange,
// algorithm negotiation, the KEX message flow, NEWKEYS, and (on the
// very first call) freezes the session id.
func (t *Transport) runKex(first bool) error {
	t.kexGate.Lock()
	defer t.kexGate.Unlock()

	ours, err := t.buildKexInit()
	if err != nil {
		return err
	}
	oursPayload := ours.Marshal()
	if err := t.framer.WritePacket(oursPayload); err != nil {
		return err
	}

	peerPayload, err := t.framer.ReadPacket()
	if err != nil {
		return err
	}
	peerMsg, err := wire.Decode(peerPayload)
	if err != nil {
		return err
	}
	peerInit, ok := peerMsg.(wire.KexInit)
	if !ok {
		return fatalf(ReasonProtocolError, "transport: expected KEXINIT")
	}

	client := suite.KexInitLists{
		Kex:                       peerInit.KexAlgorithms,
		HostKey:                   peerInit.ServerHostKeyAlgorithms,
		CiphersClientToServer:     peerInit.CiphersClientToServer,
		CiphersServerToClient:     peerInit.CiphersServerToClient,
		MACsClientToServer:        peerInit.MACsClientToServer,
		MACsServerToClient:        peerInit.MACsServerToClient,
		CompressionClientToServer: peerInit.CompressionClientToServer,
		CompressionServerToClient: peerInit.CompressionServerToClient,
	}
	server := suite.KexInitLists{
		Kex:                       ours.KexAlgorithms,
		HostKey:                   ours.ServerHostKeyAlgorithms,
		CiphersClientToServer:     ours.CiphersClientToServer,
		CiphersServerToClient:     ours.CiphersServerToClient,
		MACsClientToServer:        ours.MACsClientToServer,
		MACsServerToClient:        ours.MACsServerToClient,
		CompressionClientToServer: ours.CompressionClientToServer,
		CompressionServerToClient: ours.CompressionServerToClient,
	}
	neg, err := suite.NegotiateAll(client, server)
	if err != nil {
		return fatalf(ReasonKeyExchangeFailed, "transport: "+err.Error())
	}

	hostKey := t.hostKeys[neg.HostKey]
	if hostKey == nil {
		return fatalf(ReasonKeyExchangeFailed, "transport: no host key for negotiated algorithm")
	}

	kexImpl := suite.KEXByName[neg.KEX]
	var K *big.Int
	var H []byte
	if suite.IsECDH(neg.KEX) {
		K, H, err = t.runECDHServer(kexImpl, hostKey, oursPayload, peerPayload)
	} else {
		K, H, err = t.runDHServer(kexImpl, hostKey, oursPayload, peerPayload)
	}
	if err != nil {
		return err
	}

	if first {
		t.sessionID = H
	}

	if err := t.sendAndAwaitNewKeys(kexImpl, neg, K, H); err != nil {
		return err
	}

	t.lastKexAt = time.Now()
	t.kexCount++
	return nil
}

// runECDHServer executes the server side of KEX_ECDH_INIT/REPLY for
// curve25519 KEX variants and returns the shared secret and exchange hash.
func (t *Transport) runECDHServer(kex suite.KEX, hostKey suite.HostKey, oursPayload, peerPayload []byte) (*big.Int, []byte, error) {
	msg, err := t.framer.ReadPacket()
	if err != nil {
		return nil, nil, err
	}
	decoded, err := wire.DecodeKexMsg(msg, true, true)
	if err != nil {
		return nil, nil, err
	}
	init, ok := decoded.(wire.KexECDHInit)
	if !ok {
		return nil, nil, fatalf(ReasonProtocolError, "transport: expected KEX_ECDH_INIT")
	}

	priv, pub, err := kex.GenerateEphemeral()
	if err != nil {
		return nil, nil, err
	}
	K, err := kex.SharedSecret(priv, init.ClientPubKey)
	if err != nil {
		return nil, nil, fatalf(ReasonKeyExchangeFailed, "transport: "+err.Error())
	}

	hostBlob := hostKey.PublicKeyBlob()
	h := kex.HashNew()
	w := wire.NewWriter()
	w.String([]byte(t.peerVersion)).String([]byte(t.ourVersion))
	w.String(peerPayload).String(oursPayload)
	w.String(hostBlob).String(init.ClientPubKey).String(pub)
	w.MPInt(K)
	h.Write(w.Bytes())
	H := h.Sum(nil)

	sig, err := hostKey.Sign(H)
	if err != nil {
		return nil, nil, err
	}

	reply := wire.KexECDHReply{HostKey: hostBlob, ServerPubKey: pub, Signature: sig}
	if err := t.framer.WritePacket(reply.Marshal()); err != nil {
		return nil, nil, err
	}
	return K, H, nil
}

// runDHServer executes the server side of KEX_DH_INIT/REPLY for the
// finite-field group14 KEX.
func (t *Transport) runDHServer(kex suite.KEX, hostKey suite.HostKey, oursPayload, peerPayload []byte) (*big.Int, []byte, error) {
	msg, err := t.framer.ReadPacket()
	if err != nil {
		return nil, nil, err
	}
	decoded, err := wire.DecodeKexMsg(msg, false, true)
	if err != nil {
		return nil, nil, err
	}
	init, ok := decoded.(wire.KexDHInit)
	if !ok {
		return nil, nil, fatalf(ReasonProtocolError, "transport: expected KEX_DH_INIT")
	}

	priv, pub, err := kex.GenerateEphemeral()
	if err != nil {
		return nil, nil, err
	}
	K, err := kex.SharedSecret(priv, init.E.Bytes())
	if err != nil {
		return nil, nil, fatalf(ReasonKeyExchangeFailed, "transport: "+err.Error())
	}

	hostBlob := hostKey.PublicKeyBlob()
	h := kex.HashNew()
	w := wire.NewWriter()
	w.String([]byte(t.peerVersion)).String([]byte(t.ourVersion))
	w.String(peerPayload).String(oursPayload)
	w.String(hostBlob)
	w.MPInt(init.E)
	w.MPInt(new(big.Int).SetBytes(pub))
	w.MPInt(K)
	h.Write(w.Bytes())
	H := h.Sum(nil)

	sig, err := hostKey.Sign(H)
	if err != nil {
		return nil, nil, err
	}

	reply := wire.KexDHReply{HostKey: hostBlob, F: new(big.Int).SetBytes(pub), Signature: sig}
	if err := t.framer.WritePacket(reply.Marshal()); err != nil {
		return nil, nil, err
	}
	return K, H, nil
}

// sendAndAwaitNewKeys sends our NEWKEYS, waits for the peer's, derives
// all six session-key vectors (spec.md §3), and activates them on the
// framer.
func (t *Transport) sendAndAwaitNewKeys(kex suite.KEX, neg suite.NegotiatedAlgorithms, K *big.Int, H []byte) error {
	if err := t.framer.WritePacket(wire.NewKeys{}.Marshal()); err != nil {
		return err
	}
	msg, err := t.framer.ReadPacket()
	if err != nil {
		return err
	}
	decoded, err := wire.Decode(msg)
	if err != nil {
		return err
	}
	if _, ok := decoded.(wire.NewKeys); !ok {
		return fatalf(ReasonProtocolError, "transport: expected NEWKEYS")
	}

	hashNew := kex.HashNew
	ivCS := deriveKey(hashNew, K, H, 'A', t.sessionID, ivLenFor(neg.CipherC2S))
	ivSC := deriveKey(hashNew, K, H, 'B', t.sessionID, ivLenFor(neg.CipherS2C))
	encCS := deriveKey(hashNew, K, H, 'C', t.sessionID, keyLenFor(neg.CipherC2S))
	encSC := deriveKey(hashNew, K, H, 'D', t.sessionID, keyLenFor(neg.CipherS2C))
	intCS := deriveKey(hashNew, K, H, 'E', t.sessionID, macLenFor(neg.MACC2S))
	intSC := deriveKey(hashNew, K, H, 'F', t.sessionID, macLenFor(neg.MACS2C))

	rx, err := buildDirection(neg.CipherC2S, neg.MACC2S, encCS, ivCS, intCS)
	if err != nil {
		return err
	}
	tx, err := buildDirection(neg.CipherS2C, neg.MACS2C, encSC, ivSC, intSC)
	if err != nil {
		return err
	}
	t.framer.ActivateRecvKeys(rx)
	t.framer.ActivateSendKeys(tx)
	return nil
}

func ivLenFor(cipherName string) int {
	spec := suite.CipherByName[cipherName]
	if spec.IsAEAD {
		return 0
	}
	return spec.IVLen
}
func keyLenFor(cipherName string) int { return suite.CipherByName[cipherName].KeyLen }
func macLenFor(macName string) int {
	if macName == "" {
		return 0
	}
	return suite.MACByName[macName].KeyLen
}

func buildDirection(cipherName, macName string, encKey, iv, macKey []byte) (*directionState, error) {
	spec := suite.CipherByName[cipherName]
	d := &directionState{}
	if spec.IsAEAD {
		aead, err := spec.NewAEAD(encKey)
		if err != nil {
			return nil, err
		}
		d.setAEAD(aead, spec.MACLen)
		return d, nil
	}
	stream, err := spec.NewStream(encKey, iv)
	if err != nil {
		return nil, err
	}
	macSpec := suite.MACByName[macName]
	d.setClassic(stream, spec.IVLen, macSpec.New(macKey), macSpec.Size)
	return d, nil
}

// deriveKey implements the RFC 4253 §7.2 key-stretching recurrence:
// K1 = HASH(K || H || letter || session_id); Kn = HASH(K || H || K1..Kn-1),
// extended until at least `need` bytes are produced.
func deriveKey(hashNew func() suite.Hasher, K *big.Int, H []byte, letter byte, sessionID []byte, need int) []byte {
	if need <= 0 {
		return nil
	}
	kEnc := wire.NewWriter().MPInt(K).Bytes()

	h := hashNew()
	h.Write(kEnc)
	h.Write(H)
	h.Write([]byte{letter})
	h.Write(sessionID)
	out := h.Sum(nil)

	for len(out) < need {
		h = hashNew()
		h.Write(kEnc)
		h.Write(H)
		h.Write(out)
		out = append(out, h.Sum(nil)...)
	}
	return out[:need]
}

// NeedsRekey reports whether either direction has crossed a rekey
// threshold (spec.md §4.4 rule 5: packets, bytes, or elapsed time).
func (t *Transport) NeedsRekey() bool {
	if t.lastKexAt.IsZero() {
		return false // no key exchange has completed yet
	}
	txPkts, txBytes := t.framer.TxStats()
	rxPkts, rxBytes := t.framer.RxStats()
	if txPkts > t.cfg.RekeyPackets || rxPkts > t.cfg.RekeyPackets {
		return true
	}
	if txBytes > t.cfg.RekeyBytes || rxBytes > t.cfg.RekeyBytes {
		return true
	}
	return time.Since(t.lastKexAt) > t.cfg.RekeyInterval
}

// Rekey runs a subsequent key exchange in place; unlike Handshake it
// never touches the frozen session id. Only ReadMessage's loop calls
// this, so it is never in flight from more than one goroutine at once.
func (t *Transport) Rekey() error {
	logger.LogDebug("transport: initiating rekey")
	return t.runKex(false)
}

// SendMessage marshals and frames one message. It never initiates a
// rekey itself — NeedsRekey is checked only from ReadMessage's loop, the
// sole goroutine that ever calls framer.ReadPacket, so a rekey's own
// reads can never race a second reader. kexGate blocks SendMessage for
// the duration of any in-flight key exchange so a channel-data packet
// can never land on the wire between that exchange's KEXINIT and NEWKEYS.
func (t *Transport) SendMessage(msg wire.Message) error {
	t.kexGate.Lock()
	defer t.kexGate.Unlock()
	return t.framer.WritePacket(msg.Marshal())
}

// ErrIdleTimeout is returned by ReadMessage when no inbound packet
// arrives within the configured idle timeout (spec.md §5); by the time
// it is returned, DISCONNECT has already been sent to the peer.
var ErrIdleTimeout = errors.New("transport: idle timeout, no inbound packet")

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// ReadMessage reads one packet and decodes it, transparently handling
// the transport-level message types (DISCONNECT, IGNORE, DEBUG,
// UNIMPLEMENTED, and peer-initiated rekey via KEXINIT) before returning
// the first message of interest to the caller. It also owns the only
// NeedsRekey check in the package: this is the sole goroutine that ever
// reads from the framer, so a server-initiated rekey's own reads never
// race a concurrent ReadMessage call.
func (t *Transport) ReadMessage() (wire.Message, error) {
	for {
		if t.NeedsRekey() {
			if err := t.Rekey(); err != nil {
				return nil, err
			}
		}
		if t.cfg.Timeout > 0 {
			_ = t.conn.SetReadDeadline(time.Now().Add(t.cfg.Timeout))
		}
		payload, err := t.framer.ReadPacket()
		if err != nil {
			if isTimeout(err) {
				_ = t.Disconnect(ReasonByApplication, "idle timeout")
				return nil, ErrIdleTimeout
			}
			return nil, err
		}
		msg, err := wire.Decode(payload)
		if err != nil {
			return nil, err
		}
		switch m := msg.(type) {
		case wire.Disconnect:
			t.conn.Close()
			return nil, fmt.Errorf("transport: peer disconnected: reason=%d %s", m.Reason, m.Description)
		case wire.Ignore, wire.Debug:
			continue
		case wire.Unimplemented:
			if m.Code == wire.MsgUnimplemented {
				logger.LogDebug("transport: peer replied SSH_MSG_UNIMPLEMENTED")
				continue
			}
			// Answer an unrecognized message with the sequence number of
			// the packet that carried it (RFC 4253 §11.4).
			reply := wire.NewWriter().Byte(wire.MsgUnimplemented).Uint32(t.framer.rx.seqnr - 1).Bytes()
			t.kexGate.Lock()
			err := t.framer.WritePacket(reply)
			t.kexGate.Unlock()
			if err != nil {
				return nil, err
			}
			continue
		case wire.KexInit:
			// Peer-initiated rekey: replay this KEXINIT through the same
			// negotiation path runKex uses, but we've already consumed the
			// packet, so handle it inline here instead of re-reading.
			if err := t.respondToPeerInitiatedKex(m, payload); err != nil {
				return nil, err
			}
			continue
		default:
			return msg, nil
		}
	}
}

// respondToPeerInitiatedKex mirrors runKex's negotiation but starts from
// an already-read peer KEXINIT payload rather than reading a fresh one.
func (t *Transport) respondToPeerInitiatedKex(peerInit wire.KexInit, peerPayload []byte) error {
	t.kexGate.Lock()
	defer t.kexGate.Unlock()

	ours, err := t.buildKexInit()
	if err != nil {
		return err
	}
	oursPayload := ours.Marshal()
	if err := t.framer.WritePacket(oursPayload); err != nil {
		return err
	}

	client := suite.KexInitLists{
		Kex: peerInit.KexAlgorithms, HostKey: peerInit.ServerHostKeyAlgorithms,
		CiphersClientToServer: peerInit.CiphersClientToServer, CiphersServerToClient: peerInit.CiphersServerToClient,
		MACsClientToServer: peerInit.MACsClientToServer, MACsServerToClient: peerInit.MACsServerToClient,
		CompressionClientToServer: peerInit.CompressionClientToServer, CompressionServerToClient: peerInit.CompressionServerToClient,
	}
	server := suite.KexInitLists{
		Kex: ours.KexAlgorithms, HostKey: ours.ServerHostKeyAlgorithms,
		CiphersClientToServer: ours.CiphersClientToServer, CiphersServerToClient: ours.CiphersServerToClient,
		MACsClientToServer: ours.MACsClientToServer, MACsServerToClient: ours.MACsServerToClient,
		CompressionClientToServer: ours.CompressionClientToServer, CompressionServerToClient: ours.CompressionServerToClient,
	}
	neg, err := suite.NegotiateAll(client, server)
	if err != nil {
		return fatalf(ReasonKeyExchangeFailed, "transport: "+err.Error())
	}
	hostKey := t.hostKeys[neg.HostKey]
	if hostKey == nil {
		return fatalf(ReasonKeyExchangeFailed, "transport: no host key for negotiated algorithm")
	}
	kexImpl := suite.KEXByName[neg.KEX]

	var K *big.Int
	var H []byte
	if suite.IsECDH(neg.KEX) {
		K, H, err = t.runECDHServer(kexImpl, hostKey, oursPayload, peerPayload)
	} else {
		K, H, err = t.runDHServer(kexImpl, hostKey, oursPayload, peerPayload)
	}
	if err != nil {
		return err
	}
	if err := t.sendAndAwaitNewKeys(kexImpl, neg, K, H); err != nil {
		return err
	}
	t.lastKexAt = time.Now()
	t.kexCount++
	return nil
}

// Disconnect sends SSH_MSG_DISCONNECT and closes the underlying connection.
func (t *Transport) Disconnect(reason uint32, msg string) error {
	t.kexGate.Lock()
	_ = t.framer.WritePacket(wire.Disconnect{Reason: reason, Description: msg}.Marshal())
	t.kexGate.Unlock()
	return t.conn.Close()
}

// DisconnectOnFatal sends DISCONNECT with err's reason code if err is a
// *FatalError (the only error type this package raises for conditions
// the SSH protocol requires reporting to the peer before closing; see
// FatalError's doc comment), then returns err unchanged. Errors that
// aren't a *FatalError pass through without sending anything, since the
// connection is typically already gone by the time they surface (peer
// disconnect, closed socket, ErrIdleTimeout which has already disconnected).
func (t *Transport) DisconnectOnFatal(err error) error {
	var fe *FatalError
	if errors.As(err, &fe) {
		_ = t.Disconnect(fe.Reason, fe.Msg)
	}
	return err
}

// Close closes the underlying connection without sending DISCONNECT,
// used after the peer has already sent one (spec.md §4.4: "close
// immediately without reply").
func (t *Transport) Close() error { return t.conn.Close() }

var errNotSSH = errors.New("transport: peer identification string missing SSH-2.0- prefix")
