// Package transport implements the SSH connection state machine: version
// exchange, KEXINIT negotiation, key exchange, session-key derivation,
// rekeying, and the packet framer every later message travels over.
// Style follows the teacher's hkexnet.Conn: a mutex-guarded net.Conn
// wrapper with a decrypt buffer, but the wire layout and crypto are the
// real SSH binary packet protocol (RFC 4253 §6) rather than the
// teacher's HerraduraKEx scheme.
package transport

import (
	"crypto/hmac"
	"crypto/rand"
	"encoding/binary"
	"hash"
	"io"

	"blitter.com/go/ssssh/internal/suite"
)

// FatalError is the single error type this package raises for anything
// that must terminate the connection with an SSH DISCONNECT reason code
// (spec.md's transport Non-goal list excludes a taxonomy of error types;
// one struct carrying the wire reason code is all callers need).
type FatalError struct {
	Reason uint32
	Msg    string
}

func (e *FatalError) Error() string { return e.Msg }

const (
	ReasonProtocolError     = 2
	ReasonKeyExchangeFailed = 3
	ReasonMACError          = 5
	ReasonByApplication     = 11
)

func fatalf(reason uint32, msg string) error {
	return &FatalError{Reason: reason, Msg: msg}
}

// MaxPacketLength bounds packet_length per spec.md §4.2 (1 <= len <= 2^35);
// in practice no SSH packet approaches even a fraction of 2^35, so a much
// smaller sanity ceiling catches corrupt or hostile framing early.
const MaxPacketLength = 256 * 1024

const minPaddingLength = 4

// directionState holds one direction's (send or receive) live cipher/MAC
// state, the sequence number that feeds the MAC or AEAD nonce, and the
// packet/byte counters that drive the rekey thresholds.
type directionState struct {
	blockSize int
	stream    interface {
		XORKeyStream(dst, src []byte)
	}
	mac       hash.Hash
	macLen    int
	aead      suite.AEADCipher
	seqnr     uint32
	packets   uint64
	bytesSent uint64
}

func newPlaintextDirection() *directionState {
	return &directionState{blockSize: 8, stream: noopStream{}}
}

// noopStream is the identity "cipher" used for a direction before its
// first NEWKEYS-triggered key activation, matching SSH's pre-kex
// plaintext wire state.
type noopStream struct{}

func (noopStream) XORKeyStream(dst, src []byte) { copy(dst, src) }

// setClassic configures this direction for a stream cipher plus separate
// MAC, activated on NEWKEYS.
func (d *directionState) setClassic(stream interface {
	XORKeyStream(dst, src []byte)
}, blockSize int, mac hash.Hash, macLen int) {
	d.stream = stream
	d.blockSize = blockSize
	if d.blockSize < 8 {
		d.blockSize = 8
	}
	d.mac = mac
	d.macLen = macLen
	d.aead = nil
}

// setAEAD configures this direction for chacha20-poly1305@openssh.com,
// which authenticates the length field itself rather than using a
// separate MAC. tagLen is the AEAD's authentication tag length.
func (d *directionState) setAEAD(aead suite.AEADCipher, tagLen int) {
	d.aead = aead
	d.stream = nil
	d.mac = nil
	d.macLen = tagLen
	d.blockSize = 8
}

func (d *directionState) isAEAD() bool { return d.aead != nil }

// Framer reads and writes one SSH binary packet at a time over an
// underlying reliable byte stream, honoring whatever cipher/MAC is
// currently active for each direction. It has no notion of message
// semantics — Transport owns that.
type Framer struct {
	rw  io.ReadWriter
	tx  *directionState
	rx  *directionState
}

func NewFramer(rw io.ReadWriter) *Framer {
	return &Framer{rw: rw, tx: newPlaintextDirection(), rx: newPlaintextDirection()}
}

// ActivateSendKeys and ActivateRecvKeys are called by Transport once its
// own NEWKEYS-triggered switch happens; they replace the relevant
// direction's cipher state and reset that direction's rekey counters.
// The sequence number carries over: it is never reset by a key change.
func (f *Framer) ActivateSendKeys(d *directionState) { d.seqnr = f.tx.seqnr; f.tx = d }
func (f *Framer) ActivateRecvKeys(d *directionState) { d.seqnr = f.rx.seqnr; f.rx = d }

// TxStats/RxStats expose the packet/byte counters Transport consults to
// decide when to trigger a rekey (spec.md §4.4 rule 5).
func (f *Framer) TxStats() (packets uint64, bytes uint64) { return f.tx.packets, f.tx.bytesSent }
func (f *Framer) RxStats() (packets uint64, bytes uint64) { return f.rx.packets, f.rx.bytesSent }

// WritePacket frames and sends one payload as a full SSH binary packet.
func (f *Framer) WritePacket(payload []byte) error {
	if f.tx.isAEAD() {
		return f.writeAEAD(payload)
	}
	return f.writeClassic(payload)
}

func (f *Framer) writeClassic(payload []byte) error {
	bs := f.tx.blockSize
	// total = 4 (length) + 1 (padding_length) + len(payload) + padding
	// must be a multiple of bs, and padding >= minPaddingLength.
	base := 4 + 1 + len(payload)
	padLen := bs - (base % bs)
	if padLen < minPaddingLength {
		padLen += bs
	}
	padding := make([]byte, padLen)
	if _, err := rand.Read(padding); err != nil {
		return err
	}

	packetLen := uint32(1 + len(payload) + padLen)
	plain := make([]byte, 0, 4+packetLen)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], packetLen)
	plain = append(plain, lenBuf[:]...)
	plain = append(plain, byte(padLen))
	plain = append(plain, payload...)
	plain = append(plain, padding...)

	var macOut []byte
	if f.tx.mac != nil {
		f.tx.mac.Reset()
		var seqBuf [4]byte
		binary.BigEndian.PutUint32(seqBuf[:], f.tx.seqnr)
		f.tx.mac.Write(seqBuf[:])
		f.tx.mac.Write(plain)
		macOut = f.tx.mac.Sum(nil)[:f.tx.macLen]
	}

	ciphertext := make([]byte, len(plain))
	f.tx.stream.XORKeyStream(ciphertext, plain)

	if _, err := f.rw.Write(ciphertext); err != nil {
		return err
	}
	if macOut != nil {
		if _, err := f.rw.Write(macOut); err != nil {
			return err
		}
	}

	f.tx.seqnr++
	f.tx.packets++
	f.tx.bytesSent += uint64(len(ciphertext) + len(macOut))
	return nil
}

func (f *Framer) writeAEAD(payload []byte) error {
	bs := 8
	base := 4 + 1 + len(payload)
	padLen := bs - (base % bs)
	if padLen < minPaddingLength {
		padLen += bs
	}
	padding := make([]byte, padLen)
	if _, err := rand.Read(padding); err != nil {
		return err
	}

	packetLen := uint32(1 + len(payload) + padLen)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], packetLen)

	body := make([]byte, 0, len(payload)+padLen+1)
	body = append(body, byte(padLen))
	body = append(body, payload...)
	body = append(body, padding...)

	sealedLen := f.tx.aead.SealLength(f.tx.seqnr, lenBuf)
	sealedBody := f.tx.aead.Seal(f.tx.seqnr, sealedLen, body)

	if _, err := f.rw.Write(sealedLen[:]); err != nil {
		return err
	}
	if _, err := f.rw.Write(sealedBody); err != nil {
		return err
	}

	f.tx.seqnr++
	f.tx.packets++
	f.tx.bytesSent += uint64(4 + len(sealedBody))
	return nil
}

// ReadPacket reads, decrypts, and MAC-verifies one packet, returning its
// payload with padding stripped.
func (f *Framer) ReadPacket() ([]byte, error) {
	if f.rx.isAEAD() {
		return f.readAEAD()
	}
	return f.readClassic()
}

func (f *Framer) readClassic() ([]byte, error) {
	bs := f.rx.blockSize
	firstBlock := make([]byte, bs)
	if _, err := io.ReadFull(f.rw, firstBlock); err != nil {
		return nil, err
	}
	plainFirst := make([]byte, bs)
	f.rx.stream.XORKeyStream(plainFirst, firstBlock)

	packetLen := binary.BigEndian.Uint32(plainFirst[0:4])
	if packetLen < 1 || packetLen > MaxPacketLength {
		return nil, fatalf(ReasonProtocolError, "transport: insane packet length")
	}
	if (packetLen+4)%uint32(bs) != 0 {
		return nil, fatalf(ReasonProtocolError, "transport: packet length not block aligned")
	}

	remaining := int(packetLen) + 4 - bs
	rest := make([]byte, remaining)
	if remaining > 0 {
		if _, err := io.ReadFull(f.rw, rest); err != nil {
			return nil, err
		}
	}
	plainRest := make([]byte, len(rest))
	f.rx.stream.XORKeyStream(plainRest, rest)

	plain := append(plainFirst, plainRest...)

	var macIn []byte
	if f.rx.mac != nil {
		macIn = make([]byte, f.rx.macLen)
		if _, err := io.ReadFull(f.rw, macIn); err != nil {
			return nil, err
		}
		f.rx.mac.Reset()
		var seqBuf [4]byte
		binary.BigEndian.PutUint32(seqBuf[:], f.rx.seqnr)
		f.rx.mac.Write(seqBuf[:])
		f.rx.mac.Write(plain)
		want := f.rx.mac.Sum(nil)[:f.rx.macLen]
		if !hmac.Equal(want, macIn) {
			return nil, fatalf(ReasonMACError, "transport: MAC verification failed")
		}
	}

	padLen := int(plain[4])
	if padLen+5 > len(plain) {
		return nil, fatalf(ReasonProtocolError, "transport: bad padding length")
	}
	payload := plain[5 : len(plain)-padLen]

	f.rx.seqnr++
	f.rx.packets++
	f.rx.bytesSent += uint64(len(plain) + len(macIn))
	return payload, nil
}

func (f *Framer) readAEAD() ([]byte, error) {
	var sealedLen [4]byte
	if _, err := io.ReadFull(f.rw, sealedLen[:]); err != nil {
		return nil, err
	}
	lenBuf := f.rx.aead.OpenLength(f.rx.seqnr, sealedLen)
	packetLen := binary.BigEndian.Uint32(lenBuf[:])
	if packetLen < 1 || packetLen > MaxPacketLength {
		return nil, fatalf(ReasonProtocolError, "transport: insane packet length")
	}

	sealedBody := make([]byte, int(packetLen)+f.rx.macLen)
	if _, err := io.ReadFull(f.rw, sealedBody); err != nil {
		return nil, err
	}
	body, err := f.rx.aead.Open(f.rx.seqnr, sealedLen, sealedBody)
	if err != nil {
		return nil, fatalf(ReasonMACError, "transport: AEAD authentication failed")
	}

	padLen := int(body[0])
	if padLen+1 > len(body) {
		return nil, fatalf(ReasonProtocolError, "transport: bad padding length")
	}
	payload := body[1 : len(body)-padLen]

	f.rx.seqnr++
	f.rx.packets++
	f.rx.bytesSent += uint64(4 + len(sealedBody))
	return payload, nil
}
