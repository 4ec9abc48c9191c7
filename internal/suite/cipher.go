package suite

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"hash"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/poly1305"
)

// ErrMAC is returned by an AEAD cipher's Open when authentication fails —
// the packet must be treated as a fatal transport error, never silently
// dropped (spec.md §4.2).
var ErrMAC = errors.New("suite: message authentication failed")

// CipherSpec describes one negotiable encryption algorithm: its key and
// IV lengths, and whether it supplies its own integrity check (AEAD) or
// needs a separate MAC algorithm layered on top by the framer.
type CipherSpec struct {
	Name    string
	KeyLen  int
	IVLen   int
	IsAEAD  bool
	// MACLen is the authentication tag length for AEAD ciphers; ignored
	// for classic stream ciphers, which rely on the negotiated MAC.
	MACLen int
	// NewStream builds a classic stream cipher.Stream. Nil for AEAD ciphers.
	NewStream func(key, iv []byte) (cipher.Stream, error)
	// NewAEAD builds an AEAD packet cipher. Nil for classic ciphers.
	NewAEAD func(key []byte) (AEADCipher, error)
}

// AEADCipher is the packet-level interface for chacha20-poly1305@openssh.com,
// which authenticates and optionally encrypts the 4-byte length field as
// part of sealing/opening the whole packet, unlike a bolted-on MAC.
type AEADCipher interface {
	// SealLength encrypts (or, for length-hiding variants, obscures) the
	// packed 4-byte length field for the given sequence number.
	SealLength(seqnr uint32, lengthBytes [4]byte) [4]byte
	// OpenLength reverses SealLength.
	OpenLength(seqnr uint32, lengthBytes [4]byte) [4]byte
	// Seal encrypts payload and appends a 16-byte Poly1305 tag, authenticating
	// aad (the already-obscured length field) along with the ciphertext.
	Seal(seqnr uint32, aad [4]byte, payload []byte) []byte
	// Open verifies and decrypts sealed (ciphertext||tag), returning the
	// plaintext payload or ErrMAC.
	Open(seqnr uint32, aad [4]byte, sealed []byte) ([]byte, error)
}

// CipherByName is the registry of supported encryption algorithms.
var CipherByName = map[string]CipherSpec{
	"aes256-ctr": {
		Name: "aes256-ctr", KeyLen: 32, IVLen: aes.BlockSize,
		NewStream: newAESCTRStream,
	},
	"aes128-ctr": {
		Name: "aes128-ctr", KeyLen: 16, IVLen: aes.BlockSize,
		NewStream: newAESCTRStream,
	},
	"chacha20-poly1305@openssh.com": {
		Name: "chacha20-poly1305@openssh.com", KeyLen: 64, IVLen: 0,
		IsAEAD: true, MACLen: poly1305.TagSize,
		NewAEAD: newChaCha20Poly1305OpenSSH,
	},
}

// DefaultCipherOrder is the server's preference order when a configuration
// omits ciphers. AEAD first: it needs no separate MAC and authenticates
// the length field, which the classic ciphers below it cannot do.
var DefaultCipherOrder = []string{
	"chacha20-poly1305@openssh.com",
	"aes256-ctr",
	"aes128-ctr",
}

func newAESCTRStream(key, iv []byte) (cipher.Stream, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewCTR(block, iv), nil
}

// chacha20Poly1305OpenSSH implements the OpenSSH split-key AEAD scheme
// (see PROTOCOL.chacha20poly1305 in the OpenSSH source): a 64-byte
// negotiated key splits into K_1 (bytes 32:64), which encrypts only the
// 4-byte packet length with plain ChaCha20 at block counter zero, and
// K_2 (bytes 0:32), which encrypts the payload starting at block counter
// one; the Poly1305 one-time key is K_2's own keystream block zero.
type chacha20Poly1305OpenSSH struct {
	k1 []byte // length-field key
	k2 []byte // payload key
}

func newChaCha20Poly1305OpenSSH(key []byte) (AEADCipher, error) {
	if len(key) != 64 {
		return nil, errors.New("suite: chacha20-poly1305@openssh.com requires a 64-byte key")
	}
	k2 := append([]byte(nil), key[:32]...)
	k1 := append([]byte(nil), key[32:]...)
	return &chacha20Poly1305OpenSSH{k1: k1, k2: k2}, nil
}

func seqnrNonce(seqnr uint32) []byte {
	nonce := make([]byte, chacha20.NonceSize)
	binary.BigEndian.PutUint32(nonce[4:], seqnr)
	return nonce
}

func (c *chacha20Poly1305OpenSSH) lengthStream(seqnr uint32) (cipher.Stream, error) {
	return chacha20.NewUnauthenticatedCipher(c.k1, seqnrNonce(seqnr))
}

func (c *chacha20Poly1305OpenSSH) payloadStream(seqnr uint32) (*chacha20.Cipher, error) {
	s, err := chacha20.NewUnauthenticatedCipher(c.k2, seqnrNonce(seqnr))
	if err != nil {
		return nil, err
	}
	s.SetCounter(1)
	return s, nil
}

func (c *chacha20Poly1305OpenSSH) SealLength(seqnr uint32, lengthBytes [4]byte) [4]byte {
	s, err := c.lengthStream(seqnr)
	if err != nil {
		panic(err) // key material is fixed-size and validated at construction
	}
	var out [4]byte
	s.XORKeyStream(out[:], lengthBytes[:])
	return out
}

func (c *chacha20Poly1305OpenSSH) OpenLength(seqnr uint32, lengthBytes [4]byte) [4]byte {
	return c.SealLength(seqnr, lengthBytes) // ChaCha20 keystream XOR is its own inverse
}

func (c *chacha20Poly1305OpenSSH) polyKey(seqnr uint32) ([32]byte, error) {
	s, err := chacha20.NewUnauthenticatedCipher(c.k2, seqnrNonce(seqnr))
	if err != nil {
		return [32]byte{}, err
	}
	var key [32]byte
	s.XORKeyStream(key[:], key[:])
	return key, nil
}

func (c *chacha20Poly1305OpenSSH) Seal(seqnr uint32, aad [4]byte, payload []byte) []byte {
	polyKey, err := c.polyKey(seqnr)
	if err != nil {
		panic(err)
	}
	pstream, err := c.payloadStream(seqnr)
	if err != nil {
		panic(err)
	}
	ct := make([]byte, len(payload))
	pstream.XORKeyStream(ct, payload)

	var msg []byte
	msg = append(msg, aad[:]...)
	msg = append(msg, ct...)
	var tag [poly1305.TagSize]byte
	poly1305.Sum(&tag, msg, &polyKey)

	out := make([]byte, 0, len(ct)+poly1305.TagSize)
	out = append(out, ct...)
	out = append(out, tag[:]...)
	return out
}

func (c *chacha20Poly1305OpenSSH) Open(seqnr uint32, aad [4]byte, sealed []byte) ([]byte, error) {
	if len(sealed) < poly1305.TagSize {
		return nil, ErrMAC
	}
	ct := sealed[:len(sealed)-poly1305.TagSize]
	tag := sealed[len(sealed)-poly1305.TagSize:]

	polyKey, err := c.polyKey(seqnr)
	if err != nil {
		return nil, err
	}
	var msg []byte
	msg = append(msg, aad[:]...)
	msg = append(msg, ct...)
	var gotTag [poly1305.TagSize]byte
	copy(gotTag[:], tag)
	if !poly1305.Verify(&gotTag, msg, &polyKey) {
		return nil, ErrMAC
	}

	pstream, err := c.payloadStream(seqnr)
	if err != nil {
		return nil, err
	}
	pt := make([]byte, len(ct))
	pstream.XORKeyStream(pt, ct)
	return pt, nil
}

// MACSpec describes a negotiable separate MAC algorithm, used only with
// classic (non-AEAD) ciphers.
type MACSpec struct {
	Name   string
	KeyLen int
	Size   int
	New    func(key []byte) hash.Hash
}

// MACByName is the registry of supported MAC algorithms.
var MACByName = map[string]MACSpec{
	"hmac-sha2-256": {
		Name: "hmac-sha2-256", KeyLen: 32, Size: sha256.Size,
		New: func(key []byte) hash.Hash { return hmac.New(sha256.New, key) },
	},
	"hmac-sha2-512": {
		Name: "hmac-sha2-512", KeyLen: 64, Size: sha512.Size,
		New: func(key []byte) hash.Hash { return hmac.New(sha512.New, key) },
	},
}

// DefaultMACOrder is the server's preference order for the MAC list.
var DefaultMACOrder = []string{
	"hmac-sha2-256",
	"hmac-sha2-512",
}

// CompressionByName lists supported compression algorithms. "none" is the
// only wired entry: zlib is a named non-goal (spec.md's transport
// Non-goals) and no compressor was ported, so the negotiated list must
// always contain exactly this one name.
var CompressionByName = map[string]bool{
	"none": true,
}

// DefaultCompressionOrder is the server's sole compression preference.
var DefaultCompressionOrder = []string{"none"}
