package suite

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"errors"
	"math/big"

	"blitter.com/go/ssssh/internal/wire"
)

func sha1Sum(data []byte) []byte {
	h := sha1.Sum(data)
	return h[:]
}

// HostKey signs exchange hashes and marshals/verifies the RFC 4253 §6.6
// public-key blob format. Concrete variants are tagged by wire algorithm
// name the same way the KEX registry is.
type HostKey interface {
	Algo() string
	PublicKeyBlob() []byte
	Sign(data []byte) ([]byte, error)
}

// PublicKey is the verification-only half, used by the userauth package
// to check publickey signatures without needing the private key.
type PublicKey interface {
	Algo() string
	Blob() []byte
	Verify(data, sig []byte) error
}

type ed25519HostKey struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewEd25519HostKey generates a fresh ephemeral ssh-ed25519 host key.
func NewEd25519HostKey() (HostKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &ed25519HostKey{priv: priv, pub: pub}, nil
}

// Ed25519HostKeyFromSeed builds a host key from a raw 32-byte seed, used
// when an application supplies key material parsed out of an OpenSSH
// private-key file rather than generating one ephemerally.
func Ed25519HostKeyFromSeed(seed []byte) (HostKey, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, errors.New("suite: bad ed25519 seed length")
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &ed25519HostKey{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

func (k *ed25519HostKey) Algo() string { return "ssh-ed25519" }

func (k *ed25519HostKey) PublicKeyBlob() []byte {
	return marshalEd25519Blob(k.pub)
}

func marshalEd25519Blob(pub ed25519.PublicKey) []byte {
	return wire.NewWriter().Str("ssh-ed25519").String(pub).Bytes()
}

// Sign produces the RFC 4253 §6.6 signature blob: algorithm name followed
// by the raw Ed25519 signature, both length-prefixed.
func (k *ed25519HostKey) Sign(data []byte) ([]byte, error) {
	sig := ed25519.Sign(k.priv, data)
	return wire.NewWriter().Str("ssh-ed25519").String(sig).Bytes(), nil
}

type ed25519PublicKey struct{ pub ed25519.PublicKey }

func (p ed25519PublicKey) Algo() string { return "ssh-ed25519" }
func (p ed25519PublicKey) Blob() []byte { return marshalEd25519Blob(p.pub) }
func (p ed25519PublicKey) Verify(data, sig []byte) error {
	r := wire.NewReader(sig)
	algo := string(r.String())
	raw := r.String()
	if r.Err() != nil {
		return r.Err()
	}
	if algo != "ssh-ed25519" {
		return errors.New("suite: signature algorithm mismatch")
	}
	if !ed25519.Verify(p.pub, data, raw) {
		return errors.New("suite: ed25519 signature verification failed")
	}
	return nil
}

// ParsePublicKeyBlob decodes an RFC 4253 §6.6 public key blob into a
// verification-only PublicKey, used when handling publickey userauth.
// The key type embedded in the blob must match the caller-supplied wire
// algorithm — Open Question #2 (spec.md §9) resolves to rejecting any
// mismatch rather than the looser historical behavior. rsa-sha2-256 keys
// carry an "ssh-rsa" blob (RFC 8332), so that pairing is the one match
// that is not a literal string equality.
func ParsePublicKeyBlob(wireAlgo string, blob []byte) (PublicKey, error) {
	r := wire.NewReader(blob)
	algo := string(r.String())
	if r.Err() != nil {
		return nil, r.Err()
	}
	keyType := wireAlgo
	if wireAlgo == "rsa-sha2-256" {
		keyType = "ssh-rsa"
	}
	if algo != keyType {
		return nil, errors.New("suite: key blob algorithm does not match requested algorithm")
	}
	switch algo {
	case "ssh-ed25519":
		raw := r.String()
		if r.Err() != nil || len(raw) != ed25519.PublicKeySize {
			return nil, errors.New("suite: malformed ssh-ed25519 blob")
		}
		return ed25519PublicKey{pub: ed25519.PublicKey(raw)}, nil
	case "ssh-rsa":
		e := r.MPInt()
		n := r.MPInt()
		if r.Err() != nil {
			return nil, errors.New("suite: malformed rsa blob")
		}
		pub := &rsa.PublicKey{N: n, E: int(e.Int64())}
		return rsaPublicKey{pub: pub, algo: wireAlgo}, nil
	default:
		return nil, errors.New("suite: unsupported host key algorithm " + algo)
	}
}

type rsaHostKey struct {
	priv *rsa.PrivateKey
	algo string // "ssh-rsa" (SHA-1) or "rsa-sha2-256"
}

// NewRSAHostKey generates a fresh ephemeral RSA host key of the given
// modulus size, usable under either the legacy ssh-rsa (SHA-1) signature
// scheme or the modern rsa-sha2-256 scheme.
func NewRSAHostKey(bits int, algo string) (HostKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, err
	}
	return &rsaHostKey{priv: priv, algo: algo}, nil
}

func rsaBlob(pub *rsa.PublicKey) []byte {
	e := big.NewInt(int64(pub.E))
	return wire.NewWriter().Str("ssh-rsa").MPInt(e).MPInt(pub.N).Bytes()
}

func (k *rsaHostKey) Algo() string          { return k.algo }
func (k *rsaHostKey) PublicKeyBlob() []byte { return rsaBlob(&k.priv.PublicKey) }

func (k *rsaHostKey) Sign(data []byte) ([]byte, error) {
	switch k.algo {
	case "rsa-sha2-256":
		h := sha256.Sum256(data)
		sig, err := rsa.SignPKCS1v15(rand.Reader, k.priv, crypto.SHA256, h[:])
		if err != nil {
			return nil, err
		}
		return wire.NewWriter().Str("rsa-sha2-256").String(sig).Bytes(), nil
	default: // ssh-rsa, SHA-1 per RFC 4253 §6.6, legacy
		h := sha1Sum(data)
		sig, err := rsa.SignPKCS1v15(rand.Reader, k.priv, crypto.SHA1, h)
		if err != nil {
			return nil, err
		}
		return wire.NewWriter().Str("ssh-rsa").String(sig).Bytes(), nil
	}
}

type rsaPublicKey struct {
	pub  *rsa.PublicKey
	algo string
}

func (p rsaPublicKey) Algo() string { return p.algo }
func (p rsaPublicKey) Blob() []byte { return rsaBlob(p.pub) }

func (p rsaPublicKey) Verify(data, sig []byte) error {
	r := wire.NewReader(sig)
	algo := string(r.String())
	raw := r.String()
	if r.Err() != nil {
		return r.Err()
	}
	switch algo {
	case "rsa-sha2-256":
		h := sha256.Sum256(data)
		return rsa.VerifyPKCS1v15(p.pub, crypto.SHA256, h[:], raw)
	case "ssh-rsa":
		h := sha1Sum(data)
		return rsa.VerifyPKCS1v15(p.pub, crypto.SHA1, h, raw)
	default:
		return errors.New("suite: unsupported rsa signature algorithm " + algo)
	}
}

// DefaultHostKeyOrder is the server's preference order when a
// configuration omits host_key_algorithms.
var DefaultHostKeyOrder = []string{
	"ssh-ed25519",
	"rsa-sha2-256",
	"ssh-rsa",
}
