// Package suite holds the pluggable algorithm registries named in
// spec.md §4.3: KEX, host key, cipher, MAC and compression. Each category
// is a tagged set of concrete variants keyed by the wire name traded in
// KEXINIT — no virtual-method towers, just a name -> constructor map, in
// the spirit of the Named/tagged-enum pattern the retrieved Rust source
// (original_source/src/algorithm.rs) and the teacher's KEXAlg/CSCipherAlg
// tags both use.
package suite

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"math/big"

	"golang.org/x/crypto/curve25519"
)

// KEX performs one side of a key-exchange round and returns the shared
// secret K as a *big.Int, which the exchange-hash and key-derivation
// functions encode as an mpint (spec.md §3).
type KEX interface {
	Name() string
	// HashNew returns a fresh hash.Hash for this KEX's exchange-hash and
	// key-derivation function (curve25519-sha256 families use SHA-256;
	// group14-sha256 also uses SHA-256 per its name).
	HashNew() Hasher
	// GenerateEphemeral creates the server's ephemeral keypair for this
	// exchange. pub is what goes on the wire in KEX_ECDH_REPLY/KEX_DH_REPLY.
	GenerateEphemeral() (priv []byte, pub []byte, err error)
	// SharedSecret computes K from our ephemeral private value and the
	// peer's public value.
	SharedSecret(priv []byte, peerPub []byte) (*big.Int, error)
}

// Hasher is the minimal surface this package needs from hash.Hash,
// re-declared to avoid importing "hash" into every call site.
type Hasher interface {
	Write(p []byte) (int, error)
	Sum(b []byte) []byte
	Reset()
	Size() int
}

type curve25519KEX struct{ name string }

func (k curve25519KEX) Name() string    { return k.name }
func (k curve25519KEX) HashNew() Hasher { return sha256.New() }

func (k curve25519KEX) GenerateEphemeral() (priv, pub []byte, err error) {
	priv = make([]byte, 32)
	if _, err = rand.Read(priv); err != nil {
		return nil, nil, err
	}
	// No clamping here: curve25519.X25519 clamps a copy of the scalar
	// internally, so priv stays unchanged and is reused for SharedSecret.
	pubKey, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	return priv, pubKey, nil
}

func (k curve25519KEX) SharedSecret(priv, peerPub []byte) (*big.Int, error) {
	if len(peerPub) != 32 {
		return nil, errors.New("suite: invalid curve25519 public value length")
	}
	secret, err := curve25519.X25519(priv, peerPub)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(secret), nil
}

// dhGroup14 implements diffie-hellman-group14-sha256 (RFC 3526 §3 / RFC
// 8268), the classic finite-field fallback KEX for clients or audits that
// refuse elliptic-curve key exchange.
type dhGroup14 struct{}

// group14Prime is the 2048-bit MODP group from RFC 3526 §3.
var group14Prime, _ = new(big.Int).SetString(
	"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD1"+
		"29024E088A67CC74020BBEA63B139B22514A08798E3404DD"+
		"EF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245"+
		"E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED"+
		"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3D"+
		"C2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F"+
		"83655D23DCA3AD961C62F356208552BB9ED529077096966D"+
		"670C354E4ABC9804F1746C08CA18217C32905E462E36CE3B"+
		"E39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9"+
		"DE2BCBF6955817183995497CEA956AE515D2261898FA0510"+
		"15728E5A8AACAA68FFFFFFFFFFFFFFFF", 16)

var group14Generator = big.NewInt(2)

func (dhGroup14) Name() string    { return "diffie-hellman-group14-sha256" }
func (dhGroup14) HashNew() Hasher { return sha256.New() }

func (dhGroup14) GenerateEphemeral() (priv, pub []byte, err error) {
	// private exponent x drawn uniformly from [0, p), with 0 replaced by
	// 1, so x lies in [1, p).
	x, err := rand.Int(rand.Reader, group14Prime)
	if err != nil {
		return nil, nil, err
	}
	if x.Sign() == 0 {
		x.SetInt64(1)
	}
	pubInt := new(big.Int).Exp(group14Generator, x, group14Prime)
	return x.Bytes(), pubInt.Bytes(), nil
}

func (dhGroup14) SharedSecret(priv, peerPub []byte) (*big.Int, error) {
	x := new(big.Int).SetBytes(priv)
	f := new(big.Int).SetBytes(peerPub)
	if f.Cmp(big.NewInt(1)) <= 0 || f.Cmp(group14Prime) >= 0 {
		return nil, errors.New("suite: dh public value out of range")
	}
	return new(big.Int).Exp(f, x, group14Prime), nil
}

// KEXByName is the registry of supported KEX algorithms, keyed by their
// exact wire name.
var KEXByName = map[string]KEX{
	"curve25519-sha256":              curve25519KEX{name: "curve25519-sha256"},
	"curve25519-sha256@libssh.org":   curve25519KEX{name: "curve25519-sha256@libssh.org"},
	"diffie-hellman-group14-sha256":  dhGroup14{},
}

// DefaultKexOrder is the server's preference order when a configuration
// omits the kex_algorithms list. Open Question #1 (spec.md §9) resolves
// to: preserve this literal order, never silently re-rank it.
var DefaultKexOrder = []string{
	"curve25519-sha256",
	"curve25519-sha256@libssh.org",
	"diffie-hellman-group14-sha256",
}

// IsECDH reports whether a KEX name uses the ECDH-shaped messages
// (KEX_ECDH_INIT/REPLY) as opposed to the finite-field DH ones.
func IsECDH(name string) bool {
	return name == "curve25519-sha256" || name == "curve25519-sha256@libssh.org"
}
