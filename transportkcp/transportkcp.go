// Package transportkcp exposes an alternate reliable-byte-stream
// transport for ssssh.Server: github.com/xtaci/kcp-go's ARQ-over-UDP
// protocol, PSK-encrypted via PBKDF2-derived keys. It sits entirely
// beneath the SSH layer — Server.Serve only needs a net.Listener, and
// a kcp.Listener satisfies that, so every SSH semantic (KEX, auth,
// channels) is unaffected by which transport carries it.
package transportkcp

import (
	"crypto/sha1"
	"errors"
	"net"

	kcp "github.com/xtaci/kcp-go"
	"golang.org/x/crypto/pbkdf2"
)

// BlockCrypt selects the KCP session's symmetric PSK cipher. AES is the
// default; the others are kept for interop with deployments pinned to a
// specific suite.
type BlockCrypt int

const (
	BlockCryptAES BlockCrypt = iota
	BlockCryptBlowfish
	BlockCryptCast5
	BlockCryptTwofish
	BlockCryptXTEA
	BlockCryptSalsa20
	BlockCryptNone
)

func newBlockCrypt(alg BlockCrypt, key []byte) (kcp.BlockCrypt, error) {
	switch alg {
	case BlockCryptAES:
		return kcp.NewAESBlockCrypt(key)
	case BlockCryptBlowfish:
		return kcp.NewBlowfishBlockCrypt(key)
	case BlockCryptCast5:
		return kcp.NewCast5BlockCrypt(key)
	case BlockCryptTwofish:
		return kcp.NewTwofishBlockCrypt(key)
	case BlockCryptXTEA:
		return kcp.NewXTEABlockCrypt(key)
	case BlockCryptSalsa20:
		return kcp.NewSalsa20BlockCrypt(key)
	case BlockCryptNone:
		return kcp.NewNoneBlockCrypt(key)
	default:
		return nil, errors.New("transportkcp: unknown BlockCrypt")
	}
}

// deriveKey stretches a passphrase/salt pair into a 32-byte PSK with
// PBKDF2-SHA1, iteration count matched to kcp-go's own examples.
func deriveKey(passphrase, salt []byte) []byte {
	return pbkdf2.Key(passphrase, salt, 1024, 32, sha1.New)
}

// Config names the PSK and cipher an ssssh server and its clients must
// agree on out-of-band; KCP has no equivalent of SSH's own key exchange.
type Config struct {
	Passphrase []byte
	Salt       []byte
	BlockCrypt BlockCrypt

	// DataShards/ParityShards configure kcp-go's optional forward error
	// correction; when both are zero, 10 data and 3 parity shards are used.
	DataShards   int
	ParityShards int
}

func (c Config) shards() (data, parity int) {
	if c.DataShards == 0 && c.ParityShards == 0 {
		return 10, 3
	}
	return c.DataShards, c.ParityShards
}

// Listen starts a KCP listener on addr, suitable for passing directly
// to ssssh.Server.Serve as an alternate to a plain net.Listener("tcp", addr).
func Listen(addr string, cfg Config) (net.Listener, error) {
	key := deriveKey(cfg.Passphrase, cfg.Salt)
	block, err := newBlockCrypt(cfg.BlockCrypt, key)
	if err != nil {
		return nil, err
	}
	data, parity := cfg.shards()
	return kcp.ListenWithOptions(addr, block, data, parity)
}

// Dial connects to a ssssh server listening via Listen. Exposed for
// test harnesses and non-SSH callers; the library itself never dials.
func Dial(addr string, cfg Config) (net.Conn, error) {
	key := deriveKey(cfg.Passphrase, cfg.Salt)
	block, err := newBlockCrypt(cfg.BlockCrypt, key)
	if err != nil {
		return nil, err
	}
	data, parity := cfg.shards()
	return kcp.DialWithOptions(addr, block, data, parity)
}
