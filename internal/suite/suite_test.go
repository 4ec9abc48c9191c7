package suite

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCurve25519RoundTrip(t *testing.T) {
	kex := KEXByName["curve25519-sha256"]
	aPriv, aPub, err := kex.GenerateEphemeral()
	require.NoError(t, err)
	bPriv, bPub, err := kex.GenerateEphemeral()
	require.NoError(t, err)

	aSecret, err := kex.SharedSecret(aPriv, bPub)
	require.NoError(t, err)
	bSecret, err := kex.SharedSecret(bPriv, aPub)
	require.NoError(t, err)
	assert.Equal(t, aSecret, bSecret)
}

func TestDHGroup14RoundTrip(t *testing.T) {
	kex := KEXByName["diffie-hellman-group14-sha256"]
	aPriv, aPub, err := kex.GenerateEphemeral()
	require.NoError(t, err)
	bPriv, bPub, err := kex.GenerateEphemeral()
	require.NoError(t, err)

	aSecret, err := kex.SharedSecret(aPriv, bPub)
	require.NoError(t, err)
	bSecret, err := kex.SharedSecret(bPriv, aPub)
	require.NoError(t, err)
	assert.Equal(t, aSecret.String(), bSecret.String())
}

func TestDHGroup14RejectsOutOfRange(t *testing.T) {
	kex := KEXByName["diffie-hellman-group14-sha256"]
	priv, _, err := kex.GenerateEphemeral()
	require.NoError(t, err)
	_, err = kex.SharedSecret(priv, []byte{1})
	assert.Error(t, err)
}

func TestEd25519SignVerify(t *testing.T) {
	hk, err := NewEd25519HostKey()
	require.NoError(t, err)
	sig, err := hk.Sign([]byte("exchange hash"))
	require.NoError(t, err)

	pub, err := ParsePublicKeyBlob("ssh-ed25519", hk.PublicKeyBlob())
	require.NoError(t, err)
	assert.NoError(t, pub.Verify([]byte("exchange hash"), sig))
	assert.Error(t, pub.Verify([]byte("tampered"), sig))
}

func TestRSASHA2SignVerify(t *testing.T) {
	hk, err := NewRSAHostKey(2048, "rsa-sha2-256")
	require.NoError(t, err)
	sig, err := hk.Sign([]byte("exchange hash"))
	require.NoError(t, err)

	pub, err := ParsePublicKeyBlob("rsa-sha2-256", hk.PublicKeyBlob())
	require.NoError(t, err)
	assert.NoError(t, pub.Verify([]byte("exchange hash"), sig))
}

func TestParsePublicKeyBlobRejectsAlgoMismatch(t *testing.T) {
	hk, err := NewEd25519HostKey()
	require.NoError(t, err)
	_, err = ParsePublicKeyBlob("ssh-rsa", hk.PublicKeyBlob())
	assert.Error(t, err)
}

func TestAESCTRStreamRoundTrip(t *testing.T) {
	spec := CipherByName["aes256-ctr"]
	key := make([]byte, spec.KeyLen)
	iv := make([]byte, spec.IVLen)
	for i := range key {
		key[i] = byte(i)
	}
	enc, err := spec.NewStream(key, iv)
	require.NoError(t, err)
	dec, err := spec.NewStream(key, iv)
	require.NoError(t, err)

	plain := []byte("channel data payload")
	ct := make([]byte, len(plain))
	enc.XORKeyStream(ct, plain)
	pt := make([]byte, len(ct))
	dec.XORKeyStream(pt, ct)
	assert.Equal(t, plain, pt)
}

func TestChaCha20Poly1305OpenSSHSealOpen(t *testing.T) {
	spec := CipherByName["chacha20-poly1305@openssh.com"]
	key := make([]byte, spec.KeyLen)
	for i := range key {
		key[i] = byte(i * 3)
	}
	sender, err := spec.NewAEAD(key)
	require.NoError(t, err)
	receiver, err := spec.NewAEAD(key)
	require.NoError(t, err)

	var lengthBytes [4]byte
	lengthBytes[3] = 42
	sealedLen := sender.SealLength(0, lengthBytes)
	openedLen := receiver.OpenLength(0, sealedLen)
	assert.Equal(t, lengthBytes, openedLen)

	payload := []byte("this is a channel data packet body")
	sealed := sender.Seal(0, sealedLen, payload)
	opened, err := receiver.Open(0, sealedLen, sealed)
	require.NoError(t, err)
	assert.Equal(t, payload, opened)
}

func TestChaCha20Poly1305OpenSSHRejectsTamperedTag(t *testing.T) {
	spec := CipherByName["chacha20-poly1305@openssh.com"]
	key := make([]byte, spec.KeyLen)
	sender, err := spec.NewAEAD(key)
	require.NoError(t, err)

	var aad [4]byte
	sealed := sender.Seal(1, aad, []byte("payload"))
	sealed[len(sealed)-1] ^= 0xff

	_, err = sender.Open(1, aad, sealed)
	assert.ErrorIs(t, err, ErrMAC)
}

func TestNegotiatePicksFirstClientListedInServerList(t *testing.T) {
	got, err := Negotiate(
		[]string{"diffie-hellman-group14-sha256", "curve25519-sha256"},
		[]string{"curve25519-sha256", "curve25519-sha256@libssh.org"},
	)
	require.NoError(t, err)
	assert.Equal(t, "curve25519-sha256", got)
}

func TestNegotiateNoOverlap(t *testing.T) {
	_, err := Negotiate([]string{"a"}, []string{"b"})
	assert.ErrorIs(t, err, ErrNoCommonAlgorithm)
}
