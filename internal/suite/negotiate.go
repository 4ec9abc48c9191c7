package suite

import "errors"

// ErrNoCommonAlgorithm is returned when a KEXINIT category has no overlap
// between client and server lists; the transport must disconnect with
// KEY_EXCHANGE_FAILED when it sees this error.
var ErrNoCommonAlgorithm = errors.New("suite: no common algorithm")

// Negotiate picks the first client-listed name that also appears in the
// server list. Order authority belongs to the client per RFC 4253 §7.1;
// the server list only constrains which names are acceptable.
func Negotiate(clientList, serverList []string) (string, error) {
	serverSet := make(map[string]bool, len(serverList))
	for _, s := range serverList {
		serverSet[s] = true
	}
	for _, c := range clientList {
		if serverSet[c] {
			return c, nil
		}
	}
	return "", ErrNoCommonAlgorithm
}

// NegotiatedAlgorithms is the outcome of negotiating every KEXINIT
// category for one direction pair.
type NegotiatedAlgorithms struct {
	KEX             string
	HostKey         string
	CipherC2S       string
	CipherS2C       string
	MACC2S          string
	MACS2C          string
	CompressionC2S  string
	CompressionS2C  string
}

// KexInitLists is the minimal shape negotiation needs out of a decoded
// KEXINIT message, kept independent of the wire package to avoid an
// import cycle (wire has no notion of algorithm suites).
type KexInitLists struct {
	Kex                       []string
	HostKey                   []string
	CiphersClientToServer     []string
	CiphersServerToClient     []string
	MACsClientToServer        []string
	MACsServerToClient        []string
	CompressionClientToServer []string
	CompressionServerToClient []string
}

// NegotiateAll runs Negotiate across every category, client list first as
// the argument order requires, and reports the first failing category.
func NegotiateAll(client, server KexInitLists) (NegotiatedAlgorithms, error) {
	var out NegotiatedAlgorithms
	var err error
	if out.KEX, err = Negotiate(client.Kex, server.Kex); err != nil {
		return out, err
	}
	if out.HostKey, err = Negotiate(client.HostKey, server.HostKey); err != nil {
		return out, err
	}
	if out.CipherC2S, err = Negotiate(client.CiphersClientToServer, server.CiphersClientToServer); err != nil {
		return out, err
	}
	if out.CipherS2C, err = Negotiate(client.CiphersServerToClient, server.CiphersServerToClient); err != nil {
		return out, err
	}
	if out.MACC2S, err = Negotiate(client.MACsClientToServer, server.MACsClientToServer); err != nil {
		return out, err
	}
	if out.MACS2C, err = Negotiate(client.MACsServerToClient, server.MACsServerToClient); err != nil {
		return out, err
	}
	if out.CompressionC2S, err = Negotiate(client.CompressionClientToServer, server.CompressionClientToServer); err != nil {
		return out, err
	}
	if out.CompressionS2C, err = Negotiate(client.CompressionServerToClient, server.CompressionServerToClient); err != nil {
		return out, err
	}
	return out, nil
}
