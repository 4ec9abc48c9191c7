package wire

import "math/big"

// Message numeric codes, RFC 4250 §4.1 / IANA SSH Protocol Number
// registry. Only the subset this server speaks is named; anything else
// decodes to Unimplemented.
const (
	MsgDisconnect   = 1
	MsgIgnore       = 2
	MsgUnimplemented = 3
	MsgDebug        = 4
	MsgServiceRequest = 5
	MsgServiceAccept  = 6

	MsgKexInit = 20
	MsgNewKeys = 21

	MsgKexECDHInit  = 30
	MsgKexECDHReply = 31
	MsgKexDHInit    = 30 // dh-group14 reuses the ECDH numbers; KEX alg is what disambiguates
	MsgKexDHReply   = 31

	MsgUserauthRequest = 50
	MsgUserauthFailure = 51
	MsgUserauthSuccess = 52
	MsgUserauthBanner  = 53
	MsgUserauthPKOK    = 60

	MsgGlobalRequest  = 80
	MsgRequestSuccess = 81
	MsgRequestFailure = 82

	MsgChannelOpen             = 90
	MsgChannelOpenConfirmation = 91
	MsgChannelOpenFailure      = 92
	MsgChannelWindowAdjust     = 93
	MsgChannelData             = 94
	MsgChannelExtendedData     = 95
	MsgChannelEOF              = 96
	MsgChannelClose            = 97
	MsgChannelRequest          = 98
	MsgChannelSuccess          = 99
	MsgChannelFailure          = 100
)

// Disconnect reason codes, RFC 4253 §11.1.
const (
	ReasonHostNotAllowed        = 1
	ReasonProtocolError         = 2
	ReasonKeyExchangeFailed     = 3
	ReasonReserved              = 4
	ReasonMacError              = 5
	ReasonCompressionError      = 6
	ReasonServiceNotAvailable   = 7
	ReasonProtocolVersionNotSupported = 8
	ReasonHostKeyNotVerifiable  = 9
	ReasonConnectionLost        = 10
	ReasonByApplication         = 11
	ReasonTooManyConnections    = 12
	ReasonAuthCancelledByUser   = 13
	ReasonNoMoreAuthMethods     = 14
	ReasonIllegalUsername       = 15
)

// Channel open failure reason codes, RFC 4254 §5.1.
const (
	OpenAdministrativelyProhibited = 1
	OpenConnectFailed              = 2
	OpenUnknownChannelType         = 3
	OpenResourceShortage           = 4
)

// Message is satisfied by every decoded SSH payload, including the
// catch-all Unimplemented outcome. It is intentionally minimal: callers
// type-switch on the concrete struct they expect.
type Message interface {
	Type() byte
	Marshal() []byte
}

// Unimplemented represents any numeric message code this decoder does
// not recognize. It is a first-class decode outcome, not an error — RFC
// 4253 §11.4 requires replying with SSH_MSG_UNIMPLEMENTED rather than
// failing the connection.
type Unimplemented struct {
	Code byte
}

func (Unimplemented) Type() byte { return MsgUnimplemented }

// Marshal is only reached if a caller deliberately echoes an
// Unimplemented value back to the peer; RFC 4253 §11.4's real wire
// format carries the rejected packet's sequence number here, not a
// message code, so callers that care about strict compliance should
// build that reply themselves rather than relying on this method.
func (m Unimplemented) Marshal() []byte {
	return NewWriter().Byte(MsgUnimplemented).Uint32(uint32(m.Code)).Bytes()
}

type Disconnect struct {
	Reason      uint32
	Description string
	Language    string
}

func (Disconnect) Type() byte { return MsgDisconnect }

func (m Disconnect) Marshal() []byte {
	return NewWriter().Byte(MsgDisconnect).Uint32(m.Reason).Str(m.Description).Str(m.Language).Bytes()
}

func decodeDisconnect(r *Reader) (Disconnect, error) {
	m := Disconnect{Reason: r.Uint32(), Description: string(r.String()), Language: string(r.String())}
	return m, r.Err()
}

type Ignore struct{ Data []byte }

func (Ignore) Type() byte { return MsgIgnore }
func (m Ignore) Marshal() []byte {
	return NewWriter().Byte(MsgIgnore).String(m.Data).Bytes()
}
func decodeIgnore(r *Reader) (Ignore, error) {
	m := Ignore{Data: r.String()}
	return m, r.Err()
}

type Debug struct {
	AlwaysDisplay bool
	Message       string
	Language      string
}

func (Debug) Type() byte { return MsgDebug }
func (m Debug) Marshal() []byte {
	return NewWriter().Byte(MsgDebug).Bool(m.AlwaysDisplay).Str(m.Message).Str(m.Language).Bytes()
}
func decodeDebug(r *Reader) (Debug, error) {
	m := Debug{AlwaysDisplay: r.Bool(), Message: string(r.String()), Language: string(r.String())}
	return m, r.Err()
}

type ServiceRequest struct{ Name string }

func (ServiceRequest) Type() byte { return MsgServiceRequest }
func (m ServiceRequest) Marshal() []byte {
	return NewWriter().Byte(MsgServiceRequest).Str(m.Name).Bytes()
}
func decodeServiceRequest(r *Reader) (ServiceRequest, error) {
	m := ServiceRequest{Name: string(r.String())}
	return m, r.Err()
}

type ServiceAccept struct{ Name string }

func (ServiceAccept) Type() byte { return MsgServiceAccept }
func (m ServiceAccept) Marshal() []byte {
	return NewWriter().Byte(MsgServiceAccept).Str(m.Name).Bytes()
}
func decodeServiceAccept(r *Reader) (ServiceAccept, error) {
	m := ServiceAccept{Name: string(r.String())}
	return m, r.Err()
}

// KexInit lists algorithm preferences by category, in client- or
// server-preference order, plus the 16 random cookie bytes (RFC 4253 §7.1).
type KexInit struct {
	Cookie                  [16]byte
	KexAlgorithms           []string
	ServerHostKeyAlgorithms []string
	CiphersClientToServer   []string
	CiphersServerToClient   []string
	MACsClientToServer      []string
	MACsServerToClient      []string
	CompressionClientToServer []string
	CompressionServerToClient []string
	LanguagesClientToServer []string
	LanguagesServerToClient []string
	FirstKexPacketFollows  bool
}

func (KexInit) Type() byte { return MsgKexInit }

func (m KexInit) Marshal() []byte {
	w := NewWriter().Byte(MsgKexInit)
	w.b = append(w.b, m.Cookie[:]...)
	w.NameList(m.KexAlgorithms)
	w.NameList(m.ServerHostKeyAlgorithms)
	w.NameList(m.CiphersClientToServer)
	w.NameList(m.CiphersServerToClient)
	w.NameList(m.MACsClientToServer)
	w.NameList(m.MACsServerToClient)
	w.NameList(m.CompressionClientToServer)
	w.NameList(m.CompressionServerToClient)
	w.NameList(m.LanguagesClientToServer)
	w.NameList(m.LanguagesServerToClient)
	w.Bool(m.FirstKexPacketFollows)
	w.Uint32(0) // reserved
	return w.Bytes()
}

func decodeKexInit(r *Reader) (KexInit, error) {
	var m KexInit
	for i := range m.Cookie {
		m.Cookie[i] = r.Byte()
	}
	m.KexAlgorithms = r.NameList()
	m.ServerHostKeyAlgorithms = r.NameList()
	m.CiphersClientToServer = r.NameList()
	m.CiphersServerToClient = r.NameList()
	m.MACsClientToServer = r.NameList()
	m.MACsServerToClient = r.NameList()
	m.CompressionClientToServer = r.NameList()
	m.CompressionServerToClient = r.NameList()
	m.LanguagesClientToServer = r.NameList()
	m.LanguagesServerToClient = r.NameList()
	m.FirstKexPacketFollows = r.Bool()
	_ = r.Uint32() // reserved
	return m, r.Err()
}

type NewKeys struct{}

func (NewKeys) Type() byte       { return MsgNewKeys }
func (NewKeys) Marshal() []byte  { return NewWriter().Byte(MsgNewKeys).Bytes() }
func decodeNewKeys(r *Reader) (NewKeys, error) { return NewKeys{}, r.Err() }

// KexECDHInit is the client's ephemeral public value for curve25519-sha256
// family KEX.
type KexECDHInit struct{ ClientPubKey []byte }

func (KexECDHInit) Type() byte { return MsgKexECDHInit }
func (m KexECDHInit) Marshal() []byte {
	return NewWriter().Byte(MsgKexECDHInit).String(m.ClientPubKey).Bytes()
}
func decodeKexECDHInit(r *Reader) (KexECDHInit, error) {
	m := KexECDHInit{ClientPubKey: r.String()}
	return m, r.Err()
}

type KexECDHReply struct {
	HostKey      []byte
	ServerPubKey []byte
	Signature    []byte
}

func (KexECDHReply) Type() byte { return MsgKexECDHReply }
func (m KexECDHReply) Marshal() []byte {
	return NewWriter().Byte(MsgKexECDHReply).String(m.HostKey).String(m.ServerPubKey).String(m.Signature).Bytes()
}
func decodeKexECDHReply(r *Reader) (KexECDHReply, error) {
	m := KexECDHReply{HostKey: r.String(), ServerPubKey: r.String(), Signature: r.String()}
	return m, r.Err()
}

// KexDHInit/KexDHReply carry the finite-field Diffie-Hellman public
// values for diffie-hellman-group14-sha256; they share numeric codes
// with the ECDH messages (the active KEX algorithm disambiguates shape).
type KexDHInit struct{ E *big.Int }

func (KexDHInit) Type() byte { return MsgKexDHInit }
func (m KexDHInit) Marshal() []byte {
	return NewWriter().Byte(MsgKexDHInit).MPInt(m.E).Bytes()
}
func decodeKexDHInit(r *Reader) (KexDHInit, error) {
	m := KexDHInit{E: r.MPInt()}
	return m, r.Err()
}

type KexDHReply struct {
	HostKey   []byte
	F         *big.Int
	Signature []byte
}

func (KexDHReply) Type() byte { return MsgKexDHReply }
func (m KexDHReply) Marshal() []byte {
	return NewWriter().Byte(MsgKexDHReply).String(m.HostKey).MPInt(m.F).String(m.Signature).Bytes()
}
func decodeKexDHReply(r *Reader) (KexDHReply, error) {
	m := KexDHReply{HostKey: r.String(), F: r.MPInt(), Signature: r.String()}
	return m, r.Err()
}

// UserauthRequest carries method-specific trailing fields raw; the
// userauth package re-parses Rest according to Method.
type UserauthRequest struct {
	User    string
	Service string
	Method  string
	Rest    []byte
}

func (UserauthRequest) Type() byte { return MsgUserauthRequest }
func (m UserauthRequest) Marshal() []byte {
	return NewWriter().Byte(MsgUserauthRequest).Str(m.User).Str(m.Service).Str(m.Method).Raw(m.Rest).Bytes()
}
func decodeUserauthRequest(r *Reader) (UserauthRequest, error) {
	m := UserauthRequest{User: string(r.String()), Service: string(r.String()), Method: string(r.String())}
	m.Rest = r.Rest()
	return m, r.Err()
}

type UserauthFailure struct {
	Methods        []string
	PartialSuccess bool
}

func (UserauthFailure) Type() byte { return MsgUserauthFailure }
func (m UserauthFailure) Marshal() []byte {
	return NewWriter().Byte(MsgUserauthFailure).NameList(m.Methods).Bool(m.PartialSuccess).Bytes()
}
func decodeUserauthFailure(r *Reader) (UserauthFailure, error) {
	m := UserauthFailure{Methods: r.NameList(), PartialSuccess: r.Bool()}
	return m, r.Err()
}

type UserauthSuccess struct{}

func (UserauthSuccess) Type() byte      { return MsgUserauthSuccess }
func (UserauthSuccess) Marshal() []byte { return NewWriter().Byte(MsgUserauthSuccess).Bytes() }

type UserauthBanner struct {
	Message  string
	Language string
}

func (UserauthBanner) Type() byte { return MsgUserauthBanner }
func (m UserauthBanner) Marshal() []byte {
	return NewWriter().Byte(MsgUserauthBanner).Str(m.Message).Str(m.Language).Bytes()
}

type UserauthPKOK struct {
	Algo string
	Blob []byte
}

func (UserauthPKOK) Type() byte { return MsgUserauthPKOK }
func (m UserauthPKOK) Marshal() []byte {
	return NewWriter().Byte(MsgUserauthPKOK).Str(m.Algo).String(m.Blob).Bytes()
}

type GlobalRequest struct {
	Name      string
	WantReply bool
	Rest      []byte
}

func (GlobalRequest) Type() byte { return MsgGlobalRequest }
func (m GlobalRequest) Marshal() []byte {
	return NewWriter().Byte(MsgGlobalRequest).Str(m.Name).Bool(m.WantReply).Raw(m.Rest).Bytes()
}
func decodeGlobalRequest(r *Reader) (GlobalRequest, error) {
	m := GlobalRequest{Name: string(r.String()), WantReply: r.Bool()}
	m.Rest = r.Rest()
	return m, r.Err()
}

type RequestFailure struct{}

func (RequestFailure) Type() byte      { return MsgRequestFailure }
func (RequestFailure) Marshal() []byte { return NewWriter().Byte(MsgRequestFailure).Bytes() }

type RequestSuccess struct{ Data []byte }

func (RequestSuccess) Type() byte { return MsgRequestSuccess }
func (m RequestSuccess) Marshal() []byte {
	return NewWriter().Byte(MsgRequestSuccess).String(m.Data).Bytes()
}

type ChannelOpen struct {
	ChannelType string
	SenderID    uint32
	InitWindow  uint32
	MaxPacket   uint32
	Rest        []byte
}

func (ChannelOpen) Type() byte { return MsgChannelOpen }
func (m ChannelOpen) Marshal() []byte {
	return NewWriter().Byte(MsgChannelOpen).Str(m.ChannelType).Uint32(m.SenderID).
		Uint32(m.InitWindow).Uint32(m.MaxPacket).Raw(m.Rest).Bytes()
}
func decodeChannelOpen(r *Reader) (ChannelOpen, error) {
	m := ChannelOpen{
		ChannelType: string(r.String()),
		SenderID:    r.Uint32(),
		InitWindow:  r.Uint32(),
		MaxPacket:   r.Uint32(),
	}
	m.Rest = r.Rest()
	return m, r.Err()
}

type ChannelOpenConfirmation struct {
	RecipientID uint32
	SenderID    uint32
	InitWindow  uint32
	MaxPacket   uint32
}

func (ChannelOpenConfirmation) Type() byte { return MsgChannelOpenConfirmation }
func (m ChannelOpenConfirmation) Marshal() []byte {
	return NewWriter().Byte(MsgChannelOpenConfirmation).Uint32(m.RecipientID).Uint32(m.SenderID).Uint32(m.InitWindow).Uint32(m.MaxPacket).Bytes()
}

type ChannelOpenFailure struct {
	RecipientID  uint32
	ReasonCode   uint32
	Description  string
	Language     string
}

func (ChannelOpenFailure) Type() byte { return MsgChannelOpenFailure }
func (m ChannelOpenFailure) Marshal() []byte {
	return NewWriter().Byte(MsgChannelOpenFailure).Uint32(m.RecipientID).Uint32(m.ReasonCode).Str(m.Description).Str(m.Language).Bytes()
}

type ChannelWindowAdjust struct {
	RecipientID uint32
	BytesToAdd  uint32
}

func (ChannelWindowAdjust) Type() byte { return MsgChannelWindowAdjust }
func (m ChannelWindowAdjust) Marshal() []byte {
	return NewWriter().Byte(MsgChannelWindowAdjust).Uint32(m.RecipientID).Uint32(m.BytesToAdd).Bytes()
}
func decodeChannelWindowAdjust(r *Reader) (ChannelWindowAdjust, error) {
	m := ChannelWindowAdjust{RecipientID: r.Uint32(), BytesToAdd: r.Uint32()}
	return m, r.Err()
}

type ChannelData struct {
	RecipientID uint32
	Data        []byte
}

func (ChannelData) Type() byte { return MsgChannelData }
func (m ChannelData) Marshal() []byte {
	return NewWriter().Byte(MsgChannelData).Uint32(m.RecipientID).String(m.Data).Bytes()
}
func decodeChannelData(r *Reader) (ChannelData, error) {
	m := ChannelData{RecipientID: r.Uint32(), Data: r.String()}
	return m, r.Err()
}

type ChannelExtendedData struct {
	RecipientID uint32
	DataType    uint32
	Data        []byte
}

func (ChannelExtendedData) Type() byte { return MsgChannelExtendedData }
func (m ChannelExtendedData) Marshal() []byte {
	return NewWriter().Byte(MsgChannelExtendedData).Uint32(m.RecipientID).Uint32(m.DataType).String(m.Data).Bytes()
}
func decodeChannelExtendedData(r *Reader) (ChannelExtendedData, error) {
	m := ChannelExtendedData{RecipientID: r.Uint32(), DataType: r.Uint32(), Data: r.String()}
	return m, r.Err()
}

type ChannelEOF struct{ RecipientID uint32 }

func (ChannelEOF) Type() byte { return MsgChannelEOF }
func (m ChannelEOF) Marshal() []byte {
	return NewWriter().Byte(MsgChannelEOF).Uint32(m.RecipientID).Bytes()
}
func decodeChannelEOF(r *Reader) (ChannelEOF, error) {
	m := ChannelEOF{RecipientID: r.Uint32()}
	return m, r.Err()
}

type ChannelClose struct{ RecipientID uint32 }

func (ChannelClose) Type() byte { return MsgChannelClose }
func (m ChannelClose) Marshal() []byte {
	return NewWriter().Byte(MsgChannelClose).Uint32(m.RecipientID).Bytes()
}
func decodeChannelClose(r *Reader) (ChannelClose, error) {
	m := ChannelClose{RecipientID: r.Uint32()}
	return m, r.Err()
}

type ChannelRequest struct {
	RecipientID uint32
	RequestType string
	WantReply   bool
	Rest        []byte
}

func (ChannelRequest) Type() byte { return MsgChannelRequest }
func (m ChannelRequest) Marshal() []byte {
	return NewWriter().Byte(MsgChannelRequest).Uint32(m.RecipientID).Str(m.RequestType).
		Bool(m.WantReply).Raw(m.Rest).Bytes()
}
func decodeChannelRequest(r *Reader) (ChannelRequest, error) {
	m := ChannelRequest{RecipientID: r.Uint32(), RequestType: string(r.String()), WantReply: r.Bool()}
	m.Rest = r.Rest()
	return m, r.Err()
}

type ChannelSuccess struct{ RecipientID uint32 }

func (ChannelSuccess) Type() byte { return MsgChannelSuccess }
func (m ChannelSuccess) Marshal() []byte {
	return NewWriter().Byte(MsgChannelSuccess).Uint32(m.RecipientID).Bytes()
}

type ChannelFailure struct{ RecipientID uint32 }

func (ChannelFailure) Type() byte { return MsgChannelFailure }
func (m ChannelFailure) Marshal() []byte {
	return NewWriter().Byte(MsgChannelFailure).Uint32(m.RecipientID).Bytes()
}

// Decode parses one SSH packet payload (the bytes between padding_length
// and padding, i.e. message-type byte followed by fields) into its typed
// Message. An unrecognized message-type byte decodes successfully to
// Unimplemented — only a structurally malformed *known* message is an
// error.
func Decode(payload []byte) (Message, error) {
	if len(payload) == 0 {
		return nil, ErrTruncated
	}
	code := payload[0]
	r := NewReader(payload[1:])
	switch code {
	case MsgDisconnect:
		return decodeDisconnect(r)
	case MsgIgnore:
		return decodeIgnore(r)
	case MsgDebug:
		return decodeDebug(r)
	case MsgServiceRequest:
		return decodeServiceRequest(r)
	case MsgServiceAccept:
		return decodeServiceAccept(r)
	case MsgKexInit:
		return decodeKexInit(r)
	case MsgNewKeys:
		return decodeNewKeys(r)
	case MsgUserauthRequest:
		return decodeUserauthRequest(r)
	case MsgUserauthFailure:
		return decodeUserauthFailure(r)
	case MsgUserauthSuccess:
		return UserauthSuccess{}, nil
	case MsgGlobalRequest:
		return decodeGlobalRequest(r)
	case MsgRequestFailure:
		return RequestFailure{}, nil
	case MsgChannelOpen:
		return decodeChannelOpen(r)
	case MsgChannelWindowAdjust:
		return decodeChannelWindowAdjust(r)
	case MsgChannelData:
		return decodeChannelData(r)
	case MsgChannelExtendedData:
		return decodeChannelExtendedData(r)
	case MsgChannelEOF:
		return decodeChannelEOF(r)
	case MsgChannelClose:
		return decodeChannelClose(r)
	case MsgChannelRequest:
		return decodeChannelRequest(r)
	case MsgUserauthPKOK:
		m := UserauthPKOK{Algo: string(r.String()), Blob: r.String()}
		return m, r.Err()
	case MsgChannelOpenConfirmation:
		m := ChannelOpenConfirmation{RecipientID: r.Uint32(), SenderID: r.Uint32(), InitWindow: r.Uint32(), MaxPacket: r.Uint32()}
		return m, r.Err()
	case MsgChannelOpenFailure:
		m := ChannelOpenFailure{RecipientID: r.Uint32(), ReasonCode: r.Uint32(), Description: string(r.String()), Language: string(r.String())}
		return m, r.Err()
	case MsgChannelSuccess:
		m := ChannelSuccess{RecipientID: r.Uint32()}
		return m, r.Err()
	case MsgChannelFailure:
		m := ChannelFailure{RecipientID: r.Uint32()}
		return m, r.Err()
	default:
		return Unimplemented{Code: code}, nil
	}
}

// DecodeKexMsg decodes the two message codes shared between the ECDH and
// finite-field DH families, dispatching on which KEX is active. The
// transport layer calls this instead of Decode for MsgKexECDHInit/
// MsgKexDHInit/MsgKexECDHReply/MsgKexDHReply since the numeric code alone
// is ambiguous.
func DecodeKexMsg(payload []byte, ecdh bool, isInit bool) (Message, error) {
	r := NewReader(payload[1:])
	switch {
	case ecdh && isInit:
		return decodeKexECDHInit(r)
	case ecdh && !isInit:
		return decodeKexECDHReply(r)
	case !ecdh && isInit:
		return decodeKexDHInit(r)
	default:
		return decodeKexDHReply(r)
	}
}
