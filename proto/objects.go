package proto

import "fmt"

// CRC constants, matching the real MTProto schema constructors this
// session core needs to recognize.
const (
	crcPing                = 0x7abe77ec
	crcPong                = 0x347773c5
	crcPingDelayDisconnect = 0xf3427b8c
	crcMsgsAck             = 0x62d6b459
	crcBadMsgNotification  = 0xa7eff811
	crcBadServerSalt       = 0xedab447b
	crcMsgDetailedInfo     = 0x276d3ec6
	crcMsgNewDetailedInfo  = 0x809db6df
	crcNewSessionCreated   = 0x9ec20908
	crcFutureSalt          = 0x0949d9dc
	crcFutureSalts         = 0xae500895
	crcGetFutureSalts      = 0xb921bd04
	crcMsgContainer        = 0x73f1f8dc
	crcRpcResult           = 0xf35c6d01
	crcRpcError            = 0x2144ca19
	crcInvokeWithLayer     = 0xda9b0d0d
	crcInitConnection      = 0xc1cd5ea9
	crcHelpGetConfig       = 0xc4f9186b
	crcConfig              = 0x232d5905
)

// Ping is the handshake-start service message: spec.md §4.4 step 4.
type Ping struct{ PingID int64 }

func (*Ping) CRC() uint32 { return crcPing }

// Pong answers a Ping; its envelope carries new_server_salt on the
// very first handshake pong (spec.md §4.4 step 4, §8 S1).
type Pong struct {
	MsgID         int64
	PingID        int64
	NewServerSalt int64 // not on the wire; filled by the session from the carrying envelope's salt
}

func (*Pong) CRC() uint32 { return crcPong }

// PingDelayDisconnect is the fire-and-forget keepalive ping
// (spec.md §4.6).
type PingDelayDisconnect struct {
	PingID          int64
	DisconnectDelay int32
}

func (*PingDelayDisconnect) CRC() uint32 { return crcPingDelayDisconnect }

// MsgsAck batches acks for content-related inbound messages
// (spec.md §4.5 step 4).
type MsgsAck struct{ MsgIDs []int64 }

func (*MsgsAck) CRC() uint32 { return crcMsgsAck }

// BadMsgNotification signals a protocol violation or clock skew
// (spec.md §4.9).
type BadMsgNotification struct {
	BadMsgID  int64
	BadSeqNo  int32
	ErrorCode int32
}

func (*BadMsgNotification) CRC() uint32 { return crcBadMsgNotification }

// BadServerSalt additionally carries the correct salt the client
// should adopt (spec.md §4.5).
type BadServerSalt struct {
	BadMsgID      int64
	BadSeqNo      int32
	ErrorCode     int32
	NewServerSalt int64
}

func (*BadServerSalt) CRC() uint32 { return crcBadServerSalt }

// MsgDetailedInfo/MsgNewDetailedInfo name a further msg_id that also
// needs acking (spec.md §4.5 step 3).
type MsgDetailedInfo struct {
	MsgID       int64
	AnswerMsgID int64
	Bytes       int32
	Status      int32
}

func (*MsgDetailedInfo) CRC() uint32 { return crcMsgDetailedInfo }

type MsgNewDetailedInfo struct {
	AnswerMsgID int64
	Bytes       int32
	Status      int32
}

func (*MsgNewDetailedInfo) CRC() uint32 { return crcMsgNewDetailedInfo }

// NewSessionCreated is purely informational (spec.md §4.5 step 3).
type NewSessionCreated struct {
	FirstMsgID int64
	UniqueID   int64
	ServerSalt int64
}

func (*NewSessionCreated) CRC() uint32 { return crcNewSessionCreated }

// FutureSalt/FutureSalts implement salt rotation (spec.md §3, §4.7).
type FutureSalt struct {
	ValidSince int32
	ValidUntil int32
	Salt       int64
}

func (*FutureSalt) CRC() uint32 { return crcFutureSalt }

type FutureSalts struct {
	ReqMsgID int64
	Now      int32
	Salts    []FutureSalt
}

func (*FutureSalts) CRC() uint32 { return crcFutureSalts }

type GetFutureSalts struct{ Num int32 }

func (*GetFutureSalts) CRC() uint32 { return crcGetFutureSalts }

// MsgContainer batches an ordered sequence of inner Messages
// (spec.md §3).
type Message struct {
	MsgID int64
	SeqNo int32
	Body  Object
}

type MsgContainer struct{ Messages []Message }

func (*MsgContainer) CRC() uint32 { return crcMsgContainer }

// RpcResult/RpcError are the request/response correlation vehicles
// (spec.md §4.5, §4.9).
type RpcResult struct {
	ReqMsgID int64
	Result   Object
}

func (*RpcResult) CRC() uint32 { return crcRpcResult }

type RpcError struct {
	ErrorCode    int32
	ErrorMessage string
}

func (*RpcError) CRC() uint32 { return crcRpcError }

// InvokeWithLayer/InitConnection/HelpGetConfig/Config implement the
// layer announcement (spec.md §4.4 step 7).
type InvokeWithLayer struct {
	Layer int32
	Query Object
}

func (*InvokeWithLayer) CRC() uint32 { return crcInvokeWithLayer }

type InitConnection struct {
	APIID          int32
	DeviceModel    string
	SystemVersion  string
	AppVersion     string
	SystemLangCode string
	LangPack       string
	LangCode       string
	Query          Object
}

func (*InitConnection) CRC() uint32 { return crcInitConnection }

type HelpGetConfig struct{}

func (*HelpGetConfig) CRC() uint32 { return crcHelpGetConfig }

// Config is a minimal stand-in for the server configuration blob;
// concrete RPC payload parsing is out of scope per spec.md §1.
type Config struct{ RawFields []byte }

func (*Config) CRC() uint32 { return crcConfig }

// Unknown is any body outside this closed set: routed to the external
// client's update queue untouched (spec.md §4.5).
type Unknown struct {
	ConstructorCRC uint32
	Raw            []byte
}

func (u *Unknown) CRC() uint32 { return u.ConstructorCRC }

// IsContentRelated implements spec.md §4.2's whitelist: everything
// except acks, pings (including ping_delay_disconnect), pongs and
// containers is content-related.
func IsContentRelated(o Object) bool {
	switch o.(type) {
	case *MsgsAck, *Ping, *PingDelayDisconnect, *MsgContainer, *Pong:
		return false
	default:
		return true
	}
}

// Encode serializes o's fields (not its CRC, the caller already wrote
// that) into w.
func Encode(w *Writer, o Object) {
	switch v := o.(type) {
	case *Ping:
		w.Long(v.PingID)
	case *Pong:
		w.Long(v.MsgID)
		w.Long(v.PingID)
	case *PingDelayDisconnect:
		w.Long(v.PingID)
		w.Int(v.DisconnectDelay)
	case *MsgsAck:
		w.VectorLong(v.MsgIDs)
	case *BadMsgNotification:
		w.Long(v.BadMsgID)
		w.Int(v.BadSeqNo)
		w.Int(v.ErrorCode)
	case *BadServerSalt:
		w.Long(v.BadMsgID)
		w.Int(v.BadSeqNo)
		w.Int(v.ErrorCode)
		w.Long(v.NewServerSalt)
	case *MsgDetailedInfo:
		w.Long(v.MsgID)
		w.Long(v.AnswerMsgID)
		w.Int(v.Bytes)
		w.Int(v.Status)
	case *MsgNewDetailedInfo:
		w.Long(v.AnswerMsgID)
		w.Int(v.Bytes)
		w.Int(v.Status)
	case *NewSessionCreated:
		w.Long(v.FirstMsgID)
		w.Long(v.UniqueID)
		w.Long(v.ServerSalt)
	case *FutureSalt:
		w.Int(v.ValidSince)
		w.Int(v.ValidUntil)
		w.Long(v.Salt)
	case *FutureSalts:
		w.Long(v.ReqMsgID)
		w.Int(v.Now)
		w.UInt(crcVector)
		w.Int(int32(len(v.Salts)))
		for i := range v.Salts {
			w.Object(&v.Salts[i])
		}
	case *GetFutureSalts:
		w.Int(v.Num)
	case *MsgContainer:
		w.Int(int32(len(v.Messages)))
		for _, m := range v.Messages {
			w.Long(m.MsgID)
			w.Int(m.SeqNo)
			body := NewWriter()
			body.Object(m.Body)
			w.Int(int32(len(body.Bytes())))
			w.RawBytes(body.Bytes())
		}
	case *RpcResult:
		w.Long(v.ReqMsgID)
		w.Object(v.Result)
	case *RpcError:
		w.Int(v.ErrorCode)
		w.String(v.ErrorMessage)
	case *InvokeWithLayer:
		w.Int(v.Layer)
		w.Object(v.Query)
	case *InitConnection:
		w.Int(v.APIID)
		w.String(v.DeviceModel)
		w.String(v.SystemVersion)
		w.String(v.AppVersion)
		w.String(v.SystemLangCode)
		w.String(v.LangPack)
		w.String(v.LangCode)
		w.Object(v.Query)
	case *HelpGetConfig:
		// no fields
	case *Config:
		w.RawBytes(v.RawFields)
	case *Unknown:
		w.RawBytes(v.Raw)
	default:
		panic(fmt.Sprintf("proto: Encode: unhandled type %T", o))
	}
}

// Decode reads the body fields for a given constructor CRC from r.
func Decode(crc uint32, r *Reader) (Object, error) {
	switch crc {
	case crcPing:
		return &Ping{PingID: r.Long()}, r.Err()
	case crcPong:
		return &Pong{MsgID: r.Long(), PingID: r.Long()}, r.Err()
	case crcPingDelayDisconnect:
		return &PingDelayDisconnect{PingID: r.Long(), DisconnectDelay: r.Int()}, r.Err()
	case crcMsgsAck:
		return &MsgsAck{MsgIDs: r.VectorLong()}, r.Err()
	case crcBadMsgNotification:
		return &BadMsgNotification{BadMsgID: r.Long(), BadSeqNo: r.Int(), ErrorCode: r.Int()}, r.Err()
	case crcBadServerSalt:
		return &BadServerSalt{
			BadMsgID:      r.Long(),
			BadSeqNo:      r.Int(),
			ErrorCode:     r.Int(),
			NewServerSalt: r.Long(),
		}, r.Err()
	case crcMsgDetailedInfo:
		return &MsgDetailedInfo{MsgID: r.Long(), AnswerMsgID: r.Long(), Bytes: r.Int(), Status: r.Int()}, r.Err()
	case crcMsgNewDetailedInfo:
		return &MsgNewDetailedInfo{AnswerMsgID: r.Long(), Bytes: r.Int(), Status: r.Int()}, r.Err()
	case crcNewSessionCreated:
		return &NewSessionCreated{FirstMsgID: r.Long(), UniqueID: r.Long(), ServerSalt: r.Long()}, r.Err()
	case crcFutureSalt:
		return &FutureSalt{ValidSince: r.Int(), ValidUntil: r.Int(), Salt: r.Long()}, r.Err()
	case crcFutureSalts:
		reqMsgID := r.Long()
		now := r.Int()
		if r.UInt() != crcVector {
			return nil, fmt.Errorf("proto: FutureSalts: expected vector")
		}
		n := r.Int()
		salts := make([]FutureSalt, 0, n)
		for i := int32(0); i < n && r.Err() == nil; i++ {
			if r.UInt() != crcFutureSalt {
				return nil, fmt.Errorf("proto: FutureSalts: expected future_salt")
			}
			salts = append(salts, FutureSalt{ValidSince: r.Int(), ValidUntil: r.Int(), Salt: r.Long()})
		}
		return &FutureSalts{ReqMsgID: reqMsgID, Now: now, Salts: salts}, r.Err()
	case crcGetFutureSalts:
		return &GetFutureSalts{Num: r.Int()}, r.Err()
	case crcMsgContainer:
		n := r.Int()
		msgs := make([]Message, 0, n)
		for i := int32(0); i < n && r.Err() == nil; i++ {
			msgID := r.Long()
			seqNo := r.Int()
			size := int(r.Int())
			raw := r.RawBytes(size)
			if r.Err() != nil {
				break
			}
			inner := NewReader(raw)
			body, err := inner.Object()
			if err != nil {
				return nil, err
			}
			msgs = append(msgs, Message{MsgID: msgID, SeqNo: seqNo, Body: body})
		}
		return &MsgContainer{Messages: msgs}, r.Err()
	case crcRpcResult:
		reqMsgID := r.Long()
		result, err := r.Object()
		if err != nil {
			return nil, err
		}
		return &RpcResult{ReqMsgID: reqMsgID, Result: result}, r.Err()
	case crcRpcError:
		return &RpcError{ErrorCode: r.Int(), ErrorMessage: r.String()}, r.Err()
	case crcInvokeWithLayer:
		layer := r.Int()
		query, err := r.Object()
		if err != nil {
			return nil, err
		}
		return &InvokeWithLayer{Layer: layer, Query: query}, r.Err()
	case crcInitConnection:
		ic := &InitConnection{
			APIID:          r.Int(),
			DeviceModel:    r.String(),
			SystemVersion:  r.String(),
			AppVersion:     r.String(),
			SystemLangCode: r.String(),
			LangPack:       r.String(),
			LangCode:       r.String(),
		}
		q, err := r.Object()
		if err != nil {
			return nil, err
		}
		ic.Query = q
		return ic, r.Err()
	case crcHelpGetConfig:
		return &HelpGetConfig{}, nil
	case crcConfig:
		return &Config{RawFields: r.Remaining()}, nil
	default:
		return &Unknown{ConstructorCRC: crc, Raw: r.Remaining()}, nil
	}
}

// EncodeObject is a convenience wrapper returning the fully CRC-tagged
// byte representation of o.
func EncodeObject(o Object) []byte {
	w := NewWriter()
	w.Object(o)
	return w.Bytes()
}

// DecodeObject parses a CRC-tagged object from b.
func DecodeObject(b []byte) (Object, error) {
	return NewReader(b).Object()
}
