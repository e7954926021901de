package protocol

import (
	"fmt"
	"net/netip"

	"emberfall/engine/internal/wire"
)

// Kind is the envelope tag at the front of every payload.
type Kind uint8

const (
	// KindSystem marks a SysMessage, understood by every endpoint and the
	// rendezvous host.
	KindSystem Kind = 0
	// KindGame marks a game-session message, decoded by package mp.
	KindGame Kind = 1
)

// SysMessage is a rendezvous or discovery message. The set of variants is
// closed; tags are assigned in declaration order below and are part of the
// wire contract.
type SysMessage interface {
	sysTag() uint64
}

// SocketInfoReq asks the receiver to report the sender's address as seen
// from the outside. Both the rendezvous host and game servers answer it.
type SocketInfoReq struct{}

// SocketInfoRes reports the address the paired SocketInfoReq arrived from.
type SocketInfoRes struct {
	Addr netip.AddrPort
}

// ServerInfoReq asks for known servers. The host answers with the global
// registry; a game server answers with its own ServerInfoResLocal.
type ServerInfoReq struct{}

// ServerInfoResGlobal carries the host's current server registry.
type ServerInfoResGlobal struct {
	Servers []ServerInfo
}

// ServerInfoResLocal is a single server's reply to a LAN broadcast.
type ServerInfoResLocal struct {
	Server ServerInfo
}

// ServerInfoPost registers or refreshes a server in the host registry. The
// host only accepts it when the advertised address matches the sender.
type ServerInfoPost struct {
	Server ServerInfo
}

// ServerInfoDelete removes the sender's entry from the host registry.
type ServerInfoDelete struct{}

// NatPunchRelay asks the host to tell the server at To to punch back toward
// the sender.
type NatPunchRelay struct {
	To netip.AddrPort
}

// NatPunchStart is the host's relay of a NatPunchRelay: To is the client the
// receiving server should ping.
type NatPunchStart struct {
	To netip.AddrPort
}

// NatPunchPing opens the sender's NAT mapping toward the receiver. A client
// waits for the server's ping before sending its join request.
type NatPunchPing struct{}

const (
	tagSocketInfoReq = iota
	tagSocketInfoRes
	tagServerInfoReq
	tagServerInfoResGlobal
	tagServerInfoResLocal
	tagServerInfoPost
	tagServerInfoDelete
	tagNatPunchRelay
	tagNatPunchStart
	tagNatPunchPing
)

func (SocketInfoReq) sysTag() uint64       { return tagSocketInfoReq }
func (SocketInfoRes) sysTag() uint64       { return tagSocketInfoRes }
func (ServerInfoReq) sysTag() uint64       { return tagServerInfoReq }
func (ServerInfoResGlobal) sysTag() uint64 { return tagServerInfoResGlobal }
func (ServerInfoResLocal) sysTag() uint64  { return tagServerInfoResLocal }
func (ServerInfoPost) sysTag() uint64      { return tagServerInfoPost }
func (ServerInfoDelete) sysTag() uint64    { return tagServerInfoDelete }
func (NatPunchRelay) sysTag() uint64       { return tagNatPunchRelay }
func (NatPunchStart) sysTag() uint64       { return tagNatPunchStart }
func (NatPunchPing) sysTag() uint64        { return tagNatPunchPing }

// EncodeSysMessage returns the full payload for m: the system envelope tag,
// the variant tag, and the variant body.
func EncodeSysMessage(m SysMessage) []byte {
	w := wire.NewWriter()
	w.Uint(uint64(KindSystem))
	w.Uint(m.sysTag())
	switch v := m.(type) {
	case SocketInfoReq, ServerInfoReq, ServerInfoDelete, NatPunchPing:
	case SocketInfoRes:
		w.AddrPort(v.Addr)
	case ServerInfoResGlobal:
		w.Uint(uint64(len(v.Servers)))
		for _, s := range v.Servers {
			s.Encode(w)
		}
	case ServerInfoResLocal:
		v.Server.Encode(w)
	case ServerInfoPost:
		v.Server.Encode(w)
	case NatPunchRelay:
		w.AddrPort(v.To)
	case NatPunchStart:
		w.AddrPort(v.To)
	default:
		panic(fmt.Sprintf("protocol: unknown sys message %T", m))
	}
	return w.Bytes()
}

// DecodeEnvelope reads the envelope tag of a payload and returns a reader
// positioned at the message body.
func DecodeEnvelope(payload []byte) (Kind, *wire.Reader, error) {
	r := wire.NewReader(payload)
	kind, err := r.Uint()
	if err != nil {
		return 0, nil, fmt.Errorf("protocol: envelope tag: %w", err)
	}
	switch Kind(kind) {
	case KindSystem, KindGame:
		return Kind(kind), r, nil
	default:
		return 0, nil, fmt.Errorf("protocol: unknown envelope kind %d", kind)
	}
}

// DecodeSysMessage reads a system message body and requires the reader to be
// fully consumed.
func DecodeSysMessage(r *wire.Reader) (SysMessage, error) {
	tag, err := r.Uint()
	if err != nil {
		return nil, fmt.Errorf("protocol: sys tag: %w", err)
	}
	var msg SysMessage
	switch tag {
	case tagSocketInfoReq:
		msg = SocketInfoReq{}
	case tagSocketInfoRes:
		addr, err := r.AddrPort()
		if err != nil {
			return nil, err
		}
		msg = SocketInfoRes{Addr: addr}
	case tagServerInfoReq:
		msg = ServerInfoReq{}
	case tagServerInfoResGlobal:
		n, err := r.Uint()
		if err != nil {
			return nil, err
		}
		servers := make([]ServerInfo, 0, min(n, 256))
		for i := uint64(0); i < n; i++ {
			s, err := DecodeServerInfo(r)
			if err != nil {
				return nil, err
			}
			servers = append(servers, s)
		}
		msg = ServerInfoResGlobal{Servers: servers}
	case tagServerInfoResLocal:
		s, err := DecodeServerInfo(r)
		if err != nil {
			return nil, err
		}
		msg = ServerInfoResLocal{Server: s}
	case tagServerInfoPost:
		s, err := DecodeServerInfo(r)
		if err != nil {
			return nil, err
		}
		msg = ServerInfoPost{Server: s}
	case tagServerInfoDelete:
		msg = ServerInfoDelete{}
	case tagNatPunchRelay:
		to, err := r.AddrPort()
		if err != nil {
			return nil, err
		}
		msg = NatPunchRelay{To: to}
	case tagNatPunchStart:
		to, err := r.AddrPort()
		if err != nil {
			return nil, err
		}
		msg = NatPunchStart{To: to}
	case tagNatPunchPing:
		msg = NatPunchPing{}
	default:
		return nil, fmt.Errorf("protocol: unknown sys message tag %d", tag)
	}
	if err := r.Finish(); err != nil {
		return nil, err
	}
	return msg, nil
}
