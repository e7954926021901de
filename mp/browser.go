package mp

import (
	"net/netip"
	"time"

	"emberfall/engine/internal/netcode"
	"emberfall/engine/internal/telemetry"
	"emberfall/engine/logging"
	"emberfall/engine/protocol"
)

// BrowserConfig configures a server browser.
type BrowserConfig struct {
	// Bind is the UDP address to listen on; usually port 0.
	Bind netip.AddrPort
	// Host is the rendezvous host for global listings; optional.
	Host netip.AddrPort
	// LocalPort is the port LAN servers listen on, the target of the
	// ServerInfoReq broadcast.
	LocalPort uint16

	Logger    telemetry.Logger
	Metrics   telemetry.Metrics
	Publisher logging.Publisher
}

// Browser discovers sessions to join: the rendezvous host's global registry
// and LAN servers answering a broadcast. It binds its own socket; the facade
// keeps it mutually exclusive with a live endpoint.
type Browser struct {
	sock *netcode.Socket
	host netip.AddrPort
	port uint16

	global []protocol.ServerInfo
	local  []protocol.ServerInfo

	globalAddr netip.AddrPort
	localAddr  netip.AddrPort

	logger  telemetry.Logger
	metrics telemetry.Metrics
}

// NewBrowser binds the socket and, when a rendezvous host is configured,
// asks it for this machine's public address.
func NewBrowser(cfg BrowserConfig) (*Browser, error) {
	sock, err := netcode.New(netcode.Config{
		Bind:      cfg.Bind,
		Logger:    cfg.Logger,
		Metrics:   cfg.Metrics,
		Publisher: cfg.Publisher,
	})
	if err != nil {
		return nil, err
	}
	b := &Browser{
		sock:    sock,
		host:    cfg.Host,
		port:    cfg.LocalPort,
		logger:  orNopLogger(cfg.Logger),
		metrics: orNopMetrics(cfg.Metrics),
	}
	if err := sock.EnableBroadcast(); err != nil {
		b.logger.Printf("mp: browser broadcast unavailable: %v", err)
	}
	if b.host.IsValid() && !sock.LocalAddr().Addr().IsLoopback() {
		b.sendSys(b.host, protocol.SocketInfoReq{}, ttlBrowserInfo)
	}
	return b, nil
}

const (
	ttlBrowserInfo = 10 * time.Second
	ttlBrowserList = 15 * time.Second
)

// LocalAddr returns the bound socket address.
func (b *Browser) LocalAddr() netip.AddrPort { return b.sock.LocalAddr() }

// Close releases the socket.
func (b *Browser) Close() error { return b.sock.Close() }

// RequestGlobalServers asks the rendezvous host for its registry. Results
// accumulate and are read with GlobalServers.
func (b *Browser) RequestGlobalServers() {
	if !b.host.IsValid() {
		return
	}
	b.global = nil
	b.sendSys(b.host, protocol.ServerInfoReq{}, ttlBrowserList)
}

// RequestLocalServers probes the LAN with a ServerInfoReq broadcast. On a
// loopback bind the request goes straight to 127.0.0.1 instead, so
// single-machine sessions remain discoverable.
func (b *Browser) RequestLocalServers() {
	b.local = nil
	payload := protocol.EncodeSysMessage(protocol.ServerInfoReq{})
	if b.sock.LocalAddr().Addr().IsLoopback() {
		target := netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), b.port)
		if err := b.sock.Send(target, payload, ttlBrowserInfo); err != nil {
			b.logger.Printf("mp: browser probe %v: %v", target, err)
		}
		return
	}
	if err := b.sock.SendBroadcast(payload); err != nil {
		b.logger.Printf("mp: browser broadcast: %v", err)
	}
}

// GlobalServers drains replies and returns the globally registered servers
// gathered since the last request.
func (b *Browser) GlobalServers() []protocol.ServerInfo {
	b.pump()
	return b.global
}

// LocalServers drains replies and returns the LAN servers gathered since the
// last request.
func (b *Browser) LocalServers() []protocol.ServerInfo {
	b.pump()
	return b.local
}

// OwnGlobalAddr returns this machine's address as the rendezvous host saw
// it, if known yet.
func (b *Browser) OwnGlobalAddr() (netip.AddrPort, bool) {
	b.pump()
	return b.globalAddr, b.globalAddr.IsValid()
}

// OwnLocalAddr returns this machine's address as a LAN server saw it, if
// known yet.
func (b *Browser) OwnLocalAddr() (netip.AddrPort, bool) {
	b.pump()
	return b.localAddr, b.localAddr.IsValid()
}

func (b *Browser) pump() {
	for _, m := range b.sock.DrainRecv() {
		kind, r, err := protocol.DecodeEnvelope(m.Payload)
		if err != nil || kind != protocol.KindSystem {
			b.metrics.Add("mp.protocol_violations", 1)
			continue
		}
		msg, err := protocol.DecodeSysMessage(r)
		if err != nil {
			b.metrics.Add("mp.protocol_violations", 1)
			continue
		}
		switch v := msg.(type) {
		case protocol.ServerInfoResGlobal:
			if m.From != b.host {
				b.metrics.Add("mp.msgs_unexpected", 1)
				continue
			}
			b.global = append(b.global, v.Servers...)
		case protocol.ServerInfoResLocal:
			b.local = append(b.local, v.Server)
			// learn how this machine looks from the LAN side
			b.sendSys(m.From, protocol.SocketInfoReq{}, ttlBrowserInfo)
		case protocol.SocketInfoRes:
			if m.From == b.host {
				b.globalAddr = v.Addr
			} else {
				b.localAddr = v.Addr
			}
		default:
			b.metrics.Add("mp.msgs_unexpected", 1)
		}
	}
}

func (b *Browser) sendSys(to netip.AddrPort, msg protocol.SysMessage, ttl time.Duration) {
	if err := b.sock.Send(to, protocol.EncodeSysMessage(msg), ttl); err != nil {
		b.logger.Printf("mp: browser send %T to %v: %v", msg, to, err)
	}
}
