package host

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"emberfall/engine/internal/netcode"
	"emberfall/engine/protocol"
)

func newTestHost(t *testing.T, cfg Config) *Host {
	t.Helper()
	if !cfg.Bind.IsValid() {
		cfg.Bind = netip.MustParseAddrPort("127.0.0.1:0")
	}
	h, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		h.Close()
	})
	return h
}

func newTestPeer(t *testing.T) *netcode.Socket {
	t.Helper()
	s, err := netcode.New(netcode.Config{Bind: netip.MustParseAddrPort("127.0.0.1:0")})
	if err != nil {
		t.Fatalf("netcode.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sendSys(t *testing.T, s *netcode.Socket, to netip.AddrPort, msg protocol.SysMessage) {
	t.Helper()
	if err := s.Send(to, protocol.EncodeSysMessage(msg), 2*time.Second); err != nil {
		t.Fatalf("Send %T: %v", msg, err)
	}
}

func recvSys(t *testing.T, s *netcode.Socket, timeout time.Duration) protocol.SysMessage {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		raw, ok := s.RecvTimeout(time.Until(deadline))
		if !ok {
			t.Fatalf("no reply within %v", timeout)
		}
		kind, r, err := protocol.DecodeEnvelope(raw.Payload)
		if err != nil {
			t.Fatalf("DecodeEnvelope: %v", err)
		}
		if kind != protocol.KindSystem {
			continue
		}
		msg, err := protocol.DecodeSysMessage(r)
		if err != nil {
			t.Fatalf("DecodeSysMessage: %v", err)
		}
		return msg
	}
}

func TestSocketInfoEcho(t *testing.T) {
	h := newTestHost(t, Config{})
	peer := newTestPeer(t)

	sendSys(t, peer, h.LocalAddr(), protocol.SocketInfoReq{})
	msg := recvSys(t, peer, time.Second)

	res, ok := msg.(protocol.SocketInfoRes)
	if !ok {
		t.Fatalf("reply = %T, want SocketInfoRes", msg)
	}
	if res.Addr != peer.LocalAddr() {
		t.Fatalf("echoed addr = %v, want %v", res.Addr, peer.LocalAddr())
	}
}

func TestServerListingPostListDelete(t *testing.T) {
	h := newTestHost(t, Config{})
	a := newTestPeer(t)
	b := newTestPeer(t)

	post := func(peer *netcode.Socket, id protocol.ServerID) {
		sendSys(t, peer, h.LocalAddr(), protocol.ServerInfoPost{Server: protocol.ServerInfo{
			ID:   id,
			Name: "test",
			Addr: peer.LocalAddr(),
		}})
	}
	list := func(peer *netcode.Socket) []protocol.ServerInfo {
		sendSys(t, peer, h.LocalAddr(), protocol.ServerInfoReq{})
		msg := recvSys(t, peer, time.Second)
		res, ok := msg.(protocol.ServerInfoResGlobal)
		if !ok {
			t.Fatalf("reply = %T, want ServerInfoResGlobal", msg)
		}
		return res.Servers
	}

	post(a, 23)
	post(b, 24)

	waitFor(t, time.Second, func() bool { return len(list(a)) == 2 })
	servers := list(a)
	if servers[0].ID != 23 || servers[1].ID != 24 {
		t.Fatalf("listing ids = %d, %d, want 23, 24", servers[0].ID, servers[1].ID)
	}

	sendSys(t, a, h.LocalAddr(), protocol.ServerInfoDelete{})
	waitFor(t, time.Second, func() bool {
		s := list(b)
		return len(s) == 1 && s[0].ID == 24
	})
}

func TestServerListingSpoofedPostDropped(t *testing.T) {
	h := newTestHost(t, Config{})
	peer := newTestPeer(t)

	sendSys(t, peer, h.LocalAddr(), protocol.ServerInfoPost{Server: protocol.ServerInfo{
		ID:   99,
		Addr: netip.MustParseAddrPort("192.0.2.1:9999"),
	}})
	sendSys(t, peer, h.LocalAddr(), protocol.ServerInfoReq{})
	msg := recvSys(t, peer, time.Second)
	res, ok := msg.(protocol.ServerInfoResGlobal)
	if !ok {
		t.Fatalf("reply = %T, want ServerInfoResGlobal", msg)
	}
	if len(res.Servers) != 0 {
		t.Fatalf("spoofed post made it into the registry: %v", res.Servers)
	}
}

func TestServerListingEviction(t *testing.T) {
	h := newTestHost(t, Config{ServerRetention: 50 * time.Millisecond})
	peer := newTestPeer(t)

	sendSys(t, peer, h.LocalAddr(), protocol.ServerInfoPost{Server: protocol.ServerInfo{
		ID:   23,
		Addr: peer.LocalAddr(),
	}})
	time.Sleep(150 * time.Millisecond)

	sendSys(t, peer, h.LocalAddr(), protocol.ServerInfoReq{})
	msg := recvSys(t, peer, time.Second)
	res := msg.(protocol.ServerInfoResGlobal)
	if len(res.Servers) != 0 {
		t.Fatalf("stale listing survived eviction: %v", res.Servers)
	}
}

func TestNatPunchRelay(t *testing.T) {
	h := newTestHost(t, Config{})
	a := newTestPeer(t)
	b := newTestPeer(t)

	sendSys(t, a, h.LocalAddr(), protocol.NatPunchRelay{To: b.LocalAddr()})
	msg := recvSys(t, b, time.Second)

	start, ok := msg.(protocol.NatPunchStart)
	if !ok {
		t.Fatalf("reply = %T, want NatPunchStart", msg)
	}
	if start.To != a.LocalAddr() {
		t.Fatalf("punch target = %v, want %v", start.To, a.LocalAddr())
	}
}

func TestRateLimiting(t *testing.T) {
	h := newTestHost(t, Config{RateLimit: rate.Limit(1), RateBurst: 2})
	peer := newTestPeer(t)

	for i := 0; i < 10; i++ {
		sendSys(t, peer, h.LocalAddr(), protocol.SocketInfoReq{})
	}

	replies := 0
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		raw, ok := peer.RecvTimeout(time.Until(deadline))
		if !ok {
			break
		}
		kind, r, err := protocol.DecodeEnvelope(raw.Payload)
		if err != nil || kind != protocol.KindSystem {
			continue
		}
		if _, err := protocol.DecodeSysMessage(r); err == nil {
			replies++
		}
	}
	if replies > 2 {
		t.Fatalf("got %d replies past a burst of 2", replies)
	}
	if replies == 0 {
		t.Fatal("limiter dropped everything, burst never served")
	}
}

// waitFor retries cond until it holds or the deadline passes; storage at
// the host is only eventually consistent with acked sends.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition never held")
	}
}
