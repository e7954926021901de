package netcode

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"net"
	"net/netip"
	"testing"
	"time"

	"emberfall/engine/internal/telemetry"
)

func newTestSocket(t *testing.T, metrics telemetry.Metrics) *Socket {
	t.Helper()
	s, err := New(Config{
		Bind:    netip.MustParseAddrPort("127.0.0.1:0"),
		Metrics: metrics,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSingleFrameMessages(t *testing.T) {
	a := newTestSocket(t, nil)
	b := newTestSocket(t, nil)

	const count = 64
	sent := make(map[string]bool, count)
	for i := 0; i < count; i++ {
		payload := []byte(fmt.Sprintf("message-%03d", i))
		sent[string(payload)] = true
		if err := a.Send(b.LocalAddr(), payload, 5*time.Second); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}

	received := 0
	deadline := time.Now().Add(5 * time.Second)
	for received < count && time.Now().Before(deadline) {
		msg, ok := b.RecvTimeout(time.Until(deadline))
		if !ok {
			break
		}
		if !sent[string(msg.Payload)] {
			t.Fatalf("unexpected payload %q", msg.Payload)
		}
		delete(sent, string(msg.Payload))
		received++
	}
	if received != count {
		t.Fatalf("received %d of %d messages", received, count)
	}
}

func TestMultiFrameMessage(t *testing.T) {
	a := newTestSocket(t, nil)
	b := newTestSocket(t, nil)

	payload := make([]byte, 21964)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	if err := a.Send(b.LocalAddr(), payload, 10*time.Second); err != nil {
		t.Fatalf("Send: %v", err)
	}

	msg, ok := b.RecvTimeout(10 * time.Second)
	if !ok {
		t.Fatal("multiframe message never arrived")
	}
	if !bytes.Equal(msg.Payload, payload) {
		t.Fatalf("payload corrupted: %d bytes vs %d", len(msg.Payload), len(payload))
	}
}

func TestLargeTransferDoesNotStarveSmallMessages(t *testing.T) {
	a := newTestSocket(t, nil)
	b := newTestSocket(t, nil)

	big := make([]byte, 51964)
	for i := range big {
		big[i] = byte(i)
	}
	if err := a.Send(b.LocalAddr(), big, 10*time.Second); err != nil {
		t.Fatalf("Send big: %v", err)
	}
	if err := a.Send(b.LocalAddr(), []byte("small-1"), 5*time.Second); err != nil {
		t.Fatalf("Send small-1: %v", err)
	}
	if err := a.Send(b.LocalAddr(), []byte("small-2"), 5*time.Second); err != nil {
		t.Fatalf("Send small-2: %v", err)
	}

	var order []int
	for len(order) < 3 {
		msg, ok := b.RecvTimeout(10 * time.Second)
		if !ok {
			t.Fatalf("only %d of 3 messages arrived", len(order))
		}
		order = append(order, len(msg.Payload))
	}
	if order[0] != len("small-1") || order[1] != len("small-2") {
		t.Fatalf("small messages should arrive before the bulk transfer, got sizes %v", order)
	}
	if order[2] != len(big) {
		t.Fatalf("bulk transfer size %d, want %d", order[2], len(big))
	}
}

func TestBulkTransferIntegrity(t *testing.T) {
	a := newTestSocket(t, nil)
	b := newTestSocket(t, nil)

	payload := make([]byte, 2<<20)
	for i := range payload {
		payload[i] = byte(i * 31)
	}
	want := sha256.Sum256(payload)

	if err := a.Send(b.LocalAddr(), payload, 60*time.Second); err != nil {
		t.Fatalf("Send: %v", err)
	}
	msg, ok := b.RecvTimeout(60 * time.Second)
	if !ok {
		t.Fatal("bulk transfer never completed")
	}
	if got := sha256.Sum256(msg.Payload); got != want {
		t.Fatal("bulk transfer content corrupted")
	}
}

func TestGarbageDatagramIsCountedAndDropped(t *testing.T) {
	counters := telemetry.NewCounters()
	s := newTestSocket(t, counters)

	raw, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(s.LocalAddr()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer raw.Close()

	garbage := make([]byte, 423)
	for i := range garbage {
		garbage[i] = byte(i*13 + 7)
	}
	if _, err := raw.Write(garbage); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, ok := s.RecvTimeout(200 * time.Millisecond); ok {
		t.Fatal("garbage datagram should not be delivered")
	}
	if counters.Value("netcode.violations") == 0 {
		t.Fatal("violation counter should have been bumped")
	}
}

func TestUnackedMessageIsResentThenAbandoned(t *testing.T) {
	counters := telemetry.NewCounters()
	s := newTestSocket(t, counters)

	// A mute receiver: reads frames, never acks.
	raw, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer raw.Close()
	rawAddr := raw.LocalAddr().(*net.UDPAddr).AddrPort()

	if err := s.Send(rawAddr, []byte("are-you-there"), 2*time.Second); err != nil {
		t.Fatalf("Send: %v", err)
	}

	copies := 0
	stop := time.Now().Add(2500 * time.Millisecond)
	buf := make([]byte, MaxUDPPayload)
	for time.Now().Before(stop) {
		raw.SetReadDeadline(stop)
		n, _, err := raw.ReadFromUDPAddrPort(buf)
		if err != nil {
			break
		}
		f, err := decodeFrame(buf[:n])
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if _, ok := f.body.(singleFrame); ok {
			copies++
		}
	}

	// send at t=0, resends near t=500ms and t=1.5s, then the 2s ttl expires
	if copies != 3 {
		t.Fatalf("expected 3 transmissions within the ttl, saw %d", copies)
	}
	waitForCounter(t, counters, "netcode.expired", 1)
}

func TestDuplicateDeliveryIsSuppressed(t *testing.T) {
	counters := telemetry.NewCounters()
	s := newTestSocket(t, counters)

	raw, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer raw.Close()

	encoded := encodeFrame(frame{id: 424242, body: singleFrame{data: []byte("once-only")}})
	target := net.UDPAddrFromAddrPort(s.LocalAddr())
	for i := 0; i < 2; i++ {
		if _, err := raw.WriteTo(encoded, target); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	if _, ok := s.RecvTimeout(2 * time.Second); !ok {
		t.Fatal("first copy should be delivered")
	}
	if _, ok := s.RecvTimeout(300 * time.Millisecond); ok {
		t.Fatal("retransmission must not be redelivered")
	}

	// both copies are acked so the sender can stop retransmitting
	acks := 0
	buf := make([]byte, MaxUDPPayload)
	raw.SetReadDeadline(time.Now().Add(time.Second))
	for acks < 2 {
		n, _, err := raw.ReadFrom(buf)
		if err != nil {
			break
		}
		f, err := decodeFrame(buf[:n])
		if err != nil {
			continue
		}
		if _, ok := f.body.(singleAckFrame); ok && f.id == 424242 {
			acks++
		}
	}
	if acks != 2 {
		t.Fatalf("expected 2 acks, saw %d", acks)
	}
	waitForCounter(t, counters, "netcode.duplicates", 1)
}

func TestLatencyConvergesOnQuietLink(t *testing.T) {
	a := newTestSocket(t, nil)
	b := newTestSocket(t, nil)

	for i := 0; i < 256; i++ {
		if err := a.Send(b.LocalAddr(), []byte{byte(i)}, 2*time.Second); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
		if _, ok := b.RecvTimeout(2 * time.Second); !ok {
			t.Fatalf("message %d never arrived", i)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if a.Latency(b.LocalAddr()) < 10*time.Millisecond {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("latency estimate stuck at %v", a.Latency(b.LocalAddr()))
}

func TestRebindAfterClose(t *testing.T) {
	s, err := New(Config{Bind: netip.MustParseAddrPort("127.0.0.1:0")})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	addr := s.LocalAddr()
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	again, err := New(Config{Bind: addr})
	if err != nil {
		t.Fatalf("rebind %v: %v", addr, err)
	}
	defer again.Close()
	if again.LocalAddr() != addr {
		t.Fatalf("rebound to %v, want %v", again.LocalAddr(), addr)
	}
}

func TestValidBeginBounds(t *testing.T) {
	cases := []struct {
		total uint32
		size  uint64
		want  bool
	}{
		{2, FragmentSize + 1, true},
		{2, 2 * FragmentSize, true},
		{2, FragmentSize, false},         // fits one fragment
		{2, 2*FragmentSize + 1, false},   // overflows two fragments
		{1, 100, false},                  // single fragment is not multiframe
		{0, 0, false},
		{300000, MaxMessageSize + 1, false},
	}
	for _, c := range cases {
		if got := validBegin(c.total, c.size); got != c.want {
			t.Fatalf("validBegin(%d, %d) = %v, want %v", c.total, c.size, got, c.want)
		}
	}
}

func TestAssemblyMissingAndJoin(t *testing.T) {
	a := &assembly{total: 4, size: 3*FragmentSize + 10, frags: map[uint32][]byte{
		0: bytes.Repeat([]byte{1}, FragmentSize),
		2: bytes.Repeat([]byte{3}, FragmentSize),
	}}
	missing := a.missing()
	if len(missing) != 2 || missing[0] != 1 || missing[1] != 3 {
		t.Fatalf("missing = %v, want [1 3]", missing)
	}

	a.frags[1] = bytes.Repeat([]byte{2}, FragmentSize)
	a.frags[3] = bytes.Repeat([]byte{4}, 10)
	payload, ok := a.assemble()
	if !ok {
		t.Fatal("assemble should succeed once all fragments are present")
	}
	if len(payload) != int(a.size) {
		t.Fatalf("assembled %d bytes, want %d", len(payload), a.size)
	}

	a.frags[3] = bytes.Repeat([]byte{4}, 11) // size disagreement
	if _, ok := a.assemble(); ok {
		t.Fatal("assemble should reject a size mismatch")
	}
}

func TestResendDelayClamps(t *testing.T) {
	if got := resendDelay(1, time.Millisecond); got != minAckTimeout {
		t.Fatalf("short delay should clamp up to %v, got %v", minAckTimeout, got)
	}
	if got := resendDelay(10, 500*time.Millisecond); got != maxAckTimeout {
		t.Fatalf("long delay should clamp down to %v, got %v", maxAckTimeout, got)
	}
	if got := resendDelay(1, defaultLatency); got != 500*time.Millisecond {
		t.Fatalf("first resend with default latency should be 500ms, got %v", got)
	}
}

func waitForCounter(t *testing.T, counters *telemetry.Counters, key string, want uint64) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if counters.Value(key) >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("counter %s never reached %d (at %d)", key, want, counters.Value(key))
}
