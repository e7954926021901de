// Package netcode provides a message-oriented UDP socket with acknowledged
// delivery, fragmentation for payloads beyond a single datagram, duplicate
// suppression, and passive latency estimation. Delivery is "reliable enough":
// a message is retransmitted until acked or until its ttl runs out, and a
// ttl overrun is swallowed after being counted.
package netcode

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/netip"
	"sync"
	"syscall"
	"time"

	"emberfall/engine/internal/telemetry"
	"emberfall/engine/logging"
	lognet "emberfall/engine/logging/network"
)

// channelCapacity bounds the in/out message queues. Senders block when the
// queue fills, which is the backpressure contract inherited by every
// endpoint.
const channelCapacity = 512

// fragmentBurst caps how many fragments one scheduler pass pushes onto the
// wire, so a bulk transfer cannot monopolize the socket.
const fragmentBurst = 256

const gcInterval = time.Second

// Config carries the socket dependencies. Logger, Metrics, and Publisher may
// be nil.
type Config struct {
	Bind      netip.AddrPort
	Logger    telemetry.Logger
	Metrics   telemetry.Metrics
	Publisher logging.Publisher
}

// Message is one delivered payload and the address it came from. The payload
// is owned by the receiver and remains valid indefinitely.
type Message struct {
	From    netip.AddrPort
	Payload []byte
}

type outRequest struct {
	to        netip.AddrPort
	payload   []byte
	ttl       time.Duration
	broadcast bool
}

type datagram struct {
	from netip.AddrPort
	data []byte
}

// Socket is a bound UDP endpoint. One goroutine reads datagrams, a second
// owns all reliability state; the two public queues decouple callers from
// both.
type Socket struct {
	conn  *net.UDPConn
	local netip.AddrPort

	logger    telemetry.Logger
	metrics   telemetry.Metrics
	publisher logging.Publisher

	outCh chan outRequest
	inCh  chan Message
	rawCh chan datagram
	done  chan struct{}

	latMu     sync.Mutex
	latencies map[netip.Addr]time.Duration

	// processor-owned state, never touched outside processLoop
	singles    map[uint64]*pendingSingle
	multis     map[uint64]*pendingMulti
	multiOrder []uint64
	assemblies map[peerMessage]*assembly
	delivered  map[peerMessage]time.Time
	lastGC     time.Time

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New binds cfg.Bind and starts the socket goroutines.
func New(cfg Config) (*Socket, error) {
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(cfg.Bind))
	if err != nil {
		return nil, fmt.Errorf("netcode: bind %v: %w", cfg.Bind, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = logging.NopPublisher()
	}

	s := &Socket{
		conn:       conn,
		local:      conn.LocalAddr().(*net.UDPAddr).AddrPort(),
		logger:     logger,
		metrics:    metrics,
		publisher:  publisher,
		outCh:      make(chan outRequest, channelCapacity),
		inCh:       make(chan Message, channelCapacity),
		rawCh:      make(chan datagram, channelCapacity),
		done:       make(chan struct{}),
		latencies:  make(map[netip.Addr]time.Duration),
		singles:    make(map[uint64]*pendingSingle),
		multis:     make(map[uint64]*pendingMulti),
		assemblies: make(map[peerMessage]*assembly),
		delivered:  make(map[peerMessage]time.Time),
		lastGC:     time.Now(),
	}
	s.wg.Add(2)
	go s.readLoop()
	go s.processLoop()
	return s, nil
}

// LocalAddr returns the bound address.
func (s *Socket) LocalAddr() netip.AddrPort { return s.local }

// Send queues payload for acknowledged delivery to the given address. The
// message is retransmitted until acked; after ttl it is abandoned and only a
// counter records the loss. Send blocks when the outgoing queue is full.
func (s *Socket) Send(to netip.AddrPort, payload []byte, ttl time.Duration) error {
	if len(payload) > MaxMessageSize {
		return fmt.Errorf("netcode: payload %d exceeds %d byte limit", len(payload), MaxMessageSize)
	}
	select {
	case s.outCh <- outRequest{to: to, payload: payload, ttl: ttl}:
		return nil
	case <-s.done:
		return errors.New("netcode: socket closed")
	}
}

// SendBroadcast fires payload at the IPv4 broadcast address on the socket's
// own port, untracked and unacknowledged. EnableBroadcast must have been
// called. Only single-frame payloads can be broadcast.
func (s *Socket) SendBroadcast(payload []byte) error {
	if len(payload) >= FragmentSize {
		return fmt.Errorf("netcode: broadcast payload %d exceeds single frame", len(payload))
	}
	select {
	case s.outCh <- outRequest{payload: payload, broadcast: true}:
		return nil
	case <-s.done:
		return errors.New("netcode: socket closed")
	}
}

// EnableBroadcast sets SO_BROADCAST on the underlying socket.
func (s *Socket) EnableBroadcast() error {
	raw, err := s.conn.SyscallConn()
	if err != nil {
		return err
	}
	var serr error
	if err := raw.Control(func(fd uintptr) {
		serr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1)
	}); err != nil {
		return err
	}
	return serr
}

// Recv exposes the delivery queue for select integration.
func (s *Socket) Recv() <-chan Message { return s.inCh }

// TryRecv returns the next delivered message without blocking.
func (s *Socket) TryRecv() (Message, bool) {
	select {
	case msg := <-s.inCh:
		return msg, true
	default:
		return Message{}, false
	}
}

// RecvTimeout waits up to d for a delivery.
func (s *Socket) RecvTimeout(d time.Duration) (Message, bool) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case msg := <-s.inCh:
		return msg, true
	case <-timer.C:
		return Message{}, false
	}
}

// DrainRecv returns every message currently queued.
func (s *Socket) DrainRecv() []Message {
	var out []Message
	for {
		msg, ok := s.TryRecv()
		if !ok {
			return out
		}
		out = append(out, msg)
	}
}

// Latency returns the smoothed one-way latency estimate for the peer's IP,
// or the 100ms default when no acks have been observed yet.
func (s *Socket) Latency(peer netip.AddrPort) time.Duration {
	s.latMu.Lock()
	defer s.latMu.Unlock()
	if lat, ok := s.latencies[peer.Addr()]; ok {
		return lat
	}
	return defaultLatency
}

// Close grants in-flight sends a short grace period, then stops both
// goroutines and releases the port.
func (s *Socket) Close() error {
	s.closeOnce.Do(func() {
		time.Sleep(2 * time.Millisecond)
		close(s.done)
		s.conn.Close()
		s.wg.Wait()
	})
	return nil
}

func (s *Socket) readLoop() {
	defer s.wg.Done()
	for {
		buf := make([]byte, MaxUDPPayload+64)
		n, from, err := s.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-s.done:
				return
			default:
			}
			s.metrics.Add("netcode.read_errors", 1)
			continue
		}
		s.metrics.Add("netcode.datagrams_in", 1)
		select {
		case s.rawCh <- datagram{from: from, data: buf[:n]}:
		case <-s.done:
			return
		}
	}
}

func (s *Socket) processLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case req := <-s.outCh:
			s.startSend(req, time.Now())
		case d := <-s.rawCh:
			s.handleDatagram(d, time.Now())
		case now := <-ticker.C:
			s.expireAndResend(now)
			s.pumpFragments(now)
			s.maybeGC(now)
		}
	}
}

func (s *Socket) startSend(req outRequest, now time.Time) {
	if req.broadcast {
		bcast := netip.AddrPortFrom(netip.AddrFrom4([4]byte{255, 255, 255, 255}), s.local.Port())
		s.writeFrame(bcast, frame{id: rand.Uint64(), body: singleFrame{data: req.payload}})
		return
	}

	id := rand.Uint64()
	if len(req.payload) < FragmentSize {
		p := &pendingSingle{
			to:       req.to,
			id:       id,
			data:     req.payload,
			deadline: now.Add(req.ttl),
			attempts: 1,
			lastSend: now,
		}
		p.nextSend = now.Add(resendDelay(1, s.Latency(req.to)))
		s.singles[id] = p
		s.writeFrame(req.to, frame{id: id, body: singleFrame{data: p.data}})
		return
	}

	total := uint32((len(req.payload) + FragmentSize - 1) / FragmentSize)
	p := &pendingMulti{
		to:       req.to,
		id:       id,
		data:     req.payload,
		total:    total,
		deadline: now.Add(req.ttl),
		attempts: 1,
		lastSend: now,
	}
	s.multis[id] = p
	s.multiOrder = append(s.multiOrder, id)
	s.writeFrame(req.to, frame{id: id, body: multiBeginFrame{totalFragments: total, totalSize: uint64(len(req.payload))}})
}

func (s *Socket) handleDatagram(d datagram, now time.Time) {
	f, err := decodeFrame(d.data)
	if err != nil {
		s.metrics.Add("netcode.violations", 1)
		return
	}
	key := peerMessage{from: d.from, id: f.id}

	switch body := f.body.(type) {
	case singleFrame:
		if _, seen := s.delivered[key]; seen {
			s.suppressDuplicate(d.from, f.id)
			s.writeFrame(d.from, frame{id: f.id, body: singleAckFrame{}})
			return
		}
		s.delivered[key] = now
		s.writeFrame(d.from, frame{id: f.id, body: singleAckFrame{}})
		s.deliver(Message{From: d.from, Payload: body.data})

	case singleAckFrame:
		p, ok := s.singles[f.id]
		if !ok || p.to != d.from {
			return
		}
		s.sampleLatency(d.from, now.Sub(p.lastSend)/2)
		delete(s.singles, f.id)

	case multiBeginFrame:
		if _, seen := s.delivered[key]; seen {
			s.writeFrame(d.from, frame{id: f.id, body: multiAckFrame{}})
			return
		}
		if !validBegin(body.totalFragments, body.totalSize) {
			s.metrics.Add("netcode.violations", 1)
			return
		}
		a := s.assemblies[key]
		if a == nil {
			a = &assembly{frags: make(map[uint32][]byte)}
			s.assemblies[key] = a
		}
		a.total = body.totalFragments
		a.size = body.totalSize
		a.lastTouch = now

	case multiFragmentFrame:
		if _, seen := s.delivered[key]; seen {
			return
		}
		a := s.assemblies[key]
		if a == nil {
			// Fragments may beat the begin marker; hold them until it lands.
			a = &assembly{frags: make(map[uint32][]byte)}
			s.assemblies[key] = a
		}
		if a.total != 0 && body.index >= a.total {
			s.metrics.Add("netcode.violations", 1)
			return
		}
		if _, dup := a.frags[body.index]; !dup {
			a.frags[body.index] = body.data
		}
		a.lastTouch = now

	case multiEndFrame:
		if _, seen := s.delivered[key]; seen {
			s.writeFrame(d.from, frame{id: f.id, body: multiAckFrame{}})
			return
		}
		a := s.assemblies[key]
		if a == nil || a.total == 0 {
			// Never saw the begin marker; an empty missing list asks the
			// sender to repeat it.
			s.writeFrame(d.from, frame{id: f.id, body: multiAckFailFrame{}})
			return
		}
		a.lastTouch = now
		if gaps := a.missing(); len(gaps) > 0 {
			s.writeFrame(d.from, frame{id: f.id, body: multiAckFailFrame{missing: gaps}})
			return
		}
		payload, ok := a.assemble()
		if !ok {
			s.metrics.Add("netcode.violations", 1)
			delete(s.assemblies, key)
			return
		}
		delete(s.assemblies, key)
		s.delivered[key] = now
		s.writeFrame(d.from, frame{id: f.id, body: multiAckFrame{}})
		s.deliver(Message{From: d.from, Payload: payload})

	case multiAckFrame:
		p, ok := s.multis[f.id]
		if !ok || p.to != d.from {
			return
		}
		s.sampleLatency(d.from, now.Sub(p.lastSend)/2)
		delete(s.multis, f.id)

	case multiAckFailFrame:
		p, ok := s.multis[f.id]
		if !ok || p.to != d.from {
			return
		}
		if len(body.missing) == 0 {
			s.writeFrame(p.to, frame{id: p.id, body: multiBeginFrame{totalFragments: p.total, totalSize: uint64(len(p.data))}})
			s.writeFrame(p.to, frame{id: p.id, body: multiEndFrame{}})
			return
		}
		for _, idx := range body.missing {
			if idx < p.total {
				p.requeued = append(p.requeued, idx)
			}
		}
		p.endPending = true
	}
}

func (s *Socket) deliver(msg Message) {
	s.metrics.Add("netcode.delivered", 1)
	select {
	case s.inCh <- msg:
	case <-s.done:
	}
}

func (s *Socket) suppressDuplicate(from netip.AddrPort, id uint64) {
	s.metrics.Add("netcode.duplicates", 1)
	lognet.DuplicateSuppressed(context.Background(), s.publisher, logging.PeerRef{ID: from.String(), Kind: logging.PeerKindUnknown},
		lognet.DuplicateSuppressedPayload{MessageID: id}, nil)
}

func (s *Socket) expireAndResend(now time.Time) {
	for id, p := range s.singles {
		if now.After(p.deadline) {
			delete(s.singles, id)
			s.expire(p.to, len(p.data), p.attempts)
			continue
		}
		if now.After(p.nextSend) {
			p.attempts++
			p.lastSend = now
			p.nextSend = now.Add(resendDelay(p.attempts, s.Latency(p.to)))
			s.writeFrame(p.to, frame{id: id, body: singleFrame{data: p.data}})
		}
	}
	for id, p := range s.multis {
		if now.After(p.deadline) {
			delete(s.multis, id)
			s.expire(p.to, len(p.data), p.attempts)
			continue
		}
		if p.pumped && now.After(p.nextSend) {
			p.attempts++
			p.lastSend = now
			p.nextSend = now.Add(resendDelay(p.attempts, s.Latency(p.to)))
			s.writeFrame(p.to, frame{id: id, body: multiBeginFrame{totalFragments: p.total, totalSize: uint64(len(p.data))}})
			s.writeFrame(p.to, frame{id: id, body: multiEndFrame{}})
		}
	}
}

// pumpFragments advances active multiframe sends, fragment re-requests
// first, then the initial pass, within the shared burst budget.
func (s *Socket) pumpFragments(now time.Time) {
	budget := fragmentBurst
	live := s.multiOrder[:0]
	for _, id := range s.multiOrder {
		p, ok := s.multis[id]
		if !ok {
			continue
		}
		live = append(live, id)
		if budget == 0 {
			continue
		}

		for budget > 0 && len(p.requeued) > 0 {
			idx := p.requeued[0]
			p.requeued = p.requeued[1:]
			s.writeFrame(p.to, frame{id: id, body: multiFragmentFrame{index: idx, data: p.fragment(idx)}})
			budget--
		}
		if p.endPending && len(p.requeued) == 0 {
			p.endPending = false
			p.lastSend = now
			p.nextSend = now.Add(resendDelay(p.attempts, s.Latency(p.to)))
			s.writeFrame(p.to, frame{id: id, body: multiEndFrame{}})
		}

		for budget > 0 && !p.pumped {
			s.writeFrame(p.to, frame{id: id, body: multiFragmentFrame{index: p.cursor, data: p.fragment(p.cursor)}})
			budget--
			p.cursor++
			if p.cursor == p.total {
				s.writeFrame(p.to, frame{id: id, body: multiEndFrame{}})
				p.pumped = true
				p.lastSend = now
				p.nextSend = now.Add(resendDelay(p.attempts, s.Latency(p.to)))
			}
		}
	}
	s.multiOrder = live
}

func (s *Socket) expire(to netip.AddrPort, size int, attempts uint32) {
	s.metrics.Add("netcode.expired", 1)
	lognet.MessageExpired(context.Background(), s.publisher, logging.PeerRef{ID: to.String(), Kind: logging.PeerKindUnknown},
		lognet.MessageExpiredPayload{SizeBytes: size, Attempts: attempts}, nil)
}

func (s *Socket) maybeGC(now time.Time) {
	if now.Sub(s.lastGC) < gcInterval {
		return
	}
	s.lastGC = now
	for key, a := range s.assemblies {
		if now.Sub(a.lastTouch) > retentionWindow {
			delete(s.assemblies, key)
		}
	}
	for key, ts := range s.delivered {
		if now.Sub(ts) > retentionWindow {
			delete(s.delivered, key)
		}
	}
}

func (s *Socket) sampleLatency(peer netip.AddrPort, sample time.Duration) {
	ip := peer.Addr()
	s.latMu.Lock()
	cur, ok := s.latencies[ip]
	if !ok {
		cur = defaultLatency
	}
	s.latencies[ip] = (cur*9 + sample) / 10
	s.latMu.Unlock()
}

func (s *Socket) writeFrame(to netip.AddrPort, f frame) {
	data := encodeFrame(f)
	if _, err := s.conn.WriteToUDPAddrPort(data, to); err != nil {
		s.metrics.Add("netcode.write_errors", 1)
		s.logger.Printf("netcode: send to %v failed: %v", to, err)
		return
	}
	s.metrics.Add("netcode.datagrams_out", 1)
}
