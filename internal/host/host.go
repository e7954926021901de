// Package host implements the rendezvous services peers use to find each
// other: public-address echo, the global server registry, and the NAT-punch
// relay. One host serves one UDP port and never participates in any
// simulation.
package host

import (
	"context"
	"errors"
	"net/netip"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"emberfall/engine/internal/netcode"
	"emberfall/engine/internal/telemetry"
	"emberfall/engine/logging"
	lognet "emberfall/engine/logging/network"
	"emberfall/engine/protocol"
)

// Config tunes the rendezvous host. Zero durations take the defaults below.
type Config struct {
	// Bind is the UDP address to serve on.
	Bind netip.AddrPort

	// ServerRetention is how long a posted server survives without a
	// refresh.
	ServerRetention time.Duration
	// InfoTTL bounds retransmission of SocketInfoRes replies.
	InfoTTL time.Duration
	// ListTTL bounds retransmission of server-list replies.
	ListTTL time.Duration
	// PunchTTL bounds retransmission of NatPunchStart relays.
	PunchTTL time.Duration

	// RateLimit and RateBurst bound requests per source IP; zero takes
	// the defaults.
	RateLimit rate.Limit
	RateBurst int

	Logger    telemetry.Logger
	Metrics   telemetry.Metrics
	Publisher logging.Publisher
}

const (
	DefaultServerRetention = 60 * time.Second
	DefaultInfoTTL         = 20 * time.Second
	DefaultListTTL         = 20 * time.Second
	DefaultPunchTTL        = 20 * time.Second

	defaultRateLimit rate.Limit = 5
	defaultRateBurst            = 10

	// limiterRetention is how long an idle source keeps its token bucket.
	limiterRetention = 5 * time.Minute
)

type listing struct {
	server protocol.ServerInfo
	posted time.Time
}

type limiter struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

// Host is the rendezvous service. Run owns all state; no method is safe to
// call concurrently with it.
type Host struct {
	cfg  Config
	sock *netcode.Socket

	registry map[netip.AddrPort]listing
	limiters map[netip.Addr]*limiter

	lastPrune time.Time

	logger    telemetry.Logger
	metrics   telemetry.Metrics
	publisher logging.Publisher
}

// New binds the host socket.
func New(cfg Config) (*Host, error) {
	if cfg.ServerRetention <= 0 {
		cfg.ServerRetention = DefaultServerRetention
	}
	if cfg.InfoTTL <= 0 {
		cfg.InfoTTL = DefaultInfoTTL
	}
	if cfg.ListTTL <= 0 {
		cfg.ListTTL = DefaultListTTL
	}
	if cfg.PunchTTL <= 0 {
		cfg.PunchTTL = DefaultPunchTTL
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = defaultRateBurst
	}

	sock, err := netcode.New(netcode.Config{
		Bind:      cfg.Bind,
		Logger:    cfg.Logger,
		Metrics:   cfg.Metrics,
		Publisher: cfg.Publisher,
	})
	if err != nil {
		return nil, err
	}

	h := &Host{
		cfg:      cfg,
		sock:     sock,
		registry: make(map[netip.AddrPort]listing),
		limiters: make(map[netip.Addr]*limiter),
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}
	if h.logger == nil {
		h.logger = telemetry.NopLogger()
	}
	if h.metrics == nil {
		h.metrics = telemetry.NopMetrics()
	}
	h.publisher = cfg.Publisher
	if h.publisher == nil {
		h.publisher = logging.NopPublisher()
	}
	return h, nil
}

// LocalAddr returns the bound socket address.
func (h *Host) LocalAddr() netip.AddrPort { return h.sock.LocalAddr() }

// Close releases the socket. Cancel Run's context before closing.
func (h *Host) Close() error { return h.sock.Close() }

// Run serves requests until ctx is cancelled. Single-threaded: one message
// at a time, in arrival order.
func (h *Host) Run(ctx context.Context) {
	h.logger.Printf("host: serving on %v", h.sock.LocalAddr())
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-h.sock.Recv():
			if !ok {
				return
			}
			h.handle(msg.From, msg.Payload, time.Now())
		}
	}
}

func (h *Host) handle(from netip.AddrPort, payload []byte, now time.Time) {
	if !h.allow(from, now) {
		h.metrics.Add("host.rate_limited", 1)
		return
	}

	kind, r, err := protocol.DecodeEnvelope(payload)
	if err != nil {
		h.violation(from, err)
		return
	}
	if kind != protocol.KindSystem {
		// game traffic has no business here
		h.metrics.Add("host.msgs_unexpected", 1)
		return
	}
	msg, err := protocol.DecodeSysMessage(r)
	if err != nil {
		h.violation(from, err)
		return
	}

	switch v := msg.(type) {
	case protocol.SocketInfoReq:
		h.metrics.Add("host.socket_info_reqs", 1)
		h.send(from, protocol.SocketInfoRes{Addr: from}, h.cfg.InfoTTL)
	case protocol.ServerInfoReq:
		h.metrics.Add("host.list_reqs", 1)
		h.send(from, protocol.ServerInfoResGlobal{Servers: h.evictAndList(now)}, h.cfg.ListTTL)
	case protocol.ServerInfoPost:
		if v.Server.Addr != from {
			// a spoofed post would poison the registry
			h.metrics.Add("host.posts_spoofed", 1)
			return
		}
		h.registry[from] = listing{server: v.Server, posted: now}
		h.metrics.Add("host.posts", 1)
	case protocol.ServerInfoDelete:
		delete(h.registry, from)
	case protocol.NatPunchRelay:
		if !v.To.IsValid() {
			h.violation(from, errInvalidPunchTarget)
			return
		}
		h.metrics.Add("host.punch_relays", 1)
		h.send(v.To, protocol.NatPunchStart{To: from}, h.cfg.PunchTTL)
	default:
		h.metrics.Add("host.msgs_unexpected", 1)
	}
}

// evictAndList drops stale registry entries and returns the survivors
// ordered by server id.
func (h *Host) evictAndList(now time.Time) []protocol.ServerInfo {
	out := make([]protocol.ServerInfo, 0, len(h.registry))
	for addr, l := range h.registry {
		if now.Sub(l.posted) > h.cfg.ServerRetention {
			delete(h.registry, addr)
			continue
		}
		out = append(out, l.server)
	}
	sortServers(out)
	return out
}

// allow charges one request against the source IP's token bucket, pruning
// idle buckets as it goes.
func (h *Host) allow(from netip.AddrPort, now time.Time) bool {
	ip := from.Addr()
	l, ok := h.limiters[ip]
	if !ok {
		l = &limiter{bucket: rate.NewLimiter(h.cfg.RateLimit, h.cfg.RateBurst)}
		h.limiters[ip] = l
	}
	l.lastSeen = now

	if now.Sub(h.lastPrune) > limiterRetention {
		h.lastPrune = now
		for ip, l := range h.limiters {
			if now.Sub(l.lastSeen) > limiterRetention {
				delete(h.limiters, ip)
			}
		}
	}
	return l.bucket.AllowN(now, 1)
}

func (h *Host) send(to netip.AddrPort, msg protocol.SysMessage, ttl time.Duration) {
	if err := h.sock.Send(to, protocol.EncodeSysMessage(msg), ttl); err != nil {
		h.logger.Printf("host: send %T to %v: %v", msg, to, err)
	}
}

var errInvalidPunchTarget = errors.New("host: invalid punch target")

func sortServers(servers []protocol.ServerInfo) {
	sort.Slice(servers, func(i, j int) bool { return servers[i].ID < servers[j].ID })
}

func (h *Host) violation(from netip.AddrPort, err error) {
	h.metrics.Add("host.protocol_violations", 1)
	lognet.ProtocolViolation(context.Background(), h.publisher,
		logging.PeerRef{ID: from.String(), Kind: logging.PeerKindUnknown},
		lognet.ProtocolViolationPayload{Reason: err.Error()}, nil)
}
