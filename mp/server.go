package mp

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"time"

	"emberfall/engine/internal/netcode"
	"emberfall/engine/internal/telemetry"
	"emberfall/engine/internal/wire"
	"emberfall/engine/logging"
	lognet "emberfall/engine/logging/network"
	lsession "emberfall/engine/logging/session"
	"emberfall/engine/protocol"
	"emberfall/engine/universe"
)

// ServerConfig configures a game server endpoint.
type ServerConfig struct {
	// Bind is the UDP address to listen on.
	Bind netip.AddrPort
	// Host is the rendezvous host. Required for global servers.
	Host netip.AddrPort
	// Info is the advertised identity. Addr and CurPlayers are managed by
	// the endpoint.
	Info protocol.ServerInfo
	// Player is the server-side player, nil when running headless.
	Player *protocol.PlayerInfo
	// Universe is snapshotted for joiners. The endpoint only touches it
	// from inside SyncActions, on the simulation goroutine.
	Universe *universe.Universe
	// Codec marshals game actions for the wire.
	Codec universe.ActionCodec

	Events    chan<- Event
	Logger    telemetry.Logger
	Metrics   telemetry.Metrics
	Publisher logging.Publisher

	// Retention is the buffered frame window; 0 means DefaultRetention.
	Retention universe.FrameID
	// LagWindow is how many frames a player may fall behind before being
	// forced to rejoin; 0 means Retention.
	LagWindow universe.FrameID
}

// remotePlayer is a roster entry: a peer that completed the join protocol
// and participates in lockstep.
type remotePlayer struct {
	info       protocol.PlayerInfo
	lastSeen   time.Time
	lastImport universe.FrameID
}

// joiningPlayer is a peer between JoinReq and JoinComplete.
type joiningPlayer struct {
	info  protocol.PlayerInfo
	since time.Time
}

// Server is the authoritative session endpoint: it collects every player's
// actions per frame, relays complete frames to all peers, runs the join
// protocol, and keeps the rendezvous listing fresh. All methods except the
// status accessors belong to the simulation goroutine.
type Server struct {
	sock  *netcode.Socket
	uni   *universe.Universe
	codec universe.ActionCodec

	buffer    *ActionBuffer
	info      protocol.ServerInfo
	ownPlayer *protocol.PlayerInfo
	host      netip.AddrPort
	addrKnown bool

	players map[netip.AddrPort]*remotePlayer
	joining map[netip.AddrPort]*joiningPlayer

	events    chan<- Event
	logger    telemetry.Logger
	metrics   telemetry.Metrics
	publisher logging.Publisher

	retention   universe.FrameID
	lagWindow   universe.FrameID
	lastPublish time.Time
}

// NewServer binds the socket and, for a global server, asks the rendezvous
// host for the public address. The universe must already hold the session's
// worlds.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Universe == nil {
		return nil, errors.New("mp: server needs a universe")
	}
	if cfg.Codec == nil {
		return nil, errors.New("mp: server needs an action codec")
	}
	if cfg.Info.Global && !cfg.Host.IsValid() {
		return nil, errors.New("mp: global server needs a rendezvous host")
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

	s := &Server{
		sock:      sock,
		uni:       cfg.Universe,
		codec:     cfg.Codec,
		buffer:    NewActionBuffer(),
		info:      cfg.Info,
		host:      cfg.Host,
		players:   make(map[netip.AddrPort]*remotePlayer),
		joining:   make(map[netip.AddrPort]*joiningPlayer),
		events:    cfg.Events,
		logger:    orNopLogger(cfg.Logger),
		metrics:   orNopMetrics(cfg.Metrics),
		publisher: cfg.Publisher,
		retention: cfg.Retention,
		lagWindow: cfg.LagWindow,
	}
	if s.retention == 0 {
		s.retention = DefaultRetention
	}
	if s.lagWindow == 0 {
		s.lagWindow = s.retention
	}

	local := sock.LocalAddr()
	switch {
	case local.Addr().IsLoopback():
		s.info.Addr = local
		s.addrKnown = true
	case s.info.Global:
		s.info.Addr = netip.AddrPortFrom(netip.IPv4Unspecified(), local.Port())
		s.sendSys(s.host, protocol.SocketInfoReq{}, ttlSocketReq)
	default:
		s.info.Addr = lanAddr(local)
		s.addrKnown = true
	}
	s.info.CurPlayers = 0

	if cfg.Player != nil {
		own := *cfg.Player
		own.Addr = s.info.Addr
		s.ownPlayer = &own
	}
	return s, nil
}

// lanAddr resolves the interface address peers on the local network can
// reach, falling back to the bound address when the default route is
// unknown.
func lanAddr(bound netip.AddrPort) netip.AddrPort {
	if !bound.Addr().IsUnspecified() {
		return bound
	}
	conn, err := net.Dial("udp4", "192.0.2.1:9")
	if err != nil {
		return bound
	}
	defer conn.Close()
	if ap, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return netip.AddrPortFrom(ap.AddrPort().Addr(), bound.Port())
	}
	return bound
}

// Addr returns the advertised address.
func (s *Server) Addr() netip.AddrPort { return s.info.Addr }

// LocalAddr returns the bound socket address.
func (s *Server) LocalAddr() netip.AddrPort { return s.sock.LocalAddr() }

// Info returns the advertised listing as of the last sync.
func (s *Server) Info() protocol.ServerInfo { return s.info }

// OwnPlayer returns the server-side player, nil when headless.
func (s *Server) OwnPlayer() *protocol.PlayerInfo { return s.ownPlayer }

// BufferDepth reports how many frames the action buffer holds.
func (s *Server) BufferDepth() int { return s.buffer.FrameCount() }

// PeerStatus is one roster row for diagnostics.
type PeerStatus struct {
	Info    protocol.PlayerInfo
	Latency time.Duration
	Joining bool
}

// Peers lists roster players and joiners with their latency estimates.
func (s *Server) Peers() []PeerStatus {
	out := make([]PeerStatus, 0, len(s.players)+len(s.joining))
	for addr, p := range s.players {
		out = append(out, PeerStatus{Info: p.info, Latency: s.sock.Latency(addr)})
	}
	for addr, j := range s.joining {
		out = append(out, PeerStatus{Info: j.info, Latency: s.sock.Latency(addr), Joining: true})
	}
	return out
}

// Close deregisters from the rendezvous host and releases the socket.
func (s *Server) Close() error {
	if s.info.Global && s.addrKnown && s.host.IsValid() {
		s.sendSys(s.host, protocol.ServerInfoDelete{}, ttlPublish)
	}
	return s.sock.Close()
}

// SyncActions runs one frame of session upkeep: dispatch incoming messages,
// drop dead peers, publish the listing, import own actions for the next
// frame, fill or drop silent players, relay the next frame to every peer,
// and hand back this frame's complete action sets. atFrame is the frame the
// simulation is about to execute.
func (s *Server) SyncActions(own map[universe.WorldID][]universe.Action, atFrame universe.FrameID) *SyncResult {
	now := time.Now()
	s.dispatch(atFrame, now)
	s.dropTimedOut(atFrame, now)
	s.refreshListing(atFrame, now)
	s.reportLatencies(atFrame)

	next := atFrame + 1
	s.importOwn(own, atFrame, next)
	s.fillOrDropSilent(own, atFrame, next)
	s.relayFrame(next)

	joined := s.mapJoined(s.buffer.JoinedOn(atFrame))
	left := s.buffer.LeftOn(atFrame)
	s.buffer.GC(atFrame - min(s.retention, atFrame))

	return &SyncResult{
		Joined:  joined,
		Left:    left,
		Actions: s.buffer.Export(atFrame),
		AtSync:  true,
	}
}

func (s *Server) dispatch(atFrame universe.FrameID, now time.Time) {
	for _, m := range s.sock.DrainRecv() {
		kind, r, err := protocol.DecodeEnvelope(m.Payload)
		if err != nil {
			s.violation(m.From, err)
			continue
		}
		switch kind {
		case protocol.KindSystem:
			msg, err := protocol.DecodeSysMessage(r)
			if err != nil {
				s.violation(m.From, err)
				continue
			}
			s.handleSys(m.From, msg)
		case protocol.KindGame:
			msg, err := DecodeMessage(s.codec, r)
			if err != nil {
				s.violation(m.From, err)
				continue
			}
			s.handleGame(m.From, msg, atFrame, now)
		}
	}
}

func (s *Server) handleSys(from netip.AddrPort, msg protocol.SysMessage) {
	switch v := msg.(type) {
	case protocol.SocketInfoRes:
		if from != s.host {
			s.metrics.Add("mp.msgs_unexpected", 1)
			return
		}
		s.info.Addr = v.Addr
		s.addrKnown = true
		if s.ownPlayer != nil {
			s.ownPlayer.Addr = v.Addr
		}
	case protocol.SocketInfoReq:
		s.sendSys(from, protocol.SocketInfoRes{Addr: from}, ttlSocketInfo)
	case protocol.NatPunchStart:
		if from != s.host {
			s.metrics.Add("mp.msgs_unexpected", 1)
			return
		}
		s.sendSys(v.To, protocol.NatPunchPing{}, ttlPunchReply)
	case protocol.ServerInfoReq:
		s.sendSys(from, protocol.ServerInfoResLocal{Server: s.info}, ttlSocketInfo)
	default:
		s.metrics.Add("mp.msgs_unexpected", 1)
	}
}

func (s *Server) handleGame(from netip.AddrPort, msg Message, atFrame universe.FrameID, now time.Time) {
	switch v := msg.(type) {
	case ActionsFromClient:
		s.handleClientActions(from, v, atFrame, now)
	case JoinReq:
		s.handleJoinReq(from, v, atFrame, now)
	case JoinReqUniverseData:
		s.handleJoinData(from, v)
	case JoinComplete:
		s.handleJoinComplete(from, atFrame, now)
	case Leaving:
		s.handleLeaving(from, atFrame)
	default:
		s.metrics.Add("mp.msgs_unexpected", 1)
	}
}

func (s *Server) handleClientActions(from netip.AddrPort, msg ActionsFromClient, atFrame universe.FrameID, now time.Time) {
	p, ok := s.players[from]
	if !ok {
		s.metrics.Add("mp.msgs_unexpected", 1)
		return
	}
	id := p.info.ID
	switch {
	case msg.ForFrame <= atFrame:
		s.rejectActions(atFrame, msg.ForFrame, id, "behind active frame")
		return
	case msg.ForFrame-atFrame > s.lagWindow:
		s.rejectActions(atFrame, msg.ForFrame, id, "beyond lag window")
		return
	case s.buffer.PlayerImported(msg.ForFrame, id):
		s.rejectActions(atFrame, msg.ForFrame, id, "frame already imported")
		return
	}
	if first, ok := s.buffer.FirstLiveFrame(id); ok && msg.ForFrame < first {
		s.rejectActions(atFrame, msg.ForFrame, id, "before first live frame")
		return
	}

	for world, actions := range msg.Actions {
		s.buffer.Import(msg.ForFrame, world, id, actions)
	}
	p.lastSeen = now
	if msg.ForFrame > p.lastImport {
		p.lastImport = msg.ForFrame
	}
}

func (s *Server) rejectActions(atFrame, forFrame universe.FrameID, id protocol.PlayerID, reason string) {
	s.metrics.Add("mp.actions_rejected", 1)
	lognet.ActionsRejected(context.Background(), s.publisher, uint64(atFrame), playerRef(id), lognet.ActionsRejectedPayload{
		ForFrame:    uint64(forFrame),
		ActiveFrame: uint64(atFrame),
		Reason:      reason,
	}, nil)
}

func (s *Server) handleJoinReq(from netip.AddrPort, msg JoinReq, atFrame universe.FrameID, now time.Time) {
	deny := func(reason string) {
		s.metrics.Add("mp.join_denied", 1)
		lsession.JoinDenied(context.Background(), s.publisher, uint64(atFrame), addrRef(from, logging.PeerKindClient), lsession.JoinDeniedPayload{Reason: reason}, nil)
		s.sendGame(from, JoinRes{Accepted: false, Reason: reason}, ttlJoinNotify)
	}

	if msg.Player.Addr != from {
		deny("address mismatch")
		return
	}
	if _, ok := s.players[from]; ok {
		deny("already joined")
		return
	}
	if s.info.MaxPlayers > 0 && s.peerCount() >= int(s.info.MaxPlayers) {
		if _, rejoining := s.joining[from]; !rejoining {
			deny("server full")
			return
		}
	}

	// build the reply before adding the joiner so it does not list itself
	res := JoinRes{
		Accepted:     true,
		ServerPlayer: s.ownPlayer,
		Players:      make(map[netip.AddrPort]protocol.PlayerInfo, len(s.players)),
		Joining:      make(map[netip.AddrPort]protocol.PlayerInfo, len(s.joining)),
	}
	for addr, p := range s.players {
		res.Players[addr] = p.info
	}
	for addr, j := range s.joining {
		res.Joining[addr] = j.info
	}

	fresh := true
	if _, ok := s.joining[from]; ok {
		// a retry after the client's own timeout; refresh silently
		fresh = false
	}
	s.joining[from] = &joiningPlayer{info: msg.Player, since: now}
	s.sendGame(from, res, ttlJoinNotify)
	if fresh {
		s.notifyPeers(PlayerJoinStart{Player: msg.Player}, ttlJoinNotify, from)
		emitEvent(s.events, s.metrics, EventPlayerJoinStart{Player: msg.Player})
	}
}

func (s *Server) handleJoinData(from netip.AddrPort, msg JoinReqUniverseData) {
	if _, ok := s.joining[from]; !ok {
		s.metrics.Add("mp.msgs_unexpected", 1)
		return
	}
	_ = msg

	rosterW := wire.NewWriter()
	s.uni.Players().Encode(rosterW)
	universeBlob, err := universe.EncodeSnapshot(rosterW.Bytes())
	if err != nil {
		s.logger.Printf("mp: snapshot universe: %v", err)
		return
	}
	worlds := s.uni.Worlds()
	blobs := make([][]byte, 0, len(worlds))
	for _, w := range worlds {
		raw, err := w.MarshalState()
		if err != nil {
			s.logger.Printf("mp: snapshot world %q: %v", w.Name(), err)
			return
		}
		blob, err := universe.EncodeSnapshot(raw)
		if err != nil {
			s.logger.Printf("mp: snapshot world %q: %v", w.Name(), err)
			return
		}
		blobs = append(blobs, blob)
	}
	active := s.uni.ActiveFrame()
	s.sendGame(from, JoinResUniverseData{
		Universe:    universeBlob,
		Worlds:      blobs,
		ActiveFrame: active,
	}, ttlSnapshot)

	// the action set for the snapshot frame was relayed before this joiner
	// was listening; re-send it so the first frame after the load can step
	if export := s.buffer.Export(active); export != nil {
		s.sendGame(from, ActionsFromServer{ForFrame: active, Actions: wireActions(export)}, ttlActionsRelay)
	}
}

func (s *Server) handleJoinComplete(from netip.AddrPort, atFrame universe.FrameID, now time.Time) {
	j, ok := s.joining[from]
	if !ok {
		s.metrics.Add("mp.msgs_unexpected", 1)
		return
	}
	delete(s.joining, from)
	s.players[from] = &remotePlayer{info: j.info, lastSeen: now, lastImport: atFrame}
	s.buffer.SetFirstLiveFrame(j.info.ID, atFrame+1)

	for addr := range s.players {
		if addr != from {
			s.sendGame(addr, PlayerJoinSuccess{Player: j.info}, ttlJoinNotify)
		}
	}
	for addr := range s.joining {
		s.sendGame(addr, PlayerJoinStart{Player: j.info}, ttlJoinNotify)
	}

	emitEvent(s.events, s.metrics, EventPlayerJoinSuccess{Player: j.info})
	lsession.PlayerJoined(context.Background(), s.publisher, uint64(atFrame), playerRef(j.info.ID), lsession.PlayerJoinedPayload{
		Name: j.info.Name,
		Addr: from.String(),
	}, nil)
}

func (s *Server) handleLeaving(from netip.AddrPort, atFrame universe.FrameID) {
	p, ok := s.players[from]
	if !ok {
		s.metrics.Add("mp.msgs_unexpected", 1)
		return
	}
	s.removePlayer(from, p, atFrame, "leaving")
}

// removePlayer drops a roster player and tells everyone left.
func (s *Server) removePlayer(addr netip.AddrPort, p *remotePlayer, atFrame universe.FrameID, reason string) {
	delete(s.players, addr)
	s.buffer.ClearPlayer(p.info.ID)
	s.notifyPeers(PlayerLeft{Player: p.info}, ttlDropNotify)
	emitEvent(s.events, s.metrics, EventPlayerLeft{Player: p.info})
	lsession.PlayerLeft(context.Background(), s.publisher, uint64(atFrame), playerRef(p.info.ID), lsession.PlayerLeftPayload{Reason: reason}, nil)
}

func (s *Server) dropTimedOut(atFrame universe.FrameID, now time.Time) {
	for addr, p := range s.players {
		if now.Sub(p.lastSeen) > playerTimeout {
			s.metrics.Add("mp.players_timed_out", 1)
			s.removePlayer(addr, p, atFrame, "timeout")
		}
	}
	for addr, j := range s.joining {
		if now.Sub(j.since) > serverJoinTimeout {
			s.metrics.Add("mp.joins_timed_out", 1)
			delete(s.joining, addr)
			s.notifyPeers(PlayerJoinFailure{Player: j.info}, ttlDropNotify)
			emitEvent(s.events, s.metrics, EventPlayerJoinFailure{Player: j.info})
		}
	}
}

func (s *Server) peerCount() int {
	n := len(s.players) + len(s.joining)
	if s.ownPlayer != nil {
		n++
	}
	return n
}

func (s *Server) refreshListing(atFrame universe.FrameID, now time.Time) {
	s.info.CurPlayers = uint32(s.peerCount())
	if !s.info.Global || !s.addrKnown {
		return
	}
	if now.Sub(s.lastPublish) < publishInterval {
		return
	}
	s.lastPublish = now
	s.sendSys(s.host, protocol.ServerInfoPost{Server: s.info}, ttlPublish)
	lsession.ServerPublished(context.Background(), s.publisher, uint64(atFrame), lsession.ServerPublishedPayload{
		Players:    s.info.CurPlayers,
		MaxPlayers: s.info.MaxPlayers,
	}, nil)
}

func (s *Server) reportLatencies(atFrame universe.FrameID) {
	if atFrame%latencyReportEvery != 0 {
		return
	}
	for addr := range s.players {
		s.sendGame(addr, LatencyUpdate{Latency: s.sock.Latency(addr)}, ttlLatency)
	}
	for addr := range s.joining {
		s.sendGame(addr, LatencyUpdate{Latency: s.sock.Latency(addr)}, ttlLatency)
	}
}

// importOwn records the server's own input for the frame being relayed and
// makes sure both frames exist even on a headless server.
func (s *Server) importOwn(own map[universe.WorldID][]universe.Action, atFrame, next universe.FrameID) {
	for world := range own {
		s.buffer.ImportMissingAsEmpty(atFrame, world)
	}
	if s.ownPlayer != nil {
		for world, actions := range own {
			s.buffer.Import(next, world, s.ownPlayer.ID, actions)
		}
		return
	}
	for world := range own {
		s.buffer.ImportMissingAsEmpty(next, world)
	}
}

// fillOrDropSilent handles roster players with nothing imported for next: a
// player inside the lag window gets an empty action set so the frame can
// step; one beyond it is dropped and must rejoin — fabricating input for it
// would fork the session.
func (s *Server) fillOrDropSilent(own map[universe.WorldID][]universe.Action, atFrame, next universe.FrameID) {
	for addr, p := range s.players {
		if s.buffer.PlayerImported(next, p.info.ID) {
			continue
		}
		if p.lastImport < next && next-p.lastImport > s.lagWindow {
			s.metrics.Add("mp.players_forced_rejoin", 1)
			s.removePlayer(addr, p, atFrame, "beyond lag window")
			continue
		}
		for world := range own {
			s.buffer.Import(next, world, p.info.ID, nil)
		}
	}
}

func (s *Server) relayFrame(next universe.FrameID) {
	export := s.buffer.Export(next)
	if export == nil {
		return
	}
	msg := ActionsFromServer{ForFrame: next, Actions: wireActions(export)}
	for addr := range s.players {
		s.sendGame(addr, msg, ttlActionsRelay)
	}
	for addr := range s.joining {
		s.sendGame(addr, msg, ttlActionsRelay)
	}
}

// mapJoined resolves joined ids to player infos through the roster; the
// server player resolves to itself.
func (s *Server) mapJoined(ids []protocol.PlayerID) []protocol.PlayerInfo {
	if len(ids) == 0 {
		return nil
	}
	out := make([]protocol.PlayerInfo, 0, len(ids))
	for _, id := range ids {
		if s.ownPlayer != nil && id == s.ownPlayer.ID {
			out = append(out, *s.ownPlayer)
			continue
		}
		if info, ok := s.playerInfo(id); ok {
			out = append(out, info)
		}
	}
	return out
}

func (s *Server) playerInfo(id protocol.PlayerID) (protocol.PlayerInfo, bool) {
	for _, p := range s.players {
		if p.info.ID == id {
			return p.info, true
		}
	}
	return protocol.PlayerInfo{}, false
}

// notifyPeers sends msg to every player and joiner except the excluded
// addresses.
func (s *Server) notifyPeers(msg Message, ttl time.Duration, exclude ...netip.AddrPort) {
	skip := func(addr netip.AddrPort) bool {
		for _, ex := range exclude {
			if addr == ex {
				return true
			}
		}
		return false
	}
	for addr := range s.players {
		if !skip(addr) {
			s.sendGame(addr, msg, ttl)
		}
	}
	for addr := range s.joining {
		if !skip(addr) {
			s.sendGame(addr, msg, ttl)
		}
	}
}

func (s *Server) sendGame(to netip.AddrPort, msg Message, ttl time.Duration) {
	payload, err := EncodeMessage(s.codec, msg)
	if err != nil {
		s.logger.Printf("mp: encode %T: %v", msg, err)
		return
	}
	if err := s.sock.Send(to, payload, ttl); err != nil {
		s.logger.Printf("mp: send %T to %v: %v", msg, to, err)
	}
}

func (s *Server) sendSys(to netip.AddrPort, msg protocol.SysMessage, ttl time.Duration) {
	if err := s.sock.Send(to, protocol.EncodeSysMessage(msg), ttl); err != nil {
		s.logger.Printf("mp: send %T to %v: %v", msg, to, err)
	}
}

func (s *Server) violation(from netip.AddrPort, err error) {
	s.metrics.Add("mp.protocol_violations", 1)
	lognet.ProtocolViolation(context.Background(), s.publisher, addrRef(from, logging.PeerKindUnknown), lognet.ProtocolViolationPayload{Reason: err.Error()}, nil)
}

func orNopLogger(l telemetry.Logger) telemetry.Logger {
	if l == nil {
		return telemetry.NopLogger()
	}
	return l
}

func orNopMetrics(m telemetry.Metrics) telemetry.Metrics {
	if m == nil {
		return telemetry.NopMetrics()
	}
	return m
}
