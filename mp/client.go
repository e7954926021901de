package mp

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"emberfall/engine/internal/netcode"
	"emberfall/engine/internal/telemetry"
	"emberfall/engine/internal/wire"
	"emberfall/engine/logging"
	lsession "emberfall/engine/logging/session"
	"emberfall/engine/protocol"
	"emberfall/engine/universe"
)

// ClientConfig configures a game client endpoint.
type ClientConfig struct {
	// Bind is the UDP address to listen on; usually port 0.
	Bind netip.AddrPort
	// Host is the rendezvous host, required when the server is global.
	Host netip.AddrPort
	// Server is the session to join, as obtained from a browser or entered
	// by hand. Addr must be set.
	Server protocol.ServerInfo
	// Player is the local player's identity. Addr is managed by the
	// endpoint.
	Player protocol.PlayerInfo
	// Universe receives the join snapshot and is stepped by the loop.
	Universe *universe.Universe
	// Codec marshals game actions for the wire.
	Codec universe.ActionCodec
	// DecodeWorld turns a world state blob from the join snapshot back
	// into a live world.
	DecodeWorld func([]byte) (universe.World, error)

	Events    chan<- Event
	Logger    telemetry.Logger
	Metrics   telemetry.Metrics
	Publisher logging.Publisher

	// Retention caps the buffered frame window; 0 means DefaultRetention.
	Retention universe.FrameID
	// LagWindow is how far the server may run ahead before the client
	// gives up and rejoins; 0 means Retention.
	LagWindow universe.FrameID
}

// Client is the follower endpoint: it runs the join protocol, contributes
// the local player's actions ahead of the server's frame, and blocks each
// frame until the authoritative action set arrives. All methods belong to
// the simulation goroutine.
type Client struct {
	sock  *netcode.Socket
	uni   *universe.Universe
	codec universe.ActionCodec

	decodeWorld func([]byte) (universe.World, error)

	buffer *ActionBuffer
	server protocol.ServerInfo
	own    protocol.PlayerInfo
	host   netip.AddrPort

	// roster mirrors the server's view so joined ids resolve to infos.
	known   map[protocol.PlayerID]protocol.PlayerInfo
	joining map[protocol.PlayerID]protocol.PlayerInfo

	latency time.Duration

	joinStarted  time.Time
	punched      bool
	joinReqSent  bool
	joinAllowed  bool
	dataReceived bool
	syncedUp     bool

	events    chan<- Event
	logger    telemetry.Logger
	metrics   telemetry.Metrics
	publisher logging.Publisher

	retention universe.FrameID
	lagWindow universe.FrameID
}

// NewClient binds the socket and opens the join handshake. For a global
// server it first runs the NAT punch through the rendezvous host and defers
// the join request until the server's punch arrives; for a local server the
// join request goes out immediately.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Universe == nil {
		return nil, errors.New("mp: client needs a universe")
	}
	if cfg.Codec == nil {
		return nil, errors.New("mp: client needs an action codec")
	}
	if cfg.DecodeWorld == nil {
		return nil, errors.New("mp: client needs a world decoder")
	}
	if !cfg.Server.Addr.IsValid() {
		return nil, errors.New("mp: client needs a server address")
	}
	if cfg.Server.Global && !cfg.Host.IsValid() {
		return nil, errors.New("mp: global session needs a rendezvous host")
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

	c := &Client{
		sock:        sock,
		uni:         cfg.Universe,
		codec:       cfg.Codec,
		decodeWorld: cfg.DecodeWorld,
		buffer:      NewActionBuffer(),
		server:      cfg.Server,
		own:         cfg.Player,
		host:        cfg.Host,
		known:       make(map[protocol.PlayerID]protocol.PlayerInfo),
		joining:     make(map[protocol.PlayerID]protocol.PlayerInfo),
		latency:     100 * time.Millisecond,
		joinStarted: time.Now(),
		events:      cfg.Events,
		logger:      orNopLogger(cfg.Logger),
		metrics:     orNopMetrics(cfg.Metrics),
		publisher:   cfg.Publisher,
		retention:   cfg.Retention,
		lagWindow:   cfg.LagWindow,
	}
	if c.retention == 0 {
		c.retention = DefaultRetention
	}
	if c.lagWindow == 0 {
		c.lagWindow = c.retention
	}

	if c.server.Global {
		// open both NAT mappings before the handshake proper
		c.sendSys(c.host, protocol.NatPunchRelay{To: c.server.Addr}, ttlPunch)
		c.sendSys(c.server.Addr, protocol.NatPunchPing{}, ttlPunch)
		c.sendSys(c.host, protocol.SocketInfoReq{}, ttlSocketReq)
	} else {
		c.own.Addr = lanAddr(sock.LocalAddr())
		c.punched = true
		c.sendJoinReq()
	}
	return c, nil
}

// LocalAddr returns the bound socket address.
func (c *Client) LocalAddr() netip.AddrPort { return c.sock.LocalAddr() }

// OwnPlayer returns the local player's identity.
func (c *Client) OwnPlayer() protocol.PlayerInfo { return c.own }

// ServerAddr returns the session server's address.
func (c *Client) ServerAddr() netip.AddrPort { return c.server.Addr }

// Latency returns the server's latest latency estimate for this client.
func (c *Client) Latency() time.Duration { return c.latency }

// BufferDepth reports how many frames the action buffer holds.
func (c *Client) BufferDepth() int { return c.buffer.FrameCount() }

// Close announces departure and releases the socket.
func (c *Client) Close() error {
	if c.joinReqSent {
		c.sendGame(c.server.Addr, Leaving{Player: c.own}, ttlLeaving)
	}
	return c.sock.Close()
}

func (c *Client) sendJoinReq() {
	if c.joinReqSent {
		return
	}
	c.joinReqSent = true
	c.sendGame(c.server.Addr, JoinReq{Player: c.own}, ttlJoinRequest)
}

// SyncJoinProcess drives the handshake while the universe is still paused.
// The loop calls it instead of SyncActions until the snapshot has loaded.
// It reports false once the join has conclusively failed.
func (c *Client) SyncJoinProcess() bool {
	c.dispatch()
	if c.dataReceived {
		return true
	}
	if time.Since(c.joinStarted) > clientJoinTimeout {
		c.metrics.Add("mp.join_data_timeouts", 1)
		emitEvent(c.events, c.metrics, EventOwnJoinDataRecvFailure{Reason: "universe data never arrived"})
		return false
	}
	return true
}

// SyncActions runs one frame of the lockstep protocol: ship the local
// actions for a frame the server has not built yet, wait for the server's
// action set covering atFrame, and hand it back. A nil result means the
// session is over.
func (c *Client) SyncActions(own map[universe.WorldID][]universe.Action, atFrame universe.FrameID) *SyncResult {
	c.dispatch()

	if len(own) > 0 {
		c.sendGame(c.server.Addr, ActionsFromClient{
			ForFrame: c.sendForFrame(atFrame),
			Actions:  own,
		}, ttlOwnActions)
	}

	if !c.awaitFrame(atFrame) {
		c.metrics.Add("mp.server_actions_timeouts", 1)
		emitEvent(c.events, c.metrics, EventServerActionsNotReceived{})
		lsession.SessionLost(context.Background(), c.publisher, uint64(atFrame), playerRef(c.own.ID),
			lsession.SessionLostPayload{Reason: "no server actions within timeout"}, nil)
		return nil
	}

	if highest, ok := c.buffer.HighestFrame(); ok && highest-atFrame > c.lagWindow {
		// too far behind to replay honestly; the session must restart
		// through the join protocol
		c.metrics.Add("mp.sessions_lost", 1)
		emitEvent(c.events, c.metrics, EventSessionLost{Reason: "fell beyond the lag window"})
		lsession.SessionLost(context.Background(), c.publisher, uint64(atFrame), playerRef(c.own.ID),
			lsession.SessionLostPayload{Reason: "fell beyond the lag window"}, nil)
		return nil
	}

	atSync := !c.buffer.ContainsFrame(atFrame + 1)
	if atSync && !c.syncedUp {
		c.syncedUp = true
		c.sendGame(c.server.Addr, JoinComplete{Player: c.own}, ttlJoinComplete)
		emitEvent(c.events, c.metrics, EventOwnJoinSuccess{})
	}
	if !c.syncedUp && time.Since(c.joinStarted) > clientJoinTimeout {
		emitEvent(c.events, c.metrics, EventOwnJoinFailure{Reason: "could not catch up with the live frame"})
		return nil
	}

	joined := c.mapJoined(c.buffer.JoinedOn(atFrame))
	left := c.buffer.LeftOn(atFrame)
	actions := c.buffer.Export(atFrame)
	c.buffer.GC(atFrame - min(c.retention, atFrame))

	return &SyncResult{
		Joined:  joined,
		Left:    left,
		Actions: actions,
		AtSync:  atSync,
	}
}

// sendForFrame picks the frame the local actions are aimed at: far enough
// ahead that they reach the server before it builds the frame, never less
// than two frames out.
func (c *Client) sendForFrame(atFrame universe.FrameID) universe.FrameID {
	frameTime := c.uni.FrameTime()
	lead := universe.FrameID(2)
	if frameTime > 0 {
		byLatency := universe.FrameID((c.latency*latencyLeadFactor+frameTime-1)/frameTime) + 1
		if byLatency > lead {
			lead = byLatency
		}
	}
	return atFrame + lead
}

// awaitFrame polls the socket until the buffer covers frame or the command
// timeout expires.
func (c *Client) awaitFrame(frame universe.FrameID) bool {
	deadline := time.Now().Add(commandTimeout)
	for {
		if c.buffer.ContainsFrame(frame) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		if msg, ok := c.sock.RecvTimeout(time.Millisecond); ok {
			c.handlePayload(msg.From, msg.Payload)
			continue
		}
	}
}

func (c *Client) dispatch() {
	for _, m := range c.sock.DrainRecv() {
		c.handlePayload(m.From, m.Payload)
	}
}

func (c *Client) handlePayload(from netip.AddrPort, payload []byte) {
	kind, r, err := protocol.DecodeEnvelope(payload)
	if err != nil {
		c.metrics.Add("mp.protocol_violations", 1)
		return
	}
	switch kind {
	case protocol.KindSystem:
		msg, err := protocol.DecodeSysMessage(r)
		if err != nil {
			c.metrics.Add("mp.protocol_violations", 1)
			return
		}
		c.handleSys(from, msg)
	case protocol.KindGame:
		if from != c.server.Addr {
			c.metrics.Add("mp.msgs_unexpected", 1)
			return
		}
		msg, err := DecodeMessage(c.codec, r)
		if err != nil {
			c.metrics.Add("mp.protocol_violations", 1)
			return
		}
		c.handleGame(msg)
	}
}

func (c *Client) handleSys(from netip.AddrPort, msg protocol.SysMessage) {
	switch v := msg.(type) {
	case protocol.SocketInfoRes:
		if from != c.host {
			c.metrics.Add("mp.msgs_unexpected", 1)
			return
		}
		c.own.Addr = v.Addr
	case protocol.NatPunchPing:
		if from != c.server.Addr {
			c.metrics.Add("mp.msgs_unexpected", 1)
			return
		}
		c.punched = true
		c.sendJoinReq()
	default:
		c.metrics.Add("mp.msgs_unexpected", 1)
	}
}

func (c *Client) handleGame(msg Message) {
	switch v := msg.(type) {
	case ActionsFromServer:
		c.importServerActions(v)
	case JoinRes:
		c.handleJoinRes(v)
	case JoinResUniverseData:
		c.handleUniverseData(v)
	case LatencyUpdate:
		c.latency = v.Latency
	case PlayerJoinStart:
		c.joining[v.Player.ID] = v.Player
		c.server.CurPlayers++
		emitEvent(c.events, c.metrics, EventPlayerJoinStart{Player: v.Player})
	case PlayerJoinSuccess:
		info, ok := c.joining[v.Player.ID]
		if !ok {
			// the server believes in a player this client never heard
			// of; the rosters have forked
			c.metrics.Add("mp.sessions_lost", 1)
			emitEvent(c.events, c.metrics, EventSessionLost{Reason: fmt.Sprintf("join success for unknown player %d", v.Player.ID)})
			return
		}
		delete(c.joining, v.Player.ID)
		c.known[info.ID] = info
		emitEvent(c.events, c.metrics, EventPlayerJoinSuccess{Player: info})
	case PlayerJoinFailure:
		delete(c.joining, v.Player.ID)
		emitEvent(c.events, c.metrics, EventPlayerJoinFailure{Player: v.Player})
	case PlayerLeft:
		delete(c.known, v.Player.ID)
		if c.server.CurPlayers > 0 {
			c.server.CurPlayers--
		}
		emitEvent(c.events, c.metrics, EventPlayerLeft{Player: v.Player})
	default:
		c.metrics.Add("mp.msgs_unexpected", 1)
	}
}

// importServerActions folds an authoritative frame into the buffer. A frame
// the buffer already knows is a retransmit and is dropped whole, so
// duplicate deliveries never duplicate actions.
func (c *Client) importServerActions(msg ActionsFromServer) {
	if c.buffer.ContainsFrame(msg.ForFrame) {
		c.metrics.Add("mp.frames_duplicate", 1)
		return
	}
	c.buffer.ImportBatch(msg.ForFrame, msg.Actions)
}

func (c *Client) handleJoinRes(msg JoinRes) {
	if c.joinAllowed {
		return
	}
	if !msg.Accepted {
		emitEvent(c.events, c.metrics, EventOwnJoinDenied{Reason: msg.Reason})
		return
	}
	c.joinAllowed = true
	for _, info := range msg.Players {
		c.known[info.ID] = info
	}
	for _, info := range msg.Joining {
		c.joining[info.ID] = info
	}
	if msg.ServerPlayer != nil {
		c.known[msg.ServerPlayer.ID] = *msg.ServerPlayer
	}
	emitEvent(c.events, c.metrics, EventOwnJoinAllowed{})
	c.sendGame(c.server.Addr, JoinReqUniverseData{Player: c.own}, ttlSnapshotReq)
}

// handleUniverseData decodes the snapshot and hands the reconstructed
// universe to the simulation, positioned at the frame the snapshot was
// taken at.
func (c *Client) handleUniverseData(msg JoinResUniverseData) {
	if c.dataReceived || !c.joinAllowed {
		return
	}
	fail := func(err error) {
		c.logger.Printf("mp: load universe data: %v", err)
		emitEvent(c.events, c.metrics, EventOwnJoinDataRecvFailure{Reason: err.Error()})
	}

	rosterRaw, err := universe.DecodeSnapshot(msg.Universe)
	if err != nil {
		fail(err)
		return
	}
	r := wire.NewReader(rosterRaw)
	roster, err := universe.DecodePlayers(r)
	if err != nil {
		fail(err)
		return
	}
	worlds := make([]universe.World, 0, len(msg.Worlds))
	for i, blob := range msg.Worlds {
		raw, err := universe.DecodeSnapshot(blob)
		if err != nil {
			fail(fmt.Errorf("world %d: %w", i, err))
			return
		}
		w, err := c.decodeWorld(raw)
		if err != nil {
			fail(fmt.Errorf("world %d: %w", i, err))
			return
		}
		worlds = append(worlds, w)
	}

	frame := msg.ActiveFrame
	c.uni.LoadUniverse(roster, worlds, &frame)
	c.dataReceived = true
	emitEvent(c.events, c.metrics, EventOwnJoinDataRecvSuccess{})
}

// mapJoined resolves joined ids to player infos through the known roster;
// the local id resolves to the local player.
func (c *Client) mapJoined(ids []protocol.PlayerID) []protocol.PlayerInfo {
	if len(ids) == 0 {
		return nil
	}
	out := make([]protocol.PlayerInfo, 0, len(ids))
	for _, id := range ids {
		if id == c.own.ID {
			out = append(out, c.own)
			continue
		}
		if info, ok := c.known[id]; ok {
			out = append(out, info)
		}
	}
	return out
}

func (c *Client) sendGame(to netip.AddrPort, msg Message, ttl time.Duration) {
	payload, err := EncodeMessage(c.codec, msg)
	if err != nil {
		c.logger.Printf("mp: encode %T: %v", msg, err)
		return
	}
	if err := c.sock.Send(to, payload, ttl); err != nil {
		c.logger.Printf("mp: send %T to %v: %v", msg, to, err)
	}
}

func (c *Client) sendSys(to netip.AddrPort, msg protocol.SysMessage, ttl time.Duration) {
	if err := c.sock.Send(to, protocol.EncodeSysMessage(msg), ttl); err != nil {
		c.logger.Printf("mp: send %T to %v: %v", msg, to, err)
	}
}
