package engine

import (
	"net/netip"
	"sort"

	"emberfall/engine/internal/telemetry"
	"emberfall/engine/logging"
	"emberfall/engine/mp"
	"emberfall/engine/protocol"
	"emberfall/engine/universe"
)

// eventChannelCapacity buffers session events between the simulation
// goroutine and the application before the endpoint starts shedding them.
const eventChannelCapacity = 64

// NetworkConfig configures the engine's network facade.
type NetworkConfig struct {
	// Bind is the UDP address a server endpoint listens on. Clients and
	// browsers bind an ephemeral port on the same interface.
	Bind netip.AddrPort
	// Host is the rendezvous host; optional for LAN-only play.
	Host netip.AddrPort
	// Universe is the simulation the endpoints serve.
	Universe *universe.Universe
	// Codec marshals game actions for the wire.
	Codec universe.ActionCodec
	// DecodeWorld turns a world snapshot blob back into a live world; a
	// client endpoint needs it to load join data.
	DecodeWorld func([]byte) (universe.World, error)

	Logger    telemetry.Logger
	Metrics   telemetry.Metrics
	Publisher logging.Publisher
}

// Network owns at most one multiplayer endpoint — server or client, never
// both — and at most one server browser. Offline, with no endpoint, it
// short-circuits the frame sync so the simulation runs standalone with the
// identical code path. All methods except Events belong to the simulation
// goroutine.
type Network struct {
	cfg NetworkConfig

	server  *mp.Server
	client  *mp.Client
	browser *mp.Browser

	// ownPlayer is the local player while an endpoint or an offline
	// session is live; nil when headless.
	ownPlayer *protocol.PlayerInfo

	events chan mp.Event

	logger    telemetry.Logger
	metrics   telemetry.Metrics
	publisher logging.Publisher
}

// NewNetwork returns a facade with no endpoint; the simulation starts in
// offline mode.
func NewNetwork(cfg NetworkConfig) *Network {
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
	return &Network{
		cfg:       cfg,
		events:    make(chan mp.Event, eventChannelCapacity),
		logger:    logger,
		metrics:   metrics,
		publisher: publisher,
	}
}

// Events delivers session events to the application. The channel is never
// closed; a lagging consumer loses events rather than stalling the frame
// loop.
func (n *Network) Events() <-chan mp.Event { return n.events }

// SetOwnPlayer sets the local player used for offline sessions. Endpoints
// carry their own copy; calling this while one is active is a no-op.
func (n *Network) SetOwnPlayer(player *protocol.PlayerInfo) {
	if n.server != nil || n.client != nil {
		return
	}
	n.ownPlayer = player
}

// OwnPlayer returns the local player, nil when headless.
func (n *Network) OwnPlayer() *protocol.PlayerInfo {
	if n.server != nil {
		return n.server.OwnPlayer()
	}
	if n.client != nil {
		own := n.client.OwnPlayer()
		return &own
	}
	return n.ownPlayer
}

// Server returns the live server endpoint, if any.
func (n *Network) Server() *mp.Server { return n.server }

// Client returns the live client endpoint, if any.
func (n *Network) Client() *mp.Client { return n.client }

// Online reports whether an endpoint is active.
func (n *Network) Online() bool { return n.server != nil || n.client != nil }

// StartServer opens an authoritative session on the configured bind
// address. player is the server-side player, nil for a dedicated server.
func (n *Network) StartServer(info protocol.ServerInfo, player *protocol.PlayerInfo) error {
	if n.Online() || n.browser != nil {
		return mp.ErrEndpointActive
	}
	srv, err := mp.NewServer(mp.ServerConfig{
		Bind:      n.cfg.Bind,
		Host:      n.cfg.Host,
		Info:      info,
		Player:    player,
		Universe:  n.cfg.Universe,
		Codec:     n.cfg.Codec,
		Events:    n.events,
		Logger:    n.logger,
		Metrics:   n.metrics,
		Publisher: n.publisher,
	})
	if err != nil {
		return err
	}
	n.server = srv
	n.ownPlayer = srv.OwnPlayer()
	return nil
}

// StartClient joins the given session. The endpoint binds an ephemeral port
// on the configured interface.
func (n *Network) StartClient(server protocol.ServerInfo, player protocol.PlayerInfo) error {
	if n.Online() || n.browser != nil {
		return mp.ErrEndpointActive
	}
	bind := netip.AddrPortFrom(n.cfg.Bind.Addr(), 0)
	cli, err := mp.NewClient(mp.ClientConfig{
		Bind:        bind,
		Host:        n.cfg.Host,
		Server:      server,
		Player:      player,
		Universe:    n.cfg.Universe,
		Codec:       n.cfg.Codec,
		DecodeWorld: n.cfg.DecodeWorld,
		Events:      n.events,
		Logger:      n.logger,
		Metrics:     n.metrics,
		Publisher:   n.publisher,
	})
	if err != nil {
		return err
	}
	n.client = cli
	own := cli.OwnPlayer()
	n.ownPlayer = &own
	return nil
}

// StopEndpoint shuts down whichever endpoint is live. Safe to call with
// none.
func (n *Network) StopEndpoint() {
	if n.server != nil {
		if err := n.server.Close(); err != nil {
			n.logger.Printf("engine: close server endpoint: %v", err)
		}
		n.server = nil
	}
	if n.client != nil {
		if err := n.client.Close(); err != nil {
			n.logger.Printf("engine: close client endpoint: %v", err)
		}
		n.client = nil
	}
}

// StartBrowser opens a server browser. Browsing is mutually exclusive with
// a live endpoint.
func (n *Network) StartBrowser() error {
	if n.Online() || n.browser != nil {
		return mp.ErrEndpointActive
	}
	bind := netip.AddrPortFrom(n.cfg.Bind.Addr(), 0)
	br, err := mp.NewBrowser(mp.BrowserConfig{
		Bind:      bind,
		Host:      n.cfg.Host,
		LocalPort: n.cfg.Bind.Port(),
		Logger:    n.logger,
		Metrics:   n.metrics,
		Publisher: n.publisher,
	})
	if err != nil {
		return err
	}
	n.browser = br
	return nil
}

// StopBrowser shuts the browser down. Safe to call with none open.
func (n *Network) StopBrowser() {
	if n.browser == nil {
		return
	}
	if err := n.browser.Close(); err != nil {
		n.logger.Printf("engine: close browser: %v", err)
	}
	n.browser = nil
}

// Browser returns the open browser, nil when none.
func (n *Network) Browser() *mp.Browser { return n.browser }

// SyncJoinProcess drives a client's join handshake while the universe is
// paused. It reports false once the join has conclusively failed; with no
// client endpoint it reports true.
func (n *Network) SyncJoinProcess() bool {
	if n.client == nil {
		return true
	}
	return n.client.SyncJoinProcess()
}

// SyncActions synchronizes one frame. Stateful actions go through the
// endpoint (or straight into the result when offline); stateless actions
// never cross the wire and are merged into the local player's sets
// afterwards. A nil result means the session is over and the loop must tear
// down.
func (n *Network) SyncActions(stateful, stateless map[universe.WorldID][]universe.Action, atFrame universe.FrameID) *mp.SyncResult {
	var res *mp.SyncResult
	switch {
	case n.server != nil:
		res = n.server.SyncActions(stateful, atFrame)
	case n.client != nil:
		res = n.client.SyncActions(stateful, atFrame)
	default:
		res = n.offlineSync(stateful, atFrame)
	}
	if res == nil {
		return nil
	}
	if own := n.OwnPlayer(); own != nil {
		mergeLocal(res.Actions, own.ID, stateless)
	}
	return res
}

// offlineSync is the no-endpoint short circuit: the local player's actions
// are the whole frame, every frame is at sync, and the player "joins" on
// frame zero.
func (n *Network) offlineSync(stateful map[universe.WorldID][]universe.Action, atFrame universe.FrameID) *mp.SyncResult {
	res := &mp.SyncResult{
		Actions: make(map[universe.WorldID][]universe.PlayerActions, len(stateful)),
		AtSync:  true,
	}
	for world, actions := range stateful {
		if n.ownPlayer == nil {
			// headless: worlds still tick, on empty action sets
			res.Actions[world] = []universe.PlayerActions{}
			continue
		}
		res.Actions[world] = []universe.PlayerActions{{
			Player:  n.ownPlayer.ID,
			Actions: append([]universe.Action(nil), actions...),
		}}
	}
	if n.ownPlayer != nil && atFrame == 0 {
		res.Joined = []protocol.PlayerInfo{*n.ownPlayer}
	}
	return res
}

// mergeLocal appends the local player's stateless actions to their entry in
// each world's ordered set, inserting an entry at the sorted position when
// the frame had nothing from them.
func mergeLocal(actions map[universe.WorldID][]universe.PlayerActions, own protocol.PlayerID, stateless map[universe.WorldID][]universe.Action) {
	for world, extra := range stateless {
		if len(extra) == 0 {
			continue
		}
		sets, ok := actions[world]
		if !ok {
			continue
		}
		i := sort.Search(len(sets), func(i int) bool { return sets[i].Player >= own })
		if i < len(sets) && sets[i].Player == own {
			sets[i].Actions = append(sets[i].Actions, extra...)
			actions[world] = sets
			continue
		}
		sets = append(sets, universe.PlayerActions{})
		copy(sets[i+1:], sets[i:])
		sets[i] = universe.PlayerActions{Player: own, Actions: append([]universe.Action(nil), extra...)}
		actions[world] = sets
	}
}
