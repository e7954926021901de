package mp

import (
	"errors"
	"net/netip"
	"strconv"
	"time"

	"emberfall/engine/logging"
	"emberfall/engine/protocol"
	"emberfall/engine/universe"
)

// ErrEndpointActive reports an attempt to start a second endpoint or a
// browser while an endpoint owns the session.
var ErrEndpointActive = errors.New("mp: an endpoint is already active")

// DefaultRetention is how many frames of action history an endpoint keeps.
// It doubles as the default forced-rejoin window: a peer further behind than
// this cannot catch up and must rejoin.
const DefaultRetention universe.FrameID = 20000

const (
	publishInterval   = 20 * time.Second
	playerTimeout     = 15 * time.Second
	serverJoinTimeout = 60 * time.Second
	clientJoinTimeout = 30 * time.Second
	commandTimeout    = 5 * time.Second

	// latencyLeadFactor scales the latency estimate into the client's
	// send-ahead distance.
	latencyLeadFactor = 5

	// latencyReportEvery is the frame interval between server latency
	// reports to clients.
	latencyReportEvery = universe.FrameID(universe.DefaultUPS)
)

// Send TTLs. Reliability retries until the TTL runs out; short TTLs are for
// traffic that goes stale fast.
const (
	ttlOwnActions   = 5 * time.Second
	ttlActionsRelay = 15 * time.Second
	ttlLatency      = 15 * time.Second
	ttlJoinNotify   = 15 * time.Second
	ttlDropNotify   = 10 * time.Second
	ttlJoinRequest  = 30 * time.Second
	ttlSnapshotReq  = 5 * time.Second
	ttlSnapshot     = 60 * time.Second
	ttlJoinComplete = 15 * time.Second
	ttlLeaving      = 5 * time.Second
	ttlPunch        = 30 * time.Second
	ttlPunchReply   = 15 * time.Second
	ttlSocketInfo   = 20 * time.Second
	ttlSocketReq    = 30 * time.Second
	ttlPublish      = 5 * time.Second
)

// SyncResult carries one frame's session output back to the simulation: who
// joined and left on that frame, and the complete per-world action sets in
// deterministic order. AtSync is false while a client is still replaying
// buffered frames to catch up.
type SyncResult struct {
	Joined  []protocol.PlayerInfo
	Left    []protocol.PlayerID
	Actions map[universe.WorldID][]universe.PlayerActions
	AtSync  bool
}

// wireActions reshapes a buffer export into the relay message layout.
// The export is already a deep copy, so the maps can be handed to the
// encoder as is.
func wireActions(export map[universe.WorldID][]universe.PlayerActions) map[universe.WorldID]map[protocol.PlayerID][]universe.Action {
	out := make(map[universe.WorldID]map[protocol.PlayerID][]universe.Action, len(export))
	for world, sets := range export {
		byPlayer := make(map[protocol.PlayerID][]universe.Action, len(sets))
		for _, set := range sets {
			byPlayer[set.Player] = set.Actions
		}
		out[world] = byPlayer
	}
	return out
}

func playerRef(id protocol.PlayerID) logging.PeerRef {
	return logging.PeerRef{ID: strconv.FormatUint(uint64(id), 10), Kind: logging.PeerKindPlayer}
}

func addrRef(addr netip.AddrPort, kind logging.PeerKind) logging.PeerRef {
	return logging.PeerRef{ID: addr.String(), Kind: kind}
}
