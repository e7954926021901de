package mp

import (
	"fmt"
	"net/netip"
	"sort"
	"time"

	"emberfall/engine/internal/wire"
	"emberfall/engine/protocol"
	"emberfall/engine/universe"
)

// Message is a game-session message. The set of variants is closed; tags are
// assigned in declaration order and are part of the wire contract. Action
// values cross the wire as blobs produced by the game's ActionCodec.
type Message interface {
	msgTag() uint64
}

// ActionsFromClient carries one client's own actions for a future frame,
// keyed by world.
type ActionsFromClient struct {
	ForFrame universe.FrameID
	Actions  map[universe.WorldID][]universe.Action
}

// ActionsFromServer relays the complete action sets for one frame to every
// peer: world → player → actions.
type ActionsFromServer struct {
	ForFrame universe.FrameID
	Actions  map[universe.WorldID]map[protocol.PlayerID][]universe.Action
}

// LatencyUpdate tells a client the server's current latency estimate for it.
// Millisecond precision.
type LatencyUpdate struct {
	Latency time.Duration
}

// JoinReq asks to join the session. Player.Addr must match the address the
// request arrives from.
type JoinReq struct {
	Player protocol.PlayerInfo
}

// JoinRes answers a JoinReq. On acceptance it carries the current roster,
// the set of players mid-join, and the server-side player if one exists.
type JoinRes struct {
	Accepted     bool
	Reason       string
	ServerPlayer *protocol.PlayerInfo
	Players      map[netip.AddrPort]protocol.PlayerInfo
	Joining      map[netip.AddrPort]protocol.PlayerInfo
}

// JoinReqUniverseData asks for the universe snapshot once a join was allowed.
type JoinReqUniverseData struct {
	Player protocol.PlayerInfo
}

// JoinResUniverseData carries the snapshot: the universe blob, one blob per
// world, and the frame the snapshot was taken at. Blobs are compressed
// snapshot frames (see universe.EncodeSnapshot).
type JoinResUniverseData struct {
	Universe    []byte
	Worlds      [][]byte
	ActiveFrame universe.FrameID
}

// JoinComplete reports that the joiner has caught up and plays from here on.
type JoinComplete struct {
	Player protocol.PlayerInfo
}

// Leaving announces a clean departure.
type Leaving struct {
	Player protocol.PlayerInfo
}

// PlayerJoinStart relays to existing peers that a new player began joining.
type PlayerJoinStart struct {
	Player protocol.PlayerInfo
}

// PlayerJoinSuccess relays that a joining player finished.
type PlayerJoinSuccess struct {
	Player protocol.PlayerInfo
}

// PlayerJoinFailure relays that a joining player gave up or timed out.
type PlayerJoinFailure struct {
	Player protocol.PlayerInfo
}

// PlayerLeft relays that a player left or was dropped.
type PlayerLeft struct {
	Player protocol.PlayerInfo
}

const (
	tagActionsFromClient = iota
	tagActionsFromServer
	tagLatencyUpdate
	tagJoinReq
	tagJoinRes
	tagJoinReqUniverseData
	tagJoinResUniverseData
	tagJoinComplete
	tagLeaving
	tagPlayerJoinStart
	tagPlayerJoinSuccess
	tagPlayerJoinFailure
	tagPlayerLeft
)

func (ActionsFromClient) msgTag() uint64   { return tagActionsFromClient }
func (ActionsFromServer) msgTag() uint64   { return tagActionsFromServer }
func (LatencyUpdate) msgTag() uint64       { return tagLatencyUpdate }
func (JoinReq) msgTag() uint64             { return tagJoinReq }
func (JoinRes) msgTag() uint64             { return tagJoinRes }
func (JoinReqUniverseData) msgTag() uint64 { return tagJoinReqUniverseData }
func (JoinResUniverseData) msgTag() uint64 { return tagJoinResUniverseData }
func (JoinComplete) msgTag() uint64        { return tagJoinComplete }
func (Leaving) msgTag() uint64             { return tagLeaving }
func (PlayerJoinStart) msgTag() uint64     { return tagPlayerJoinStart }
func (PlayerJoinSuccess) msgTag() uint64   { return tagPlayerJoinSuccess }
func (PlayerJoinFailure) msgTag() uint64   { return tagPlayerJoinFailure }
func (PlayerLeft) msgTag() uint64          { return tagPlayerLeft }

// EncodeMessage returns the full payload for m: the game envelope tag, the
// variant tag, and the variant body. Maps encode in ascending key order so
// identical values produce identical bytes.
func EncodeMessage(codec universe.ActionCodec, m Message) ([]byte, error) {
	w := wire.NewWriter()
	w.Uint(uint64(protocol.KindGame))
	w.Uint(m.msgTag())
	switch v := m.(type) {
	case ActionsFromClient:
		w.Uint(uint64(v.ForFrame))
		if err := encodeWorldActions(w, codec, v.Actions); err != nil {
			return nil, err
		}
	case ActionsFromServer:
		w.Uint(uint64(v.ForFrame))
		if err := encodeFrameActions(w, codec, v.Actions); err != nil {
			return nil, err
		}
	case LatencyUpdate:
		w.Uint(uint64(v.Latency / time.Millisecond))
	case JoinReq:
		v.Player.Encode(w)
	case JoinRes:
		w.Bool(v.Accepted)
		w.String(v.Reason)
		w.Bool(v.ServerPlayer != nil)
		if v.ServerPlayer != nil {
			v.ServerPlayer.Encode(w)
		}
		encodeRoster(w, v.Players)
		encodeRoster(w, v.Joining)
	case JoinReqUniverseData:
		v.Player.Encode(w)
	case JoinResUniverseData:
		w.Blob(v.Universe)
		w.Uint(uint64(len(v.Worlds)))
		for _, blob := range v.Worlds {
			w.Blob(blob)
		}
		w.Uint(uint64(v.ActiveFrame))
	case JoinComplete:
		v.Player.Encode(w)
	case Leaving:
		v.Player.Encode(w)
	case PlayerJoinStart:
		v.Player.Encode(w)
	case PlayerJoinSuccess:
		v.Player.Encode(w)
	case PlayerJoinFailure:
		v.Player.Encode(w)
	case PlayerLeft:
		v.Player.Encode(w)
	default:
		panic(fmt.Sprintf("mp: unknown message %T", m))
	}
	return w.Bytes(), nil
}

// DecodeMessage reads a game message body and requires the reader to be
// fully consumed.
func DecodeMessage(codec universe.ActionCodec, r *wire.Reader) (Message, error) {
	tag, err := r.Uint()
	if err != nil {
		return nil, fmt.Errorf("mp: message tag: %w", err)
	}
	var msg Message
	switch tag {
	case tagActionsFromClient:
		frame, err := r.Uint()
		if err != nil {
			return nil, err
		}
		actions, err := decodeWorldActions(r, codec)
		if err != nil {
			return nil, err
		}
		msg = ActionsFromClient{ForFrame: universe.FrameID(frame), Actions: actions}
	case tagActionsFromServer:
		frame, err := r.Uint()
		if err != nil {
			return nil, err
		}
		actions, err := decodeFrameActions(r, codec)
		if err != nil {
			return nil, err
		}
		msg = ActionsFromServer{ForFrame: universe.FrameID(frame), Actions: actions}
	case tagLatencyUpdate:
		millis, err := r.Uint()
		if err != nil {
			return nil, err
		}
		msg = LatencyUpdate{Latency: time.Duration(millis) * time.Millisecond}
	case tagJoinReq:
		player, err := protocol.DecodePlayerInfo(r)
		if err != nil {
			return nil, err
		}
		msg = JoinReq{Player: player}
	case tagJoinRes:
		v, err := decodeJoinRes(r)
		if err != nil {
			return nil, err
		}
		msg = v
	case tagJoinReqUniverseData:
		player, err := protocol.DecodePlayerInfo(r)
		if err != nil {
			return nil, err
		}
		msg = JoinReqUniverseData{Player: player}
	case tagJoinResUniverseData:
		v, err := decodeJoinResUniverseData(r)
		if err != nil {
			return nil, err
		}
		msg = v
	case tagJoinComplete:
		player, err := protocol.DecodePlayerInfo(r)
		if err != nil {
			return nil, err
		}
		msg = JoinComplete{Player: player}
	case tagLeaving:
		player, err := protocol.DecodePlayerInfo(r)
		if err != nil {
			return nil, err
		}
		msg = Leaving{Player: player}
	case tagPlayerJoinStart:
		player, err := protocol.DecodePlayerInfo(r)
		if err != nil {
			return nil, err
		}
		msg = PlayerJoinStart{Player: player}
	case tagPlayerJoinSuccess:
		player, err := protocol.DecodePlayerInfo(r)
		if err != nil {
			return nil, err
		}
		msg = PlayerJoinSuccess{Player: player}
	case tagPlayerJoinFailure:
		player, err := protocol.DecodePlayerInfo(r)
		if err != nil {
			return nil, err
		}
		msg = PlayerJoinFailure{Player: player}
	case tagPlayerLeft:
		player, err := protocol.DecodePlayerInfo(r)
		if err != nil {
			return nil, err
		}
		msg = PlayerLeft{Player: player}
	default:
		return nil, fmt.Errorf("mp: unknown message tag %d", tag)
	}
	if err := r.Finish(); err != nil {
		return nil, err
	}
	return msg, nil
}

func encodeActionList(w *wire.Writer, codec universe.ActionCodec, actions []universe.Action) error {
	w.Uint(uint64(len(actions)))
	for _, a := range actions {
		blob, err := codec.Marshal(a)
		if err != nil {
			return fmt.Errorf("mp: marshal action: %w", err)
		}
		w.Blob(blob)
	}
	return nil
}

func decodeActionList(r *wire.Reader, codec universe.ActionCodec) ([]universe.Action, error) {
	n, err := r.Uint()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	actions := make([]universe.Action, 0, min(n, 256))
	for i := uint64(0); i < n; i++ {
		blob, err := r.Blob()
		if err != nil {
			return nil, err
		}
		a, err := codec.Unmarshal(blob)
		if err != nil {
			return nil, fmt.Errorf("mp: unmarshal action: %w", err)
		}
		actions = append(actions, a)
	}
	return actions, nil
}

func encodeWorldActions(w *wire.Writer, codec universe.ActionCodec, m map[universe.WorldID][]universe.Action) error {
	worlds := make([]universe.WorldID, 0, len(m))
	for id := range m {
		worlds = append(worlds, id)
	}
	sort.Slice(worlds, func(i, j int) bool { return worlds[i] < worlds[j] })
	w.Uint(uint64(len(worlds)))
	for _, id := range worlds {
		w.Uint(uint64(id))
		if err := encodeActionList(w, codec, m[id]); err != nil {
			return err
		}
	}
	return nil
}

func decodeWorldActions(r *wire.Reader, codec universe.ActionCodec) (map[universe.WorldID][]universe.Action, error) {
	n, err := r.Uint()
	if err != nil {
		return nil, err
	}
	out := make(map[universe.WorldID][]universe.Action, min(n, 64))
	for i := uint64(0); i < n; i++ {
		id, err := r.Uint()
		if err != nil {
			return nil, err
		}
		actions, err := decodeActionList(r, codec)
		if err != nil {
			return nil, err
		}
		out[universe.WorldID(id)] = actions
	}
	return out, nil
}

func encodeFrameActions(w *wire.Writer, codec universe.ActionCodec, m map[universe.WorldID]map[protocol.PlayerID][]universe.Action) error {
	worlds := make([]universe.WorldID, 0, len(m))
	for id := range m {
		worlds = append(worlds, id)
	}
	sort.Slice(worlds, func(i, j int) bool { return worlds[i] < worlds[j] })
	w.Uint(uint64(len(worlds)))
	for _, id := range worlds {
		byPlayer := m[id]
		players := make([]protocol.PlayerID, 0, len(byPlayer))
		for pid := range byPlayer {
			players = append(players, pid)
		}
		sort.Slice(players, func(i, j int) bool { return players[i] < players[j] })
		w.Uint(uint64(id))
		w.Uint(uint64(len(players)))
		for _, pid := range players {
			w.Uint(uint64(pid))
			if err := encodeActionList(w, codec, byPlayer[pid]); err != nil {
				return err
			}
		}
	}
	return nil
}

func decodeFrameActions(r *wire.Reader, codec universe.ActionCodec) (map[universe.WorldID]map[protocol.PlayerID][]universe.Action, error) {
	n, err := r.Uint()
	if err != nil {
		return nil, err
	}
	out := make(map[universe.WorldID]map[protocol.PlayerID][]universe.Action, min(n, 64))
	for i := uint64(0); i < n; i++ {
		id, err := r.Uint()
		if err != nil {
			return nil, err
		}
		count, err := r.Uint()
		if err != nil {
			return nil, err
		}
		byPlayer := make(map[protocol.PlayerID][]universe.Action, min(count, 256))
		for j := uint64(0); j < count; j++ {
			pid, err := r.Uint()
			if err != nil {
				return nil, err
			}
			actions, err := decodeActionList(r, codec)
			if err != nil {
				return nil, err
			}
			byPlayer[protocol.PlayerID(pid)] = actions
		}
		out[universe.WorldID(id)] = byPlayer
	}
	return out, nil
}

func encodeRoster(w *wire.Writer, roster map[netip.AddrPort]protocol.PlayerInfo) {
	addrs := make([]netip.AddrPort, 0, len(roster))
	for addr := range roster {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool {
		if c := addrs[i].Addr().Compare(addrs[j].Addr()); c != 0 {
			return c < 0
		}
		return addrs[i].Port() < addrs[j].Port()
	})
	w.Uint(uint64(len(addrs)))
	for _, addr := range addrs {
		w.AddrPort(addr)
		roster[addr].Encode(w)
	}
}

func decodeRoster(r *wire.Reader) (map[netip.AddrPort]protocol.PlayerInfo, error) {
	n, err := r.Uint()
	if err != nil {
		return nil, err
	}
	roster := make(map[netip.AddrPort]protocol.PlayerInfo, min(n, 256))
	for i := uint64(0); i < n; i++ {
		addr, err := r.AddrPort()
		if err != nil {
			return nil, err
		}
		info, err := protocol.DecodePlayerInfo(r)
		if err != nil {
			return nil, err
		}
		roster[addr] = info
	}
	return roster, nil
}

func decodeJoinRes(r *wire.Reader) (JoinRes, error) {
	var v JoinRes
	accepted, err := r.Bool()
	if err != nil {
		return v, err
	}
	reason, err := r.String()
	if err != nil {
		return v, err
	}
	hasServerPlayer, err := r.Bool()
	if err != nil {
		return v, err
	}
	v.Accepted = accepted
	v.Reason = reason
	if hasServerPlayer {
		info, err := protocol.DecodePlayerInfo(r)
		if err != nil {
			return v, err
		}
		v.ServerPlayer = &info
	}
	if v.Players, err = decodeRoster(r); err != nil {
		return v, err
	}
	if v.Joining, err = decodeRoster(r); err != nil {
		return v, err
	}
	return v, nil
}

func decodeJoinResUniverseData(r *wire.Reader) (JoinResUniverseData, error) {
	var v JoinResUniverseData
	blob, err := r.Blob()
	if err != nil {
		return v, err
	}
	v.Universe = append([]byte(nil), blob...)
	n, err := r.Uint()
	if err != nil {
		return v, err
	}
	v.Worlds = make([][]byte, 0, min(n, 64))
	for i := uint64(0); i < n; i++ {
		blob, err := r.Blob()
		if err != nil {
			return v, err
		}
		v.Worlds = append(v.Worlds, append([]byte(nil), blob...))
	}
	frame, err := r.Uint()
	if err != nil {
		return v, err
	}
	v.ActiveFrame = universe.FrameID(frame)
	return v, nil
}
