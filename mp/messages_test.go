package mp

import (
	"errors"
	"net/netip"
	"reflect"
	"testing"
	"time"

	"emberfall/engine/internal/wire"
	"emberfall/engine/protocol"
	"emberfall/engine/universe"
)

// testCodec marshals testAction as tag bytes plus a stateful flag.
type testCodec struct{}

func (testCodec) Marshal(a universe.Action) ([]byte, error) {
	ta, ok := a.(testAction)
	if !ok {
		return nil, errors.New("not a testAction")
	}
	w := wire.NewWriter()
	w.String(ta.tag)
	w.Bool(ta.stateful)
	return w.Bytes(), nil
}

func (testCodec) Unmarshal(blob []byte) (universe.Action, error) {
	r := wire.NewReader(blob)
	tag, err := r.String()
	if err != nil {
		return nil, err
	}
	stateful, err := r.Bool()
	if err != nil {
		return nil, err
	}
	if err := r.Finish(); err != nil {
		return nil, err
	}
	return testAction{tag: tag, stateful: stateful}, nil
}

func roundTrip(t *testing.T, m Message) Message {
	t.Helper()
	payload, err := EncodeMessage(testCodec{}, m)
	if err != nil {
		t.Fatalf("EncodeMessage(%T): %v", m, err)
	}
	kind, r, err := protocol.DecodeEnvelope(payload)
	if err != nil {
		t.Fatalf("DecodeEnvelope(%T): %v", m, err)
	}
	if kind != protocol.KindGame {
		t.Fatalf("envelope kind = %d, want game", kind)
	}
	out, err := DecodeMessage(testCodec{}, r)
	if err != nil {
		t.Fatalf("DecodeMessage(%T): %v", m, err)
	}
	return out
}

func samplePlayer(id protocol.PlayerID) protocol.PlayerInfo {
	return protocol.PlayerInfo{
		ID:   id,
		Name: "peer",
		Addr: netip.MustParseAddrPort("10.0.0.7:9001"),
	}
}

func TestMessageRoundTrip(t *testing.T) {
	server := samplePlayer(1)
	cases := []Message{
		ActionsFromClient{
			ForFrame: 42,
			Actions: map[universe.WorldID][]universe.Action{
				1: {testAction{tag: "move", stateful: true}},
				3: nil,
			},
		},
		ActionsFromServer{
			ForFrame: 42,
			Actions: map[universe.WorldID]map[protocol.PlayerID][]universe.Action{
				1: {
					2: {testAction{tag: "a", stateful: true}, testAction{tag: "b", stateful: true}},
					5: nil,
				},
				2: {},
			},
		},
		LatencyUpdate{Latency: 37 * time.Millisecond},
		JoinReq{Player: samplePlayer(9)},
		JoinRes{
			Accepted:     true,
			ServerPlayer: &server,
			Players: map[netip.AddrPort]protocol.PlayerInfo{
				samplePlayer(2).Addr: samplePlayer(2),
			},
			Joining: map[netip.AddrPort]protocol.PlayerInfo{},
		},
		JoinRes{Accepted: false, Reason: "session is full",
			Players: map[netip.AddrPort]protocol.PlayerInfo{},
			Joining: map[netip.AddrPort]protocol.PlayerInfo{}},
		JoinReqUniverseData{Player: samplePlayer(9)},
		JoinResUniverseData{
			Universe:    []byte{1, 2, 3},
			Worlds:      [][]byte{{4, 5}, {6}},
			ActiveFrame: 1000,
		},
		JoinComplete{Player: samplePlayer(9)},
		Leaving{Player: samplePlayer(9)},
		PlayerJoinStart{Player: samplePlayer(9)},
		PlayerJoinSuccess{Player: samplePlayer(9)},
		PlayerJoinFailure{Player: samplePlayer(9)},
		PlayerLeft{Player: samplePlayer(9)},
	}
	for _, m := range cases {
		out := roundTrip(t, m)
		if !reflect.DeepEqual(out, m) {
			t.Errorf("round trip of %T:\n got %#v\nwant %#v", m, out, m)
		}
	}
}

func TestMessageEncodingDeterministic(t *testing.T) {
	// map iteration order must not leak into the bytes
	m := ActionsFromServer{
		ForFrame: 7,
		Actions: map[universe.WorldID]map[protocol.PlayerID][]universe.Action{
			3: {9: nil, 2: nil, 40: nil},
			1: {5: {testAction{tag: "x", stateful: true}}},
			2: {},
		},
	}
	first, err := EncodeMessage(testCodec{}, m)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 20; i++ {
		again, err := EncodeMessage(testCodec{}, m)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(again, first) {
			t.Fatal("two encodings of the same message differ")
		}
	}
}

func TestDecodeMessageRejectsUnknownTag(t *testing.T) {
	w := wire.NewWriter()
	w.Uint(uint64(tagPlayerLeft) + 100)
	if _, err := DecodeMessage(testCodec{}, wire.NewReader(w.Bytes())); err == nil {
		t.Fatal("unknown tag decoded without error")
	}
}

func TestDecodeMessageRejectsTrailingBytes(t *testing.T) {
	payload, err := EncodeMessage(testCodec{}, LatencyUpdate{Latency: time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	payload = append(payload, 0xFF)
	_, r, err := protocol.DecodeEnvelope(payload)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecodeMessage(testCodec{}, r); err == nil {
		t.Fatal("trailing byte decoded without error")
	}
}

func TestDecodeMessageRejectsTruncatedBody(t *testing.T) {
	payload, err := EncodeMessage(testCodec{}, JoinComplete{Player: samplePlayer(3)})
	if err != nil {
		t.Fatal(err)
	}
	_, r, err := protocol.DecodeEnvelope(payload[:len(payload)-2])
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecodeMessage(testCodec{}, r); err == nil {
		t.Fatal("truncated body decoded without error")
	}
}

func TestDecodeMessageRejectsBadActionBlob(t *testing.T) {
	w := wire.NewWriter()
	w.Uint(uint64(protocol.KindGame))
	w.Uint(tagActionsFromClient)
	w.Uint(1)          // frame
	w.Uint(1)          // one world
	w.Uint(4)          // world id
	w.Uint(1)          // one action
	w.Blob([]byte{})   // codec cannot unmarshal an empty blob
	_, r, err := protocol.DecodeEnvelope(w.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecodeMessage(testCodec{}, r); err == nil {
		t.Fatal("undecodable action blob accepted")
	}
}
