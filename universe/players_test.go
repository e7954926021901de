package universe

import (
	"net/netip"
	"testing"

	"emberfall/engine/internal/wire"
	"emberfall/engine/protocol"
)

func testPlayer(id protocol.PlayerID, name string) protocol.PlayerInfo {
	return protocol.PlayerInfo{
		ID:   id,
		Name: name,
		Addr: netip.MustParseAddrPort("192.0.2.10:27600"),
	}
}

func TestPlayersJoinLeaveRejoin(t *testing.T) {
	p := NewPlayers()
	original := Entity{Index: 4, Generation: 2}

	if got := p.Join(testPlayer(1, "ada"), original); got != original {
		t.Fatalf("Join returned %+v, want %+v", got, original)
	}
	if _, ok := p.Get(1); !ok {
		t.Fatal("player 1 missing after Join")
	}

	if !p.Leave(1) {
		t.Fatal("Leave(1) = false for online player")
	}
	if _, ok := p.Get(1); ok {
		t.Fatal("player 1 still online after Leave")
	}
	if got := p.Count(); got != 0 {
		t.Fatalf("Count() = %d after Leave, want 0", got)
	}

	// a rejoin keeps the stashed entity and takes the fresh info
	replacement := Entity{Index: 9, Generation: 1}
	if got := p.Join(testPlayer(1, "ada-renamed"), replacement); got != original {
		t.Fatalf("rejoin returned %+v, want stashed %+v", got, original)
	}
	entry, ok := p.Get(1)
	if !ok {
		t.Fatal("player 1 missing after rejoin")
	}
	if entry.Entity != original {
		t.Fatalf("rejoin bound entity %+v, want %+v", entry.Entity, original)
	}
	if entry.Info.Name != "ada-renamed" {
		t.Fatalf("rejoin kept stale name %q", entry.Info.Name)
	}
}

func TestPlayersLeaveUnknown(t *testing.T) {
	p := NewPlayers()
	if p.Leave(404) {
		t.Fatal("Leave(404) = true for unknown player")
	}
}

func TestPlayersOnlineSorted(t *testing.T) {
	p := NewPlayers()
	for _, id := range []protocol.PlayerID{5, 1, 9, 3} {
		p.Join(testPlayer(id, "p"), NoEntity)
	}
	online := p.Online()
	want := []protocol.PlayerID{1, 3, 5, 9}
	if len(online) != len(want) {
		t.Fatalf("Online() returned %d entries, want %d", len(online), len(want))
	}
	for i, entry := range online {
		if entry.Info.ID != want[i] {
			t.Fatalf("Online()[%d].ID = %d, want %d", i, entry.Info.ID, want[i])
		}
	}
}

func TestPlayersEncodeDecode(t *testing.T) {
	p := NewPlayers()
	p.Join(testPlayer(1, "ada"), Entity{Index: 0, Generation: 1})
	p.Join(testPlayer(2, "brin"), Entity{Index: 1, Generation: 1})
	p.Join(testPlayer(3, "cray"), Entity{Index: 2, Generation: 3})
	p.Leave(2)

	w := wire.NewWriter()
	p.Encode(w)
	r := wire.NewReader(w.Bytes())
	decoded, err := DecodePlayers(r)
	if err != nil {
		t.Fatalf("DecodePlayers: %v", err)
	}
	if err := r.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	if got := decoded.Count(); got != 2 {
		t.Fatalf("decoded Count() = %d, want 2", got)
	}
	entry, ok := decoded.Get(3)
	if !ok {
		t.Fatal("decoded roster missing player 3")
	}
	if entry.Entity != (Entity{Index: 2, Generation: 3}) {
		t.Fatalf("player 3 entity = %+v", entry.Entity)
	}

	// the offline stash survives, so a rejoin restores the old entity
	if got := decoded.Join(testPlayer(2, "brin"), NoEntity); got != (Entity{Index: 1, Generation: 1}) {
		t.Fatalf("rejoin after decode bound %+v, want stashed entity", got)
	}
}

func TestPlayersEncodeDeterministic(t *testing.T) {
	build := func(order []protocol.PlayerID) []byte {
		p := NewPlayers()
		for _, id := range order {
			p.Join(testPlayer(id, "p"), Entity{Index: uint32(id), Generation: 1})
		}
		w := wire.NewWriter()
		p.Encode(w)
		return w.Bytes()
	}
	a := build([]protocol.PlayerID{1, 2, 3})
	b := build([]protocol.PlayerID{3, 1, 2})
	if string(a) != string(b) {
		t.Fatal("roster encoding depends on join order")
	}
}
