package universe

import (
	"testing"

	"emberfall/engine/internal/wire"
)

func TestArenaCreateDelete(t *testing.T) {
	a := NewArena()

	first := a.Create()
	second := a.Create()
	third := a.Create()
	if got := a.Len(); got != 3 {
		t.Fatalf("Len() = %d, want 3", got)
	}
	for _, e := range []Entity{first, second, third} {
		if !a.Live(e) {
			t.Fatalf("entity %+v not live after Create", e)
		}
	}

	a.Delete(second)
	if a.Live(second) {
		t.Fatalf("entity %+v live after Delete", second)
	}
	if got := a.Len(); got != 2 {
		t.Fatalf("Len() = %d after delete, want 2", got)
	}

	// stale and null deletes are no-ops
	a.Delete(second)
	a.Delete(NoEntity)
	if got := a.Len(); got != 2 {
		t.Fatalf("Len() = %d after stale deletes, want 2", got)
	}
}

func TestArenaReusesSlotWithNewGeneration(t *testing.T) {
	a := NewArena()
	e := a.Create()
	if e.Index != 0 || e.Generation != 1 {
		t.Fatalf("first handle = %+v, want {0 1}", e)
	}
	a.Delete(e)

	reused := a.Create()
	if reused.Index != e.Index {
		t.Fatalf("Create() after Delete used index %d, want reuse of %d", reused.Index, e.Index)
	}
	if reused.Generation != e.Generation+1 {
		t.Fatalf("reused generation = %d, want %d", reused.Generation, e.Generation+1)
	}
	if a.Live(e) {
		t.Fatalf("stale handle %+v live after slot reuse", e)
	}
	if !a.Live(reused) {
		t.Fatalf("fresh handle %+v not live", reused)
	}
}

func TestArenaLiveOutOfRange(t *testing.T) {
	a := NewArena()
	if a.Live(Entity{Index: 12, Generation: 1}) {
		t.Fatal("handle beyond arena reported live")
	}
}

func TestArenaEncodeDecode(t *testing.T) {
	a := NewArena()
	kept := a.Create()
	dropped := a.Create()
	a.Create()
	a.Delete(dropped)

	w := wire.NewWriter()
	a.Encode(w)
	r := wire.NewReader(w.Bytes())
	decoded, err := DecodeArena(r)
	if err != nil {
		t.Fatalf("DecodeArena: %v", err)
	}
	if err := r.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	if decoded.Len() != a.Len() {
		t.Fatalf("decoded Len() = %d, want %d", decoded.Len(), a.Len())
	}
	if !decoded.Live(kept) {
		t.Fatalf("decoded arena lost handle %+v", kept)
	}
	if decoded.Live(dropped) {
		t.Fatalf("decoded arena revived handle %+v", dropped)
	}

	// allocation order must survive the round trip or peers diverge
	if got, want := decoded.Create(), a.Create(); got != want {
		t.Fatalf("Create() after decode = %+v, original = %+v", got, want)
	}
}

func TestDecodeArenaRejectsBadFreeList(t *testing.T) {
	oversized := wire.NewWriter()
	oversized.Uint(1)
	oversized.Uint(1)
	oversized.Bool(true)
	oversized.Uint(2) // two frees against one slot
	oversized.Uint(0)
	oversized.Uint(0)
	if _, err := DecodeArena(wire.NewReader(oversized.Bytes())); err == nil {
		t.Fatal("DecodeArena accepted free list longer than arena")
	}

	outOfRange := wire.NewWriter()
	outOfRange.Uint(1)
	outOfRange.Uint(1)
	outOfRange.Bool(false)
	outOfRange.Uint(1)
	outOfRange.Uint(5) // free index beyond slots
	if _, err := DecodeArena(wire.NewReader(outOfRange.Bytes())); err == nil {
		t.Fatal("DecodeArena accepted out-of-range free index")
	}
}
