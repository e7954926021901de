package protocol

import (
	"bytes"
	"net/netip"
	"strings"
	"testing"

	"emberfall/engine/internal/wire"
)

func sampleServerInfo(id ServerID) ServerInfo {
	return ServerInfo{
		ID:          id,
		Name:        "emberfall test server",
		Description: "integration fixture",
		Addr:        netip.MustParseAddrPort("192.168.1.44:26000"),
		Global:      true,
		HasPassword: false,
		CurPlayers:  3,
		MaxPlayers:  16,
	}
}

func TestSysMessageRoundTrip(t *testing.T) {
	messages := []SysMessage{
		SocketInfoReq{},
		SocketInfoRes{Addr: netip.MustParseAddrPort("203.0.113.9:31337")},
		ServerInfoReq{},
		ServerInfoResGlobal{Servers: []ServerInfo{sampleServerInfo(23), sampleServerInfo(24)}},
		ServerInfoResGlobal{Servers: nil},
		ServerInfoResLocal{Server: sampleServerInfo(7)},
		ServerInfoPost{Server: sampleServerInfo(1)},
		ServerInfoDelete{},
		NatPunchRelay{To: netip.MustParseAddrPort("[2001:db8::1]:26000")},
		NatPunchStart{To: netip.MustParseAddrPort("198.51.100.2:26001")},
		NatPunchPing{},
	}
	for _, msg := range messages {
		payload := EncodeSysMessage(msg)

		kind, r, err := DecodeEnvelope(payload)
		if err != nil {
			t.Fatalf("%T: envelope: %v", msg, err)
		}
		if kind != KindSystem {
			t.Fatalf("%T: kind = %d, want system", msg, kind)
		}
		decoded, err := DecodeSysMessage(r)
		if err != nil {
			t.Fatalf("%T: decode: %v", msg, err)
		}

		again := EncodeSysMessage(decoded)
		if !bytes.Equal(again, payload) {
			t.Fatalf("%T: re-encode not byte identical\n first: %x\nsecond: %x", msg, payload, again)
		}
	}
}

func TestSysMessageRoundTripValues(t *testing.T) {
	post := ServerInfoPost{Server: sampleServerInfo(42)}
	_, r, err := DecodeEnvelope(EncodeSysMessage(post))
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	decoded, err := DecodeSysMessage(r)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, ok := decoded.(ServerInfoPost)
	if !ok {
		t.Fatalf("decoded %T, want ServerInfoPost", decoded)
	}
	if got.Server != post.Server {
		t.Fatalf("server info changed: %+v != %+v", got.Server, post.Server)
	}
}

func TestDecodeEnvelopeRejectsUnknownKind(t *testing.T) {
	w := wire.NewWriter()
	w.Uint(9)
	if _, _, err := DecodeEnvelope(w.Bytes()); err == nil {
		t.Fatal("expected error for unknown envelope kind")
	}
}

func TestDecodeEnvelopeRejectsEmptyPayload(t *testing.T) {
	if _, _, err := DecodeEnvelope(nil); err == nil {
		t.Fatal("expected error for empty payload")
	}
}

func TestDecodeSysMessageRejectsUnknownTag(t *testing.T) {
	w := wire.NewWriter()
	w.Uint(uint64(KindSystem))
	w.Uint(99)
	_, r, err := DecodeEnvelope(w.Bytes())
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	if _, err := DecodeSysMessage(r); err == nil || !strings.Contains(err.Error(), "unknown sys message tag") {
		t.Fatalf("expected unknown tag error, got %v", err)
	}
}

func TestDecodeSysMessageRejectsTrailingBytes(t *testing.T) {
	payload := EncodeSysMessage(NatPunchPing{})
	payload = append(payload, 0xEE)
	_, r, err := DecodeEnvelope(payload)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	if _, err := DecodeSysMessage(r); err != wire.ErrTrailingBytes {
		t.Fatalf("expected ErrTrailingBytes, got %v", err)
	}
}

func TestDecodeSysMessageRejectsTruncatedBody(t *testing.T) {
	payload := EncodeSysMessage(SocketInfoRes{Addr: netip.MustParseAddrPort("10.0.0.1:80")})
	_, r, err := DecodeEnvelope(payload[:len(payload)-2])
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	if _, err := DecodeSysMessage(r); err == nil {
		t.Fatal("expected error for truncated body")
	}
}

func TestPlayerInfoRoundTrip(t *testing.T) {
	info := PlayerInfo{ID: 77, Name: "ember", Addr: netip.MustParseAddrPort("127.0.0.1:26100")}
	w := wire.NewWriter()
	info.Encode(w)

	r := wire.NewReader(w.Bytes())
	got, err := DecodePlayerInfo(r)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := r.Finish(); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if got != info {
		t.Fatalf("player info changed: %+v != %+v", got, info)
	}
}
