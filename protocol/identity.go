// Package protocol defines the identity types and system messages shared by
// game servers, game clients, server browsers, and the rendezvous host.
// Everything here crosses the wire, so field order is part of the contract.
package protocol

import (
	"net/netip"

	"emberfall/engine/internal/wire"
)

// PlayerID identifies a player for the lifetime of a session. IDs are chosen
// by the game and must be unique within a session; they are never reused
// while the session lives.
type PlayerID uint64

// ServerID identifies a game server in browser listings.
type ServerID uint64

// PlayerInfo describes one player as advertised to peers. Equality and
// ordering are by ID; Addr is transport detail and may change across NAT
// rebinds.
type PlayerInfo struct {
	ID   PlayerID
	Name string
	Addr netip.AddrPort
}

// Encode appends the wire form of p.
func (p PlayerInfo) Encode(w *wire.Writer) {
	w.Uint(uint64(p.ID))
	w.String(p.Name)
	w.AddrPort(p.Addr)
}

// DecodePlayerInfo reads a PlayerInfo written by Encode.
func DecodePlayerInfo(r *wire.Reader) (PlayerInfo, error) {
	var p PlayerInfo
	id, err := r.Uint()
	if err != nil {
		return p, err
	}
	name, err := r.String()
	if err != nil {
		return p, err
	}
	addr, err := r.AddrPort()
	if err != nil {
		return p, err
	}
	p.ID = PlayerID(id)
	p.Name = name
	p.Addr = addr
	return p, nil
}

// ServerInfo describes one game server as advertised to browsers and the
// rendezvous host.
type ServerInfo struct {
	ID          ServerID
	Name        string
	Description string
	Addr        netip.AddrPort
	Global      bool
	HasPassword bool
	CurPlayers  uint32
	MaxPlayers  uint32
}

// Encode appends the wire form of s.
func (s ServerInfo) Encode(w *wire.Writer) {
	w.Uint(uint64(s.ID))
	w.String(s.Name)
	w.String(s.Description)
	w.AddrPort(s.Addr)
	w.Bool(s.Global)
	w.Bool(s.HasPassword)
	w.Uint(uint64(s.CurPlayers))
	w.Uint(uint64(s.MaxPlayers))
}

// DecodeServerInfo reads a ServerInfo written by Encode.
func DecodeServerInfo(r *wire.Reader) (ServerInfo, error) {
	var s ServerInfo
	id, err := r.Uint()
	if err != nil {
		return s, err
	}
	name, err := r.String()
	if err != nil {
		return s, err
	}
	desc, err := r.String()
	if err != nil {
		return s, err
	}
	addr, err := r.AddrPort()
	if err != nil {
		return s, err
	}
	global, err := r.Bool()
	if err != nil {
		return s, err
	}
	hasPassword, err := r.Bool()
	if err != nil {
		return s, err
	}
	cur, err := r.Uint()
	if err != nil {
		return s, err
	}
	max, err := r.Uint()
	if err != nil {
		return s, err
	}
	s.ID = ServerID(id)
	s.Name = name
	s.Description = desc
	s.Addr = addr
	s.Global = global
	s.HasPassword = hasPassword
	s.CurPlayers = uint32(cur)
	s.MaxPlayers = uint32(max)
	return s, nil
}
