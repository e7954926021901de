package netcode

import (
	"fmt"

	"emberfall/engine/internal/wire"
)

// Transport limits. FragmentSize plus frame overhead stays under
// MaxUDPPayload so every frame fits one datagram without IP fragmentation.
const (
	// ProtocolID is the magic every frame starts with. Frames carrying any
	// other value are discarded unread.
	ProtocolID uint32 = 1225163695
	// MaxUDPPayload is the largest datagram the socket will send or accept.
	MaxUDPPayload = 1128
	// FragmentSize is the payload capacity of one multiframe fragment.
	// Messages shorter than this travel as a single frame.
	FragmentSize = 1024
	// MaxMessageSize bounds a reassembled message.
	MaxMessageSize = 250 << 20
)

// Frame body tags, part of the wire contract.
const (
	frameSingle = iota
	frameSingleAck
	frameMultiBegin
	frameMultiFragment
	frameMultiEnd
	frameMultiAck
	frameMultiAckFail
)

// maxReportedMissing caps the fragment indexes one ack-fail frame can carry
// so the frame itself stays under MaxUDPPayload.
const maxReportedMissing = 200

// frame is one datagram: protocol magic, the message id it belongs to, and
// a body variant.
type frame struct {
	id   uint64
	body frameBody
}

type frameBody interface {
	frameTag() uint64
}

type singleFrame struct{ data []byte }
type singleAckFrame struct{}
type multiBeginFrame struct {
	totalFragments uint32
	totalSize      uint64
}
type multiFragmentFrame struct {
	index uint32
	data  []byte
}
type multiEndFrame struct{}
type multiAckFrame struct{}
type multiAckFailFrame struct{ missing []uint32 }

func (singleFrame) frameTag() uint64        { return frameSingle }
func (singleAckFrame) frameTag() uint64     { return frameSingleAck }
func (multiBeginFrame) frameTag() uint64    { return frameMultiBegin }
func (multiFragmentFrame) frameTag() uint64 { return frameMultiFragment }
func (multiEndFrame) frameTag() uint64      { return frameMultiEnd }
func (multiAckFrame) frameTag() uint64      { return frameMultiAck }
func (multiAckFailFrame) frameTag() uint64  { return frameMultiAckFail }

func encodeFrame(f frame) []byte {
	w := wire.NewWriterSize(64)
	w.Uint(uint64(ProtocolID))
	w.Uint(f.id)
	w.Uint(f.body.frameTag())
	switch b := f.body.(type) {
	case singleFrame:
		w.Blob(b.data)
	case singleAckFrame, multiEndFrame, multiAckFrame:
	case multiBeginFrame:
		w.Uint(uint64(b.totalFragments))
		w.Uint(b.totalSize)
	case multiFragmentFrame:
		w.Uint(uint64(b.index))
		w.Blob(b.data)
	case multiAckFailFrame:
		w.Uint(uint64(len(b.missing)))
		for _, idx := range b.missing {
			w.Uint(uint64(idx))
		}
	default:
		panic(fmt.Sprintf("netcode: unknown frame body %T", f.body))
	}
	return w.Bytes()
}

func decodeFrame(datagram []byte) (frame, error) {
	var f frame
	r := wire.NewReader(datagram)
	magic, err := r.Uint()
	if err != nil {
		return f, fmt.Errorf("netcode: protocol id: %w", err)
	}
	if magic != uint64(ProtocolID) {
		return f, fmt.Errorf("netcode: foreign protocol id %d", magic)
	}
	id, err := r.Uint()
	if err != nil {
		return f, fmt.Errorf("netcode: message id: %w", err)
	}
	f.id = id

	tag, err := r.Uint()
	if err != nil {
		return f, fmt.Errorf("netcode: frame tag: %w", err)
	}
	switch tag {
	case frameSingle:
		data, err := r.Blob()
		if err != nil {
			return f, err
		}
		f.body = singleFrame{data: data}
	case frameSingleAck:
		f.body = singleAckFrame{}
	case frameMultiBegin:
		total, err := r.Uint()
		if err != nil {
			return f, err
		}
		size, err := r.Uint()
		if err != nil {
			return f, err
		}
		if total > 0xFFFFFFFF {
			return f, fmt.Errorf("netcode: fragment count %d out of range", total)
		}
		f.body = multiBeginFrame{totalFragments: uint32(total), totalSize: size}
	case frameMultiFragment:
		index, err := r.Uint()
		if err != nil {
			return f, err
		}
		data, err := r.Blob()
		if err != nil {
			return f, err
		}
		if index > 0xFFFFFFFF {
			return f, fmt.Errorf("netcode: fragment index %d out of range", index)
		}
		f.body = multiFragmentFrame{index: uint32(index), data: data}
	case frameMultiEnd:
		f.body = multiEndFrame{}
	case frameMultiAck:
		f.body = multiAckFrame{}
	case frameMultiAckFail:
		n, err := r.Uint()
		if err != nil {
			return f, err
		}
		if n > maxReportedMissing {
			return f, fmt.Errorf("netcode: %d missing indexes exceeds report cap", n)
		}
		missing := make([]uint32, 0, n)
		for i := uint64(0); i < n; i++ {
			idx, err := r.Uint()
			if err != nil {
				return f, err
			}
			if idx > 0xFFFFFFFF {
				return f, fmt.Errorf("netcode: fragment index %d out of range", idx)
			}
			missing = append(missing, uint32(idx))
		}
		f.body = multiAckFailFrame{missing: missing}
	default:
		return f, fmt.Errorf("netcode: unknown frame tag %d", tag)
	}
	if err := r.Finish(); err != nil {
		return f, err
	}
	return f, nil
}
