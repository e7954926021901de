package netcode

import (
	"net/netip"
	"time"
)

// Retransmission tuning. The resend delay grows with the attempt count and
// the measured peer latency, clamped to [minAckTimeout, maxAckTimeout].
const (
	minAckTimeout  = 50 * time.Millisecond
	maxAckTimeout  = time.Second
	defaultLatency = 100 * time.Millisecond
	// retentionWindow bounds how long half-assembled messages and
	// duplicate-suppression records are kept.
	retentionWindow = 60 * time.Second
)

func resendDelay(attempts uint32, latency time.Duration) time.Duration {
	delay := time.Duration(attempts) * 5 * latency
	if delay < minAckTimeout {
		return minAckTimeout
	}
	if delay > maxAckTimeout {
		return maxAckTimeout
	}
	return delay
}

// pendingSingle tracks one unacked single-frame message.
type pendingSingle struct {
	to       netip.AddrPort
	id       uint64
	data     []byte
	deadline time.Time
	nextSend time.Time
	lastSend time.Time
	attempts uint32
}

// pendingMulti tracks one fragmented message until the receiver acks it.
// After the first full pass (all fragments plus the end marker) only the
// begin/end markers are retransmitted on timeout; lost fragments come back
// as explicit ack-fail requests.
type pendingMulti struct {
	to       netip.AddrPort
	id       uint64
	data     []byte
	total    uint32
	deadline time.Time
	nextSend time.Time
	lastSend time.Time
	attempts uint32
	cursor     uint32   // next fragment for the first pass
	requeued   []uint32 // fragments re-requested by ack-fail
	pumped     bool     // first pass complete, end marker sent
	endPending bool     // an ack-fail round needs a fresh end marker
}

func (p *pendingMulti) fragment(index uint32) []byte {
	start := int(index) * FragmentSize
	end := start + FragmentSize
	if end > len(p.data) {
		end = len(p.data)
	}
	return p.data[start:end]
}

// peerMessage keys receiver-side state by sender and message id.
type peerMessage struct {
	from netip.AddrPort
	id   uint64
}

// assembly collects the fragments of one incoming message. total stays zero
// until the begin marker arrives; fragments received before it are held.
type assembly struct {
	total     uint32
	size      uint64
	frags     map[uint32][]byte
	lastTouch time.Time
}

func (a *assembly) missing() []uint32 {
	out := make([]uint32, 0, maxReportedMissing)
	for i := uint32(0); i < a.total; i++ {
		if _, ok := a.frags[i]; !ok {
			out = append(out, i)
			if len(out) == maxReportedMissing {
				break
			}
		}
	}
	return out
}

// assemble concatenates the fragments in index order. It reports false when
// the joined size disagrees with the advertised total.
func (a *assembly) assemble() ([]byte, bool) {
	out := make([]byte, 0, a.size)
	for i := uint32(0); i < a.total; i++ {
		out = append(out, a.frags[i]...)
	}
	if uint64(len(out)) != a.size {
		return nil, false
	}
	return out, true
}

// validBegin checks the advertised fragment geometry before any allocation:
// multiframe messages have at least two fragments and a size that fills the
// final fragment's range.
func validBegin(total uint32, size uint64) bool {
	if size > MaxMessageSize || total < 2 {
		return false
	}
	return uint64(total-1)*FragmentSize < size && size <= uint64(total)*FragmentSize
}
