package universe

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pierrec/lz4/v4"
)

// snapshotMagic prefixes every compressed state blob.
var snapshotMagic = []byte("EFS1")

const snapshotVersion = 1

// maxSnapshotSize caps the decoded size a snapshot may declare, matching the
// largest message the transport will carry.
const maxSnapshotSize = 250 << 20

// ErrBadSnapshot reports a blob that is not a snapshot or lies about its
// contents.
var ErrBadSnapshot = errors.New("universe: malformed snapshot")

var snapshotBuffers = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// EncodeSnapshot wraps raw state in a compressed, framed blob suitable for
// join transfers and save files.
func EncodeSnapshot(raw []byte) ([]byte, error) {
	if len(raw) > maxSnapshotSize {
		return nil, fmt.Errorf("universe: snapshot of %d bytes exceeds %d", len(raw), maxSnapshotSize)
	}
	buf := snapshotBuffers.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		snapshotBuffers.Put(buf)
	}()
	buf.Reset()

	zw := lz4.NewWriter(buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("universe: compress snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("universe: compress snapshot: %w", err)
	}

	out := make([]byte, 0, len(snapshotMagic)+1+binary.MaxVarintLen64+buf.Len())
	out = append(out, snapshotMagic...)
	out = append(out, snapshotVersion)
	out = binary.AppendUvarint(out, uint64(len(raw)))
	return append(out, buf.Bytes()...), nil
}

// DecodeSnapshot unwraps a blob produced by EncodeSnapshot.
func DecodeSnapshot(blob []byte) ([]byte, error) {
	if !bytes.HasPrefix(blob, snapshotMagic) {
		return nil, ErrBadSnapshot
	}
	rest := blob[len(snapshotMagic):]
	if len(rest) == 0 || rest[0] != snapshotVersion {
		return nil, ErrBadSnapshot
	}
	rest = rest[1:]
	size, n := binary.Uvarint(rest)
	if n <= 0 || size > maxSnapshotSize {
		return nil, ErrBadSnapshot
	}
	rest = rest[n:]

	raw := make([]byte, size)
	zr := lz4.NewReader(bytes.NewReader(rest))
	if _, err := io.ReadFull(zr, raw); err != nil {
		return nil, fmt.Errorf("universe: decompress snapshot: %w", err)
	}
	var probe [1]byte
	if n, err := zr.Read(probe[:]); n != 0 || err != io.EOF {
		return nil, ErrBadSnapshot
	}
	return raw, nil
}
