package crdt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// Wire layout: one version byte, a uvarint operation count, then each
// operation. An insert is {kind, site, seq, parentSite, parentSeq, rune};
// a delete is {kind, site, seq} naming the target. All integers are
// uvarints.
const (
	wireVersion byte = 1

	opInsert byte = 1
	opDelete byte = 2
)

// op is one decoded operation. For deletes, id names the target.
type op struct {
	kind   byte
	id     ID
	parent ID
	ch     rune
}

// encodeOps serializes operations into update bytes.
func encodeOps(ops []op) []byte {
	var buf bytes.Buffer
	buf.WriteByte(wireVersion)
	writeUvarint(&buf, uint64(len(ops)))
	for _, o := range ops {
		buf.WriteByte(o.kind)
		writeUvarint(&buf, uint64(o.id.Site))
		writeUvarint(&buf, uint64(o.id.Seq))
		if o.kind == opInsert {
			writeUvarint(&buf, uint64(o.parent.Site))
			writeUvarint(&buf, uint64(o.parent.Seq))
			writeUvarint(&buf, uint64(o.ch))
		}
	}
	return buf.Bytes()
}

// decodeOps parses update bytes, validating the wire form strictly.
func decodeOps(data []byte) ([]op, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty update")
	}
	r := bytes.NewReader(data)
	version, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != wireVersion {
		return nil, fmt.Errorf("unsupported wire version %d", version)
	}
	count, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("bad operation count: %w", err)
	}
	if count > uint64(len(data)) {
		return nil, fmt.Errorf("operation count %d exceeds payload size", count)
	}
	ops := make([]op, 0, count)
	for i := uint64(0); i < count; i++ {
		kind, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("truncated operation %d: %w", i, err)
		}
		if kind != opInsert && kind != opDelete {
			return nil, fmt.Errorf("unknown operation kind %d", kind)
		}
		o := op{kind: kind}
		if o.id, err = readID(r); err != nil {
			return nil, fmt.Errorf("truncated operation %d: %w", i, err)
		}
		if o.id.isRoot() {
			return nil, fmt.Errorf("operation %d: root ID is not addressable", i)
		}
		if kind == opInsert {
			if o.parent, err = readID(r); err != nil {
				return nil, fmt.Errorf("truncated operation %d: %w", i, err)
			}
			ch, err := binary.ReadUvarint(r)
			if err != nil {
				return nil, fmt.Errorf("truncated operation %d: %w", i, err)
			}
			if ch > utf8.MaxRune {
				return nil, fmt.Errorf("operation %d: invalid rune %d", i, ch)
			}
			o.ch = rune(ch)
		}
		ops = append(ops, o)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes after %d operations", r.Len(), count)
	}
	return ops, nil
}

func readID(r *bytes.Reader) (ID, error) {
	site, err := binary.ReadUvarint(r)
	if err != nil {
		return ID{}, err
	}
	seq, err := binary.ReadUvarint(r)
	if err != nil {
		return ID{}, err
	}
	if site > 1<<32-1 || seq > 1<<32-1 {
		return ID{}, fmt.Errorf("ID component out of range")
	}
	return ID{Site: uint32(site), Seq: uint32(seq)}, nil
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}
