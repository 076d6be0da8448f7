package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"

	"github.com/xtxerr/statline/internal/storage/types"
)

// A record holds one drained batch:
//
//	[payload length u32][crc32 u32][payload]
//
// The payload lists every metric name of the batch once, then the events:
//
//	uvarint name count, per name: uvarint length + bytes
//	uvarint event count, per event:
//	  kind byte (sizeFlag set when a size override follows)
//	  uvarint name index
//	  time, value float64 [, size float64]
//
// Integers in the frame and floats are little-endian.
const (
	recordHeaderSize = 8
	maxRecordSize    = 64 << 20

	sizeFlag = 0x80
)

// appendRecord appends the framed record for events to buf.
func appendRecord(buf []byte, events []types.Event) ([]byte, error) {
	start := len(buf)
	buf = append(buf, make([]byte, recordHeaderSize)...)

	index := make(map[string]uint64)
	var names []string
	for _, ev := range events {
		if _, ok := index[ev.Name]; !ok {
			index[ev.Name] = uint64(len(names))
			names = append(names, ev.Name)
		}
	}

	buf = binary.AppendUvarint(buf, uint64(len(names)))
	for _, name := range names {
		buf = binary.AppendUvarint(buf, uint64(len(name)))
		buf = append(buf, name...)
	}

	buf = binary.AppendUvarint(buf, uint64(len(events)))
	for _, ev := range events {
		if ev.Kind&sizeFlag != 0 {
			return nil, fmt.Errorf("event %s: kind %d out of range", ev.Name, ev.Kind)
		}
		kind := byte(ev.Kind)
		if ev.Size != 0 {
			kind |= sizeFlag
		}
		buf = append(buf, kind)
		buf = binary.AppendUvarint(buf, index[ev.Name])
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(ev.Time))
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(ev.Value))
		if ev.Size != 0 {
			buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(ev.Size))
		}
	}

	payload := buf[start+recordHeaderSize:]
	if len(payload) > maxRecordSize {
		return nil, fmt.Errorf("batch of %d events encodes to %d bytes, limit %d", len(events), len(payload), maxRecordSize)
	}
	binary.LittleEndian.PutUint32(buf[start:], uint32(len(payload)))
	binary.LittleEndian.PutUint32(buf[start+4:], crc32.ChecksumIEEE(payload))
	return buf, nil
}

// decodeRecord decodes a record payload back into its batch.
func decodeRecord(payload []byte) ([]types.Event, error) {
	d := decoder{data: payload}

	nameCount := d.uvarint("name count")
	if nameCount > uint64(len(payload)) {
		return nil, fmt.Errorf("name count %d exceeds payload", nameCount)
	}
	names := make([]string, nameCount)
	for i := range names {
		n := d.uvarint("name length")
		names[i] = string(d.bytes(n, "name"))
	}

	count := d.uvarint("event count")
	if d.err == nil && count > uint64(len(payload)) {
		return nil, fmt.Errorf("event count %d exceeds payload", count)
	}
	events := make([]types.Event, 0, count)
	for i := uint64(0); i < count && d.err == nil; i++ {
		kind := d.u8("kind")
		idx := d.uvarint("name index")
		if d.err == nil && idx >= uint64(len(names)) {
			return nil, fmt.Errorf("event %d: name index %d out of range", i, idx)
		}

		ev := types.Event{Kind: types.EventKind(kind &^ sizeFlag)}
		ev.Time = d.float("time")
		ev.Value = d.float("value")
		if kind&sizeFlag != 0 {
			ev.Size = d.float("size")
		}
		if d.err == nil {
			ev.Name = names[idx]
			events = append(events, ev)
		}
	}

	if d.err != nil {
		return nil, d.err
	}
	if d.off != len(payload) {
		return nil, fmt.Errorf("%d trailing bytes after %d events", len(payload)-d.off, count)
	}
	return events, nil
}

// decoder reads a payload front to back and keeps the first error.
type decoder struct {
	data []byte
	off  int
	err  error
}

func (d *decoder) fail(what string) {
	if d.err == nil {
		d.err = fmt.Errorf("truncated %s at offset %d", what, d.off)
	}
}

func (d *decoder) uvarint(what string) uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.data[d.off:])
	if n <= 0 {
		d.fail(what)
		return 0
	}
	d.off += n
	return v
}

func (d *decoder) bytes(n uint64, what string) []byte {
	if d.err != nil {
		return nil
	}
	if n > uint64(len(d.data)-d.off) {
		d.fail(what)
		return nil
	}
	b := d.data[d.off : d.off+int(n)]
	d.off += int(n)
	return b
}

func (d *decoder) u8(what string) byte {
	b := d.bytes(1, what)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) float(what string) float64 {
	b := d.bytes(8, what)
	if b == nil {
		return 0
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b))
}
