package bucket

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/meridiandb/meridian/doc"
	"github.com/pierrec/lz4/v4"
	"github.com/vmihailenco/msgpack/v5"
)

// On-disk bucket value: one version byte, then the msgpack document,
// lz4-block-compressed for version 2 with the uncompressed length as a
// little-endian uint32 prefix.
const (
	ControlVersionUncompressed = 1
	ControlVersionCompressed   = 2
)

type Control struct {
	Version int     `msgpack:"version"`
	Min     doc.Doc `msgpack:"min"`
	Max     doc.Doc `msgpack:"max"`
	Count   int     `msgpack:"count"`
}

// BucketDoc is the columnar document: data maps field -> row index
// (decimal string) -> value.
type BucketDoc struct {
	ID      []byte                       `msgpack:"_id"`
	Control Control                      `msgpack:"control"`
	Meta    any                          `msgpack:"meta,omitempty"`
	Data    map[string]map[string]any    `msgpack:"data"`
}

// AppendMeasurements adds rows columnarly starting at the current
// count, widening control.min/max as it goes.
func (bd *BucketDoc) AppendMeasurements(timeField string, meas []doc.Doc) {
	if bd.Data == nil {
		bd.Data = make(map[string]map[string]any)
	}
	if bd.Control.Min == nil {
		bd.Control.Min = doc.Doc{}
	}
	if bd.Control.Max == nil {
		bd.Control.Max = doc.Doc{}
	}
	for _, m := range meas {
		row := strconv.Itoa(bd.Control.Count)
		for field, v := range m {
			col, ok := bd.Data[field]
			if !ok {
				col = make(map[string]any)
				bd.Data[field] = col
			}
			col[row] = normalizeValue(v)
			widenBounds(bd.Control.Min, bd.Control.Max, field, normalizeValue(v))
		}
		bd.Control.Count++
	}
}

func widenBounds(min, max doc.Doc, field string, v any) {
	if cur, ok := min[field]; !ok || doc.Compare(v, cur) < 0 {
		min[field] = v
	}
	if cur, ok := max[field]; !ok || doc.Compare(v, cur) > 0 {
		max[field] = v
	}
}

// normalizeValue maps times onto their unix-nanosecond representation
// so bounds comparison and msgpack round-tripping stay exact.
func normalizeValue(v any) any {
	if t, ok := v.(time.Time); ok {
		return t.UnixNano()
	}
	return v
}

// Measurements reconstructs the row documents from the columnar data,
// in row order. Fields absent in a row are simply absent from its
// document.
func (bd *BucketDoc) Measurements() []doc.Doc {
	out := make([]doc.Doc, bd.Control.Count)
	for i := range out {
		out[i] = doc.Doc{}
	}
	fields := make([]string, 0, len(bd.Data))
	for f := range bd.Data {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	for _, f := range fields {
		for row, v := range bd.Data[f] {
			i, err := strconv.Atoi(row)
			if err != nil || i < 0 || i >= len(out) {
				continue
			}
			out[i][f] = v
		}
	}
	return out
}

// EncodeBucket serializes the document with the given control version.
func EncodeBucket(bd *BucketDoc, compress bool) ([]byte, error) {
	if compress {
		bd.Control.Version = ControlVersionCompressed
	} else {
		bd.Control.Version = ControlVersionUncompressed
	}
	payload, err := msgpack.Marshal(bd)
	if err != nil {
		return nil, err
	}
	if !compress {
		return append([]byte{ControlVersionUncompressed}, payload...), nil
	}
	out := make([]byte, 5, 5+lz4.CompressBlockBound(len(payload)))
	out[0] = ControlVersionCompressed
	binary.LittleEndian.PutUint32(out[1:5], uint32(len(payload)))
	var c lz4.Compressor
	buf := make([]byte, lz4.CompressBlockBound(len(payload)))
	n, err := c.CompressBlock(payload, buf)
	if err != nil {
		return nil, err
	}
	return append(out, buf[:n]...), nil
}

// DecodeBucket parses either on-disk form.
func DecodeBucket(value []byte) (*BucketDoc, error) {
	if len(value) == 0 {
		return nil, fmt.Errorf("bucket: empty bucket value")
	}
	var payload []byte
	switch value[0] {
	case ControlVersionUncompressed:
		payload = value[1:]
	case ControlVersionCompressed:
		if len(value) < 5 {
			return nil, fmt.Errorf("bucket: truncated compressed bucket value")
		}
		size := binary.LittleEndian.Uint32(value[1:5])
		payload = make([]byte, size)
		if _, err := lz4.UncompressBlock(value[5:], payload); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("bucket: unknown bucket format version %d", value[0])
	}
	bd := &BucketDoc{}
	if err := msgpack.Unmarshal(payload, bd); err != nil {
		return nil, err
	}
	return bd, nil
}

// IsCompressed peeks at the on-disk form without decoding it.
func IsCompressed(value []byte) bool {
	return len(value) > 0 && value[0] == ControlVersionCompressed
}
