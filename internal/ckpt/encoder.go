package ckpt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/bits-and-blooms/bitset"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/dray-io/lfsgc/internal/segment"
)

// crc32cTable is the Castagnoli polynomial table used for CRC32C.
var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// Encoder writes checkpoint images to an io.Writer.
type Encoder struct {
	w     io.Writer
	codec Codec
}

// NewEncoder creates an encoder that compresses bodies with codec.
func NewEncoder(w io.Writer, codec Codec) *Encoder {
	return &Encoder{w: w, codec: codec}
}

// Encode writes the complete image. It returns the bytes written.
func (e *Encoder) Encode(img *Image) (int64, error) {
	buf, err := EncodeToBytes(img, e.codec)
	if err != nil {
		return 0, err
	}
	n, err := e.w.Write(buf)
	return int64(n), err
}

// EncodeToBytes encodes an image and returns the bytes.
func EncodeToBytes(img *Image, codec Codec) ([]byte, error) {
	if img.Snapshot == nil {
		return nil, fmt.Errorf("ckpt: encode: image has no snapshot")
	}
	raw, err := encodePayload(img)
	if err != nil {
		return nil, err
	}
	body, err := compress(codec, raw)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, HeaderSize+len(body)+FooterSize)
	offset := encodeHeader(buf, img, codec, uint32(len(raw)), uint32(len(body)))
	offset += copy(buf[offset:], body)

	crc := crc32.Checksum(buf[:offset], crc32cTable)
	binary.BigEndian.PutUint32(buf[offset:], crc)
	return buf, nil
}

func encodeHeader(buf []byte, img *Image, codec Codec, rawLen, bodyLen uint32) int {
	offset := copy(buf, MagicBytes)
	binary.BigEndian.PutUint16(buf[offset:], Version)
	offset += 2
	offset += copy(buf[offset:], img.ImageID[:])
	binary.BigEndian.PutUint64(buf[offset:], img.Sequence)
	offset += 8
	binary.BigEndian.PutUint64(buf[offset:], uint64(img.CreatedAtUnixMs))
	offset += 8
	buf[offset] = byte(img.Reason)
	offset++
	buf[offset] = byte(codec)
	offset++
	binary.BigEndian.PutUint32(buf[offset:], rawLen)
	offset += 4
	binary.BigEndian.PutUint32(buf[offset:], bodyLen)
	offset += 4
	return offset
}

// encodePayload serializes the snapshot and cursors:
//
//	geometry (3 x u32), min/max mtime (2 x u64), needFsck (u8),
//	current heads, cursors, continuations (u32 each),
//	free / victim / quarantine bitmaps (u32 length + roaring bytes),
//	segment count (u32), then per segment:
//	type, temp (u8), mtime (u64), word count (u16) + valid words (u64),
//	owner and index (2 x u64) for every valid block in offset order.
func encodePayload(img *Image) ([]byte, error) {
	snap := img.Snapshot
	var b []byte
	b = binary.BigEndian.AppendUint32(b, uint32(snap.Geometry.BlocksPerSegment))
	b = binary.BigEndian.AppendUint32(b, uint32(snap.Geometry.SegmentsPerSection))
	b = binary.BigEndian.AppendUint32(b, uint32(snap.Geometry.Sections))
	b = binary.BigEndian.AppendUint64(b, snap.MinMtime)
	b = binary.BigEndian.AppendUint64(b, snap.MaxMtime)
	if snap.NeedFsck {
		b = append(b, 1)
	} else {
		b = append(b, 0)
	}
	for _, id := range snap.Current {
		b = binary.BigEndian.AppendUint32(b, uint32(id))
	}
	for _, id := range img.Cursors {
		b = binary.BigEndian.AppendUint32(b, uint32(id))
	}
	for _, id := range img.Continuation {
		b = binary.BigEndian.AppendUint32(b, uint32(id))
	}
	for _, bm := range []*roaring.Bitmap{snap.Free, snap.Victims, snap.Quarantine} {
		if bm == nil {
			bm = roaring.New()
		}
		data, err := bm.ToBytes()
		if err != nil {
			return nil, fmt.Errorf("ckpt: encode bitmap: %w", err)
		}
		b = binary.BigEndian.AppendUint32(b, uint32(len(data)))
		b = append(b, data...)
	}

	b = binary.BigEndian.AppendUint32(b, uint32(len(snap.Segments)))
	for _, st := range snap.Segments {
		b = append(b, byte(st.Class.Type), byte(st.Class.Temp))
		b = binary.BigEndian.AppendUint64(b, st.Mtime)
		b = binary.BigEndian.AppendUint16(b, uint16(len(st.Valid)))
		for _, w := range st.Valid {
			b = binary.BigEndian.AppendUint64(b, w)
		}
		valid := bitset.From(st.Valid)
		for i, ok := valid.NextSet(0); ok; i, ok = valid.NextSet(i + 1) {
			var sum segment.Summary
			if int(i) < len(st.Summaries) {
				sum = st.Summaries[i]
			}
			b = binary.BigEndian.AppendUint64(b, sum.Owner)
			b = binary.BigEndian.AppendUint64(b, sum.Index)
		}
	}
	return b, nil
}

func compress(codec Codec, raw []byte) ([]byte, error) {
	switch codec {
	case CodecNone:
		return raw, nil
	case CodecZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("zstd writer: %w", err)
		}
		defer enc.Close()
		return enc.EncodeAll(raw, nil), nil
	case CodecLZ4:
		var out bytes.Buffer
		w := lz4.NewWriter(&out)
		if _, err := w.Write(raw); err != nil {
			return nil, fmt.Errorf("lz4 write: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("lz4 close: %w", err)
		}
		return out.Bytes(), nil
	case CodecSnappy:
		return snappy.Encode(nil, raw), nil
	default:
		return nil, fmt.Errorf("ckpt: unsupported codec %d", codec)
	}
}
