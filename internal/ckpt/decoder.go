package ckpt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/bits-and-blooms/bitset"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/dray-io/lfsgc/internal/cleaner"
	"github.com/dray-io/lfsgc/internal/segment"
)

var (
	ErrInvalidMagic       = errors.New("ckpt: invalid magic bytes")
	ErrUnsupportedVersion = errors.New("ckpt: unsupported image version")
	ErrInvalidCRC         = errors.New("ckpt: CRC32C checksum mismatch")
	ErrTruncatedHeader    = errors.New("ckpt: truncated header")
	ErrTruncatedBody      = errors.New("ckpt: truncated body")
)

// Decoder reads checkpoint images from an io.Reader.
type Decoder struct {
	r io.Reader
}

// NewDecoder creates a new decoder.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Decode reads and parses a complete image.
func (d *Decoder) Decode() (*Image, error) {
	data, err := io.ReadAll(d.r)
	if err != nil {
		return nil, fmt.Errorf("ckpt: reading image: %w", err)
	}
	return DecodeFromBytes(data)
}

// DecodeFromBytes parses an image from a byte slice.
func DecodeFromBytes(data []byte) (*Image, error) {
	if len(data) < HeaderSize {
		return nil, ErrTruncatedHeader
	}
	h, err := parseHeader(data[:HeaderSize])
	if err != nil {
		return nil, err
	}
	total := HeaderSize + int(h.BodyLength) + FooterSize
	if len(data) < total {
		return nil, ErrTruncatedBody
	}
	crcOffset := HeaderSize + int(h.BodyLength)
	want := binary.BigEndian.Uint32(data[crcOffset:])
	if crc32.Checksum(data[:crcOffset], crc32cTable) != want {
		return nil, ErrInvalidCRC
	}

	raw, err := decompress(h.Codec, data[HeaderSize:crcOffset])
	if err != nil {
		return nil, err
	}
	if len(raw) != int(h.RawLength) {
		return nil, fmt.Errorf("%w: payload is %d bytes, header says %d", ErrTruncatedBody, len(raw), h.RawLength)
	}
	img, err := decodePayload(raw)
	if err != nil {
		return nil, err
	}
	img.ImageID = h.ImageID
	img.Sequence = h.Sequence
	img.CreatedAtUnixMs = h.CreatedAtUnixMs
	img.Reason = h.Reason
	return img, nil
}

func parseHeader(buf []byte) (Header, error) {
	var h Header
	copy(h.Magic[:], buf[:7])
	if string(h.Magic[:]) != MagicBytes {
		return h, ErrInvalidMagic
	}
	offset := 7
	h.Version = binary.BigEndian.Uint16(buf[offset:])
	offset += 2
	if h.Version != Version {
		return h, fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}
	copy(h.ImageID[:], buf[offset:offset+16])
	offset += 16
	h.Sequence = binary.BigEndian.Uint64(buf[offset:])
	offset += 8
	h.CreatedAtUnixMs = int64(binary.BigEndian.Uint64(buf[offset:]))
	offset += 8
	h.Reason = cleaner.Reason(buf[offset])
	offset++
	h.Codec = Codec(buf[offset])
	offset++
	h.RawLength = binary.BigEndian.Uint32(buf[offset:])
	offset += 4
	h.BodyLength = binary.BigEndian.Uint32(buf[offset:])
	return h, nil
}

func decompress(codec Codec, body []byte) ([]byte, error) {
	switch codec {
	case CodecNone:
		return body, nil
	case CodecZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		defer dec.Close()
		return dec.DecodeAll(body, nil)
	case CodecLZ4:
		return io.ReadAll(lz4.NewReader(bytes.NewReader(body)))
	case CodecSnappy:
		return snappy.Decode(nil, body)
	default:
		return nil, fmt.Errorf("ckpt: unsupported codec %d", codec)
	}
}

// reader walks a payload, latching the first short read.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.buf) {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d", ErrTruncatedBody, n, r.off)
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() uint8 {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u16() uint16 {
	if b := r.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if b := r.take(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

func (r *reader) bitmap() *roaring.Bitmap {
	n := int(r.u32())
	data := r.take(n)
	bm := roaring.New()
	if data == nil {
		return bm
	}
	if err := bm.UnmarshalBinary(data); err != nil && r.err == nil {
		r.err = fmt.Errorf("ckpt: decode bitmap: %w", err)
	}
	return bm
}

func decodePayload(raw []byte) (*Image, error) {
	r := &reader{buf: raw}
	snap := &segment.Snapshot{}
	snap.Geometry = segment.Geometry{
		BlocksPerSegment:   int(r.u32()),
		SegmentsPerSection: int(r.u32()),
		Sections:           int(r.u32()),
	}
	snap.MinMtime = r.u64()
	snap.MaxMtime = r.u64()
	snap.NeedFsck = r.u8() == 1
	for i := range snap.Current {
		snap.Current[i] = segment.ID(r.u32())
	}
	img := &Image{Snapshot: snap}
	for i := range img.Cursors {
		img.Cursors[i] = segment.ID(r.u32())
	}
	for i := range img.Continuation {
		img.Continuation[i] = segment.ID(r.u32())
	}
	snap.Free = r.bitmap()
	snap.Victims = r.bitmap()
	snap.Quarantine = r.bitmap()

	n := int(r.u32())
	if r.err == nil && n != snap.Geometry.Segments() {
		return nil, fmt.Errorf("ckpt: %d segment records for %d segments", n, snap.Geometry.Segments())
	}
	bps := snap.Geometry.BlocksPerSegment
	snap.Segments = make([]segment.SegmentState, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		st := segment.SegmentState{
			Class: segment.Class{Type: segment.Type(r.u8()), Temp: segment.Temp(r.u8())},
			Mtime: r.u64(),
		}
		words := int(r.u16())
		st.Valid = make([]uint64, words)
		for w := range st.Valid {
			st.Valid[w] = r.u64()
		}
		valid := bitset.From(st.Valid)
		if valid.Any() {
			st.Summaries = make([]segment.Summary, bps)
			for off, ok := valid.NextSet(0); ok; off, ok = valid.NextSet(off + 1) {
				sum := segment.Summary{Owner: r.u64(), Index: r.u64()}
				if int(off) < bps {
					st.Summaries[off] = sum
				}
			}
		}
		snap.Segments = append(snap.Segments, st)
	}
	if r.err != nil {
		return nil, r.err
	}
	return img, nil
}
