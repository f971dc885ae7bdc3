// Package ckpt encodes checkpoint images: a point-in-time copy of the
// segment metadata plus the victim-selection cursors, optionally
// compressed and protected by a CRC32C footer.
//
// Layout: header (51 bytes) -> body (codec-compressed payload) -> footer.
package ckpt

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/dray-io/lfsgc/internal/cleaner"
	"github.com/dray-io/lfsgc/internal/segment"
	"github.com/dray-io/lfsgc/internal/victim"
)

// MagicBytes identifies a checkpoint image.
const MagicBytes = "LFSGCK1"

// Version is the current image format version.
const Version uint16 = 1

// HeaderSize is the fixed size of the image header in bytes.
const HeaderSize = 51

// FooterSize is the size of the CRC32C footer.
const FooterSize = 4

// Codec is the compression applied to the image body.
type Codec uint8

const (
	CodecNone Codec = iota
	CodecZstd
	CodecLZ4
	CodecSnappy
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecZstd:
		return "zstd"
	case CodecLZ4:
		return "lz4"
	case CodecSnappy:
		return "snappy"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

// ParseCodec converts a config string to a Codec.
func ParseCodec(s string) (Codec, error) {
	switch s {
	case "", "none":
		return CodecNone, nil
	case "zstd":
		return CodecZstd, nil
	case "lz4":
		return CodecLZ4, nil
	case "snappy":
		return CodecSnappy, nil
	default:
		return CodecNone, fmt.Errorf("ckpt: unknown codec %q", s)
	}
}

// Header is the fixed image header.
type Header struct {
	// Magic must be "LFSGCK1".
	Magic   [7]byte
	Version uint16
	// ImageID is unique per written image.
	ImageID uuid.UUID
	// Sequence increases by one per checkpoint.
	Sequence        uint64
	CreatedAtUnixMs int64
	Reason          cleaner.Reason
	Codec           Codec
	// RawLength is the payload length before compression.
	RawLength uint32
	// BodyLength is the stored body length.
	BodyLength uint32
}

// Image is a decoded checkpoint.
type Image struct {
	ImageID         uuid.UUID
	Sequence        uint64
	CreatedAtUnixMs int64
	Reason          cleaner.Reason

	Snapshot *segment.Snapshot
	Cursors  victim.Cursors
	// Continuation holds the mid-section resume point per GC type.
	Continuation [2]segment.ID
}
