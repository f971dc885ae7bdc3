package segment

import (
	"errors"
	"fmt"
	"math"
)

// ID is the ordinal of a segment in the main area.
type ID uint32

// SectionID is the ordinal of a section in the main area.
type SectionID uint32

// Addr is a physical block address: segment*BlocksPerSegment + offset.
type Addr uint64

const (
	// NullID marks "no segment".
	NullID ID = math.MaxUint32

	// NullSection marks "no section".
	NullSection SectionID = math.MaxUint32

	// NullAddr marks "no block".
	NullAddr Addr = math.MaxUint64
)

// Type is the kind of blocks a segment holds.
type Type uint8

const (
	// TypeData segments hold file contents.
	TypeData Type = iota
	// TypeNode segments hold node/inode metadata blocks.
	TypeNode
)

func (t Type) String() string {
	switch t {
	case TypeData:
		return "data"
	case TypeNode:
		return "node"
	default:
		return "unknown"
	}
}

// Temp is the temperature class of a segment.
type Temp uint8

const (
	TempHot Temp = iota
	TempWarm
	TempCold
)

// NumTemps is the number of temperature classes.
const NumTemps = 3

func (t Temp) String() string {
	switch t {
	case TempHot:
		return "hot"
	case TempWarm:
		return "warm"
	case TempCold:
		return "cold"
	default:
		return "unknown"
	}
}

// Class identifies one (type, temperature) log.
type Class struct {
	Type Type
	Temp Temp
}

// NumClasses is the number of (type, temperature) classes.
const NumClasses = 2 * NumTemps

// Index returns the dense index of the class in [0, NumClasses).
func (c Class) Index() int {
	return int(c.Type)*NumTemps + int(c.Temp)
}

func (c Class) String() string {
	return c.Temp.String() + "-" + c.Type.String()
}

// ClassAt is the inverse of Class.Index.
func ClassAt(i int) Class {
	return Class{Type: Type(i / NumTemps), Temp: Temp(i % NumTemps)}
}

// AllClasses returns every class in index order.
func AllClasses() []Class {
	out := make([]Class, NumClasses)
	for i := range out {
		out[i] = ClassAt(i)
	}
	return out
}

// Summary records which owner a block belongs to.
type Summary struct {
	// Owner is the node id (node blocks) or inode number (data blocks).
	Owner uint64
	// Index is the block's position within its owner.
	Index uint64
}

// Geometry describes the fixed layout of the main area.
type Geometry struct {
	BlocksPerSegment   int `yaml:"blocksPerSegment" env:"LFSGC_GEOMETRY_BLOCKS_PER_SEGMENT"`
	SegmentsPerSection int `yaml:"segmentsPerSection" env:"LFSGC_GEOMETRY_SEGMENTS_PER_SECTION"`
	Sections           int `yaml:"sections" env:"LFSGC_GEOMETRY_SECTIONS"`
}

// ErrInvalidGeometry is returned for unusable layouts.
var ErrInvalidGeometry = errors.New("segment: invalid geometry")

// Validate checks that every dimension is positive.
func (g Geometry) Validate() error {
	if g.BlocksPerSegment <= 0 || g.SegmentsPerSection <= 0 || g.Sections <= 0 {
		return fmt.Errorf("%w: blocks=%d segs/sec=%d sections=%d",
			ErrInvalidGeometry, g.BlocksPerSegment, g.SegmentsPerSection, g.Sections)
	}
	return nil
}

// Segments returns the number of segments in the main area.
func (g Geometry) Segments() int {
	return g.Sections * g.SegmentsPerSection
}

// BlocksPerSection returns the number of blocks in one section.
func (g Geometry) BlocksPerSection() int {
	return g.BlocksPerSegment * g.SegmentsPerSection
}

// SectionOf returns the section that owns seg.
func (g Geometry) SectionOf(seg ID) SectionID {
	return SectionID(uint32(seg) / uint32(g.SegmentsPerSection))
}

// FirstSegment returns the first segment of sec.
func (g Geometry) FirstSegment(sec SectionID) ID {
	return ID(uint32(sec) * uint32(g.SegmentsPerSection))
}

// AddrOf builds the block address of (seg, off).
func (g Geometry) AddrOf(seg ID, off int) Addr {
	return Addr(uint64(seg)*uint64(g.BlocksPerSegment) + uint64(off))
}

// Split returns the segment and offset of addr.
func (g Geometry) Split(addr Addr) (ID, int) {
	bps := uint64(g.BlocksPerSegment)
	return ID(uint64(addr) / bps), int(uint64(addr) % bps)
}
