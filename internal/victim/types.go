package victim

import (
	"errors"
	"fmt"

	"github.com/dray-io/lfsgc/internal/segment"
)

// ErrNoVictim is returned when nothing eligible was found within the
// search budget. It is a normal outcome, not a failure.
var ErrNoVictim = errors.New("victim: no eligible victim")

// AllocMode says what the victim is for.
type AllocMode int

const (
	// LFS picks a whole section to clean.
	LFS AllocMode = iota
	// SSR picks a single segment whose holes will be rewritten in place.
	SSR
	// AgeSSR is SSR that prefers targets close in age to the data being
	// written.
	AgeSSR
)

func (m AllocMode) String() string {
	switch m {
	case LFS:
		return "lfs"
	case SSR:
		return "ssr"
	case AgeSSR:
		return "at-ssr"
	default:
		return "unknown"
	}
}

// Mode is the cost model used to rank candidates.
type Mode int

const (
	// Greedy ranks by valid blocks.
	Greedy Mode = iota
	// CostBenefit ranks by utilization weighted with age.
	CostBenefit
	// AgeThreshold ignores young sections and ranks the rest by a weighted
	// age/utilization score.
	AgeThreshold
)

func (m Mode) String() string {
	switch m {
	case Greedy:
		return "greedy"
	case CostBenefit:
		return "cost-benefit"
	case AgeThreshold:
		return "age-threshold"
	default:
		return "unknown"
	}
}

// ParseMode converts a config string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "greedy":
		return Greedy, nil
	case "cb", "cost-benefit":
		return CostBenefit, nil
	case "at", "age-threshold":
		return AgeThreshold, nil
	default:
		return Greedy, fmt.Errorf("victim: unknown mode %q", s)
	}
}

// GCType distinguishes background from foreground cleaning.
type GCType int

const (
	Background GCType = iota
	Foreground
)

func (t GCType) String() string {
	if t == Foreground {
		return "foreground"
	}
	return "background"
}

// Config tunes victim selection.
type Config struct {
	// Mode is the cost model for background LFS selection. Foreground and
	// urgent selection always use Greedy.
	Mode Mode

	// MaxVictimSearch caps the number of candidates examined by one
	// background call.
	// Default: 4096
	MaxVictimSearch int

	// AgeThreshold is the minimum age, in mtime units, of a section
	// considered by AgeThreshold selection.
	// Default: 604800 (7 days in seconds)
	AgeThreshold uint64

	// AgeWeight is the share (0-100) of the age term in the AgeThreshold
	// score; the utilization term gets the complement.
	// Default: 60
	AgeWeight uint64

	// CandidateRatio is the percentage of collected candidates compared by
	// the age-based lookups.
	// Default: 20
	CandidateRatio int

	// MaxCandidateCount is the minimum number of candidates compared by the
	// age-based lookups.
	// Default: 10
	MaxCandidateCount int
}

// DefaultConfig returns the default selection tuning.
func DefaultConfig() Config {
	return Config{
		Mode:              CostBenefit,
		MaxVictimSearch:   4096,
		AgeThreshold:      7 * 24 * 60 * 60,
		AgeWeight:         60,
		CandidateRatio:    20,
		MaxCandidateCount: 10,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MaxVictimSearch <= 0 {
		c.MaxVictimSearch = d.MaxVictimSearch
	}
	if c.AgeWeight > 100 {
		c.AgeWeight = 100
	}
	if c.CandidateRatio <= 0 {
		c.CandidateRatio = d.CandidateRatio
	}
	if c.MaxCandidateCount <= 0 {
		c.MaxCandidateCount = d.MaxCandidateCount
	}
}

// Request describes one selection call.
type Request struct {
	GCType GCType
	Alloc  AllocMode

	// Class restricts SSR and AgeSSR to one dirty class.
	Class segment.Class

	// Hint asks for a specific segment; NullID means search.
	Hint segment.ID

	// Urgent lifts the search cap and forces Greedy.
	Urgent bool

	// Unbounded lifts the search cap without changing the cost model.
	Unbounded bool

	// SourceMtime is the write time of the data an AgeSSR target is
	// chosen for.
	SourceMtime uint64
}

// Victim is the result of a successful selection.
type Victim struct {
	// Segment is the segment to start cleaning at: the first segment of
	// the section for LFS, the target segment for SSR.
	Segment segment.ID
	Section segment.SectionID
	Mode    Mode
	Cost    uint64
	Age     uint64

	// Searched is the number of candidates examined.
	Searched int

	// Reoffered is set when the victim came from the background victim
	// bitmap or a mid-section continuation rather than a fresh scan.
	Reoffered bool

	// Retried is set when AgeThreshold selection fell back to a zero
	// threshold.
	Retried bool
}
