// Package cleaner relocates the live blocks of a victim section.
//
// A segment is cleaned in stages: prefetch owner metadata, drop blocks
// that are no longer referenced, then move what is left. Node blocks are
// copied directly. Data blocks are moved per owner under the owner's
// read-ahead and move locks, either by resubmitting them through the
// owner's write path or, for owners with post-read transforms, by a raw
// copy.
//
// Blocks that cannot move right now (atomic or pinned owners, busy locks,
// no destination) are skipped and counted; the section is retried in a
// later round.
package cleaner
