// Package victim chooses which section (or, for slot reuse, which segment)
// to clean next.
//
// Selection walks the dirty bitmaps of a segment.Store from a persisted
// round-robin cursor and ranks candidates with one of three cost models:
//
//   - Greedy: fewest valid blocks.
//   - CostBenefit: MaxCost - (100*(100-u)*age)/(100+u).
//   - AgeThreshold: sections younger than a threshold are ignored; the rest
//     are collected into an AgeIndex and ranked by a weighted age and
//     utilization score.
//
// Foreground and urgent selection always use Greedy. Lower cost wins.
package victim
