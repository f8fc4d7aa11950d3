// Package trace is Aero's tier-2 trace compiler: it stitches several
// Tier-1 blocks together along one observed control-flow path into a
// single run of IR, so a hot loop or straight-line hot path replays
// without paying the block-table dispatch between every constituent
// block. Tier-2 never stands alone — every trace still bails to the
// interpreter on anything its IR cannot express, and every execution
// rechecks a standing code-version guard before trusting the trace at
// all.
package trace

// Backedge identifies a control transfer that goes backward in address
// order (a later block jumping to an earlier one). A backedge the
// profiler has seen often enough is the signal that a trace rooted at
// its target should be built as a loop, not a linear run.
type Backedge struct {
	From, To uint64
}

// ProfileData accumulates how often each block (keyed by its entry
// RIP) has executed and which backedges have run often enough to be
// worth looping a trace over. The dispatcher updates this on every
// block boundary; TraceBuilder only reads it.
type ProfileData struct {
	BlockCounts  map[uint64]uint64
	HotBackedges map[Backedge]bool
}

// NewProfileData returns an empty profile.
func NewProfileData() *ProfileData {
	return &ProfileData{
		BlockCounts:  make(map[uint64]uint64),
		HotBackedges: make(map[Backedge]bool),
	}
}

// RecordBlock bumps rip's execution count and returns the new total.
func (p *ProfileData) RecordBlock(rip uint64) uint64 {
	p.BlockCounts[rip]++
	return p.BlockCounts[rip]
}

// MarkHotBackedge records that the from->to edge has crossed whatever
// threshold the caller judges hot; TraceBuilder consults this when
// deciding a trace's Kind.
func (p *ProfileData) MarkHotBackedge(from, to uint64) {
	p.HotBackedges[Backedge{From: from, To: to}] = true
}

// IsHotBackedge reports whether from->to has been marked hot.
func (p *ProfileData) IsHotBackedge(from, to uint64) bool {
	return p.HotBackedges[Backedge{From: from, To: to}]
}

// TraceConfig bounds how large TraceBuilder lets one trace grow, and
// how many times a block must run before it is worth tracing at all.
type TraceConfig struct {
	HotBlockThreshold uint64
	MaxBlocks         int
	MaxInstrs         int
}

// Hot reports whether count has crossed the threshold for tracing.
func (c TraceConfig) Hot(count uint64) bool {
	return count >= c.HotBlockThreshold
}
