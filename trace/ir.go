package trace

import "github.com/aerocore/aero/jit"

// Kind distinguishes how a trace's guards relate to its body.
type Kind int

const (
	// Linear traces run once per entry: a hot straight-line path with
	// no backedge back into itself.
	Linear Kind = iota
	// Loop traces are built from a hot backedge: their body is meant
	// to be re-entered by the dispatcher every iteration, so the page
	// guards are rechecked on every pass rather than only once at the
	// first entry.
	Loop
)

func (k Kind) String() string {
	if k == Loop {
		return "loop"
	}
	return "linear"
}

// Trace is a compiled run of guest code spanning one or more Tier-1
// blocks, each stitched onto the constant target of the previous
// block's final Exit, with the page guards that must hold for it to still
// be valid. Ops is the concatenation of each constituent block's IR,
// with temp IDs renumbered so no two blocks collide; only the final
// block's terminator (Exit, ExitIf+fallthrough Exit, or Bailout)
// survives from each intermediate block — their own fallthrough exits
// are dropped since the next block already continues where they would
// have landed.
type Trace struct {
	EntryRIP  uint64
	Kind      Kind
	Bitness   int // 16, 32, or 64: 32 makes Run mask Load/Store addresses
	Prologue  []PageGuard
	Ops       []jit.Op
	TempCount int
}
