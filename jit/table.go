package jit

import (
	"fmt"
	"sync"

	"github.com/aerocore/aero/cpu"
	"github.com/aerocore/aero/mmu"
)

// Table is Aero's second Tier-1 lowering target: blocks are installed
// into numbered slots and executed by index rather than through a
// direct *Block reference, the same shape a host function table gives
// a dynamically-compiled call target. Unlike the closure backend
// (Execute, which a caller already holding a *Block uses directly),
// Table is what the dispatcher and code cache deal in: a stable slot
// index survives recompilation and eviction churn better than a
// pointer would.
type Table struct {
	mu     sync.RWMutex
	blocks []*Block
	free   []uint32
}

// NewTable constructs an empty block table.
func NewTable() *Table {
	return &Table{}
}

// Install adds block to the table and returns its slot index.
func (t *Table) Install(block *Block) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n := len(t.free); n > 0 {
		idx := t.free[n-1]
		t.free = t.free[:n-1]
		t.blocks[idx] = block
		return idx
	}

	t.blocks = append(t.blocks, block)
	return uint32(len(t.blocks) - 1)
}

// Remove evicts the block at idx, freeing the slot for reuse by a
// later Install. Executing a removed slot returns an error.
func (t *Table) Remove(idx uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if int(idx) >= len(t.blocks) || t.blocks[idx] == nil {
		return
	}

	t.blocks[idx] = nil
	t.free = append(t.free, idx)
}

// Lookup returns the block installed at idx, if any.
func (t *Table) Lookup(idx uint32) (*Block, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if int(idx) >= len(t.blocks) || t.blocks[idx] == nil {
		return nil, false
	}

	return t.blocks[idx], true
}

// Execute runs the block installed at idx against s, the same native
// closure interpreter Execute (exec.go) uses directly.
func (t *Table) Execute(idx uint32, s *cpu.State, bus MemBus, cfg mmu.Config, cpl uint8) (nextRIP, bailoutIP uint64, err error) {
	block, ok := t.Lookup(idx)
	if !ok {
		return ExitSentinel, s.RIP, fmt.Errorf("jit: table slot %d is empty", idx)
	}

	return Execute(block, s, bus, cfg, cpl)
}
