// Package codecache is Aero's compiled-code cache: it maps a guest entry
// point to whatever the JIT tiers produced for it (a Tier-1 jit.Table slot
// or a Tier-2 trace), guards every installed handle against the guest
// overwriting the pages it was compiled from, and evicts under an LRU
// policy bounded by both entry count and byte budget.
//
// The dispatcher is the cache's only caller: it looks a (RIP, bitness)
// pair up before falling back to the interpreter, and installs whatever a
// compile request produced.
package codecache

import (
	"container/list"
	"sync"

	"github.com/aerocore/aero/jit"
	"github.com/aerocore/aero/trace"
)

// Kind tags which tier compiled a Handle's code.
type Kind int

const (
	KindBlock Kind = iota
	KindTrace
)

// Key identifies a compiled entry point. The same RIP compiled under
// different bitness (a far jump crossing a code-segment default-size
// change, for instance) is a different cache entry.
type Key struct {
	RIP     uint64
	Bitness int
}

// Handle is what a successful compile installs: the compiled code
// itself, plus every page-version guard that must still hold for the
// handle to be trustworthy.
type Handle struct {
	Key      Key
	Kind     Kind
	BlockIdx uint32 // valid when Kind == KindBlock: slot in the shared jit.Table
	Trace    *trace.Trace

	guards []trace.PageGuard
	bytes  int
	elem   *list.Element
}

// Guards reports the page/version pairs Handle was compiled under.
func (h *Handle) Guards() []trace.PageGuard { return h.guards }

// Config bounds the cache's resource usage.
type Config struct {
	MaxEntries int
	MaxBytes   int
}

// Cache owns the shared Tier-1 block table and an LRU index over it and
// over installed Tier-2 traces.
type Cache struct {
	mu     sync.Mutex
	blocks *jit.Table
	cfg    Config

	byKey map[Key]*list.Element // list.Element.Value is *Handle
	lru   *list.List
	bytes int
}

// New constructs an empty cache sharing blocks (the dispatcher's block
// table) for Tier-1 installs.
func New(blocks *jit.Table, cfg Config) *Cache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 4096
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 16 << 20
	}

	return &Cache{
		blocks: blocks,
		cfg:    cfg,
		byKey:  make(map[Key]*list.Element),
		lru:    list.New(),
	}
}

// Lookup returns the installed handle for key, if any, and marks it most
// recently used.
func (c *Cache) Lookup(key Key) (*Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.byKey[key]
	if !ok {
		return nil, false
	}

	c.lru.MoveToFront(elem)
	return elem.Value.(*Handle), true
}

// InsertBlock installs a freshly compiled Tier-1 block under key,
// replacing whatever was previously installed there.
func (c *Cache) InsertBlock(key Key, block *jit.Block, guards []trace.PageGuard) *Handle {
	idx := c.blocks.Install(block)
	h := &Handle{Key: key, Kind: KindBlock, BlockIdx: idx, guards: guards, bytes: block.Len}
	c.insert(key, h)
	return h
}

// InsertTrace installs a freshly built Tier-2 trace under key.
func (c *Cache) InsertTrace(key Key, tr *trace.Trace) *Handle {
	h := &Handle{Key: key, Kind: KindTrace, Trace: tr, guards: tr.Prologue, bytes: len(tr.Ops) * 32}
	c.insert(key, h)
	return h
}

func (c *Cache) insert(key Key, h *Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.byKey[key]; ok {
		c.evictElem(old)
	}

	h.elem = c.lru.PushFront(h)
	c.byKey[key] = h.elem
	c.bytes += h.bytes

	for c.bytes > c.cfg.MaxBytes || c.lru.Len() > c.cfg.MaxEntries {
		back := c.lru.Back()
		if back == nil || back == h.elem {
			break
		}
		c.evictElem(back)
	}
}

// evictElem removes one element from both the LRU list and the index.
// Caller must hold c.mu.
func (c *Cache) evictElem(elem *list.Element) {
	h := elem.Value.(*Handle)
	if h.Kind == KindBlock {
		c.blocks.Remove(h.BlockIdx)
	}
	delete(c.byKey, h.Key)
	c.lru.Remove(elem)
	c.bytes -= h.bytes
}

// Evict removes the handle installed at key, if any. Used when a guard
// recheck finds a specific handle stale, as opposed to InvalidatePage's
// bulk scan triggered by a page-version bump.
func (c *Cache) Evict(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.byKey[key]; ok {
		c.evictElem(elem)
	}
}

// InvalidatePage removes every installed handle whose guard set mentions
// page — called after membus reports the page's code-version counter has
// bumped, so nothing executes a handle compiled from now-stale bytes.
func (c *Cache) InvalidatePage(page uint64) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var victims []*list.Element
	for e := c.lru.Front(); e != nil; e = e.Next() {
		h := e.Value.(*Handle)
		for _, g := range h.guards {
			if g.VAddr == page {
				victims = append(victims, e)
				break
			}
		}
	}

	for _, e := range victims {
		c.evictElem(e)
	}

	return len(victims)
}

// Len reports the number of installed handles.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
