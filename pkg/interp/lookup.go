package interp

import (
	"encoding/binary"

	"github.com/dchest/siphash"

	"github.com/kristofer/stvm/pkg/memory"
	"github.com/kristofer/stvm/pkg/oop"
)

// methodDictLookup performs the linear selector-array scan of spec.md
// §4.3: "linearly scan the selector array of the class's method
// dictionary for an identity match. If found, return the method at the
// same index in the values array." Slot 0 is tally, slot 1 is values,
// the array part (slots 2..) holds the selectors.
func methodDictLookup(mem *memory.Memory, dict memory.Object, selector oop.OOP) (methodOOP oop.OOP, found bool, err error) {
	valuesObj, err := mem.Slot(dict, 1)
	if err != nil {
		return 0, false, err
	}
	count := dict.SlotCount()
	if count < 2 {
		return 0, false, nil
	}
	n := count - 2
	for i := uint64(0); i < n; i++ {
		sel, err := mem.Slot(dict, 2+i)
		if err != nil {
			return 0, false, err
		}
		if sel.OOP == 0 {
			continue // nil slot: skipped during linear scan (spec.md §3 invariant)
		}
		if sel.OOP == selector {
			method, err := mem.Slot(valuesObj, i)
			if err != nil {
				return 0, false, err
			}
			return method.OOP, true, nil
		}
	}
	return 0, false, nil
}

// classWalkLookup starts at startClass and walks spec.md §4.3's
// superclass chain, consulting each class's method dictionary in turn.
func classWalkLookup(mem *memory.Memory, startClass oop.OOP, selector oop.OOP, nilOOP oop.OOP) (methodOOP oop.OOP, definingClass oop.OOP, found bool, err error) {
	class := startClass
	for class != nilOOP && class != 0 {
		classObj, err := mem.ObjectAt(class)
		if err != nil {
			return 0, 0, false, err
		}
		dict, err := mem.Slot(classObj, 1)
		if err != nil {
			return 0, 0, false, err
		}
		m, found, err := methodDictLookup(mem, dict, selector)
		if err != nil {
			return 0, 0, false, err
		}
		if found {
			return m, class, true, nil
		}
		superObj, err := mem.Slot(classObj, 0)
		if err != nil {
			return 0, 0, false, err
		}
		class = superObj.OOP
	}
	return 0, 0, false, nil
}

// cacheSize is the direct-mapped method cache's entry count; spec.md §4.3
// requires "a fixed-size (>= 1024-entry) direct-mapped cache".
const cacheSize = 4096

type cacheEntry struct {
	class, selector, method oop.OOP
	valid                   bool
}

// MethodCache is the direct-mapped (classOop, selectorOop) -> method
// cache of spec.md §4.3, keyed with siphash the same way
// SnellerInc/sneller keys its block-format digests — a cheap, well-
// distributed 64-bit keyed hash is exactly what a cache index needs.
type MethodCache struct {
	entries    []cacheEntry
	k0, k1     uint64
}

// NewMethodCache returns an empty cache keyed by k0/k1. NewVM passes the
// fixed cacheKey0/cacheKey1 constants, so slot assignment is the same on
// every run.
func NewMethodCache(k0, k1 uint64) *MethodCache {
	return &MethodCache{entries: make([]cacheEntry, cacheSize), k0: k0, k1: k1}
}

func (c *MethodCache) index(class, selector oop.OOP) int {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(class))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(selector))
	h := siphash.Hash(c.k0, c.k1, buf[:])
	return int(h % uint64(len(c.entries)))
}

// Lookup consults the cache, returning (method, true) on hit.
func (c *MethodCache) Lookup(class, selector oop.OOP) (oop.OOP, bool) {
	e := &c.entries[c.index(class, selector)]
	if e.valid && e.class == class && e.selector == selector {
		return e.method, true
	}
	return 0, false
}

// Insert populates the cache, overwriting whatever collided there (spec.md
// §4.3: "entries are overwritten on collision").
func (c *MethodCache) Insert(class, selector, method oop.OOP) {
	c.entries[c.index(class, selector)] = cacheEntry{class: class, selector: selector, method: method, valid: true}
}

// InvalidateAll clears the whole cache, per spec.md §4.3: "invalidated
// wholesale when any method dictionary is observed to be mutated".
func (c *MethodCache) InvalidateAll() {
	for i := range c.entries {
		c.entries[i] = cacheEntry{}
	}
}

// LookupMethod implements the full spec.md §4.3 algorithm: cache lookup,
// then class walk, then (on total miss) a DNU retry from the original
// class. dnuSelector bypasses the cache per spec.md §4.3: "Lookups of
// doesNotUnderstand: bypass the cache."
func LookupMethod(mem *memory.Memory, cache *MethodCache, class, selector, dnuSelector, nilOOP oop.OOP) (methodOOP oop.OOP, isDNU bool, err error) {
	if selector != dnuSelector {
		if m, ok := cache.Lookup(class, selector); ok {
			return m, false, nil
		}
	}
	m, _, found, err := classWalkLookup(mem, class, selector, nilOOP)
	if err != nil {
		return 0, false, err
	}
	if found {
		if selector != dnuSelector {
			cache.Insert(class, selector, m)
		}
		return m, false, nil
	}
	if selector == dnuSelector {
		return 0, false, &DoesNotUnderstandError{Selector: "doesNotUnderstand:"}
	}
	// Retry at the *original* class with doesNotUnderstand: (spec.md §4.3).
	m, _, found, err = classWalkLookup(mem, class, dnuSelector, nilOOP)
	if err != nil {
		return 0, false, err
	}
	if !found {
		return 0, false, &DoesNotUnderstandError{Selector: "doesNotUnderstand:"}
	}
	return m, true, nil
}
