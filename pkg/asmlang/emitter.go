package asmlang

import (
	"fmt"

	"github.com/kristofer/stvm/pkg/memory"
	"github.com/kristofer/stvm/pkg/oop"
)

// CompiledMethodClassIndex is stvm's bootstrap convention for the
// CompiledMethod class's class-table slot, in the same spirit as
// pkg/memory's ClassIndexPoint/ClassIndexProcess conventions: spec.md §3
// enumerates only a handful of well-known indices by name and leaves the
// rest to the implementation.
const CompiledMethodClassIndex = 39

// methodDictCapacity bounds how many selectors a class built by
// DefineClass can hold; this core never resizes a method dictionary
// (spec.md §3 Lifecycle: "allocations are bump-only"), so fixtures must
// size it up front.
const methodDictCapacity = 32

// Builder assembles asmlang programs into real Spur heap objects inside
// a memory.Memory: interned symbols/strings, bootstrap classes with their
// method dictionaries, and CompiledMethod objects built from assembled
// bytecode. It plays the role the teacher's pkg/compiler played for
// smog's own tree-walking VM, but as a fixture builder over pkg/memory
// rather than a program compiler.
type Builder struct {
	Mem      *memory.Memory
	NilOOP   oop.OOP
	TrueOOP  oop.OOP
	FalseOOP oop.OOP

	symbols map[string]oop.OOP
	classes map[string]oop.OOP
}

// NewBuilder wraps mem with the three canonical singletons a literal pool
// or method body may reference.
func NewBuilder(mem *memory.Memory, nilOOP, trueOOP, falseOOP oop.OOP) *Builder {
	return &Builder{
		Mem:      mem,
		NilOOP:   nilOOP,
		TrueOOP:  trueOOP,
		FalseOOP: falseOOP,
		symbols:  make(map[string]oop.OOP),
		classes:  make(map[string]oop.OOP),
	}
}

// Intern returns the ByteString/ByteSymbol object for name, allocating
// and caching it on first use so repeated references (a selector used by
// many sends) are identity-equal, per spec.md §3's "Selector ... equality
// is identity."  stvm does not model ByteSymbol as a class distinct from
// ByteString (spec.md leaves symbol table bootstrapping out of core
// scope); both a selector and a literal string intern through this same
// path and share ClassIndexByteString.
func (b *Builder) Intern(name string) (oop.OOP, error) {
	if o, ok := b.symbols[name]; ok {
		return o, nil
	}
	raw := []byte(name)
	obj, err := b.Mem.Allocate(memory.ClassShape{ClassIndex: memory.ClassIndexByteString, InstanceFormat: memory.Format8BitFirst}, len(raw), len(raw))
	if err != nil {
		return 0, fmt.Errorf("asmlang: interning %q: %w", name, err)
	}
	for i, ch := range raw {
		if err := b.Mem.RawAtPut(obj, uint64(i), uint64(ch)); err != nil {
			return 0, err
		}
	}
	b.symbols[name] = obj.OOP
	return obj.OOP, nil
}

// ClassOf returns a previously defined class's oop.
func (b *Builder) ClassOf(name string) (oop.OOP, bool) {
	o, ok := b.classes[name]
	return o, ok
}

// DefineClass allocates a method dictionary and a class object (spec.md
// §3 "Classes & the class table"/"Method dictionary"), registers it at
// classIndex, and returns its oop. instVarCount is the class's declared
// fixed instance-variable count (class-format word, slot 2); super is the
// superclass oop (b.NilOOP for a root class).
func (b *Builder) DefineClass(name string, super oop.OOP, classIndex uint32, instVarCount int) (oop.OOP, error) {
	valuesArr, err := b.Mem.Allocate(memory.ClassShape{ClassIndex: memory.ClassIndexArray, InstanceFormat: memory.FormatVariablePointers}, methodDictCapacity, 0)
	if err != nil {
		return 0, fmt.Errorf("asmlang: class %s method-dict values: %w", name, err)
	}
	dict, err := b.Mem.Allocate(memory.ClassShape{ClassIndex: memory.ClassIndexArray, FixedSlots: 2, InstanceFormat: memory.FormatVariableWithInst}, methodDictCapacity, 0)
	if err != nil {
		return 0, fmt.Errorf("asmlang: class %s method dict: %w", name, err)
	}
	if err := b.Mem.SlotPut(dict, 0, oop.EncodeSmallInteger(0)); err != nil {
		return 0, err
	}
	if err := b.Mem.SlotPut(dict, 1, valuesArr.OOP); err != nil {
		return 0, err
	}

	classObj, err := b.Mem.Allocate(memory.ClassShape{ClassIndex: classIndex, FixedSlots: 7, InstanceFormat: memory.FormatFixedPointers}, 0, 0)
	if err != nil {
		return 0, fmt.Errorf("asmlang: class %s object: %w", name, err)
	}
	if err := b.Mem.SlotPut(classObj, 0, super); err != nil {
		return 0, err
	}
	if err := b.Mem.SlotPut(classObj, 1, dict.OOP); err != nil {
		return 0, err
	}
	formatWord := uint64(instVarCount) | uint64(memory.FormatFixedPointers)<<16
	if err := b.Mem.SlotPut(classObj, 2, oop.EncodeSmallInteger(int64(formatWord))); err != nil {
		return 0, err
	}
	nameOOP, err := b.Intern(name)
	if err != nil {
		return 0, err
	}
	if err := b.Mem.SlotPut(classObj, 6, nameOOP); err != nil {
		return 0, err
	}
	if err := b.Mem.ClassTable().SetSlot(classIndex, classObj.OOP); err != nil {
		return 0, fmt.Errorf("asmlang: registering class %s at index %d: %w", name, classIndex, err)
	}
	b.classes[name] = classObj.OOP
	return classObj.OOP, nil
}

// AddMethod installs methodOOP under selectorName in classOOP's method
// dictionary, at the first free (nil) slot (spec.md §3 "A selector's
// position in the selector array equals its method's position in the
// values array").
func (b *Builder) AddMethod(classOOP oop.OOP, selectorName string, methodOOP oop.OOP) error {
	classObj, err := b.Mem.ObjectAt(classOOP)
	if err != nil {
		return err
	}
	dictOOPObj, err := b.Mem.Slot(classObj, 1)
	if err != nil {
		return err
	}
	dict := dictOOPObj
	valuesObj, err := b.Mem.Slot(dict, 1)
	if err != nil {
		return err
	}
	selOOP, err := b.Intern(selectorName)
	if err != nil {
		return err
	}
	n := dict.SlotCount() - 2
	for i := uint64(0); i < n; i++ {
		existing, err := b.Mem.Slot(dict, 2+i)
		if err != nil {
			return err
		}
		if existing.OOP == 0 || existing.OOP == b.NilOOP {
			if err := b.Mem.SlotPut(dict, 2+i, selOOP); err != nil {
				return err
			}
			if err := b.Mem.SlotPut(valuesObj, i, methodOOP); err != nil {
				return err
			}
			tallyObj, err := b.Mem.Slot(dict, 0)
			if err != nil {
				return err
			}
			if err := b.Mem.SlotPut(dict, 0, oop.EncodeSmallInteger(tallyObj.SmallIntegerValue()+1)); err != nil {
				return err
			}
			return nil
		}
	}
	return fmt.Errorf("asmlang: method dictionary for class full (capacity %d)", methodDictCapacity)
}

// CompileMethod assembles src, builds the resulting CompiledMethod heap
// object, and — if classOOP is non-zero — installs it under selectorName
// in that class's method dictionary. It returns the method's oop.
func (b *Builder) CompileMethod(classOOP oop.OOP, selectorName string, src string) (oop.OOP, error) {
	prog, err := Parse(src)
	if err != nil {
		return 0, err
	}
	methodOOP, err := b.emit(prog)
	if err != nil {
		return 0, err
	}
	if classOOP != 0 {
		if err := b.AddMethod(classOOP, selectorName, methodOOP); err != nil {
			return 0, err
		}
	}
	return methodOOP, nil
}

// literalOOP resolves one parsed literal-pool entry to its runtime oop.
func (b *Builder) literalOOP(lit LiteralNode) (oop.OOP, error) {
	switch lit.Kind {
	case LitInt:
		return oop.EncodeSmallInteger(lit.Int), nil
	case LitSymbol:
		return b.Intern(lit.Str)
	case LitString:
		return b.Intern(lit.Str)
	case LitNil:
		return b.NilOOP, nil
	case LitTrue:
		return b.TrueOOP, nil
	case LitFalse:
		return b.FalseOOP, nil
	default:
		return 0, fmt.Errorf("asmlang: unknown literal kind at line %d", lit.Line)
	}
}

// emit performs the assembler's two passes: addresses/label resolution
// first, then byte emission, following it with the CompiledMethod
// object's allocation and population (spec.md §3 CompiledMethod layout).
func (b *Builder) emit(prog *Program) (oop.OOP, error) {
	if prog.Primitive != 0 {
		// A nonzero primitive number always arrives as the method's very
		// first bytecode (spec.md §3/§4.4): asmlang source only spells out
		// the Smalltalk fallback body, not this pseudo-instruction.
		primCall := InstrNode{Mnemonic: "callPrimitive", Args: []int64{int64(prog.Primitive)}}
		prog.Instrs = append([]InstrNode{primCall}, prog.Instrs...)
	}
	addrs, labels, blockBodySize, err := layout(prog)
	if err != nil {
		return 0, err
	}

	literalOOPs := make([]oop.OOP, len(prog.Literals))
	for i, lit := range prog.Literals {
		o, err := b.literalOOP(lit)
		if err != nil {
			return 0, err
		}
		literalOOPs[i] = o
	}
	if prog.Home != "" {
		homeOOP, ok := b.classes[prog.Home]
		if !ok {
			return 0, fmt.Errorf("asmlang: .home references undefined class %q", prog.Home)
		}
		literalOOPs = append(literalOOPs, homeOOP)
	}

	code, err := encode(prog, addrs, labels, blockBodySize)
	if err != nil {
		return 0, err
	}

	numLiterals := len(literalOOPs)
	headerWord := int64(prog.NumArgs&0xF)<<24 |
		int64(prog.NumTemps&0x3F)<<18 |
		boolBit(true, 17) | // always the 56-word large frame; fixtures favor headroom over density
		boolBit(prog.Primitive != 0, 16) |
		int64(numLiterals&0x7FFF)

	prefixBytes := (1 + numLiterals) * 8
	totalPayload := prefixBytes + len(code) + 1 // +1 trailer byte

	obj, err := b.Mem.Allocate(memory.ClassShape{ClassIndex: CompiledMethodClassIndex, InstanceFormat: memory.FormatCompiledMethodFirst}, 0, totalPayload)
	if err != nil {
		return 0, fmt.Errorf("asmlang: allocating CompiledMethod: %w", err)
	}
	if err := b.Mem.SlotPut(obj, 0, oop.EncodeSmallInteger(headerWord)); err != nil {
		return 0, err
	}
	for i, lo := range literalOOPs {
		if err := b.Mem.SlotPut(obj, uint64(1+i), lo); err != nil {
			return 0, err
		}
	}
	if err := b.Mem.PutBytes(obj.Address()+memory.HeaderSize+uint64(prefixBytes), code); err != nil {
		return 0, err
	}
	// Trailer byte: stvm does not encode a source pointer (spec.md §3
	// "a trailer byte ... encodes an optional source pointer"); 0 means
	// none.
	if err := b.Mem.PutBytes(obj.Address()+memory.HeaderSize+uint64(prefixBytes)+uint64(len(code)), []byte{0}); err != nil {
		return 0, err
	}
	return obj.OOP, nil
}

func boolBit(v bool, bit uint) int64 {
	if v {
		return 1 << bit
	}
	return 0
}
