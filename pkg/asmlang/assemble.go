package asmlang

import "fmt"

// instrSize returns the fixed byte length an instruction's mnemonic
// always encodes to (asmlang never chooses between a short- and
// long-form encoding for the same source line — see the package doc in
// emitter.go), or an error for an unrecognized mnemonic. Label
// definitions and the "blockEnd" marker occupy zero bytes.
func instrSize(n InstrNode) (int, error) {
	if n.Mnemonic == "" {
		return 0, nil // label-only line
	}
	switch n.Mnemonic {
	case "blockEnd":
		return 0, nil
	case "pushRcvr", "pushTemp", "pushLit", "pushLitVar", "popRcvr", "popTemp",
		"pushSelf", "pushTrue", "pushFalse", "pushNil", "pushSmallInt",
		"returnSelf", "returnTrue", "returnFalse", "returnNil", "returnTop",
		"blockReturnTop", "pop", "dup", "pushThisContext",
		"send0", "send1", "send2", "sendSpecial":
		return 1, nil
	case "storeRcvr", "storePopRcvr", "storeTemp", "storePopTemp", "storeLitVar", "storePopLitVar",
		"send", "sendSuper", "pushNewArray", "remotePush", "remoteStore", "remotePop",
		"jump", "jumpFalse":
		return 2, nil
	case "sendLong", "callPrimitive":
		return 3, nil
	case "block":
		return 4, nil
	default:
		return 0, fmt.Errorf("asmlang: unknown mnemonic %q at line %d", n.Mnemonic, n.Line)
	}
}

// layout is the assembler's first pass: it walks the instruction list
// once to assign every instruction a byte address, resolve label
// definitions to addresses, and compute each "block" instruction's body
// size from its matching "blockEnd" marker — all of which instrSize makes
// possible without backpatching, since no mnemonic here ever changes
// width based on its operand's value.
func layout(prog *Program) (addrs []int, labels map[string]int, blockBodySize map[int]int, err error) {
	addrs = make([]int, len(prog.Instrs))
	labels = make(map[string]int)
	blockBodySize = make(map[int]int)
	var openBlocks []int
	pc := 0

	for i, n := range prog.Instrs {
		addrs[i] = pc
		if n.Label != "" && n.Mnemonic == "" {
			labels[n.Label] = pc
			continue
		}
		if n.Mnemonic == "blockEnd" {
			if len(openBlocks) == 0 {
				return nil, nil, nil, fmt.Errorf("asmlang: blockEnd with no matching block at line %d", n.Line)
			}
			j := openBlocks[len(openBlocks)-1]
			openBlocks = openBlocks[:len(openBlocks)-1]
			blockBodySize[j] = pc - (addrs[j] + 4)
			continue
		}
		size, e := instrSize(n)
		if e != nil {
			return nil, nil, nil, e
		}
		if n.Mnemonic == "block" {
			openBlocks = append(openBlocks, i)
		}
		pc += size
	}
	if len(openBlocks) != 0 {
		return nil, nil, nil, fmt.Errorf("asmlang: %d unclosed block(s)", len(openBlocks))
	}
	return addrs, labels, blockBodySize, nil
}

// encode is the assembler's second pass: it re-walks the instruction
// list emitting the real bytecode bytes, now that every label and block
// body size is known.
func encode(prog *Program, addrs []int, labels map[string]int, blockBodySize map[int]int) ([]byte, error) {
	var out []byte
	for i, n := range prog.Instrs {
		if n.Mnemonic == "" || n.Mnemonic == "blockEnd" {
			continue
		}
		bytes, err := encodeOne(n, i, addrs, labels, blockBodySize)
		if err != nil {
			return nil, err
		}
		out = append(out, bytes...)
	}
	return out, nil
}

func arg(n InstrNode, i int) (int64, error) {
	if i >= len(n.Args) {
		return 0, fmt.Errorf("asmlang: %s missing operand %d at line %d", n.Mnemonic, i, n.Line)
	}
	return n.Args[i], nil
}

func encodeOne(n InstrNode, idx int, addrs []int, labels map[string]int, blockBodySize map[int]int) ([]byte, error) {
	switch n.Mnemonic {
	case "pushRcvr":
		a, err := arg(n, 0)
		return []byte{byte(a)}, err
	case "pushTemp":
		a, err := arg(n, 0)
		return []byte{byte(16 + a)}, err
	case "pushLit":
		a, err := arg(n, 0)
		return []byte{byte(32 + a)}, err
	case "pushLitVar":
		a, err := arg(n, 0)
		return []byte{byte(64 + a)}, err
	case "popRcvr":
		a, err := arg(n, 0)
		return []byte{byte(96 + a)}, err
	case "popTemp":
		a, err := arg(n, 0)
		return []byte{byte(104 + a)}, err
	case "pushSelf":
		return []byte{112}, nil
	case "pushTrue":
		return []byte{113}, nil
	case "pushFalse":
		return []byte{114}, nil
	case "pushNil":
		return []byte{115}, nil
	case "pushSmallInt":
		a, err := arg(n, 0)
		if err != nil {
			return nil, err
		}
		if a < -1 || a > 2 {
			return nil, fmt.Errorf("asmlang: pushSmallInt %d out of range [-1,2] at line %d", a, n.Line)
		}
		return []byte{byte(116 + a + 1)}, nil
	case "returnSelf":
		return []byte{120}, nil
	case "returnTrue":
		return []byte{121}, nil
	case "returnFalse":
		return []byte{122}, nil
	case "returnNil":
		return []byte{123}, nil
	case "returnTop":
		return []byte{124}, nil
	case "blockReturnTop":
		return []byte{125}, nil
	case "pop":
		return []byte{135}, nil
	case "dup":
		return []byte{136}, nil
	case "pushThisContext":
		return []byte{137}, nil
	case "send0":
		a, err := arg(n, 0)
		return []byte{byte(208 + a)}, err
	case "send1":
		a, err := arg(n, 0)
		return []byte{byte(224 + a)}, err
	case "send2":
		a, err := arg(n, 0)
		return []byte{byte(240 + a)}, err
	case "sendSpecial":
		a, err := arg(n, 0)
		return []byte{byte(176 + a)}, err

	case "storeRcvr", "storePopRcvr", "storeTemp", "storePopTemp", "storeLitVar", "storePopLitVar":
		a, err := arg(n, 0)
		if err != nil {
			return nil, err
		}
		var kind byte
		var op byte
		switch n.Mnemonic {
		case "storeRcvr":
			kind, op = 0, 129
		case "storePopRcvr":
			kind, op = 0, 130
		case "storeTemp":
			kind, op = 1, 129
		case "storePopTemp":
			kind, op = 1, 130
		case "storeLitVar":
			kind, op = 2, 129
		case "storePopLitVar":
			kind, op = 2, 130
		}
		return []byte{op, kind<<6 | byte(a&0x3F)}, nil
	case "send":
		argc, err := arg(n, 0)
		if err != nil {
			return nil, err
		}
		selIdx, err := arg(n, 1)
		if err != nil {
			return nil, err
		}
		return []byte{131, byte(argc<<5) | byte(selIdx&0x1F)}, nil
	case "sendSuper":
		argc, err := arg(n, 0)
		if err != nil {
			return nil, err
		}
		selIdx, err := arg(n, 1)
		if err != nil {
			return nil, err
		}
		return []byte{133, byte(argc<<5) | byte(selIdx&0x1F)}, nil
	case "pushNewArray":
		a, err := arg(n, 0)
		return []byte{138, byte(a)}, err
	case "remotePush":
		a, err := arg(n, 0)
		return []byte{140, byte(a)}, err
	case "remoteStore":
		a, err := arg(n, 0)
		return []byte{141, byte(a)}, err
	case "remotePop":
		a, err := arg(n, 0)
		return []byte{142, byte(a)}, err
	case "jump":
		return encodeJump(n, idx, addrs, labels, 160)
	case "jumpFalse":
		return encodeJump(n, idx, addrs, labels, 168)

	case "sendLong":
		argc, err := arg(n, 0)
		if err != nil {
			return nil, err
		}
		selIdx, err := arg(n, 1)
		if err != nil {
			return nil, err
		}
		return []byte{132, byte(argc), byte(selIdx)}, nil
	case "callPrimitive":
		a, err := arg(n, 0)
		if err != nil {
			return nil, err
		}
		return []byte{139, byte(a & 0xFF), byte((a >> 8) & 0xFF)}, nil

	case "block":
		argc, err := arg(n, 0)
		if err != nil {
			return nil, err
		}
		copied, err := arg(n, 1)
		if err != nil {
			return nil, err
		}
		size := blockBodySize[idx]
		flags := byte(copied<<4) | byte(argc&0xF)
		return []byte{143, flags, byte((size >> 8) & 0xFF), byte(size & 0xFF)}, nil

	default:
		return nil, fmt.Errorf("asmlang: unknown mnemonic %q at line %d", n.Mnemonic, n.Line)
	}
}

func encodeJump(n InstrNode, idx int, addrs []int, labels map[string]int, base byte) ([]byte, error) {
	target, ok := labels[n.LabelRef]
	if !ok {
		return nil, fmt.Errorf("asmlang: undefined label %q at line %d", n.LabelRef, n.Line)
	}
	disp := target - (addrs[idx] + 2)
	if disp < 0 {
		return nil, fmt.Errorf("asmlang: backward jump to %q at line %d is not supported by this opcode encoding", n.LabelRef, n.Line)
	}
	if disp > 2047 {
		return nil, fmt.Errorf("asmlang: jump to %q at line %d is too far (%d bytes)", n.LabelRef, n.Line, disp)
	}
	return []byte{base + byte(disp>>8), byte(disp & 0xFF)}, nil
}
