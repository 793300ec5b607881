package bytecode

import "fmt"

// Instruction is one decoded bytecode, ready for either dispatch or
// disassembly text.
type Instruction struct {
	PC     int
	Opcode byte
	Family Family
	// Operand bytes following the opcode, exactly as they appear in the
	// method (interpretation is family-specific).
	Operands []byte
}

// Decode reads one instruction from code starting at pc.
func Decode(code []byte, pc int) Instruction {
	op := code[pc]
	size := Size(op)
	end := pc + size
	if end > len(code) {
		end = len(code)
	}
	return Instruction{PC: pc, Opcode: op, Family: Classify(op), Operands: code[pc+1 : end]}
}

// Disassemble renders every instruction in code as a mnemonic line,
// replacing the teacher's pkg/bytecode/format.go .sg-file formatter (which
// rendered smog's own opcode set) with a textual view of Spur bytecode,
// surfaced through `stvm disasm`.
func Disassemble(code []byte) []string {
	var lines []string
	for pc := 0; pc < len(code); {
		inst := Decode(code, pc)
		lines = append(lines, fmt.Sprintf("%4d: %s", pc, mnemonic(inst)))
		pc += len(inst.Operands) + 1
	}
	return lines
}

func mnemonic(inst Instruction) string {
	op := inst.Opcode
	switch inst.Family {
	case FamilyPushReceiverVar:
		return fmt.Sprintf("pushRcvr %d", op)
	case FamilyPushTemp:
		return fmt.Sprintf("pushTemp %d", op-16)
	case FamilyPushLiteral:
		return fmt.Sprintf("pushLit %d", op-32)
	case FamilyPushLiteralVar:
		return fmt.Sprintf("pushLitVar %d", op-64)
	case FamilyPopIntoReceiverVar:
		return fmt.Sprintf("popIntoRcvr %d", op-96)
	case FamilyPopIntoTemp:
		return fmt.Sprintf("popIntoTemp %d", op-104)
	case FamilyPushReceiver:
		return "pushSelf"
	case FamilyPushSpecial:
		names := []string{"pushTrue", "pushFalse", "pushNil"}
		return names[op-113]
	case FamilyPushSmallInt:
		return fmt.Sprintf("pushSmallInt %d", int(op)-117)
	case FamilyReturnReceiver:
		return "returnSelf"
	case FamilyReturnSpecial:
		names := []string{"returnTrue", "returnFalse", "returnNil"}
		return names[op-121]
	case FamilyReturnTop:
		return "returnTop"
	case FamilyBlockReturn:
		return "blockReturnTop"
	case FamilyExtendedStorePop:
		kind := "store"
		if op == 130 {
			kind = "storePop"
		}
		return fmt.Sprintf("extended%s %#02x %#02x", kind, inst.Operands[0], byteOr0(inst.Operands, 1))
	case FamilySingleExtendedSend:
		return fmt.Sprintf("send#%d argc=%d", inst.Operands[0]&0x1F, inst.Operands[0]>>5)
	case FamilyDoubleExtended:
		return fmt.Sprintf("doubleExtended %#02x %#02x %#02x", op, byteOr0(inst.Operands, 0), byteOr0(inst.Operands, 1))
	case FamilySuperSend:
		return fmt.Sprintf("superSend#%d argc=%d", inst.Operands[0]&0x1F, inst.Operands[0]>>5)
	case FamilyPopTop:
		return "pop"
	case FamilyDup:
		return "dup"
	case FamilyPushThisContext:
		return "pushThisContext"
	case FamilyPushNewArray:
		return fmt.Sprintf("pushNewArray %d", inst.Operands[0])
	case FamilyCallPrimitive:
		num := int(inst.Operands[0]) | int(inst.Operands[1])<<8
		return fmt.Sprintf("callPrimitive %d", num)
	case FamilyRemoteTemp:
		return fmt.Sprintf("remoteTemp op=%d idx=%d", op, byteOr0(inst.Operands, 0))
	case FamilyPushClosure:
		return fmt.Sprintf("pushClosure flags=%#02x size=%d", inst.Operands[0], int(inst.Operands[1])<<8|int(byteOr0(inst.Operands, 2)))
	case FamilyShortJump:
		return fmt.Sprintf("jump +%d", op-144+1)
	case FamilyShortCondJump:
		return fmt.Sprintf("jumpIfFalse +%d", op-152+1)
	case FamilyLongJump:
		return fmt.Sprintf("longJump base=%d %#02x", op-160, byteOr0(inst.Operands, 0))
	case FamilyLongCondJump:
		return fmt.Sprintf("longCondJump base=%d %#02x", op-168, byteOr0(inst.Operands, 0))
	case FamilySendSpecial:
		return fmt.Sprintf("sendSpecial#%d", op-176)
	case FamilySend0Arg:
		return fmt.Sprintf("send0#%d", op-208)
	case FamilySend1Arg:
		return fmt.Sprintf("send1#%d", op-224)
	case FamilySend2Arg:
		return fmt.Sprintf("send2#%d", op-240)
	default:
		return fmt.Sprintf("unknown %#02x", op)
	}
}

func byteOr0(b []byte, i int) byte {
	if i >= len(b) {
		return 0
	}
	return b[i]
}
