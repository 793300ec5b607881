// Package bytecode defines the 256-entry V3+Sista opcode set the
// interpreter dispatches over (spec.md §4.2), and a disassembler for
// turning a CompiledMethod's raw bytes back into mnemonic text.
//
// Opcodes are grouped into families by byte range rather than given one
// named constant each (there are 256 of them and most are "push receiver
// instance variable N" for N in 0..15); Family classifies a byte into its
// range and Size reports how many bytes, including the opcode byte
// itself, the instruction occupies.
package bytecode

// Family identifies which of spec.md §4.2's opcode ranges a byte falls
// into.
type Family int

const (
	FamilyPushReceiverVar Family = iota
	FamilyPushTemp
	FamilyPushLiteral
	FamilyPushLiteralVar
	FamilyPopIntoReceiverVar
	FamilyPopIntoTemp
	FamilyPushReceiver
	FamilyPushSpecial // true/false/nil
	FamilyPushSmallInt
	FamilyReturnReceiver
	FamilyReturnSpecial
	FamilyReturnTop
	FamilyBlockReturn
	FamilyExtendedStorePop
	FamilySingleExtendedSend
	FamilyDoubleExtended
	FamilySuperSend
	FamilyPopTop
	FamilyDup
	FamilyPushThisContext
	FamilyPushNewArray
	FamilyCallPrimitive
	FamilyRemoteTemp
	FamilyPushClosure
	FamilyShortJump
	FamilyShortCondJump
	FamilyLongJump
	FamilyLongCondJump
	FamilySendSpecial
	FamilySend0Arg
	FamilySend1Arg
	FamilySend2Arg
	FamilyUnknown
)

// Classify returns the Family an opcode byte belongs to, per the table in
// spec.md §4.2.
func Classify(op byte) Family {
	switch {
	case op <= 15:
		return FamilyPushReceiverVar
	case op <= 31:
		return FamilyPushTemp
	case op <= 63:
		return FamilyPushLiteral
	case op <= 95:
		return FamilyPushLiteralVar
	case op <= 103:
		return FamilyPopIntoReceiverVar
	case op <= 111:
		return FamilyPopIntoTemp
	case op == 112:
		return FamilyPushReceiver
	case op <= 115:
		return FamilyPushSpecial
	case op <= 119:
		return FamilyPushSmallInt
	case op == 120:
		return FamilyReturnReceiver
	case op <= 123:
		return FamilyReturnSpecial
	case op == 124:
		return FamilyReturnTop
	case op == 125:
		return FamilyBlockReturn
	case op <= 128:
		return FamilyUnknown // 126-128 unused in this opcode set
	case op <= 130:
		return FamilyExtendedStorePop
	case op == 131:
		return FamilySingleExtendedSend
	case op == 132:
		return FamilyDoubleExtended
	case op == 133:
		return FamilySuperSend
	case op == 134:
		return FamilyUnknown
	case op == 135:
		return FamilyPopTop
	case op == 136:
		return FamilyDup
	case op == 137:
		return FamilyPushThisContext
	case op == 138:
		return FamilyPushNewArray
	case op == 139:
		return FamilyCallPrimitive
	case op <= 142:
		return FamilyRemoteTemp
	case op == 143:
		return FamilyPushClosure
	case op <= 151:
		return FamilyShortJump
	case op <= 159:
		return FamilyShortCondJump
	case op <= 167:
		return FamilyLongJump
	case op <= 175:
		return FamilyLongCondJump
	case op <= 207:
		return FamilySendSpecial
	case op <= 223:
		return FamilySend0Arg
	case op <= 239:
		return FamilySend1Arg
	default:
		return FamilySend2Arg
	}
}

// Size returns the total length in bytes of the instruction starting with
// opcode op, i.e. 1 plus however many operand bytes that family carries
// (spec.md §4.2: "Each handler is responsible for advancing the PC by the
// size of its encoding (1-4 bytes)").
func Size(op byte) int {
	switch Classify(op) {
	case FamilyExtendedStorePop:
		return 2
	case FamilySingleExtendedSend:
		return 2
	case FamilyDoubleExtended:
		return 3
	case FamilySuperSend:
		return 2
	case FamilyCallPrimitive:
		return 3
	case FamilyRemoteTemp:
		return 2
	case FamilyPushNewArray:
		return 2
	case FamilyPushClosure:
		return 4
	case FamilyLongJump, FamilyLongCondJump:
		return 2
	default:
		return 1
	}
}
