package bsoncolumn

// Control byte high nibble values. A literal has 0000 in the high nibble;
// a Simple-8b block has 1000-1101, where the nibble selects how decoded
// 64-bit words are reinterpreted as doubles (or not at all, for plain
// int64 columns).
const (
	// controlLiteral marks a literal value: the Kind byte and encoded
	// payload immediately follow. It is distinct from controlEndOfColumn
	// so a reader can always tell a real control byte from the terminator.
	controlLiteral     byte = 0x01
	controlEndOfColumn byte = 0x00

	controlHighIntBlock = 0x80 // no scale: values are raw int64 deltas
	controlHighScale0   = 0x90
	controlHighScale1   = 0xA0
	controlHighScale2   = 0xB0
	controlHighScale3   = 0xC0
	controlHighScale4   = 0xD0
)

// maxWordsPerBlock is the largest word count one control byte can describe:
// the low nibble holds (count-1) in 4 bits.
const maxWordsPerBlock = 16

func scaleControlByte(scaleIndex uint8) byte {
	switch scaleIndex {
	case MemoryAsInteger:
		return controlHighIntBlock
	case 0:
		return controlHighScale0
	case 1:
		return controlHighScale1
	case 2:
		return controlHighScale2
	case 3:
		return controlHighScale3
	case 4:
		return controlHighScale4
	default:
		panic("bsoncolumn: invalid scale index")
	}
}

func scaleIndexFromControl(control byte) (uint8, bool) {
	switch control & 0xF0 {
	case controlHighIntBlock:
		return MemoryAsInteger, true
	case controlHighScale0:
		return 0, true
	case controlHighScale1:
		return 1, true
	case controlHighScale2:
		return 2, true
	case controlHighScale3:
		return 3, true
	case controlHighScale4:
		return 4, true
	default:
		return 0, false
	}
}

func isLiteralControl(control byte) bool {
	return control == controlLiteral
}
