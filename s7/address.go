// Package s7 implements the Siemens S7 driver: textual address parsing,
// big-endian value coding, and polling reads over gos7 with serialized
// read-modify-write bit access.
package s7

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Area is an S7 memory area.
type Area int

const (
	AreaDB Area = iota // data block
	AreaM              // merker/flag
	AreaI              // process image input
	AreaQ              // process image output
)

func (a Area) String() string {
	switch a {
	case AreaDB:
		return "DB"
	case AreaM:
		return "M"
	case AreaI:
		return "I"
	case AreaQ:
		return "Q"
	default:
		return "?"
	}
}

// Kind is the access width encoded in the address letter.
type Kind int

const (
	KindBool  Kind = iota // X: single bit
	KindByte              // B: unsigned byte
	KindInt16             // W: signed 16-bit word
	KindReal              // D: 32-bit IEEE float
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindByte:
		return "byte"
	case KindInt16:
		return "int16"
	case KindReal:
		return "real"
	default:
		return "?"
	}
}

// letter returns the width letter used in address syntax.
func (k Kind) letter() string {
	switch k {
	case KindBool:
		return "X"
	case KindByte:
		return "B"
	case KindInt16:
		return "W"
	case KindReal:
		return "D"
	default:
		return "?"
	}
}

// Size returns the number of bytes occupied in PLC memory.
func (k Kind) Size() int {
	switch k {
	case KindBool, KindByte:
		return 1
	case KindInt16:
		return 2
	case KindReal:
		return 4
	default:
		return 0
	}
}

// Address is a parsed S7 memory address.
type Address struct {
	Area   Area
	DB     int // data block number, only for AreaDB
	Offset int // byte offset
	Bit    int // 0-7 for KindBool, -1 otherwise
	Kind   Kind
}

// Address syntax:
//
//	DB{n}.DB{X|B|W|D}{offset}[.{bit}]   bit required for X, forbidden otherwise
//	{M|I|Q}{B|W|D}{offset}
//	{M|I|Q}X{offset}.{bit}
var (
	reDB  = regexp.MustCompile(`^DB(\d+)\.DB([XBWD])(\d+)(?:\.([0-7]))?$`)
	reMIQ = regexp.MustCompile(`^([MIQ])([XBWD])(\d+)(?:\.([0-7]))?$`)
)

// Parse parses an S7 address string. Parsing is case-insensitive;
// Format renders the canonical uppercase form, and Parse∘Format is the
// identity on legal addresses.
func Parse(addr string) (Address, error) {
	s := strings.ToUpper(strings.TrimSpace(addr))
	if s == "" {
		return Address{}, fmt.Errorf("empty address")
	}

	if m := reDB.FindStringSubmatch(s); m != nil {
		db, _ := strconv.Atoi(m[1])
		return build(AreaDB, db, m[2], m[3], m[4], addr)
	}
	if m := reMIQ.FindStringSubmatch(s); m != nil {
		var area Area
		switch m[1] {
		case "M":
			area = AreaM
		case "I":
			area = AreaI
		case "Q":
			area = AreaQ
		}
		return build(area, 0, m[2], m[3], m[4], addr)
	}
	return Address{}, fmt.Errorf("invalid S7 address %q", addr)
}

func build(area Area, db int, letter, offStr, bitStr, orig string) (Address, error) {
	off, _ := strconv.Atoi(offStr)
	a := Address{Area: area, DB: db, Offset: off, Bit: -1}

	switch letter {
	case "X":
		if bitStr == "" {
			return Address{}, fmt.Errorf("bit access %q requires a bit number", orig)
		}
		bit, _ := strconv.Atoi(bitStr)
		a.Kind = KindBool
		a.Bit = bit
	case "B":
		a.Kind = KindByte
	case "W":
		a.Kind = KindInt16
	case "D":
		a.Kind = KindReal
	}
	if a.Kind != KindBool && bitStr != "" {
		return Address{}, fmt.Errorf("bit number not allowed on %q", orig)
	}
	return a, nil
}

// Format renders the canonical textual form of the address.
func (a Address) Format() string {
	var sb strings.Builder
	if a.Area == AreaDB {
		fmt.Fprintf(&sb, "DB%d.DB%s%d", a.DB, a.Kind.letter(), a.Offset)
	} else {
		fmt.Fprintf(&sb, "%s%s%d", a.Area, a.Kind.letter(), a.Offset)
	}
	if a.Kind == KindBool {
		fmt.Fprintf(&sb, ".%d", a.Bit)
	}
	return sb.String()
}

func (a Address) String() string { return a.Format() }

// ByteKey identifies the byte an address touches, used to serialize
// read-modify-write bit access against other tags in the same byte.
func (a Address) ByteKey() string {
	return fmt.Sprintf("%s/%d/%d", a.Area, a.DB, a.Offset)
}

// Validate checks an address string without keeping the result.
func Validate(addr string) error {
	_, err := Parse(addr)
	return err
}
