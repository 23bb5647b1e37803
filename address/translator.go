// Package address translates symbolic PLC addresses into wire-level read/write targets.
//
// Three address dialects are supported:
//
//   - NA200H style (dialect A): "<area><number>[.<bit>]", e.g. "M10", "M10.3", "QW5".
//   - Modbus style (dialect B): "<n>X <number>[.<bit>]", e.g. "4X 100", "0X 7.2".
//   - Generic: "<area code>:<offset>", e.g. "3:120".
//
// The numeric part of the NA200H and Modbus dialects is 1-based, the resulting
// Descriptor.Address is the 0-based wire offset including the area base. Input is
// case-insensitive.
//
// Translation is a pure function; translators are immutable and safe for concurrent use.
package address

import (
	"fmt"
	"sort"
	"strings"
)

// FunctionCode is a Modbus function code.
type FunctionCode uint8

// Modbus function codes referenced by the area tables.
const (
	ReadCoilStatus     FunctionCode = 1
	ReadInputStatus    FunctionCode = 2
	ReadHoldRegister   FunctionCode = 3
	ReadInputRegister  FunctionCode = 4
	WriteSingleCoil    FunctionCode = 5
	WriteSingleReg     FunctionCode = 6
	WriteMultiCoil     FunctionCode = 15
	WriteMultiRegister FunctionCode = 16
)

// IsBitAccess reports whether the function code addresses single bits.
func (fc FunctionCode) IsBitAccess() bool {
	switch fc {
	case ReadCoilStatus, ReadInputStatus, WriteSingleCoil, WriteMultiCoil:
		return true
	default:
		return false
	}
}

// Element widths of an area, in bytes.
const (
	BitWidth  = 0.125
	WordWidth = 2
)

// Descriptor fully determines the wire-level read/write target of an address.
type Descriptor struct {
	// AreaString is the upper-cased area label, e.g. "4X" or "MW". Empty for the generic dialect.
	AreaString string
	// Area is the function code (or raw area code for the generic dialect).
	Area int
	// Address is the 0-based linear wire offset.
	Address int
	// SubAddress is the bit index inside the element, 0 when absent.
	SubAddress int
}

func (d Descriptor) String() string {
	if d.AreaString == "" {
		return fmt.Sprintf("%d:%d", d.Area, d.Address)
	}

	return fmt.Sprintf("%s(fc=%d) %d.%d", d.AreaString, d.Area, d.Address, d.SubAddress)
}

// Translator converts address strings into Descriptors.
type Translator interface {
	// Translate parses address and resolves it for a read (isRead=true) or a write.
	// It returns *FormatError on grammar mismatch and *LookupError on an unknown area.
	Translate(address string, isRead bool) (Descriptor, error)
	// AreaByteLength returns the width in bytes of a single element of area.
	AreaByteLength(area string) (float64, error)
}

// areaDef is one row of an area table.
type areaDef struct {
	base      int
	readCode  FunctionCode
	writeCode FunctionCode // 0 when the area is read-only
	width     float64
}

type areaTable map[string]areaDef

func (t areaTable) resolve(addr, area string, tail, sub int, isRead bool) (Descriptor, error) {
	def, ok := t[area]
	if !ok {
		return Descriptor{}, &LookupError{Address: addr, Area: area, IsRead: isRead}
	}

	code := def.readCode
	if !isRead {
		code = def.writeCode
	}
	if code == 0 {
		return Descriptor{}, &LookupError{Address: addr, Area: area, IsRead: isRead}
	}

	return Descriptor{
		AreaString: area,
		Area:       int(code),
		Address:    def.base + tail - 1,
		SubAddress: sub,
	}, nil
}

func (t areaTable) width(area string) (float64, error) {
	def, ok := t[strings.ToUpper(area)]
	if !ok {
		return 0, &LookupError{Area: area, IsRead: true}
	}

	return def.width, nil
}

// Dialect names accepted by New.
const (
	DialectNA200H = "na200h"
	DialectModbus = "modbus"
	DialectBase   = "base"
)

var dialects = map[string]func() Translator{
	DialectNA200H: func() Translator { return NewNA200HTranslator() },
	DialectModbus: func() Translator { return NewModbusTranslator() },
	DialectBase:   func() Translator { return NewBaseTranslator() },
}

// New returns the translator registered for dialect.
func New(dialect string) (Translator, error) {
	ctor, ok := dialects[strings.ToLower(dialect)]
	if !ok {
		return nil, fmt.Errorf("unknown address dialect %q, supported: %s", dialect, strings.Join(Dialects(), ", "))
	}

	return ctor(), nil
}

// Dialects returns the supported dialect names in sorted order.
func Dialects() []string {
	names := make([]string, 0, len(dialects))
	for name := range dialects {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}
