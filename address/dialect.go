package address

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

var (
	// <letters><digits>[.<bit>]
	na200hPattern = regexp.MustCompile(`^([A-Z]+)([0-9]+)(?:\.([0-9]+))?$`)
	// <digit>X <digits>[.<bit>]
	modbusPattern = regexp.MustCompile(`^([0-9]X) ([0-9]+)(?:\.([0-9]+))?$`)
	// <area>:<offset>
	basePattern = regexp.MustCompile(`^([0-9]+):([0-9]+)$`)
)

// NA200HTranslator implements the NA200H PLC area dialect.
type NA200HTranslator struct {
	table areaTable
}

var _ Translator = (*NA200HTranslator)(nil)

// NewNA200HTranslator returns the NA200H translator with its fixed area table.
func NewNA200HTranslator() *NA200HTranslator {
	return &NA200HTranslator{table: areaTable{
		"Q":  {base: 0, readCode: ReadCoilStatus, writeCode: WriteMultiCoil, width: BitWidth},
		"M":  {base: 10000, readCode: ReadCoilStatus, writeCode: WriteMultiCoil, width: BitWidth},
		"N":  {base: 30000, readCode: ReadCoilStatus, writeCode: WriteMultiCoil, width: BitWidth},
		"I":  {base: 0, readCode: ReadInputStatus, width: BitWidth},
		"S":  {base: 10000, readCode: ReadInputStatus, width: BitWidth},
		"IW": {base: 0, readCode: ReadInputRegister, width: WordWidth},
		"SW": {base: 5000, readCode: ReadInputRegister, width: WordWidth},
		"MW": {base: 0, readCode: ReadHoldRegister, writeCode: WriteMultiRegister, width: WordWidth},
		"QW": {base: 20000, readCode: ReadHoldRegister, writeCode: WriteMultiRegister, width: WordWidth},
		"NW": {base: 21000, readCode: ReadHoldRegister, writeCode: WriteMultiRegister, width: WordWidth},
	}}
}

func (t *NA200HTranslator) Translate(address string, isRead bool) (Descriptor, error) {
	addr := strings.ToUpper(address)
	m := na200hPattern.FindStringSubmatch(addr)
	if m == nil {
		return Descriptor{}, &FormatError{Address: address, Dialect: DialectNA200H}
	}

	tail, sub, err := parseTail(address, DialectNA200H, m[2], m[3])
	if err != nil {
		return Descriptor{}, err
	}

	return t.table.resolve(address, m[1], tail, sub, isRead)
}

func (t *NA200HTranslator) AreaByteLength(area string) (float64, error) {
	return t.table.width(area)
}

// ModbusTranslator implements the standard Modbus "nX" reference dialect.
type ModbusTranslator struct {
	table areaTable
}

var _ Translator = (*ModbusTranslator)(nil)

// NewModbusTranslator returns the Modbus reference translator. All areas have base 0.
func NewModbusTranslator() *ModbusTranslator {
	return &ModbusTranslator{table: areaTable{
		"0X": {readCode: ReadCoilStatus, writeCode: WriteMultiCoil, width: BitWidth},
		"1X": {readCode: ReadInputStatus, width: BitWidth},
		"3X": {readCode: ReadInputRegister, width: WordWidth},
		"4X": {readCode: ReadHoldRegister, writeCode: WriteMultiRegister, width: WordWidth},
	}}
}

func (t *ModbusTranslator) Translate(address string, isRead bool) (Descriptor, error) {
	addr := strings.ToUpper(address)
	m := modbusPattern.FindStringSubmatch(addr)
	if m == nil {
		return Descriptor{}, &FormatError{Address: address, Dialect: DialectModbus}
	}

	tail, sub, err := parseTail(address, DialectModbus, m[2], m[3])
	if err != nil {
		return Descriptor{}, err
	}

	return t.table.resolve(address, m[1], tail, sub, isRead)
}

func (t *ModbusTranslator) AreaByteLength(area string) (float64, error) {
	return t.table.width(area)
}

// BaseTranslator implements the generic "<area>:<offset>" dialect. The offset is
// used as-is and the area is taken as the function code.
type BaseTranslator struct{}

var _ Translator = (*BaseTranslator)(nil)

func NewBaseTranslator() *BaseTranslator { return &BaseTranslator{} }

func (t *BaseTranslator) Translate(address string, _ bool) (Descriptor, error) {
	m := basePattern.FindStringSubmatch(strings.TrimSpace(address))
	if m == nil {
		return Descriptor{}, &FormatError{Address: address, Dialect: DialectBase}
	}

	area, err := strconv.Atoi(m[1])
	if err != nil {
		return Descriptor{}, &FormatError{Address: address, Dialect: DialectBase, Reason: err.Error()}
	}
	offset, err := strconv.Atoi(m[2])
	if err != nil {
		return Descriptor{}, &FormatError{Address: address, Dialect: DialectBase, Reason: err.Error()}
	}

	return Descriptor{Area: area, Address: offset}, nil
}

// AreaByteLength is always one byte for the generic dialect.
func (t *BaseTranslator) AreaByteLength(string) (float64, error) {
	return 1, nil
}

// maxTail bounds the numeric tail of an address.
const maxTail = math.MaxInt32

func parseTail(address, dialect, tailStr, subStr string) (int, int, error) {
	tail, err := strconv.Atoi(tailStr)
	if err != nil {
		return 0, 0, &FormatError{Address: address, Dialect: dialect, Reason: err.Error()}
	}
	if tail < 1 {
		return 0, 0, &FormatError{Address: address, Dialect: dialect, Reason: "address number is 1-based"}
	}
	// keeps base + tail - 1 from overflowing
	if tail > maxTail {
		return 0, 0, &FormatError{Address: address, Dialect: dialect, Reason: "address number out of range"}
	}

	sub := 0
	if subStr != "" {
		sub, err = strconv.Atoi(subStr)
		if err != nil {
			return 0, 0, &FormatError{Address: address, Dialect: dialect, Reason: err.Error()}
		}
	}

	return tail, sub, nil
}
