// Package utility offers address-string based reads and writes on top of a protocol link.
package utility

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/arloliu/go-modnet/address"
	"github.com/arloliu/go-modnet/logger"
	"github.com/arloliu/go-modnet/protocol"
)

var (
	// ErrNotModbusArea indicates an address resolving to an area code that is no Modbus function code.
	ErrNotModbusArea = errors.New("address does not resolve to a modbus function")

	// ErrUnsupportedValue indicates a value type that can't be encoded into registers or coils.
	ErrUnsupportedValue = errors.New("unsupported value type")

	// ErrWriteMismatch indicates a write echo acknowledging fewer elements than written.
	ErrWriteMismatch = errors.New("write count mismatch")
)

// ModbusUtility reads and writes a Modbus slave by address string.
type ModbusUtility struct {
	linker     *protocol.Linker
	translator address.Translator
	logger     logger.Logger
}

// New creates a ModbusUtility. A nil translator defaults to the Modbus dialect.
func New(linker *protocol.Linker, translator address.Translator) *ModbusUtility {
	if translator == nil {
		translator = address.NewModbusTranslator()
	}

	return &ModbusUtility{
		linker:     linker,
		translator: translator,
		logger:     logger.GetLogger().With("token", linker.ConnectionToken()),
	}
}

// NewFromConfig builds the link described by cfg with the default protocol registry and
// translates addresses with the named dialect.
func NewFromConfig(cfg protocol.LinkConfig, dialect string) (*ModbusUtility, error) {
	translator, err := address.New(dialect)
	if err != nil {
		return nil, err
	}

	linker, err := protocol.DefaultRegistry().NewLinker(cfg)
	if err != nil {
		return nil, err
	}

	return New(linker, translator), nil
}

// Linker returns the protocol link.
func (u *ModbusUtility) Linker() *protocol.Linker { return u.linker }

// Translator returns the address translator.
func (u *ModbusUtility) Translator() address.Translator { return u.translator }

func (u *ModbusUtility) Connect(ctx context.Context) bool { return u.linker.Connect(ctx) }
func (u *ModbusUtility) Disconnect() error                 { return u.linker.Disconnect() }
func (u *ModbusUtility) IsConnected() bool                 { return u.linker.IsConnected() }
func (u *ModbusUtility) ConnectionToken() string           { return u.linker.ConnectionToken() }

// GetDatas reads byteCount bytes starting at startAddress. The element count is
// byteCount divided by the element width of the area, rounded up: reading 2 bytes of
// a coil area reads 16 coils.
func (u *ModbusUtility) GetDatas(ctx context.Context, startAddress string, byteCount int) ([]byte, error) {
	desc, err := u.translator.Translate(startAddress, true)
	if err != nil {
		return nil, err
	}

	fc, err := toFunction(desc)
	if err != nil {
		return nil, err
	}

	width, err := u.translator.AreaByteLength(desc.AreaString)
	if err != nil {
		return nil, err
	}

	if byteCount <= 0 {
		return nil, fmt.Errorf("%w: byte count %d", protocol.ErrInvalidInput, byteCount)
	}
	count := int(math.Ceil(float64(byteCount) / width))
	start, err := wireRange(desc.Address, count)
	if err != nil {
		return nil, err
	}

	out, err := u.linker.ReadData(ctx, protocol.ReadDataInput{
		Function: fc,
		Start:    start,
		Count:    uint16(count),
	})
	if err != nil {
		u.logger.Debug("read failed", "method", "GetDatas", "address", startAddress, "error", err)
		return nil, err
	}

	return out.Data, nil
}

// SetDatas writes values starting at startAddress. Coil areas take bool values, register
// areas take integer and float values which are encoded big-endian, 16 bits per register
// for 16-bit types, two registers for 32-bit types and four for float64.
func (u *ModbusUtility) SetDatas(ctx context.Context, startAddress string, values []any) error {
	desc, err := u.translator.Translate(startAddress, false)
	if err != nil {
		return err
	}

	fc, err := toFunction(desc)
	if err != nil {
		return err
	}

	var (
		count int
		data  []byte
	)
	switch fc {
	case address.WriteMultiCoil:
		if data, err = packBits(values); err != nil {
			return err
		}
		count = len(values)
	case address.WriteMultiRegister:
		if data, err = encodeRegisters(values); err != nil {
			return err
		}
		count = len(data) / 2
	default:
		return fmt.Errorf("%w: function %d can't write multiple elements", ErrNotModbusArea, fc)
	}

	start, err := wireRange(desc.Address, count)
	if err != nil {
		return err
	}
	in := protocol.WriteDataInput{Function: fc, Start: start, Count: uint16(count), Values: data}

	out, err := u.linker.WriteData(ctx, in)
	if err != nil {
		return err
	}

	if out.Count != in.Count {
		return fmt.Errorf("%w: wrote %d, acknowledged %d", ErrWriteMismatch, in.Count, out.Count)
	}

	return nil
}

// SetSingleData writes one coil (bool) or one register (16-bit integer) at startAddress.
func (u *ModbusUtility) SetSingleData(ctx context.Context, startAddress string, value any) error {
	desc, err := u.translator.Translate(startAddress, false)
	if err != nil {
		return err
	}

	fc, err := toFunction(desc)
	if err != nil {
		return err
	}

	start, err := wireRange(desc.Address, 1)
	if err != nil {
		return err
	}

	in := protocol.WriteSingleInput{Address: start}
	switch fc {
	case address.WriteMultiCoil, address.WriteSingleCoil:
		on, ok := value.(bool)
		if !ok {
			return fmt.Errorf("%w: %T for a coil", ErrUnsupportedValue, value)
		}
		in.Function = address.WriteSingleCoil
		if on {
			in.Value = 0xFF00
		}
	case address.WriteMultiRegister, address.WriteSingleReg:
		regs, err := encodeRegisters([]any{value})
		if err != nil {
			return err
		}
		if len(regs) != 2 {
			return fmt.Errorf("%w: %T doesn't fit one register", ErrUnsupportedValue, value)
		}
		in.Function = address.WriteSingleReg
		in.Value = binary.BigEndian.Uint16(regs)
	default:
		return fmt.Errorf("%w: function %d can't write", ErrNotModbusArea, fc)
	}

	_, err = u.linker.WriteSingle(ctx, in)

	return err
}

// wireRange checks that count elements from start fit the 16-bit Modbus address space.
func wireRange(start, count int) (uint16, error) {
	if count < 1 || count > math.MaxUint16 || start < 0 || start > math.MaxUint16-count+1 {
		return 0, fmt.Errorf("%w: %d elements at %d", protocol.ErrInvalidInput, count, start)
	}

	return uint16(start), nil
}

func toFunction(desc address.Descriptor) (address.FunctionCode, error) {
	fc := address.FunctionCode(desc.Area)
	switch fc {
	case address.ReadCoilStatus, address.ReadInputStatus, address.ReadHoldRegister, address.ReadInputRegister,
		address.WriteSingleCoil, address.WriteSingleReg, address.WriteMultiCoil, address.WriteMultiRegister:
		return fc, nil
	default:
		return 0, fmt.Errorf("%w: area code %d", ErrNotModbusArea, desc.Area)
	}
}

func packBits(values []any) ([]byte, error) {
	bits := make([]byte, (len(values)+7)/8)
	for i, v := range values {
		on, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: %T for a coil", ErrUnsupportedValue, v)
		}
		if on {
			bits[i/8] |= 1 << (i % 8)
		}
	}

	return bits, nil
}

func encodeRegisters(values []any) ([]byte, error) {
	buf := make([]byte, 0, len(values)*2)
	for _, v := range values {
		switch x := v.(type) {
		case uint16:
			buf = binary.BigEndian.AppendUint16(buf, x)
		case int16:
			buf = binary.BigEndian.AppendUint16(buf, uint16(x))
		case int:
			if x < math.MinInt16 || x > math.MaxUint16 {
				return nil, fmt.Errorf("%w: int %d out of 16-bit range", ErrUnsupportedValue, x)
			}
			buf = binary.BigEndian.AppendUint16(buf, uint16(x))
		case uint32:
			buf = binary.BigEndian.AppendUint32(buf, x)
		case int32:
			buf = binary.BigEndian.AppendUint32(buf, uint32(x))
		case float32:
			buf = binary.BigEndian.AppendUint32(buf, math.Float32bits(x))
		case float64:
			buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(x))
		default:
			return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
		}
	}

	return buf, nil
}
