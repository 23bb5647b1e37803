package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/arloliu/go-modnet/address"
)

// Names of the built-in units.
const (
	UnitReadData    = "read-data"
	UnitWriteData   = "write-data"
	UnitWriteSingle = "write-single"
)

// Unit encodes one kind of request and decodes its response. A Linker indexes its
// units by name.
type Unit interface {
	Name() string
	Encode(input any) (PDU, error)
	Decode(req PDU, rsp PDU) (any, error)
}

// ReadDataInput reads Count elements starting at Start with a read function code.
// Elements are bits for coil/input-status functions and 16-bit registers otherwise.
type ReadDataInput struct {
	Function address.FunctionCode
	Start    uint16
	Count    uint16
}

// ReadDataOutput holds the raw data bytes of a read response.
type ReadDataOutput struct {
	Data []byte
}

// WriteDataInput writes Count elements starting at Start with WriteMultiCoil or
// WriteMultiRegister. Values holds packed bits or big-endian registers.
type WriteDataInput struct {
	Function address.FunctionCode
	Start    uint16
	Count    uint16
	Values   []byte
}

// WriteDataOutput is the echo of a multi-element write.
type WriteDataOutput struct {
	Start uint16
	Count uint16
}

// WriteSingleInput writes one element with WriteSingleCoil or WriteSingleReg.
// For coils Value is 0xFF00 for on and 0x0000 for off.
type WriteSingleInput struct {
	Function address.FunctionCode
	Address  uint16
	Value    uint16
}

// WriteSingleOutput is the echo of a single-element write.
type WriteSingleOutput struct {
	Address uint16
	Value   uint16
}

// ReadDataUnit encodes read requests of function codes 1 to 4.
type ReadDataUnit struct{}

func (ReadDataUnit) Name() string { return UnitReadData }

func (ReadDataUnit) Encode(input any) (PDU, error) {
	in, ok := input.(ReadDataInput)
	if !ok {
		return PDU{}, fmt.Errorf("%w: %T for %s", ErrInvalidInput, input, UnitReadData)
	}

	limit := uint16(125)
	switch in.Function {
	case address.ReadCoilStatus, address.ReadInputStatus:
		limit = 2000
	case address.ReadHoldRegister, address.ReadInputRegister:
	default:
		return PDU{}, fmt.Errorf("%w: function %d is not a read function", ErrInvalidInput, in.Function)
	}

	if in.Count == 0 || in.Count > limit {
		return PDU{}, fmt.Errorf("%w: count %d out of range [1, %d]", ErrInvalidInput, in.Count, limit)
	}

	return PDU{Function: in.Function, Data: be16(in.Start, in.Count)}, nil
}

func (ReadDataUnit) Decode(req PDU, rsp PDU) (any, error) {
	if err := checkResponse(req.Function, rsp); err != nil {
		return nil, err
	}

	if len(rsp.Data) < 1 || int(rsp.Data[0]) != len(rsp.Data)-1 {
		return nil, fmt.Errorf("%w: byte count mismatch", ErrMalformedFrame)
	}

	count := binary.BigEndian.Uint16(req.Data[2:])
	want := int(count) * 2
	if req.Function == address.ReadCoilStatus || req.Function == address.ReadInputStatus {
		want = (int(count) + 7) / 8
	}
	if int(rsp.Data[0]) != want {
		return nil, fmt.Errorf("%w: %d data bytes, want %d", ErrUnexpectedResponse, rsp.Data[0], want)
	}

	return &ReadDataOutput{Data: rsp.Data[1:]}, nil
}

// WriteDataUnit encodes multi-element writes of function codes 15 and 16.
type WriteDataUnit struct{}

func (WriteDataUnit) Name() string { return UnitWriteData }

func (WriteDataUnit) Encode(input any) (PDU, error) {
	in, ok := input.(WriteDataInput)
	if !ok {
		return PDU{}, fmt.Errorf("%w: %T for %s", ErrInvalidInput, input, UnitWriteData)
	}

	var size, limit int
	switch in.Function {
	case address.WriteMultiCoil:
		size, limit = (int(in.Count)+7)/8, 1968
	case address.WriteMultiRegister:
		size, limit = int(in.Count)*2, 123
	default:
		return PDU{}, fmt.Errorf("%w: function %d is not a multi-write function", ErrInvalidInput, in.Function)
	}

	if in.Count == 0 || int(in.Count) > limit {
		return PDU{}, fmt.Errorf("%w: count %d out of range [1, %d]", ErrInvalidInput, in.Count, limit)
	}
	if len(in.Values) != size {
		return PDU{}, fmt.Errorf("%w: %d value bytes, want %d", ErrInvalidInput, len(in.Values), size)
	}

	data := be16(in.Start, in.Count)
	data = append(data, byte(size))
	data = append(data, in.Values...)

	return PDU{Function: in.Function, Data: data}, nil
}

func (WriteDataUnit) Decode(req PDU, rsp PDU) (any, error) {
	if err := checkResponse(req.Function, rsp); err != nil {
		return nil, err
	}

	if len(rsp.Data) != 4 {
		return nil, fmt.Errorf("%w: write response length %d", ErrMalformedFrame, len(rsp.Data))
	}
	if !bytes.Equal(rsp.Data, req.Data[:4]) {
		return nil, fmt.Errorf("%w: write echo mismatch", ErrUnexpectedResponse)
	}

	return &WriteDataOutput{
		Start: binary.BigEndian.Uint16(rsp.Data[0:]),
		Count: binary.BigEndian.Uint16(rsp.Data[2:]),
	}, nil
}

// WriteSingleUnit encodes single-element writes of function codes 5 and 6.
type WriteSingleUnit struct{}

func (WriteSingleUnit) Name() string { return UnitWriteSingle }

func (WriteSingleUnit) Encode(input any) (PDU, error) {
	in, ok := input.(WriteSingleInput)
	if !ok {
		return PDU{}, fmt.Errorf("%w: %T for %s", ErrInvalidInput, input, UnitWriteSingle)
	}

	switch in.Function {
	case address.WriteSingleCoil:
		if in.Value != 0xFF00 && in.Value != 0 {
			return PDU{}, fmt.Errorf("%w: coil value 0x%04x", ErrInvalidInput, in.Value)
		}
	case address.WriteSingleReg:
	default:
		return PDU{}, fmt.Errorf("%w: function %d is not a single-write function", ErrInvalidInput, in.Function)
	}

	return PDU{Function: in.Function, Data: be16(in.Address, in.Value)}, nil
}

func (WriteSingleUnit) Decode(req PDU, rsp PDU) (any, error) {
	if err := checkResponse(req.Function, rsp); err != nil {
		return nil, err
	}

	if len(rsp.Data) != 4 {
		return nil, fmt.Errorf("%w: write response length %d", ErrMalformedFrame, len(rsp.Data))
	}
	if !bytes.Equal(rsp.Data, req.Data) {
		return nil, fmt.Errorf("%w: write echo mismatch", ErrUnexpectedResponse)
	}

	return &WriteSingleOutput{
		Address: binary.BigEndian.Uint16(rsp.Data[0:]),
		Value:   binary.BigEndian.Uint16(rsp.Data[2:]),
	}, nil
}

func be16(a, b uint16) []byte {
	buf := make([]byte, 4, 4+256)
	binary.BigEndian.PutUint16(buf[0:], a)
	binary.BigEndian.PutUint16(buf[2:], b)

	return buf
}
