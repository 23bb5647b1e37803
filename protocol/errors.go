package protocol

import (
	"errors"
	"fmt"

	"github.com/arloliu/go-modnet/address"
)

var (
	// ErrException indicates that the remote device answered with a Modbus exception.
	// The concrete error is an *ExceptionError.
	ErrException = errors.New("modbus exception response")

	// ErrMalformedFrame indicates a frame that violates the framing rules.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrCRCMismatch indicates an RTU frame with a bad checksum.
	ErrCRCMismatch = errors.New("crc mismatch")

	// ErrUnexpectedResponse indicates a well-formed response that doesn't answer the request,
	// e.g. a different function code or a write echo with other values.
	ErrUnexpectedResponse = errors.New("unexpected response")

	// ErrInvalidInput indicates an input that can't be encoded into a request.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnknownType indicates a protocol type without registered constructor.
	ErrUnknownType = errors.New("unknown protocol type")

	// ErrUnknownUnit indicates a unit name that isn't registered on a linker.
	ErrUnknownUnit = errors.New("unknown protocol unit")
)

// Exception codes defined by the Modbus application protocol.
const (
	ExceptionIllegalFunction   byte = 0x01
	ExceptionIllegalAddress    byte = 0x02
	ExceptionIllegalValue      byte = 0x03
	ExceptionServerFailure     byte = 0x04
	ExceptionAcknowledge       byte = 0x05
	ExceptionServerBusy        byte = 0x06
	ExceptionGatewayPathFailed byte = 0x0A
	ExceptionGatewayNoResponse byte = 0x0B
)

// ExceptionError is a Modbus exception response.
type ExceptionError struct {
	Function address.FunctionCode
	Code     byte
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("modbus exception: function %d, code %d (%s)", e.Function, e.Code, exceptionText(e.Code))
}

// Is lets errors.Is(err, ErrException) match any *ExceptionError.
func (e *ExceptionError) Is(target error) bool {
	return target == ErrException
}

func exceptionText(code byte) string {
	switch code {
	case ExceptionIllegalFunction:
		return "illegal function"
	case ExceptionIllegalAddress:
		return "illegal data address"
	case ExceptionIllegalValue:
		return "illegal data value"
	case ExceptionServerFailure:
		return "server device failure"
	case ExceptionAcknowledge:
		return "acknowledge"
	case ExceptionServerBusy:
		return "server device busy"
	case ExceptionGatewayPathFailed:
		return "gateway path unavailable"
	case ExceptionGatewayNoResponse:
		return "gateway target failed to respond"
	default:
		return "unknown"
	}
}
