package protocol

import (
	"github.com/arloliu/go-modnet/address"
)

const exceptionFlag = 0x80

// PDU is a Modbus protocol data unit: the function code and its data, independent of
// the framing used on the link.
type PDU struct {
	Function address.FunctionCode
	Data     []byte
}

// IsException reports whether the PDU is an exception response.
func (p PDU) IsException() bool {
	return byte(p.Function)&exceptionFlag != 0
}

// checkResponse validates that rsp answers a request with function fc.
func checkResponse(fc address.FunctionCode, rsp PDU) error {
	if rsp.IsException() && byte(rsp.Function)&^exceptionFlag == byte(fc) {
		var code byte
		if len(rsp.Data) > 0 {
			code = rsp.Data[0]
		}

		return &ExceptionError{Function: fc, Code: code}
	}

	if rsp.Function != fc {
		return ErrUnexpectedResponse
	}

	return nil
}
