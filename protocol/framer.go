package protocol

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/arloliu/go-modnet/address"
	"github.com/arloliu/go-modnet/connector"
	"github.com/arloliu/go-modnet/controller"
)

// Framer wraps PDUs into the application data units of one link type.
type Framer interface {
	// Encode wraps pdu addressed to slaveID into a frame.
	Encode(slaveID byte, pdu PDU) []byte
	// Decode unwraps a received frame.
	Decode(frame []byte) (slaveID byte, pdu PDU, err error)
	// FrameReader splits the inbound stream into frames.
	FrameReader() connector.FrameReader
	// KeyPolicy correlates responses with requests on the link.
	KeyPolicy() controller.KeyPolicy
}

const (
	mbapHeaderLen = 7
	maxPDULen     = 253
)

// TCPFramer frames PDUs with the MBAP header of Modbus TCP:
//
//	transaction id (2) | protocol id (2) | length (2) | unit id (1) | PDU
//
// Responses are correlated by transaction id, so several requests may be in flight.
type TCPFramer struct {
	txID *txIDGenerator
}

var _ Framer = (*TCPFramer)(nil)

// NewTCPFramer creates a TCPFramer with a randomized transaction id sequence.
func NewTCPFramer() *TCPFramer {
	return &TCPFramer{txID: newTxIDGenerator()}
}

func (f *TCPFramer) Encode(slaveID byte, pdu PDU) []byte {
	frame := make([]byte, mbapHeaderLen+1+len(pdu.Data))
	binary.BigEndian.PutUint16(frame[0:], f.txID.next())
	binary.BigEndian.PutUint16(frame[2:], 0)
	binary.BigEndian.PutUint16(frame[4:], uint16(2+len(pdu.Data)))
	frame[6] = slaveID
	frame[7] = byte(pdu.Function)
	copy(frame[8:], pdu.Data)

	return frame
}

func (f *TCPFramer) Decode(frame []byte) (byte, PDU, error) {
	if len(frame) < mbapHeaderLen+1 {
		return 0, PDU{}, fmt.Errorf("%w: tcp frame length %d", ErrMalformedFrame, len(frame))
	}

	if pid := binary.BigEndian.Uint16(frame[2:]); pid != 0 {
		return 0, PDU{}, fmt.Errorf("%w: protocol id %d", ErrMalformedFrame, pid)
	}

	length := int(binary.BigEndian.Uint16(frame[4:]))
	if length != len(frame)-6 {
		return 0, PDU{}, fmt.Errorf("%w: mbap length %d, frame length %d", ErrMalformedFrame, length, len(frame))
	}

	return frame[6], PDU{Function: address.FunctionCode(frame[7]), Data: frame[8:]}, nil
}

func (f *TCPFramer) FrameReader() connector.FrameReader {
	return connector.FrameReaderFunc(readTCPFrame)
}

func (f *TCPFramer) KeyPolicy() controller.KeyPolicy {
	return controller.NewFieldMatchPolicy([]controller.IndexPair{{Sent: 0, Received: 0}, {Sent: 1, Received: 1}})
}

func readTCPFrame(r *bufio.Reader) ([]byte, error) {
	header := make([]byte, mbapHeaderLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	length := int(binary.BigEndian.Uint16(header[4:]))
	if length < 2 || length > maxPDULen+1 {
		return nil, fmt.Errorf("%w: mbap length %d", ErrMalformedFrame, length)
	}

	frame := make([]byte, mbapHeaderLen+length-1)
	copy(frame, header)
	if _, err := io.ReadFull(r, frame[mbapHeaderLen:]); err != nil {
		return nil, err
	}

	return frame, nil
}

// RTUFramer frames PDUs as Modbus RTU:
//
//	slave id (1) | PDU | crc16 (2, low byte first)
//
// RTU frames carry no transaction id, responses are correlated by order with one
// request in flight. It also serves RTU tunnelled over TCP.
type RTUFramer struct{}

var _ Framer = RTUFramer{}

func (RTUFramer) Encode(slaveID byte, pdu PDU) []byte {
	frame := make([]byte, 0, 4+len(pdu.Data))
	frame = append(frame, slaveID, byte(pdu.Function))
	frame = append(frame, pdu.Data...)

	return binary.LittleEndian.AppendUint16(frame, crc16(frame))
}

func (RTUFramer) Decode(frame []byte) (byte, PDU, error) {
	if len(frame) < 4 {
		return 0, PDU{}, fmt.Errorf("%w: rtu frame length %d", ErrMalformedFrame, len(frame))
	}

	body := frame[:len(frame)-2]
	if got, want := binary.LittleEndian.Uint16(frame[len(frame)-2:]), crc16(body); got != want {
		return 0, PDU{}, fmt.Errorf("%w: got 0x%04x, want 0x%04x", ErrCRCMismatch, got, want)
	}

	return body[0], PDU{Function: address.FunctionCode(body[1]), Data: body[2:]}, nil
}

func (RTUFramer) FrameReader() connector.FrameReader {
	return connector.FrameReaderFunc(readRTUFrame)
}

func (RTUFramer) KeyPolicy() controller.KeyPolicy {
	return controller.FIFOPolicy{}
}

// readRTUFrame reads one response frame. RTU has no length field, the length is
// derived from the function code.
func readRTUFrame(r *bufio.Reader) ([]byte, error) {
	head := make([]byte, 2, 8)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, err
	}

	fc := head[1]
	var rest int
	switch {
	case fc&exceptionFlag != 0:
		rest = 1 + 2
	case fc >= byte(address.ReadCoilStatus) && fc <= byte(address.ReadInputRegister):
		count, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		head = append(head, count)
		rest = int(count) + 2
	case fc == byte(address.WriteSingleCoil), fc == byte(address.WriteSingleReg),
		fc == byte(address.WriteMultiCoil), fc == byte(address.WriteMultiRegister):
		rest = 4 + 2
	default:
		return nil, fmt.Errorf("%w: rtu function 0x%02x", ErrMalformedFrame, fc)
	}

	frame := make([]byte, len(head)+rest)
	copy(frame, head)
	if _, err := io.ReadFull(r, frame[len(head):]); err != nil {
		return nil, err
	}

	return frame, nil
}
