package protocol

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/arloliu/go-modnet/address"
	"github.com/arloliu/go-modnet/connector"
	"github.com/arloliu/go-modnet/internal/modbustest"
	"github.com/arloliu/go-modnet/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCRC16(t *testing.T) {
	// read holding registers, slave 1, address 0, count 10
	frame := []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x0A}
	assert.Equal(t, uint16(0xCDC5), crc16(frame))
	assert.Equal(t, modbustest.CRC16(frame), crc16(frame))
}

func TestTCPFramer(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	f := NewTCPFramer()
	req := PDU{Function: address.ReadHoldRegister, Data: []byte{0, 1, 0, 2}}

	a := f.Encode(7, req)
	b := f.Encode(7, req)
	require.Len(a, 12)
	assert.NotEqual(a[:2], b[:2], "transaction ids must differ")
	assert.Equal([]byte{0, 0, 0, 6, 7, 3}, a[2:8])

	slave, pdu, err := f.Decode(a)
	require.NoError(err)
	assert.Equal(byte(7), slave)
	assert.Equal(req, pdu)

	// keys of request and response with the same transaction id match
	policy := f.KeyPolicy()
	sk, ok := policy.SendKey(a)
	assert.True(ok)
	rk, ok := policy.ReceiveKey(a)
	assert.True(ok)
	assert.Equal(sk, rk)

	bad := bytes.Clone(a)
	bad[3] = 1
	_, _, err = f.Decode(bad)
	assert.ErrorIs(err, ErrMalformedFrame)

	_, _, err = f.Decode(a[:5])
	assert.ErrorIs(err, ErrMalformedFrame)

	// the frame reader splits coalesced frames
	r := bufio.NewReader(bytes.NewReader(append(bytes.Clone(a), b...)))
	first, err := f.FrameReader().ReadFrame(r)
	require.NoError(err)
	assert.Equal(a, first)
	second, err := f.FrameReader().ReadFrame(r)
	require.NoError(err)
	assert.Equal(b, second)

	zeroLen := []byte{0, 1, 0, 0, 0, 0, 1}
	_, err = f.FrameReader().ReadFrame(bufio.NewReader(bytes.NewReader(zeroLen)))
	assert.ErrorIs(err, ErrMalformedFrame)
}

func TestRTUFramer(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	f := RTUFramer{}
	frame := f.Encode(1, PDU{Function: address.ReadHoldRegister, Data: []byte{0, 0, 0, 0x0A}})
	assert.Equal([]byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x0A, 0xC5, 0xCD}, frame)

	slave, pdu, err := f.Decode(frame)
	require.NoError(err)
	assert.Equal(byte(1), slave)
	assert.Equal(address.ReadHoldRegister, pdu.Function)

	frame[6] ^= 0xff
	_, _, err = f.Decode(frame)
	assert.ErrorIs(err, ErrCRCMismatch)

	read := f.Encode(1, PDU{Function: address.ReadHoldRegister, Data: []byte{4, 0, 1, 0, 2}})
	write := f.Encode(1, PDU{Function: address.WriteMultiRegister, Data: []byte{0, 1, 0, 2}})
	exc := f.Encode(1, PDU{Function: address.ReadHoldRegister | 0x80, Data: []byte{2}})

	stream := bufio.NewReader(bytes.NewReader(bytes.Join([][]byte{read, write, exc}, nil)))
	for _, want := range [][]byte{read, write, exc} {
		got, err := readRTUFrame(stream)
		require.NoError(err)
		assert.Equal(want, got)
	}

	_, err = readRTUFrame(bufio.NewReader(bytes.NewReader([]byte{1, 0x2b, 0, 0})))
	assert.ErrorIs(err, ErrMalformedFrame)
}

func TestUnits(t *testing.T) {
	assert := assert.New(t)

	t.Run("read", func(t *testing.T) {
		req, err := ReadDataUnit{}.Encode(ReadDataInput{Function: address.ReadHoldRegister, Start: 10, Count: 2})
		require.NoError(t, err)
		assert.Equal([]byte{0, 10, 0, 2}, req.Data)

		out, err := ReadDataUnit{}.Decode(req, PDU{Function: address.ReadHoldRegister, Data: []byte{4, 0, 1, 0, 2}})
		require.NoError(t, err)
		assert.Equal([]byte{0, 1, 0, 2}, out.(*ReadDataOutput).Data)

		_, err = ReadDataUnit{}.Decode(req, PDU{Function: address.ReadHoldRegister, Data: []byte{2, 0, 1}})
		assert.ErrorIs(err, ErrUnexpectedResponse)

		_, err = ReadDataUnit{}.Decode(req, PDU{Function: address.ReadHoldRegister | 0x80, Data: []byte{2}})
		var exc *ExceptionError
		assert.ErrorAs(err, &exc)
		assert.Equal(ExceptionIllegalAddress, exc.Code)
		assert.ErrorIs(err, ErrException)

		_, err = ReadDataUnit{}.Encode(ReadDataInput{Function: address.WriteMultiCoil, Count: 1})
		assert.ErrorIs(err, ErrInvalidInput)
		_, err = ReadDataUnit{}.Encode(ReadDataInput{Function: address.ReadHoldRegister, Count: 126})
		assert.ErrorIs(err, ErrInvalidInput)
		_, err = ReadDataUnit{}.Encode(WriteDataInput{})
		assert.ErrorIs(err, ErrInvalidInput)
	})

	t.Run("write", func(t *testing.T) {
		in := WriteDataInput{Function: address.WriteMultiCoil, Start: 3, Count: 10, Values: []byte{0xff, 0x01}}
		req, err := WriteDataUnit{}.Encode(in)
		require.NoError(t, err)
		assert.Equal([]byte{0, 3, 0, 10, 2, 0xff, 0x01}, req.Data)

		out, err := WriteDataUnit{}.Decode(req, PDU{Function: address.WriteMultiCoil, Data: []byte{0, 3, 0, 10}})
		require.NoError(t, err)
		assert.Equal(&WriteDataOutput{Start: 3, Count: 10}, out)

		_, err = WriteDataUnit{}.Decode(req, PDU{Function: address.WriteMultiCoil, Data: []byte{0, 3, 0, 9}})
		assert.ErrorIs(err, ErrUnexpectedResponse)

		in.Values = []byte{1}
		_, err = WriteDataUnit{}.Encode(in)
		assert.ErrorIs(err, ErrInvalidInput)
	})

	t.Run("write single", func(t *testing.T) {
		_, err := WriteSingleUnit{}.Encode(WriteSingleInput{Function: address.WriteSingleCoil, Value: 1})
		assert.ErrorIs(err, ErrInvalidInput)

		req, err := WriteSingleUnit{}.Encode(WriteSingleInput{Function: address.WriteSingleReg, Address: 5, Value: 0x1234})
		require.NoError(t, err)
		out, err := WriteSingleUnit{}.Decode(req, PDU{Function: address.WriteSingleReg, Data: req.Data})
		require.NoError(t, err)
		assert.Equal(&WriteSingleOutput{Address: 5, Value: 0x1234}, out)
	})
}

func newTestLinker(t *testing.T, typ Type, addr string) *Linker {
	t.Helper()

	nop := logger.NewNopMockLogger()
	lk, err := NewRegistry().NewLinker(LinkConfig{
		Type:    typ,
		Address: addr,
		SlaveID: 1,
		Logger:  nop,
		ConnectorOptions: []connector.Option{
			connector.WithSendTimeout(time.Second),
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = lk.Disconnect() })

	return lk
}

func TestLinker_TCP(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	srv := modbustest.NewTCPServer(t)
	srv.SetHolding(99, 0x0102, 0x0304)
	srv.SetCoil(0, true, false, true)

	lk := newTestLinker(t, TypeTCP, srv.Addr())
	assert.Equal(TypeTCP, lk.Type())
	assert.Equal(srv.Addr(), lk.ConnectionToken())

	ctx := context.Background()
	out, err := lk.ReadData(ctx, ReadDataInput{Function: address.ReadHoldRegister, Start: 99, Count: 2})
	require.NoError(err)
	assert.Equal([]byte{1, 2, 3, 4}, out.Data)

	coils, err := lk.ReadData(ctx, ReadDataInput{Function: address.ReadCoilStatus, Start: 0, Count: 3})
	require.NoError(err)
	assert.Equal([]byte{0b101}, coils.Data)

	values := binary.BigEndian.AppendUint16(nil, 42)
	w, err := lk.WriteData(ctx, WriteDataInput{Function: address.WriteMultiRegister, Start: 7, Count: 1, Values: values})
	require.NoError(err)
	assert.Equal(uint16(1), w.Count)
	assert.Equal(uint16(42), srv.Holding(7))

	_, err = lk.WriteSingle(ctx, WriteSingleInput{Function: address.WriteSingleCoil, Address: 1, Value: 0xFF00})
	require.NoError(err)
	assert.True(srv.Coil(1))

	// generic entry point, indexed by unit name
	res, err := lk.SendReceive(ctx, lk.Unit(UnitReadData), ReadDataInput{Function: address.ReadHoldRegister, Start: 7, Count: 1})
	require.NoError(err)
	assert.Equal([]byte{0, 42}, res.(*ReadDataOutput).Data)

	_, err = lk.SendReceive(ctx, lk.Unit("missing"), nil)
	assert.ErrorIs(err, ErrUnknownUnit)

	srv.SetException(ExceptionIllegalAddress)
	_, err = lk.ReadData(ctx, ReadDataInput{Function: address.ReadHoldRegister, Start: 1, Count: 1})
	assert.ErrorIs(err, ErrException)
}

func TestLinker_RTUOverTCP(t *testing.T) {
	assert := assert.New(t)

	srv := modbustest.NewRTUServer(t)
	srv.SetInput(0, 11, 22, 33)

	lk := newTestLinker(t, TypeRTUOverTCP, srv.Addr())

	out, err := lk.ReadData(context.Background(), ReadDataInput{Function: address.ReadInputRegister, Start: 0, Count: 3})
	require.NoError(t, err)
	assert.Equal([]byte{0, 11, 0, 22, 0, 33}, out.Data)
	assert.Equal(0, lk.Controller().Len())
}

func TestLinker_Timeout(t *testing.T) {
	srv := modbustest.NewTCPServer(t)
	srv.SetSilent(true)

	nop := logger.NewNopMockLogger()
	lk, err := NewRegistry().NewLinker(LinkConfig{
		Type:             TypeTCP,
		Address:          srv.Addr(),
		Logger:           nop,
		ConnectorOptions: []connector.Option{connector.WithSendTimeout(50 * time.Millisecond)},
	})
	require.NoError(t, err)
	defer lk.Disconnect()

	_, err = lk.ReadData(context.Background(), ReadDataInput{Function: address.ReadHoldRegister, Count: 1})
	assert.ErrorIs(t, err, connector.ErrTimeout)
}

func TestRegistry(t *testing.T) {
	assert := assert.New(t)

	r := NewRegistry()
	assert.Equal([]Type{TypeRTU, TypeRTUOverTCP, TypeTCP}, r.Types())

	_, err := r.NewLinker(LinkConfig{Type: "ascii"})
	assert.ErrorIs(err, ErrUnknownType)

	_, err = r.NewLinker(LinkConfig{Type: TypeRTU})
	assert.ErrorIs(err, ErrInvalidInput)

	lk, err := r.NewLinker(LinkConfig{Type: "TCP", Address: "10.0.0.1", Logger: logger.NewNopMockLogger()})
	assert.NoError(err)
	assert.Equal("10.0.0.1:502", lk.ConnectionToken())

	custom := errors.New("custom")
	r.Register("custom", func(LinkConfig) (*Linker, error) { return nil, custom })
	_, err = r.NewLinker(LinkConfig{Type: "custom"})
	assert.ErrorIs(err, custom)

	assert.NotNil(DefaultRegistry())
}
