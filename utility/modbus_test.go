package utility

import (
	"context"
	"errors"
	"math"
	"os"
	"testing"
	"time"

	"github.com/arloliu/go-modnet/address"
	"github.com/arloliu/go-modnet/connector"
	"github.com/arloliu/go-modnet/internal/modbustest"
	"github.com/arloliu/go-modnet/logger"
	"github.com/arloliu/go-modnet/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	level, err := logger.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		level = logger.InfoLevel
	}
	logger.SetLevel(level)

	os.Exit(m.Run())
}

func newTestUtility(t *testing.T, srv *modbustest.Server, dialect string) *ModbusUtility {
	t.Helper()

	u, err := NewFromConfig(protocol.LinkConfig{
		Type:    protocol.TypeTCP,
		Address: srv.Addr(),
		SlaveID: 1,
		Logger:  logger.NewNopMockLogger(),
		ConnectorOptions: []connector.Option{
			connector.WithSendTimeout(time.Second),
		},
	}, dialect)
	require.NoError(t, err)
	t.Cleanup(func() { _ = u.Disconnect() })

	return u
}

func TestGetDatas(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	srv := modbustest.NewTCPServer(t)
	srv.SetHolding(99, 0x0102, 0x0304)
	srv.SetCoil(10009, true, false, true, true, false, false, false, false, true)

	ctx := context.Background()

	u := newTestUtility(t, srv, address.DialectModbus)
	data, err := u.GetDatas(ctx, "4X 100", 4)
	require.NoError(err)
	assert.Equal([]byte{1, 2, 3, 4}, data)

	// an odd byte count rounds up to whole registers
	data, err = u.GetDatas(ctx, "4x 100", 3)
	require.NoError(err)
	assert.Equal([]byte{1, 2, 3, 4}, data)

	na := newTestUtility(t, srv, address.DialectNA200H)
	// M10 is coil 10009, two bytes read sixteen coils
	data, err = na.GetDatas(ctx, "M10", 2)
	require.NoError(err)
	assert.Equal([]byte{0x0D, 0x01}, data)

	_, err = u.GetDatas(ctx, "4X 100", 0)
	assert.ErrorIs(err, protocol.ErrInvalidInput)

	var fe *address.FormatError
	_, err = u.GetDatas(ctx, "bogus", 2)
	assert.True(errors.As(err, &fe))
}

func TestGetDatas_BaseDialect(t *testing.T) {
	srv := modbustest.NewTCPServer(t)
	srv.SetInput(120, 0xBEEF, 0x0102)

	// the generic dialect counts elements, not bytes
	u := newTestUtility(t, srv, address.DialectBase)
	data, err := u.GetDatas(context.Background(), "4:120", 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xBE, 0xEF, 0x01, 0x02}, data)

	_, err = u.GetDatas(context.Background(), "9:120", 2)
	assert.ErrorIs(t, err, ErrNotModbusArea)
}

func TestSetDatas(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	srv := modbustest.NewTCPServer(t)
	u := newTestUtility(t, srv, address.DialectModbus)
	ctx := context.Background()

	err := u.SetDatas(ctx, "4X 1", []any{uint16(0x0A0B), int16(-1), float32(1.5), 7})
	require.NoError(err)
	assert.Equal(uint16(0x0A0B), srv.Holding(0))
	assert.Equal(uint16(0xFFFF), srv.Holding(1))
	bits := math.Float32bits(1.5)
	assert.Equal(uint16(bits>>16), srv.Holding(2))
	assert.Equal(uint16(bits), srv.Holding(3))
	assert.Equal(uint16(7), srv.Holding(4))

	require.NoError(u.SetDatas(ctx, "0X 5", []any{true, false, true}))
	assert.True(srv.Coil(4))
	assert.False(srv.Coil(5))
	assert.True(srv.Coil(6))

	err = u.SetDatas(ctx, "0X 5", []any{uint16(1)})
	assert.ErrorIs(err, ErrUnsupportedValue)

	err = u.SetDatas(ctx, "4X 1", []any{"text"})
	assert.ErrorIs(err, ErrUnsupportedValue)

	// input registers have no write code
	var le *address.LookupError
	err = u.SetDatas(ctx, "3X 1", []any{uint16(1)})
	assert.True(errors.As(err, &le))
}

func TestSetSingleData(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	srv := modbustest.NewTCPServer(t)
	u := newTestUtility(t, srv, address.DialectNA200H)
	ctx := context.Background()

	require.NoError(u.SetSingleData(ctx, "MW3", uint16(0x1234)))
	assert.Equal(uint16(0x1234), srv.Holding(2))

	require.NoError(u.SetSingleData(ctx, "Q1", true))
	assert.True(srv.Coil(0))

	err := u.SetSingleData(ctx, "MW3", float64(1))
	assert.ErrorIs(err, ErrUnsupportedValue)

	err = u.SetSingleData(ctx, "Q1", 1)
	assert.ErrorIs(err, ErrUnsupportedValue)
}

func TestException(t *testing.T) {
	srv := modbustest.NewTCPServer(t)
	srv.SetException(protocol.ExceptionIllegalAddress)

	u := newTestUtility(t, srv, address.DialectModbus)
	_, err := u.GetDatas(context.Background(), "4X 1", 2)
	assert.ErrorIs(t, err, protocol.ErrException)
	assert.True(t, u.IsConnected())
}

func TestWireRange(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	srv := modbustest.NewTCPServer(t)
	u := newTestUtility(t, srv, address.DialectModbus)
	ctx := context.Background()

	// 65538 would wrap to register 1
	err := u.SetDatas(ctx, "4X 65538", []any{uint16(0xABCD)})
	assert.ErrorIs(err, protocol.ErrInvalidInput)
	err = u.SetSingleData(ctx, "4X 65539", uint16(0x1234))
	assert.ErrorIs(err, protocol.ErrInvalidInput)
	_, err = u.GetDatas(ctx, "4X 65538", 2)
	assert.ErrorIs(err, protocol.ErrInvalidInput)

	// the last element must stay addressable
	err = u.SetDatas(ctx, "4X 65536", []any{uint32(1)})
	assert.ErrorIs(err, protocol.ErrInvalidInput)
	_, err = u.GetDatas(ctx, "4X 65536", 4)
	assert.ErrorIs(err, protocol.ErrInvalidInput)
	err = u.SetDatas(ctx, "0X 65536", []any{true, true})
	assert.ErrorIs(err, protocol.ErrInvalidInput)
	err = u.SetDatas(ctx, "4X 1", []any{})
	assert.ErrorIs(err, protocol.ErrInvalidInput)

	assert.Zero(srv.Requests())
	assert.Zero(srv.Holding(1))
	assert.Zero(srv.Holding(2))

	require.NoError(u.SetDatas(ctx, "4X 65536", []any{uint16(0x0102)}))
	assert.Equal(uint16(0x0102), srv.Holding(65535))
	require.NoError(u.SetSingleData(ctx, "4X 65536", uint16(7)))
	assert.Equal(uint16(7), srv.Holding(65535))
}

func TestGetDatas_LateRTUResponse(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	srv := modbustest.NewRTUServer(t)
	srv.SetHolding(0, 0x1111, 0x2222)

	u, err := NewFromConfig(protocol.LinkConfig{
		Type:    protocol.TypeRTUOverTCP,
		Address: srv.Addr(),
		SlaveID: 1,
		Logger:  logger.NewNopMockLogger(),
		ConnectorOptions: []connector.Option{
			connector.WithSendTimeout(150 * time.Millisecond),
		},
	}, address.DialectModbus)
	require.NoError(err)
	t.Cleanup(func() { _ = u.Disconnect() })

	ctx := context.Background()
	srv.SetDelay(250 * time.Millisecond)
	_, err = u.GetDatas(ctx, "4X 1", 2)
	assert.ErrorIs(err, connector.ErrTimeout)

	srv.SetDelay(0)
	data, err := u.GetDatas(ctx, "4X 2", 2)
	require.NoError(err)
	assert.Equal([]byte{0x22, 0x22}, data)

	// outlive the first response, it must not surface later either
	time.Sleep(200 * time.Millisecond)
	data, err = u.GetDatas(ctx, "4X 2", 2)
	require.NoError(err)
	assert.Equal([]byte{0x22, 0x22}, data)
}
