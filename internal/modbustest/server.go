// Package modbustest provides an in-memory Modbus slave listening on a loopback TCP
// port, speaking either MBAP framing or RTU framing tunnelled over TCP.
package modbustest

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Server is a Modbus slave backed by four address maps.
type Server struct {
	ln  net.Listener
	rtu bool

	mu        sync.Mutex
	coils     map[uint16]bool
	discretes map[uint16]bool
	holding   map[uint16]uint16
	inputs    map[uint16]uint16
	conns     []net.Conn

	delay     atomic.Int64
	silent    atomic.Bool
	exception atomic.Uint32
	requests  atomic.Uint64

	wg sync.WaitGroup
}

// NewTCPServer starts a Modbus TCP slave. It is closed on test cleanup.
func NewTCPServer(tb testing.TB) *Server {
	return newServer(tb, false)
}

// NewRTUServer starts a slave speaking RTU frames over TCP. It is closed on test cleanup.
func NewRTUServer(tb testing.TB) *Server {
	return newServer(tb, true)
}

func newServer(tb testing.TB, rtu bool) *Server {
	tb.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(tb, err)

	s := &Server{
		ln:        ln,
		rtu:       rtu,
		coils:     make(map[uint16]bool),
		discretes: make(map[uint16]bool),
		holding:   make(map[uint16]uint16),
		inputs:    make(map[uint16]uint16),
	}

	s.wg.Add(1)
	go s.serve()
	tb.Cleanup(s.Close)

	return s
}

// Addr returns the listening address.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Requests returns the number of requests handled.
func (s *Server) Requests() uint64 { return s.requests.Load() }

// SetDelay delays every response by d.
func (s *Server) SetDelay(d time.Duration) { s.delay.Store(int64(d)) }

// SetSilent makes the server swallow requests without answering.
func (s *Server) SetSilent(v bool) { s.silent.Store(v) }

// SetException makes the server answer every request with the exception code, 0 disables it.
func (s *Server) SetException(code byte) { s.exception.Store(uint32(code)) }

func (s *Server) SetHolding(addr uint16, values ...uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, v := range values {
		s.holding[addr+uint16(i)] = v
	}
}

func (s *Server) Holding(addr uint16) uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.holding[addr]
}

func (s *Server) SetInput(addr uint16, values ...uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, v := range values {
		s.inputs[addr+uint16(i)] = v
	}
}

func (s *Server) SetCoil(addr uint16, values ...bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, v := range values {
		s.coils[addr+uint16(i)] = v
	}
}

func (s *Server) Coil(addr uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coils[addr]
}

func (s *Server) SetDiscrete(addr uint16, values ...bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, v := range values {
		s.discretes[addr+uint16(i)] = v
	}
}

// DropClients closes every accepted connection, the listener stays open.
func (s *Server) DropClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.conns = nil
}

// Close stops the server and waits for its goroutines.
func (s *Server) Close() {
	_ = s.ln.Close()
	s.DropClients()
	s.wg.Wait()
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}

		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	r := bufio.NewReader(conn)
	var writeMu sync.Mutex
	for {
		head, pdu, err := s.readRequest(r)
		if err != nil {
			return
		}
		s.requests.Add(1)

		// answer asynchronously so a delayed response doesn't block later requests
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if d := time.Duration(s.delay.Load()); d > 0 {
				time.Sleep(d)
			}
			if s.silent.Load() {
				return
			}

			rsp := s.frame(head, s.handle(pdu))
			writeMu.Lock()
			_, _ = conn.Write(rsp)
			writeMu.Unlock()
		}()
	}
}

// readRequest returns the header (MBAP header or RTU slave id) and the request PDU.
func (s *Server) readRequest(r *bufio.Reader) ([]byte, []byte, error) {
	if !s.rtu {
		head := make([]byte, 7)
		if _, err := io.ReadFull(r, head); err != nil {
			return nil, nil, err
		}
		pdu := make([]byte, int(binary.BigEndian.Uint16(head[4:]))-1)
		if _, err := io.ReadFull(r, pdu); err != nil {
			return nil, nil, err
		}

		return head, pdu, nil
	}

	head := make([]byte, 7)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, nil, err
	}
	frame := head
	switch head[1] {
	case 15, 16:
		rest := make([]byte, int(head[6])+2)
		if _, err := io.ReadFull(r, rest); err != nil {
			return nil, nil, err
		}
		frame = append(frame, rest...)
	default:
		b, err := r.ReadByte()
		if err != nil {
			return nil, nil, err
		}
		frame = append(frame, b)
	}

	return frame[:1], frame[1 : len(frame)-2], nil
}

func (s *Server) frame(head []byte, pdu []byte) []byte {
	if !s.rtu {
		out := make([]byte, 7, 7+len(pdu))
		copy(out, head)
		binary.BigEndian.PutUint16(out[4:], uint16(len(pdu)+1))

		return append(out, pdu...)
	}

	out := append([]byte{head[0]}, pdu...)

	return binary.LittleEndian.AppendUint16(out, CRC16(out))
}

func (s *Server) handle(pdu []byte) []byte {
	fc := pdu[0]
	if code := byte(s.exception.Load()); code != 0 {
		return []byte{fc | 0x80, code}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	start := binary.BigEndian.Uint16(pdu[1:])
	val := binary.BigEndian.Uint16(pdu[3:])

	switch fc {
	case 1, 2:
		bits := s.coils
		if fc == 2 {
			bits = s.discretes
		}
		out := make([]byte, 2+(int(val)+7)/8)
		out[0], out[1] = fc, byte((int(val)+7)/8)
		for i := range int(val) {
			if bits[start+uint16(i)] {
				out[2+i/8] |= 1 << (i % 8)
			}
		}

		return out
	case 3, 4:
		regs := s.holding
		if fc == 4 {
			regs = s.inputs
		}
		out := []byte{fc, byte(val * 2)}
		for i := range val {
			out = binary.BigEndian.AppendUint16(out, regs[start+i])
		}

		return out
	case 5:
		s.coils[start] = val == 0xFF00
		return pdu
	case 6:
		s.holding[start] = val
		return pdu
	case 15:
		for i := range int(val) {
			s.coils[start+uint16(i)] = pdu[6+i/8]&(1<<(i%8)) != 0
		}
		return pdu[:5]
	case 16:
		for i := range val {
			s.holding[start+i] = binary.BigEndian.Uint16(pdu[6+2*i:])
		}
		return pdu[:5]
	default:
		return []byte{fc | 0x80, 0x01}
	}
}

// CRC16 computes the Modbus RTU checksum of b.
func CRC16(b []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, v := range b {
		crc ^= uint16(v)
		for range 8 {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}

	return crc
}
