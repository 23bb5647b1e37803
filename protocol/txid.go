package protocol

import (
	"crypto/rand"
	"encoding/binary"
	"io"
	"sync/atomic"
)

// txIDGenerator generates Modbus TCP transaction identifiers.
//
// The start value is randomized so that identifiers of a reconnected link don't collide
// with late responses of the previous connection.
type txIDGenerator struct {
	id atomic.Uint32
}

func newTxIDGenerator() *txIDGenerator {
	gen := &txIDGenerator{}
	var buf [2]byte
	if _, err := io.ReadFull(rand.Reader, buf[:]); err != nil {
		return gen
	}
	gen.id.Store(uint32(binary.BigEndian.Uint16(buf[:])))

	return gen
}

func (g *txIDGenerator) next() uint16 {
	return uint16(g.id.Add(1))
}
