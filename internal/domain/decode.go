package domain

import (
	"encoding/binary"
	"fmt"
	"math"
)

// DecodeWordSwappedFloat32 decodes a 4-byte register response from the
// meter into a float. The device stores IEEE-754 float32 values with the
// two 16-bit register words in reversed order, so the words must be swapped
// before the bytes are reinterpreted. Skipping the swap yields values that
// look like floats but are wrong by many orders of magnitude.
func DecodeWordSwappedFloat32(b []byte) (float64, error) {
	if len(b) < 2*FloatRegisterCount {
		return 0, fmt.Errorf("%w: got %d bytes, need %d", ErrShortResponse, len(b), 2*FloatRegisterCount)
	}

	lo := binary.BigEndian.Uint16(b[0:2])
	hi := binary.BigEndian.Uint16(b[2:4])
	bits := uint32(hi)<<16 | uint32(lo)
	return float64(math.Float32frombits(bits)), nil
}

// EncodeWordSwappedFloat32 produces the wire representation the meter would
// return for v. The transform is its own inverse, so decoding the result
// recovers v exactly.
func EncodeWordSwappedFloat32(v float32) []byte {
	bits := math.Float32bits(v)
	b := make([]byte, 4)
	binary.BigEndian.PutUint16(b[0:2], uint16(bits))
	binary.BigEndian.PutUint16(b[2:4], uint16(bits>>16))
	return b
}
