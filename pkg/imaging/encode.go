package imaging

import (
	"encoding/binary"
	"fmt"
	"math"
)

// EncodeImageBytes serializes f in the ImageBytes format using t as both
// image and transmission element type.
func EncodeImageBytes(f *Frame, t ElementType, clientTx, serverTx uint32) ([]byte, error) {
	size := t.size()
	if size == 0 || t == Single || t == Double {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedType, t)
	}

	rank, dim3 := int32(2), int32(0)
	if f.Planes > 1 {
		rank, dim3 = 3, int32(f.Planes)
	}

	buf := make([]byte, headerSize+len(f.Pixels)*size)
	le := binary.LittleEndian
	header := []int32{
		1, 0, int32(clientTx), int32(serverTx), headerSize,
		int32(t), int32(t), rank,
		int32(f.Width), int32(f.Height), dim3,
	}
	for i, v := range header {
		le.PutUint32(buf[i*4:], uint32(v))
	}

	i := 0
	data := buf[headerSize:]
	for x := 0; x < f.Width; x++ {
		for y := 0; y < f.Height; y++ {
			for p := 0; p < f.Planes; p++ {
				putSample(t, data[i*size:], f.At(x, y, p))
				i++
			}
		}
	}
	return buf, nil
}

// EncodeError builds an ImageBytes error response.
func EncodeError(number int32, message string, clientTx, serverTx uint32) []byte {
	buf := make([]byte, headerSize+len(message))
	le := binary.LittleEndian
	header := []int32{1, number, int32(clientTx), int32(serverTx), headerSize}
	for i, v := range header {
		le.PutUint32(buf[i*4:], uint32(v))
	}
	copy(buf[headerSize:], message)
	return buf
}

func putSample(t ElementType, b []byte, v uint32) {
	le := binary.LittleEndian
	switch t {
	case Byte:
		b[0] = uint8(min(v, math.MaxUint8))
	case Int16:
		le.PutUint16(b, uint16(min(v, math.MaxInt16)))
	case UInt16:
		le.PutUint16(b, uint16(min(v, math.MaxUint16)))
	case Int32:
		le.PutUint32(b, min(v, math.MaxInt32))
	case UInt32:
		le.PutUint32(b, v)
	case Int64, UInt64:
		le.PutUint64(b, uint64(v))
	}
}
