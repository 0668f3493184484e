package imaging

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"skyconsole/pkg/alpaca"
)

// ElementType is the ImageBytes element type code.
type ElementType int32

const (
	Unknown ElementType = iota
	Int16
	Int32
	Double
	Single
	Decimal
	Byte
	Int64
	UInt16
	UInt32
	UInt64
)

const headerSize = 44

var (
	ErrShortBuffer     = errors.New("imagebytes buffer too short")
	ErrUnsupportedType = errors.New("unsupported element type")
	ErrBadRank         = errors.New("unsupported image rank")
)

func (t ElementType) size() int {
	switch t {
	case Byte:
		return 1
	case Int16, UInt16:
		return 2
	case Int32, UInt32, Single:
		return 4
	case Double, Int64, UInt64:
		return 8
	}
	return 0
}

// Header is the fixed metadata block that starts every ImageBytes response.
type Header struct {
	MetadataVersion     int32
	ErrorNumber         int32
	ClientTxID          int32
	ServerTxID          int32
	DataStart           int32
	ImageElementType    ElementType
	TransmissionElement ElementType
	Rank                int32
	Dimension1          int32
	Dimension2          int32
	Dimension3          int32
}

// Frame is a decoded image stored row-major with interleaved planes.
// Negative samples are clamped to zero.
type Frame struct {
	Width       int
	Height      int
	Planes      int
	ElementType ElementType
	Pixels      []uint32
}

// Max returns the largest sample in the frame.
func (f *Frame) Max() uint32 {
	var m uint32
	for _, v := range f.Pixels {
		m = max(m, v)
	}
	return m
}

func (f *Frame) index(x, y, plane int) int {
	return (y*f.Width+x)*f.Planes + plane
}

// At returns the sample at (x, y) in the given plane.
func (f *Frame) At(x, y, plane int) uint32 {
	return f.Pixels[f.index(x, y, plane)]
}

func newFrame(rank, d1, d2, d3 int) (*Frame, error) {
	planes := 1
	switch rank {
	case 2:
	case 3:
		planes = d3
	default:
		return nil, fmt.Errorf("%w: %d", ErrBadRank, rank)
	}
	if d1 <= 0 || d2 <= 0 || planes <= 0 {
		return nil, fmt.Errorf("invalid image dimensions %dx%dx%d", d1, d2, planes)
	}
	return &Frame{
		Width:  d1,
		Height: d2,
		Planes: planes,
		Pixels: make([]uint32, d1*d2*planes),
	}, nil
}

// ParseHeader reads the ImageBytes metadata block.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < headerSize {
		return Header{}, ErrShortBuffer
	}
	field := func(i int) int32 {
		return int32(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return Header{
		MetadataVersion:     field(0),
		ErrorNumber:         field(1),
		ClientTxID:          field(2),
		ServerTxID:          field(3),
		DataStart:           field(4),
		ImageElementType:    ElementType(field(5)),
		TransmissionElement: ElementType(field(6)),
		Rank:                field(7),
		Dimension1:          field(8),
		Dimension2:          field(9),
		Dimension3:          field(10),
	}, nil
}

// DecodeImageBytes decodes a complete ImageBytes response. A non-zero
// ErrorNumber is returned as an *alpaca.Error carrying the message that
// follows the header.
func DecodeImageBytes(b []byte) (*Frame, error) {
	h, err := ParseHeader(b)
	if err != nil {
		return nil, err
	}
	start := int(h.DataStart)
	if start < headerSize || start > len(b) {
		return nil, fmt.Errorf("%w: data start %d", ErrShortBuffer, start)
	}
	if h.ErrorNumber != 0 {
		return nil, &alpaca.Error{Method: "imagearray", Number: int(h.ErrorNumber), Message: string(b[start:])}
	}

	size := h.TransmissionElement.size()
	if size == 0 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedType, h.TransmissionElement)
	}
	data := b[start:]
	if !fits(h, int64(len(data)/size)) {
		return nil, fmt.Errorf("%w: %dx%dx%d image in %d bytes of pixel data",
			ErrShortBuffer, h.Dimension1, h.Dimension2, h.Dimension3, len(data))
	}
	f, err := newFrame(int(h.Rank), int(h.Dimension1), int(h.Dimension2), int(h.Dimension3))
	if err != nil {
		return nil, err
	}
	f.ElementType = h.ImageElementType

	// Transmission order is x outermost, then y, then plane.
	i := 0
	for x := 0; x < f.Width; x++ {
		for y := 0; y < f.Height; y++ {
			for p := 0; p < f.Planes; p++ {
				f.Pixels[f.index(x, y, p)] = sample(h.TransmissionElement, data[i*size:])
				i++
			}
		}
	}
	return f, nil
}

// fits reports whether the header's dimensions describe at most limit
// samples. Dimensions come off the wire, so the product is bounded as it
// is built. Bad ranks and non-positive dimensions are left to newFrame.
func fits(h Header, limit int64) bool {
	dims := []int32{h.Dimension1, h.Dimension2}
	if h.Rank == 3 {
		dims = append(dims, h.Dimension3)
	}
	n := int64(1)
	for _, d := range dims {
		if d <= 0 {
			return true
		}
		if int64(d) > limit/n {
			return false
		}
		n *= int64(d)
	}
	return true
}

func sample(t ElementType, b []byte) uint32 {
	le := binary.LittleEndian
	switch t {
	case Byte:
		return uint32(b[0])
	case Int16:
		return clampInt(int64(int16(le.Uint16(b))))
	case UInt16:
		return uint32(le.Uint16(b))
	case Int32:
		return clampInt(int64(int32(le.Uint32(b))))
	case UInt32:
		return le.Uint32(b)
	case Int64:
		return clampInt(int64(le.Uint64(b)))
	case UInt64:
		return uint32(min(le.Uint64(b), math.MaxUint32))
	case Single:
		return clampFloat(float64(math.Float32frombits(le.Uint32(b))))
	case Double:
		return clampFloat(math.Float64frombits(le.Uint64(b)))
	}
	return 0
}

func clampInt(v int64) uint32 {
	if v < 0 {
		return 0
	}
	return uint32(min(v, math.MaxUint32))
}

func clampFloat(v float64) uint32 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(math.Round(v))
}

// DecodeJSON decodes the Value of a JSON imagearray response, either
// [x][y] or [x][y][plane].
func DecodeJSON(raw json.RawMessage) (*Frame, error) {
	var mono [][]float64
	if err := json.Unmarshal(raw, &mono); err == nil {
		return fromMono(mono)
	}
	var color [][][]float64
	if err := json.Unmarshal(raw, &color); err != nil {
		return nil, fmt.Errorf("decode imagearray: %w", err)
	}
	return fromColor(color)
}

func fromMono(a [][]float64) (*Frame, error) {
	if len(a) == 0 {
		return nil, fmt.Errorf("%w: empty image", ErrBadRank)
	}
	f, err := newFrame(2, len(a), len(a[0]), 1)
	if err != nil {
		return nil, err
	}
	for x, col := range a {
		if len(col) != f.Height {
			return nil, fmt.Errorf("ragged image: column %d has %d rows", x, len(col))
		}
		for y, v := range col {
			f.Pixels[f.index(x, y, 0)] = clampFloat(v)
		}
	}
	return f, nil
}

func fromColor(a [][][]float64) (*Frame, error) {
	if len(a) == 0 || len(a[0]) == 0 {
		return nil, fmt.Errorf("%w: empty image", ErrBadRank)
	}
	f, err := newFrame(3, len(a), len(a[0]), len(a[0][0]))
	if err != nil {
		return nil, err
	}
	for x, col := range a {
		if len(col) != f.Height {
			return nil, fmt.Errorf("ragged image: column %d has %d rows", x, len(col))
		}
		for y, px := range col {
			if len(px) != f.Planes {
				return nil, fmt.Errorf("ragged image: pixel %d,%d has %d planes", x, y, len(px))
			}
			for p, v := range px {
				f.Pixels[f.index(x, y, p)] = clampFloat(v)
			}
		}
	}
	return f, nil
}
