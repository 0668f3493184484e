package imaging

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"image/png"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skyconsole/pkg/alpaca"
)

// testFrame is 3 wide and 2 high with distinct samples.
func testFrame(planes int) *Frame {
	rank := 2
	if planes > 1 {
		rank = 3
	}
	f, _ := newFrame(rank, 3, 2, planes)
	for i := range f.Pixels {
		f.Pixels[i] = uint32(i * 10)
	}
	return f
}

func TestImageBytesRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		planes int
		typ    ElementType
	}{
		{"mono int32", 1, Int32},
		{"mono uint16", 1, UInt16},
		{"mono byte", 1, Byte},
		{"rgb int16", 3, Int16},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			want := testFrame(tt.planes)
			buf, err := EncodeImageBytes(want, tt.typ, 7, 9)
			require.NoError(t, err)

			h, err := ParseHeader(buf)
			require.NoError(t, err)
			assert.Equal(t, int32(7), h.ClientTxID)
			assert.Equal(t, int32(9), h.ServerTxID)
			assert.Equal(t, tt.typ, h.TransmissionElement)

			got, err := DecodeImageBytes(buf)
			require.NoError(t, err)
			assert.Equal(t, want.Width, got.Width)
			assert.Equal(t, want.Height, got.Height)
			assert.Equal(t, want.Planes, got.Planes)
			assert.Equal(t, want.Pixels, got.Pixels)
		})
	}
}

func TestDecodeImageBytesColumnMajorOrder(t *testing.T) {
	// 2x2 mono Int32: transmitted as x0y0, x0y1, x1y0, x1y1.
	buf := make([]byte, headerSize+16)
	header := []int32{1, 0, 0, 0, headerSize, int32(Int32), int32(Int32), 2, 2, 2, 0}
	for i, v := range header {
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(v))
	}
	for i, v := range []int32{1, 2, 3, 4} {
		binary.LittleEndian.PutUint32(buf[headerSize+i*4:], uint32(v))
	}

	f, err := DecodeImageBytes(buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), f.At(0, 0, 0))
	assert.Equal(t, uint32(2), f.At(0, 1, 0))
	assert.Equal(t, uint32(3), f.At(1, 0, 0))
	assert.Equal(t, []uint32{1, 3, 2, 4}, f.Pixels)
}

func TestDecodeImageBytesSignedAndFloat(t *testing.T) {
	buf := make([]byte, headerSize+16)
	header := []int32{1, 0, 0, 0, headerSize, int32(Double), int32(Single), 2, 2, 2, 0}
	for i, v := range header {
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(v))
	}
	for i, v := range []float32{-5, 1.4, 2.6, 1000} {
		binary.LittleEndian.PutUint32(buf[headerSize+i*4:], math.Float32bits(v))
	}

	f, err := DecodeImageBytes(buf)
	require.NoError(t, err)
	assert.Equal(t, Double, f.ElementType)
	assert.Equal(t, []uint32{0, 3, 1, 1000}, f.Pixels)
}

func TestDecodeImageBytesErrors(t *testing.T) {
	_, err := DecodeImageBytes(make([]byte, 10))
	assert.ErrorIs(t, err, ErrShortBuffer)

	_, err = DecodeImageBytes(EncodeError(alpaca.CodeInvalidOperation, "no image", 1, 2))
	var apiErr *alpaca.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "no image", apiErr.Message)
	assert.ErrorIs(t, err, alpaca.ErrInvalidOperation)

	buf, err := EncodeImageBytes(testFrame(1), Int32, 0, 0)
	require.NoError(t, err)
	_, err = DecodeImageBytes(buf[:len(buf)-4])
	assert.ErrorIs(t, err, ErrShortBuffer)

	binary.LittleEndian.PutUint32(buf[6*4:], uint32(Decimal))
	_, err = DecodeImageBytes(buf)
	assert.ErrorIs(t, err, ErrUnsupportedType)
}

func TestDecodeImageBytesOversizedDimensions(t *testing.T) {
	tests := []struct {
		name string
		rank uint32
		dims [3]uint32
	}{
		{"rank 3 at int32 max", 3, [3]uint32{math.MaxInt32, math.MaxInt32, math.MaxInt32}},
		{"rank 2 at int32 max", 2, [3]uint32{math.MaxInt32, math.MaxInt32, 0}},
		{"one plane too many", 3, [3]uint32{1, 2, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := make([]byte, headerSize+8)
			le := binary.LittleEndian
			le.PutUint32(buf[0:], 1)
			le.PutUint32(buf[4*4:], headerSize)
			le.PutUint32(buf[5*4:], uint32(Int32))
			le.PutUint32(buf[6*4:], uint32(Int32))
			le.PutUint32(buf[7*4:], tt.rank)
			le.PutUint32(buf[8*4:], tt.dims[0])
			le.PutUint32(buf[9*4:], tt.dims[1])
			le.PutUint32(buf[10*4:], tt.dims[2])

			var f *Frame
			var err error
			require.NotPanics(t, func() { f, err = DecodeImageBytes(buf) })
			assert.ErrorIs(t, err, ErrShortBuffer)
			assert.Nil(t, f)
		})
	}
}

func TestDecodeJSON(t *testing.T) {
	f, err := DecodeJSON(json.RawMessage(`[[1,2],[3,4],[5,6]]`))
	require.NoError(t, err)
	assert.Equal(t, 3, f.Width)
	assert.Equal(t, 2, f.Height)
	assert.Equal(t, uint32(4), f.At(1, 1, 0))

	f, err = DecodeJSON(json.RawMessage(`[[[1,2,3]],[[4,5,6]]]`))
	require.NoError(t, err)
	assert.Equal(t, 3, f.Planes)
	assert.Equal(t, uint32(5), f.At(1, 0, 1))

	_, err = DecodeJSON(json.RawMessage(`[[1,2],[3]]`))
	assert.Error(t, err)

	_, err = DecodeJSON(json.RawMessage(`"nope"`))
	assert.Error(t, err)
}

func TestRenderMono(t *testing.T) {
	lut := []uint8{0, 100, 200}
	out := make([]uint8, 3*4)
	Render([]uint16{1, 2, 9}, 3, 1, lut, 1, out)

	assert.Equal(t, []uint8{
		100, 100, 100, 255,
		200, 200, 200, 255,
		0, 0, 0, 255,
	}, out)
}

func TestRenderRGB(t *testing.T) {
	lut := []uint8{10, 20, 30}
	out := make([]uint8, 4)
	Render([]uint8{0, 1, 2}, 1, 1, lut, 3, out)
	assert.Equal(t, []uint8{10, 20, 30, 255}, out)
}

func TestRenderIgnoresOtherChannelCounts(t *testing.T) {
	out := []uint8{1, 2, 3, 4}
	Render([]uint32{0, 0}, 1, 1, []uint8{9}, 2, out)
	assert.Equal(t, []uint8{1, 2, 3, 4}, out)
}

func TestLinearLUT(t *testing.T) {
	lut := LinearLUT(10, 2, 6)
	require.Len(t, lut, 11)
	assert.Equal(t, uint8(0), lut[0])
	assert.Equal(t, uint8(0), lut[2])
	assert.Equal(t, uint8(127), lut[4])
	assert.Equal(t, uint8(255), lut[6])
	assert.Equal(t, uint8(255), lut[10])
}

func TestEncodePNG(t *testing.T) {
	f := testFrame(1)
	f.Pixels[0] = 1 << 20

	var buf bytes.Buffer
	require.NoError(t, EncodePNG(&buf, f))

	img, err := png.Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, 3, img.Bounds().Dx())
	assert.Equal(t, 2, img.Bounds().Dy())
	r, _, _, a := img.At(0, 0).RGBA()
	assert.Equal(t, uint32(0xffff), r)
	assert.Equal(t, uint32(0xffff), a)
}
