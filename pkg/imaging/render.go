package imaging

import (
	"image"
	"image/png"
	"io"
)

// Sample is the pixel data accepted by Render.
type Sample interface {
	~uint8 | ~uint16 | ~uint32
}

// Render converts width*height mono (channels 1) or RGB (channels 3)
// samples into RGBA in out through lut. Samples beyond the end of lut
// display as 0 and alpha is always opaque. Other channel counts leave out
// untouched.
func Render[T Sample](data []T, width, height int, lut []uint8, channels int, out []uint8) {
	n := width * height
	look := func(v T) uint8 {
		if uint64(v) < uint64(len(lut)) {
			return lut[v]
		}
		return 0
	}

	switch channels {
	case 1:
		for i := 0; i < n; i++ {
			d := look(data[i])
			o := i * 4
			out[o], out[o+1], out[o+2], out[o+3] = d, d, d, 255
		}
	case 3:
		for i := 0; i < n; i++ {
			b := i * 3
			o := i * 4
			out[o] = look(data[b])
			out[o+1] = look(data[b+1])
			out[o+2] = look(data[b+2])
			out[o+3] = 255
		}
	}
}

// LinearLUT maps 0..maxValue onto 0..255, clipping below black and above
// white.
func LinearLUT(maxValue, black, white uint32) []uint8 {
	lut := make([]uint8, int(maxValue)+1)
	if white <= black {
		white = black + 1
	}
	span := float64(white - black)
	for v := range lut {
		switch {
		case uint32(v) <= black:
			lut[v] = 0
		case uint32(v) >= white:
			lut[v] = 255
		default:
			lut[v] = uint8(float64(uint32(v)-black) / span * 255)
		}
	}
	return lut
}

// AutoLUT stretches the frame's own range across the display range.
func AutoLUT(f *Frame) []uint8 {
	lo, hi := ^uint32(0), uint32(0)
	for _, v := range f.Pixels {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	if len(f.Pixels) == 0 {
		lo = 0
	}
	return LinearLUT(hi, lo, hi)
}

// RGBA renders the frame for display.
func (f *Frame) RGBA(lut []uint8) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	Render(f.Pixels, f.Width, f.Height, lut, f.Planes, img.Pix)
	return img
}

// maxLUT bounds the size of an automatic lookup table. Deeper frames are
// shifted down before stretching.
const maxLUT = 1<<16 - 1

// EncodePNG writes the frame as a PNG, stretched with AutoLUT.
func EncodePNG(w io.Writer, f *Frame) error {
	shift := 0
	for hi := f.Max(); hi>>shift > maxLUT; {
		shift++
	}
	if shift > 0 {
		scaled := *f
		scaled.Pixels = make([]uint32, len(f.Pixels))
		for i, v := range f.Pixels {
			scaled.Pixels[i] = v >> shift
		}
		f = &scaled
	}
	return png.Encode(w, f.RGBA(AutoLUT(f)))
}
