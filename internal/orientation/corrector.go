package orientation

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"math"
	"time"

	"github.com/fogleman/gg"
	_ "golang.org/x/image/webp"
)

const (
	outputMediaType = "image/jpeg"
	maxPixels       = 64 << 20
)

var (
	// ErrDecode means the upload could not be decoded into pixels.
	ErrDecode = errors.New("orientation: decode image")
	// ErrEncode means the corrected pixels could not be encoded as JPEG.
	ErrEncode = errors.New("orientation: encode image")

	errTooLarge = errors.New("image exceeds pixel limit")
)

// Probe returns the pixel dimensions of data as decoded, ignoring any
// orientation metadata.
func Probe(data []byte) (Dimensions, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Dimensions{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return Dimensions{Width: cfg.Width, Height: cfg.Height}, nil
}

// Correct returns img as an upright JPEG with all metadata removed. The
// orientation tag is baked into the pixel grid, so width and height are
// swapped for tags 5 to 8. quality is in (0, 1]; zero or less selects
// DefaultQuality.
//
// When the transform cannot be applied the image is re-encoded at its stored
// orientation and the result is marked as a fallback. The original bytes are
// never returned.
func Correct(img RawImage, quality float64) (CorrectedImage, error) {
	tag := ReadTag(img)
	tr := Lookup(tag)

	src, err := decode(img.Data)
	if err != nil {
		return CorrectedImage{}, err
	}

	q := jpegQuality(quality)
	out := CorrectedImage{
		Name:       img.Name,
		MediaType:  outputMediaType,
		Tag:        tag,
		ModifiedAt: time.Now().UTC(),
	}

	if !tr.IsIdentity() {
		if data, w, h, err := transformAndEncode(src, tr, q); err == nil {
			out.Data, out.Width, out.Height, out.Applied = data, w, h, tr
			return out, nil
		}
		out.Fallback = true
	}

	data, w, h, err := stripAndEncode(src, q)
	if err != nil {
		return CorrectedImage{}, err
	}
	out.Data, out.Width, out.Height = data, w, h
	return out, nil
}

func decode(data []byte) (image.Image, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width)*int64(cfg.Height) > maxPixels {
		return nil, fmt.Errorf("%w: %v", ErrDecode, errTooLarge)
	}
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return src, nil
}

// transformAndEncode draws src onto a surface sized for the upright image.
// The surface origin moves to its centre, rotates clockwise, mirrors, and
// then draws src centred on its own pre-rotation size.
func transformAndEncode(src image.Image, tr Transform, quality int) (data []byte, w, h int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: transform panicked: %v", ErrEncode, r)
		}
	}()

	b := src.Bounds()
	sw, sh := b.Dx(), b.Dy()
	w, h = sw, sh
	if tr.SwapsDimensions() {
		w, h = sh, sw
	}

	dc := gg.NewContext(w, h)
	dc.SetColor(color.White)
	dc.Clear()

	dc.Translate(float64(w)/2, float64(h)/2)
	if tr.Rotate != 0 {
		dc.Rotate(gg.Radians(float64(tr.Rotate)))
	}
	sx, sy := 1.0, 1.0
	if tr.FlipH {
		sx = -1
	}
	if tr.FlipV {
		sy = -1
	}
	if sx != 1 || sy != 1 {
		dc.Scale(sx, sy)
	}
	dc.Translate(-float64(sw)/2, -float64(sh)/2)
	dc.DrawImage(src, -b.Min.X, -b.Min.Y)

	data, err = encode(dc.Image(), quality)
	if err != nil {
		return nil, 0, 0, err
	}
	return data, w, h, nil
}

// stripAndEncode redraws src at its stored orientation. Re-encoding through
// image/jpeg drops every APP segment, Exif included.
func stripAndEncode(src image.Image, quality int) ([]byte, int, int, error) {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Over)

	data, err := encode(dst, quality)
	if err != nil {
		return nil, 0, 0, err
	}
	return data, b.Dx(), b.Dy(), nil
}

func encode(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}
	return buf.Bytes(), nil
}

func jpegQuality(q float64) int {
	if q <= 0 || math.IsNaN(q) {
		q = DefaultQuality
	}
	if q > 1 {
		q = 1
	}
	v := int(math.Round(q * 100))
	if v < 1 {
		v = 1
	}
	return v
}
