// Package imagecodec encodes grayscale camera frames for transport to the
// tracking sidecar. The format name travels with the payload so the sidecar
// can pick the matching decoder.
package imagecodec

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"sort"

	"github.com/klauspost/compress/gzip"

	"github.com/banshee-data/marker.tracker/internal/camera"
)

// Format names understood by the sidecar.
const (
	FormatJPEG = "jpeg"
	FormatGzip = "gzip"
	FormatNone = "none"
)

// DefaultJPEGQuality matches the default of common JPEG encoders.
const DefaultJPEGQuality = 95

// Codec turns a frame's pixels into a transport payload.
type Codec interface {
	Name() string
	Encode(f camera.Frame) ([]byte, error)
}

// Decoder is the inverse of Codec, used by the synthetic sidecar and tests.
type Decoder interface {
	Decode(payload []byte, width, height int) ([]byte, error)
}

// Options selects and tunes a codec.
type Options struct {
	Format      string `json:"format" mapstructure:"format"`
	JPEGQuality int    `json:"jpeg_quality" mapstructure:"jpeg_quality"`
	GzipLevel   int    `json:"gzip_level" mapstructure:"gzip_level"`
}

// DefaultOptions returns JPEG at the default quality.
func DefaultOptions() Options {
	return Options{Format: FormatJPEG, JPEGQuality: DefaultJPEGQuality, GzipLevel: gzip.DefaultCompression}
}

// New returns the codec named by opts.Format.
func New(opts Options) (Codec, error) {
	switch opts.Format {
	case FormatJPEG, "jpg":
		q := opts.JPEGQuality
		if q == 0 {
			q = DefaultJPEGQuality
		}
		if q < 1 || q > 100 {
			return nil, fmt.Errorf("jpeg quality %d out of range [1, 100]", q)
		}
		return JPEG{Quality: q}, nil
	case FormatGzip:
		lvl := opts.GzipLevel
		if lvl == 0 {
			lvl = gzip.DefaultCompression
		}
		if lvl < gzip.HuffmanOnly || lvl > gzip.BestCompression {
			return nil, fmt.Errorf("gzip level %d out of range", lvl)
		}
		return Gzip{Level: lvl}, nil
	case FormatNone, "":
		return None{}, nil
	default:
		return nil, fmt.Errorf("unknown image format %q (want one of %v)", opts.Format, Formats())
	}
}

// NewDecoder returns the decoder for a format name.
func NewDecoder(format string) (Decoder, error) {
	switch format {
	case FormatJPEG, "jpg":
		return JPEG{}, nil
	case FormatGzip:
		return Gzip{}, nil
	case FormatNone, "":
		return None{}, nil
	}
	return nil, fmt.Errorf("unknown image format %q", format)
}

// Formats lists the supported format names.
func Formats() []string {
	out := []string{FormatJPEG, FormatGzip, FormatNone}
	sort.Strings(out)
	return out
}

func checkFrame(f camera.Frame) error {
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("frame has invalid size %dx%d", f.Width, f.Height)
	}
	if len(f.Pixels) != f.Width*f.Height {
		return fmt.Errorf("frame has %d pixels, want %d for %dx%d", len(f.Pixels), f.Width*f.Height, f.Width, f.Height)
	}
	return nil
}

// JPEG encodes frames as baseline grayscale JPEG.
type JPEG struct {
	Quality int
}

func (JPEG) Name() string { return FormatJPEG }

func (c JPEG) Encode(f camera.Frame) ([]byte, error) {
	if err := checkFrame(f); err != nil {
		return nil, err
	}
	img := &image.Gray{Pix: f.Pixels, Stride: f.Width, Rect: image.Rect(0, 0, f.Width, f.Height)}
	var buf bytes.Buffer
	buf.Grow(len(f.Pixels) / 4)
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: c.Quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

func (JPEG) Decode(payload []byte, width, height int) ([]byte, error) {
	img, err := jpeg.Decode(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("decode jpeg: %w", err)
	}
	b := img.Bounds()
	if b.Dx() != width || b.Dy() != height {
		return nil, fmt.Errorf("jpeg is %dx%d, want %dx%d", b.Dx(), b.Dy(), width, height)
	}
	out := make([]byte, width*height)
	if g, ok := img.(*image.Gray); ok {
		for y := 0; y < height; y++ {
			copy(out[y*width:(y+1)*width], g.Pix[y*g.Stride:y*g.Stride+width])
		}
		return out, nil
	}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			out[y*width+x] = byte((19595*r + 38470*g + 7471*bl + 1<<15) >> 24)
		}
	}
	return out, nil
}

// Gzip compresses the raw pixel buffer.
type Gzip struct {
	Level int
}

func (Gzip) Name() string { return FormatGzip }

func (c Gzip) Encode(f camera.Frame) ([]byte, error) {
	if err := checkFrame(f); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, c.Level)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(f.Pixels); err != nil {
		return nil, fmt.Errorf("gzip frame: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip frame: %w", err)
	}
	return buf.Bytes(), nil
}

func (Gzip) Decode(payload []byte, width, height int) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("gunzip frame: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("gunzip frame: %w", err)
	}
	if len(out) != width*height {
		return nil, fmt.Errorf("gunzip frame: got %d bytes, want %d", len(out), width*height)
	}
	return out, nil
}

// None sends the pixel buffer unchanged.
type None struct{}

func (None) Name() string { return FormatNone }

func (None) Encode(f camera.Frame) ([]byte, error) {
	if err := checkFrame(f); err != nil {
		return nil, err
	}
	return f.Pixels, nil
}

func (None) Decode(payload []byte, width, height int) ([]byte, error) {
	if len(payload) != width*height {
		return nil, fmt.Errorf("raw frame has %d bytes, want %d", len(payload), width*height)
	}
	return payload, nil
}
