package imagecodec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/marker.tracker/internal/camera"
)

func gradient(w, h int) camera.Frame {
	px := make([]byte, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			px[y*w+x] = byte((x + y) * 255 / (w + h))
		}
	}
	return camera.Frame{Pixels: px, Width: w, Height: h}
}

func TestNew(t *testing.T) {
	tests := []struct {
		opts    Options
		want    string
		wantErr bool
	}{
		{Options{Format: "jpeg"}, FormatJPEG, false},
		{Options{Format: "jpg", JPEGQuality: 50}, FormatJPEG, false},
		{Options{Format: "gzip"}, FormatGzip, false},
		{Options{Format: "none"}, FormatNone, false},
		{Options{}, FormatNone, false},
		{Options{Format: "jpeg", JPEGQuality: 101}, "", true},
		{Options{Format: "gzip", GzipLevel: 42}, "", true},
		{Options{Format: "png"}, "", true},
	}
	for _, tt := range tests {
		c, err := New(tt.opts)
		if tt.wantErr {
			assert.Error(t, err, "%+v", tt.opts)
			continue
		}
		require.NoError(t, err, "%+v", tt.opts)
		assert.Equal(t, tt.want, c.Name())
	}
}

func TestRoundTrip(t *testing.T) {
	f := gradient(64, 48)
	for _, format := range Formats() {
		t.Run(format, func(t *testing.T) {
			c, err := New(Options{Format: format})
			require.NoError(t, err)
			payload, err := c.Encode(f)
			require.NoError(t, err)

			d, err := NewDecoder(format)
			require.NoError(t, err)
			got, err := d.Decode(payload, f.Width, f.Height)
			require.NoError(t, err)
			require.Len(t, got, len(f.Pixels))

			if format == FormatJPEG {
				// lossy: a smooth gradient stays within a few levels
				for i := range got {
					assert.InDelta(t, f.Pixels[i], got[i], 8, "pixel %d", i)
				}
				return
			}
			assert.Equal(t, f.Pixels, got)
		})
	}
}

func TestGzipShrinksFlatImage(t *testing.T) {
	f := camera.Frame{Pixels: make([]byte, 640*480), Width: 640, Height: 480}
	payload, err := Gzip{Level: 6}.Encode(f)
	require.NoError(t, err)
	assert.Less(t, len(payload), len(f.Pixels)/100)
}

func TestEncodeRejectsBadFrames(t *testing.T) {
	bad := []camera.Frame{
		{},
		{Pixels: make([]byte, 10), Width: 4, Height: 4},
		{Pixels: make([]byte, 16), Width: -4, Height: -4},
	}
	codecs := []Codec{JPEG{Quality: 90}, Gzip{Level: 1}, None{}}
	for _, c := range codecs {
		for _, f := range bad {
			_, err := c.Encode(f)
			assert.Error(t, err, "%s %dx%d", c.Name(), f.Width, f.Height)
		}
	}
}

func TestDecodeSizeMismatch(t *testing.T) {
	f := gradient(16, 16)
	for _, format := range Formats() {
		c, err := New(Options{Format: format})
		require.NoError(t, err)
		payload, err := c.Encode(f)
		require.NoError(t, err)
		d, _ := NewDecoder(format)
		_, err = d.Decode(payload, 8, 8)
		assert.Error(t, err, format)
	}
	_, err := NewDecoder("bmp")
	assert.Error(t, err)
}
