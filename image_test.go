package main

import (
	"bytes"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// helper function to create PNG image filled with given color
func testPNG(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// TestDecodeBase64
func TestDecodeBase64(t *testing.T) {
	data := []byte{0xfb, 0xff, 0xfe, 0x01, 0x02}
	inputs := []string{
		base64.StdEncoding.EncodeToString(data),
		base64.RawStdEncoding.EncodeToString(data),
		base64.URLEncoding.EncodeToString(data),
		base64.RawURLEncoding.EncodeToString(data),
		"data:image/png;base64," + base64.StdEncoding.EncodeToString(data),
		"  " + base64.StdEncoding.EncodeToString(data)[:4] + "\n" + base64.StdEncoding.EncodeToString(data)[4:] + "\n",
	}
	for _, s := range inputs {
		out, err := decodeBase64(s)
		require.NoError(t, err, s)
		assert.Equal(t, data, out, s)
	}
	_, err := decodeBase64("not base64 at all!")
	assert.Error(t, err)
}

// TestDecodeImage
func TestDecodeImage(t *testing.T) {
	img, format, err := decodeImage(testPNG(t, 4, 2, color.White))
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	assert.Equal(t, 4, img.Bounds().Dx())

	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, image.NewGray(image.Rect(0, 0, 8, 8)), nil))
	_, format, err = decodeImage(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)

	_, _, err = decodeImage([]byte("definitely not an image"))
	assert.True(t, errors.Is(err, ErrInvalidImage))
}

// TestResizeCHW
func TestResizeCHW(t *testing.T) {
	img, _, err := decodeImage(testPNG(t, 10, 5, color.RGBA{R: 255, G: 0, B: 51, A: 255}))
	require.NoError(t, err)
	resized := resizeRGB(img, 16, 16)
	assert.Equal(t, image.Rect(0, 0, 16, 16), resized.Bounds())

	tensor := chwTensor(resized)
	require.Len(t, tensor, 3*16*16)
	plane := 16 * 16
	for i := 0; i < plane; i++ {
		assert.InDelta(t, 1.0, tensor[i], 0.005)
		assert.InDelta(t, 0.0, tensor[plane+i], 0.005)
		assert.InDelta(t, 0.2, tensor[2*plane+i], 0.005)
	}
}
