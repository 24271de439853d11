// Package encoder turns raw platform pixel buffers into images and writes
// them to disk.
package encoder

import (
	"errors"
	"fmt"
	"image"

	"golang.org/x/image/draw"
)

// BytesPerPixel of the RGBA_8888 buffers produced by frame sources
const BytesPerPixel = 4

var (
	// ErrInvalidBuffer is returned for absent or truncated pixel buffers
	ErrInvalidBuffer = errors.New("invalid pixel buffer")
	// ErrUnsupportedFormat is returned for pixel strides other than RGBA_8888
	ErrUnsupportedFormat = errors.New("unsupported pixel format")
)

// Buffer is a raw platform frame. Close hands the memory back to its owner.
type Buffer interface {
	Bytes() []byte
	PixelStride() int
	RowStride() int
	Close()
}

// DecodeFrame decodes buf into a width x height image and releases buf
// before returning, whether decoding succeeded or not.
func DecodeFrame(buf Buffer, width, height int) (*image.RGBA, error) {
	if buf == nil {
		return nil, ErrInvalidBuffer
	}
	defer buf.Close()
	return Decode(buf.Bytes(), width, height, buf.PixelStride(), buf.RowStride())
}

// Decode copies an RGBA buffer whose rows may carry stride padding into a new
// image of exactly width x height.
//
// The padded buffer is first laid out at its stride-inflated width
// (width + padding/pixelStride) and then cropped back to width whenever the
// two differ.
func Decode(pix []byte, width, height, pixelStride, rowStride int) (*image.RGBA, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: size %dx%d", ErrInvalidBuffer, width, height)
	}
	if pixelStride != BytesPerPixel {
		return nil, fmt.Errorf("%w: pixel stride %d", ErrUnsupportedFormat, pixelStride)
	}

	padding := rowStride - pixelStride*width
	if padding < 0 {
		return nil, fmt.Errorf("%w: row stride %d shorter than %d pixels", ErrInvalidBuffer, rowStride, width)
	}
	need := rowStride*(height-1) + pixelStride*width
	if len(pix) < need {
		return nil, fmt.Errorf("%w: have %d bytes, need %d", ErrInvalidBuffer, len(pix), need)
	}

	decodedWidth := width + padding/pixelStride
	decoded := image.NewRGBA(image.Rect(0, 0, decodedWidth, height))
	rowBytes := decodedWidth * BytesPerPixel
	for y := 0; y < height; y++ {
		src := pix[y*rowStride:]
		if len(src) > rowBytes {
			src = src[:rowBytes]
		}
		copy(decoded.Pix[y*decoded.Stride:], src)
	}

	if decodedWidth == width {
		return decoded, nil
	}
	return Crop(decoded, width, height), nil
}

// Crop returns a copy of the top-left width x height region of img
func Crop(img *image.RGBA, width, height int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Copy(dst, image.Point{}, img, image.Rect(0, 0, width, height).Add(img.Bounds().Min), draw.Src, nil)
	return dst
}
