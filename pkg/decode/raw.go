// Package decode turns raw sensor frames into image.Image values for
// display and capture tools. The sensor emits monochrome raw data: one byte
// per pixel in 8-bit mode, two bytes per pixel little-endian with 12
// significant bits in 12-bit mode.
package decode

import (
	"fmt"
	"image"

	"golang.org/x/image/draw"

	"github.com/kevmo314/go-toupcam/pkg/framing"
)

// Image decodes one frame. The frame's pixel data is copied; the caller may
// release the frame afterwards.
func Image(f *framing.Frame) (image.Image, error) {
	if len(f.Data) != f.Len() {
		return nil, fmt.Errorf("decode: frame has %d bytes, geometry %dx%dx%d implies %d",
			len(f.Data), f.Width, f.Height, f.BytesPerPixel, f.Len())
	}
	switch f.BytesPerPixel {
	case 1:
		img := image.NewGray(image.Rect(0, 0, f.Width, f.Height))
		copy(img.Pix, f.Data)
		return img, nil
	case 2:
		img := image.NewGray16(image.Rect(0, 0, f.Width, f.Height))
		// Device data is little-endian with 12 significant bits; Gray16 pix
		// data is big-endian, so shift up to full scale and swap.
		for i := 0; i+1 < len(f.Data); i += 2 {
			v := (uint16(f.Data[i]) | uint16(f.Data[i+1])<<8) << 4
			img.Pix[i] = uint8(v >> 8)
			img.Pix[i+1] = uint8(v)
		}
		return img, nil
	default:
		return nil, fmt.Errorf("decode: unsupported pixel size %d", f.BytesPerPixel)
	}
}

// Scale resizes img to w x h. Viewers use this to fit the full sensor
// readout on screen; ApproxBiLinear is plenty for preview quality.
func Scale(img image.Image, w, h int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Over, nil)
	return dst
}
