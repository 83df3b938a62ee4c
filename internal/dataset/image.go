package dataset

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
)

// DecodeImage decodes a JPEG or PNG, scales it bilinearly to shape (HWC,
// 1 or 3 channels) and returns the pixels in [0,1].
func DecodeImage(raw []byte, shape []int) ([]float64, error) {
	if len(shape) != 3 {
		return nil, fmt.Errorf("image shape must be HWC, got %v", shape)
	}
	h, w, ch := shape[0], shape[1], shape[2]
	if ch != 1 && ch != 3 {
		return nil, fmt.Errorf("unsupported channel count %d", ch)
	}
	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	if src.Bounds().Empty() {
		return nil, errors.New("empty image")
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	out := make([]float64, h*w*ch)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			px := dst.RGBAAt(x, y)
			base := (y*w + x) * ch
			if ch == 1 {
				out[base] = float64(color.GrayModel.Convert(px).(color.Gray).Y) / 255
				continue
			}
			out[base] = float64(px.R) / 255
			out[base+1] = float64(px.G) / 255
			out[base+2] = float64(px.B) / 255
		}
	}
	return out, nil
}
