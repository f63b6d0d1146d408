package agent

import (
	"bytes"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"
)

// EncodeJPEG scales img down to at most maxWidth pixels wide, keeping its
// aspect ratio, and encodes it at the given JPEG quality.
func EncodeJPEG(img image.Image, maxWidth, quality int) ([]byte, error) {
	b := img.Bounds()
	if maxWidth > 0 && b.Dx() > maxWidth {
		h := b.Dy() * maxWidth / b.Dx()
		dst := image.NewRGBA(image.Rect(0, 0, maxWidth, h))
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
		img = dst
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
