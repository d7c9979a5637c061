package imaging

import (
	"image"

	"golang.org/x/image/draw"
)

const (
	DefaultMaxDimension = 2048
	DefaultJPEGQuality  = 80
)

// CompressOptions bounds the stored image.
type CompressOptions struct {
	MaxDimension int
	Quality      int
}

// CompressJPEG decodes data, scales it so neither side exceeds MaxDimension
// and re-encodes it as JPEG.
func CompressJPEG(data []byte, contentType string, opts CompressOptions) ([]byte, error) {
	if opts.MaxDimension <= 0 {
		opts.MaxDimension = DefaultMaxDimension
	}
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = DefaultJPEGQuality
	}

	img, err := Decode(data, contentType)
	if err != nil {
		return nil, err
	}
	return encodeJPEG(scaleDown(img, opts.MaxDimension), opts.Quality)
}

func scaleDown(img image.Image, maxDim int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxDim && h <= maxDim {
		return img
	}

	if w >= h {
		h = h * maxDim / w
		w = maxDim
	} else {
		w = w * maxDim / h
		h = maxDim
	}
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}
