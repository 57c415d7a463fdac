package inference

import (
	"bytes"
	"fmt"
	"image"
	"path"
	"strings"

	"github.com/disintegration/imaging"

	"fitpipe/internal/domain"
)

// normalizeImage decodes data honouring EXIF orientation, fits it inside
// maxSide and re-encodes it as JPEG.
func normalizeImage(data []byte, maxSide int) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: decode image: %v", domain.ErrValidation, err)
	}
	img = fitImage(img, maxSide)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	return buf.Bytes(), nil
}

func fitImage(img image.Image, maxSide int) image.Image {
	if maxSide <= 0 {
		return img
	}
	b := img.Bounds()
	if b.Dx() <= maxSide && b.Dy() <= maxSide {
		return img
	}
	return imaging.Fit(img, maxSide, maxSide, imaging.Lanczos)
}

func jpegName(filename, fallback string) string {
	base := strings.TrimSuffix(path.Base(filename), path.Ext(filename))
	if base == "" || base == "." || base == "/" {
		base = fallback
	}
	return base + ".jpg"
}
