package probe

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"github.com/chai2010/webp"
	"golang.org/x/image/draw"
)

// coverMaxEdge caps the long edge of stored cover art. Oversized embedded
// images are downscaled before encoding so identical source art converges
// on identical WebP bytes regardless of container padding.
const coverMaxEdge = 1024

const coverQuality = 90

// EncodeCover decodes raw embedded image bytes, normalizes them to WebP,
// and hashes the encoded result. The hash is taken over the encoded blob,
// so byte-identical source images always dedup to the same CoverArt row.
func EncodeCover(data []byte) (*Cover, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	img = scaleDown(img)

	var buf bytes.Buffer
	if err := webp.Encode(&buf, img, &webp.Options{Quality: coverQuality}); err != nil {
		return nil, fmt.Errorf("encode webp: %w", err)
	}
	return &Cover{Blob: buf.Bytes(), Hash: sha256.Sum256(buf.Bytes())}, nil
}

// scaleDown resizes img so its long edge is at most coverMaxEdge,
// preserving aspect ratio. Small images pass through untouched.
func scaleDown(img image.Image) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	long := w
	if h > long {
		long = h
	}
	if long <= coverMaxEdge {
		return img
	}
	nw := w * coverMaxEdge / long
	nh := h * coverMaxEdge / long
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}
