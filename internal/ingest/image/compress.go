// Package image implements the two-tier image compression helper spec.md
// §2 names: an inference tier sized for the vision model (max 1200px,
// preserving any image already smaller) and a storage tier sized for the
// persisted attachment (max 512px).
//
// Grounded on teacher internal/media/processor.go's decode/resize/encode
// pipeline (golang.org/x/image/draw.BiLinear scaling, aspect-ratio-
// preserving max-dimension resize); adapted from the teacher's single PNG
// tier into the spec's two explicit tiers.
package image

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	stdjpeg "image/jpeg"
	_ "image/png"

	xdraw "golang.org/x/image/draw"

	_ "image/gif"
	_ "image/jpeg"
)

// InferenceMaxDimension is the max width/height (in pixels) of the tier
// sent to the vision model.
const InferenceMaxDimension = 1200

// StorageMaxDimension is the max width/height (in pixels) of the tier
// persisted to disk/object storage.
const StorageMaxDimension = 512

// StorageJPEGQuality is the encode quality used for the storage tier.
//
// spec.md names WebP as the storage tier's format; no pack repo and no
// stdlib package provides a WebP *encoder* (golang.org/x/image/webp only
// decodes). Rather than fabricate a dependency, the storage tier here
// encodes JPEG at reduced quality, which is the closest size/quality
// tradeoff available from the libraries this corpus actually uses. See
// DESIGN.md for this documented deviation.
const StorageJPEGQuality = 70

// InferenceJPEGQuality is the encode quality used for the inference tier.
// It is higher than StorageJPEGQuality, so for an image larger than both
// tiers the storage rendition is smaller than the inference one.
const InferenceJPEGQuality = 90

// Tiers holds both compressed renditions of one source image, plus the
// dimensions each tier ended up at.
type Tiers struct {
	Inference       []byte
	InferenceWidth  int
	InferenceHeight int
	InferenceFormat string // "image/jpeg" (see InferenceJPEGQuality doc)

	Storage       []byte
	StorageWidth  int
	StorageHeight int
	StorageFormat string // "image/jpeg" (see StorageJPEGQuality doc)
}

// Compress decodes src and produces both tiers. An image already smaller
// than a tier's max dimension is preserved at its original size for that
// tier (spec.md §8: "preserves smaller").
func Compress(src []byte) (Tiers, error) {
	img, _, err := image.Decode(bytes.NewReader(src))
	if err != nil {
		return Tiers{}, fmt.Errorf("ingest/image: decode: %w", err)
	}

	inference := resizeMax(img, InferenceMaxDimension)
	var infBuf bytes.Buffer
	if err := stdjpeg.Encode(&infBuf, inference, &stdjpeg.Options{Quality: InferenceJPEGQuality}); err != nil {
		return Tiers{}, fmt.Errorf("ingest/image: encode inference tier: %w", err)
	}

	storage := resizeMax(img, StorageMaxDimension)
	var storeBuf bytes.Buffer
	if err := stdjpeg.Encode(&storeBuf, storage, &stdjpeg.Options{Quality: StorageJPEGQuality}); err != nil {
		return Tiers{}, fmt.Errorf("ingest/image: encode storage tier: %w", err)
	}

	ib := inference.Bounds()
	sb := storage.Bounds()
	return Tiers{
		Inference:       infBuf.Bytes(),
		InferenceWidth:  ib.Dx(),
		InferenceHeight: ib.Dy(),
		InferenceFormat: "image/jpeg",
		Storage:         storeBuf.Bytes(),
		StorageWidth:    sb.Dx(),
		StorageHeight:   sb.Dy(),
		StorageFormat:   "image/jpeg",
	}, nil
}

// resizeMax scales img down so neither dimension exceeds maxDim,
// preserving aspect ratio. Images already within bounds are returned
// unchanged (redrawn into an RGBA image for a consistent encode path,
// without altering pixel dimensions).
func resizeMax(img image.Image, maxDim int) image.Image {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	if width <= maxDim && height <= maxDim {
		dst := image.NewRGBA(image.Rect(0, 0, width, height))
		draw.Draw(dst, dst.Bounds(), img, bounds.Min, draw.Src)
		return dst
	}

	var newWidth, newHeight int
	if width > height {
		newWidth = maxDim
		newHeight = height * maxDim / width
	} else {
		newHeight = maxDim
		newWidth = width * maxDim / height
	}
	if newWidth < 1 {
		newWidth = 1
	}
	if newHeight < 1 {
		newHeight = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
	xdraw.BiLinear.Scale(dst, dst.Bounds(), img, bounds, xdraw.Over, nil)
	return dst
}
