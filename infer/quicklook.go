package infer

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	"golang.org/x/image/draw"

	"github.com/sugarme/geoseg/raster"
)

// MaskColor is the overlay color of positive mask pixels.
var MaskColor = color.NRGBA{R: 255, A: 255}

// stretch maps band values linearly from [min, max] to [0, 255].
func stretch(r *raster.Raster, band int) *image.Gray {
	vals := r.Band(band)
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range vals {
		lo = math.Min(lo, float64(v))
		hi = math.Max(hi, float64(v))
	}
	scale := 0.0
	if hi > lo {
		scale = 255 / (hi - lo)
	}

	img := image.NewGray(image.Rect(0, 0, r.Width, r.Height))
	for i, v := range vals {
		img.Pix[i] = uint8((float64(v) - lo) * scale)
	}
	return img
}

// Overlay renders band 0 of r in gray with the positive pixels of mask
// blended in MaskColor at 25% opacity.
func Overlay(r, mask *raster.Raster) (image.Image, error) {
	if mask.Bands != 1 || mask.Height != r.Height || mask.Width != r.Width {
		return nil, errors.Errorf("mask %dx%dx%d does not cover raster %dx%d",
			mask.Bands, mask.Height, mask.Width, r.Height, r.Width)
	}

	rect := image.Rect(0, 0, r.Width, r.Height)
	dst := image.NewNRGBA(rect)
	draw.Draw(dst, rect, stretch(r, 0), image.Point{}, draw.Src)

	alpha := image.NewAlpha(rect)
	for i, v := range mask.Data {
		if v > 0 {
			alpha.Pix[i] = 64
		}
	}
	draw.DrawMask(dst, rect, image.NewUniform(MaskColor), image.Point{}, alpha, image.Point{}, draw.Over)

	return dst, nil
}

// Quicklook writes a preview of r with mask overlaid, scaled to width
// pixels (0 keeps the raster width). The format follows the file extension.
func Quicklook(r, mask *raster.Raster, width int, path string) error {
	img, err := Overlay(r, mask)
	if err != nil {
		return err
	}
	if width > 0 && width != r.Width {
		img = resize.Resize(uint(width), 0, img, resize.Lanczos3)
	}
	return imaging.Save(img, path)
}
