// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package capture

import (
	"image"
)

// Sampled region, as fractions of the frame: the area behind the insole
// silhouette of the guide overlay.
const (
	RegionLeft   = 0.40
	RegionRight  = 0.60
	RegionTop    = 0.20
	RegionBottom = 0.80
)

// BrightnessThreshold is the luminance (0-255) a pixel must exceed to count.
const BrightnessThreshold = 80.0

// TriggerFraction is the share of bright pixels above which the photo is taken.
// The comparison is strict: exactly 8% does not fire.
const TriggerFraction = 0.08

// Region returns the sampled rectangle for a frame with bounds b.
func Region(b image.Rectangle) image.Rectangle {
	w, h := b.Dx(), b.Dy()
	return image.Rect(
		b.Min.X+int(float64(w)*RegionLeft),
		b.Min.Y+int(float64(h)*RegionTop),
		b.Min.X+int(float64(w)*RegionRight),
		b.Min.Y+int(float64(h)*RegionBottom),
	)
}

// Luminance is the Rec. 709 luma of an 8-bit RGB triple.
func Luminance(r, g, b uint8) float64 {
	return 0.2126*float64(r) + 0.7152*float64(g) + 0.0722*float64(b)
}

// BrightFraction returns the share of pixels in r whose luminance exceeds
// BrightnessThreshold. An empty region yields 0.
func BrightFraction(img image.Image, r image.Rectangle) float64 {
	r = r.Intersect(img.Bounds())
	total := r.Dx() * r.Dy()
	if total == 0 {
		return 0
	}

	bright := 0
	if rgba, ok := img.(*image.RGBA); ok {
		for y := r.Min.Y; y < r.Max.Y; y++ {
			off := rgba.PixOffset(r.Min.X, y)
			for x := r.Min.X; x < r.Max.X; x++ {
				if Luminance(rgba.Pix[off], rgba.Pix[off+1], rgba.Pix[off+2]) > BrightnessThreshold {
					bright++
				}
				off += 4
			}
		}
	} else {
		for y := r.Min.Y; y < r.Max.Y; y++ {
			for x := r.Min.X; x < r.Max.X; x++ {
				cr, cg, cb, _ := img.At(x, y).RGBA()
				if Luminance(uint8(cr>>8), uint8(cg>>8), uint8(cb>>8)) > BrightnessThreshold {
					bright++
				}
			}
		}
	}
	return float64(bright) / float64(total)
}

// ShouldTrigger reports whether the frame's sampled region is bright enough.
func ShouldTrigger(img image.Image) (bool, float64) {
	f := BrightFraction(img, Region(img.Bounds()))
	return f > TriggerFraction, f
}
