// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package compress downsamples a captured photo before upload.
package compress

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"

	"github.com/relabs-tech/insole_scanner/internal/capture"
)

const (
	MaxWidth = 1200
	Quality  = 70
)

// Image is the re-encoded JPEG sent to the analysis service.
type Image struct {
	Data   []byte
	Width  int
	Height int
}

// Compressor scales images to a fixed width and re-encodes them.
type Compressor struct {
	Width   int
	Quality int
	// AllowUpscale lets sources narrower than Width be enlarged.
	// Off by default: the scale factor is capped at 1.
	AllowUpscale bool
}

// New returns a Compressor with the default width and quality.
func New() *Compressor {
	return &Compressor{Width: MaxWidth, Quality: Quality}
}

// Compress decodes raw, scales it and encodes it as JPEG.
func (c *Compressor) Compress(ctx context.Context, raw capture.RawCapture) (Image, error) {
	if err := ctx.Err(); err != nil {
		return Image{}, err
	}

	src, _, err := image.Decode(bytes.NewReader(raw.Data))
	if err != nil {
		return Image{}, fmt.Errorf("compress: decode: %w", err)
	}

	w, h := c.targetSize(src.Bounds())
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	if err := ctx.Err(); err != nil {
		return Image{}, err
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: c.Quality}); err != nil {
		return Image{}, fmt.Errorf("compress: encode: %w", err)
	}
	return Image{Data: buf.Bytes(), Width: w, Height: h}, nil
}

// Async runs Compress on its own goroutine and delivers exactly one result.
func (c *Compressor) Async(ctx context.Context, raw capture.RawCapture) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		img, err := c.Compress(ctx, raw)
		ch <- Result{Image: img, Err: err}
	}()
	return ch
}

// Result is what Async delivers.
type Result struct {
	Image Image
	Err   error
}

func (c *Compressor) targetSize(b image.Rectangle) (int, int) {
	sw, sh := b.Dx(), b.Dy()
	scale := float64(c.Width) / float64(sw)
	if scale > 1 && !c.AllowUpscale {
		scale = 1
	}
	w := int(float64(sw)*scale + 0.5)
	h := int(float64(sh)*scale + 0.5)
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	return w, h
}
