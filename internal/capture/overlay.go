// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package capture

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// ErrOverlayLoad is returned when the guide overlay asset cannot be loaded.
// It only delays the sampling loop.
var ErrOverlayLoad = errors.New("capture: overlay load failed")

const (
	overlayWidth  = 480
	overlayHeight = 640
	overlayRetry  = time.Second
)

// Overlay is the silhouette guide drawn over the live view. The sampling
// loop does not start until it is ready.
type Overlay struct {
	path string

	mu       sync.Mutex
	img      image.Image
	png      []byte
	loading  bool
	failedAt time.Time
	load     func() (image.Image, error)
}

// NewOverlay loads the overlay from a PNG at path, or renders the built-in
// silhouette when path is empty.
func NewOverlay(path string) *Overlay {
	o := &Overlay{path: path}
	o.load = o.loadAsset
	return o
}

// Ready reports whether the overlay asset is loaded.
func (o *Overlay) Ready() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.img != nil
}

// PNG returns the encoded overlay, or nil while it is not ready.
func (o *Overlay) PNG() []byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.png
}

// Ensure starts loading the overlay in the background unless it is already
// loaded, loading, or failed less than a second ago.
func (o *Overlay) Ensure() {
	o.mu.Lock()
	if o.img != nil || o.loading || time.Since(o.failedAt) < overlayRetry {
		o.mu.Unlock()
		return
	}
	o.loading = true
	o.mu.Unlock()

	go func() {
		img, err := o.load()
		var encoded []byte
		if err == nil {
			var buf bytes.Buffer
			if err = png.Encode(&buf, img); err == nil {
				encoded = buf.Bytes()
			}
		}

		o.mu.Lock()
		defer o.mu.Unlock()
		o.loading = false
		if err != nil {
			o.failedAt = time.Now()
			log.Printf("capture: overlay not ready: %v", err)
			return
		}
		o.img = img
		o.png = encoded
	}()
}

func (o *Overlay) loadAsset() (image.Image, error) {
	if o.path == "" {
		return RenderOverlay(overlayWidth, overlayHeight), nil
	}
	f, err := os.Open(o.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOverlayLoad, err)
	}
	defer f.Close()

	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrOverlayLoad, o.path, err)
	}
	return img, nil
}

// RenderOverlay draws the default guide: a dimmed frame with the sampled
// region left clear and outlined, plus a caption.
func RenderOverlay(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{color.RGBA{0, 0, 0, 120}}, image.Point{}, draw.Src)

	roi := Region(img.Bounds())
	draw.Draw(img, roi, image.Transparent, image.Point{}, draw.Src)

	edge := color.RGBA{255, 255, 255, 255}
	for x := roi.Min.X; x < roi.Max.X; x++ {
		img.Set(x, roi.Min.Y, edge)
		img.Set(x, roi.Max.Y-1, edge)
	}
	for y := roi.Min.Y; y < roi.Max.Y; y++ {
		img.Set(roi.Min.X, y, edge)
		img.Set(roi.Max.X-1, y, edge)
	}

	drawer := &font.Drawer{
		Dst:  img,
		Src:  &image.Uniform{edge},
		Face: basicfont.Face7x13,
	}
	caption := "Coloca la plantilla"
	width := drawer.MeasureString(caption).Round()
	drawer.Dot = fixed.P((w-width)/2, roi.Max.Y+20)
	drawer.DrawString(caption)

	return img
}
