// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrCameraUnavailable covers permission denial and device errors.
var ErrCameraUnavailable = errors.New("capture: camera unavailable")

// Stream is a live camera feed owned by exactly one Session.
type Stream interface {
	// Frame returns the current frame. A nil image or one with empty
	// bounds means the stream is not producing frames yet.
	Frame() (image.Image, error)
	Close() error
}

// Camera is anything that can open a stream.
// Later there may be a V4L2 source; for now: mock and directory replay.
type Camera interface {
	Open(ctx context.Context) (Stream, error)
}

// NewMockCamera creates a camera whose frames start dark and get a bright
// insole-shaped patch in the sampled region after warmup.
func NewMockCamera(width, height int, warmup time.Duration) Camera {
	return &mockCamera{width: width, height: height, warmup: warmup}
}

type mockCamera struct {
	width, height int
	warmup        time.Duration
}

func (m *mockCamera) Open(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCameraUnavailable, err)
	}
	return &mockStream{cam: m, start: time.Now()}, nil
}

type mockStream struct {
	cam   *mockCamera
	start time.Time
}

func (s *mockStream) Frame() (image.Image, error) {
	img := image.NewRGBA(image.Rect(0, 0, s.cam.width, s.cam.height))
	dark := color.RGBA{20, 20, 20, 255}
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = dark.R, dark.G, dark.B, dark.A
	}
	if time.Since(s.start) < s.cam.warmup {
		return img, nil
	}

	roi := Region(img.Bounds())
	cx := float64(roi.Min.X+roi.Max.X) / 2
	cy := float64(roi.Min.Y+roi.Max.Y) / 2
	rx := float64(roi.Dx()) / 2
	ry := float64(roi.Dy()) / 2
	for y := roi.Min.Y; y < roi.Max.Y; y++ {
		for x := roi.Min.X; x < roi.Max.X; x++ {
			dx := (float64(x) - cx) / rx
			dy := (float64(y) - cy) / ry
			if dx*dx+dy*dy <= 1 {
				img.Set(x, y, color.RGBA{200, 190, 170, 255})
			}
		}
	}
	return img, nil
}

func (s *mockStream) Close() error { return nil }

// NewDirCamera replays the JPEG and PNG files of dir in name order, one
// per Frame call, holding the last one.
func NewDirCamera(dir string) Camera {
	return &dirCamera{dir: dir}
}

type dirCamera struct {
	dir string
}

func (d *dirCamera) Open(ctx context.Context) (Stream, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCameraUnavailable, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg", ".png":
			files = append(files, filepath.Join(d.dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no frames in %s", ErrCameraUnavailable, d.dir)
	}
	sort.Strings(files)
	return &dirStream{files: files}, nil
}

type dirStream struct {
	mu     sync.Mutex
	files  []string
	next   int
	closed bool
}

func (s *dirStream) Frame() (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("%w: stream closed", ErrCameraUnavailable)
	}
	path := s.files[s.next]
	if s.next < len(s.files)-1 {
		s.next++
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCameraUnavailable, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrCameraUnavailable, path, err)
	}
	return img, nil
}

func (s *dirStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
