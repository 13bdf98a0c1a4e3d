// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package canny

import (
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/kernelrt/backends"
	"github.com/gomlx/kernelrt/pkg/core/shapes"
	"github.com/gomlx/kernelrt/pkg/kernel"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Sobel computes on the host the horizontal and vertical gradients and the gradient magnitude (L1 norm) of
// batch images of width x height stored contiguously, x being the fastest axis. Border pixels have 0 gradients.
func Sobel(images []float32, width, height int) (magnitude, dx, dy []float32) {
	magnitude = make([]float32, len(images))
	dx = make([]float32, len(images))
	dy = make([]float32, len(images))
	imageSize := width * height
	for base := 0; base+imageSize <= len(images); base += imageSize {
		at := func(x, y int) float32 { return images[base+x+y*width] }
		for y := 1; y < height-1; y++ {
			for x := 1; x < width-1; x++ {
				gx := at(x+1, y-1) + 2*at(x+1, y) + at(x+1, y+1) - at(x-1, y-1) - 2*at(x-1, y) - at(x-1, y+1)
				gy := at(x-1, y+1) + 2*at(x, y+1) + at(x+1, y+1) - at(x-1, y-1) - 2*at(x, y-1) - at(x+1, y-1)
				idx := base + x + y*width
				dx[idx], dy[idx] = gx, gy
				magnitude[idx] = abs(gx) + abs(gy)
			}
		}
	}
	return
}

// Threshold splits the suppressed magnitudes into strong (>= high * max) and weak (>= low * max, and not strong)
// masks, where max is the largest magnitude. The masks hold 1 for selected pixels and 0 for the others.
func Threshold(suppressed []float32, low, high float32) (strong, weak []float32) {
	var maxValue float32
	for _, v := range suppressed {
		maxValue = max(maxValue, v)
	}
	strong = make([]float32, len(suppressed))
	weak = make([]float32, len(suppressed))
	if maxValue == 0 {
		return
	}
	for ii, v := range suppressed {
		switch {
		case v >= high*maxValue:
			strong[ii] = 1
		case v >= low*maxValue:
			weak[ii] = 1
		}
	}
	return
}

// Detect runs the Canny edge detector on batch grayscale images of width x height, stored contiguously with x
// being the fastest axis. low and high are the hysteresis thresholds, as fractions of the maximum gradient
// magnitude after non-maximum suppression.
//
// Gradients and thresholds are computed on the host, non-maximum suppression and edge tracking on the device.
// It returns the edge map (Strong for edges, NoEdge for the others) and the number of edge tracking rounds.
func (o *Ops) Detect(images []float32, width, height int, low, high float32) (edges []float32, rounds int, err error) {
	if width <= 0 || height <= 0 || len(images) == 0 || len(images)%(width*height) != 0 {
		return nil, 0, errors.Errorf("Detect: %d values is not a whole number of %dx%d images", len(images), width, height)
	}
	if low < 0 || low > high {
		return nil, 0, errors.Errorf("Detect: invalid thresholds low=%g, high=%g", low, high)
	}
	batch := len(images) / (width * height)
	shape := shapes.Make(dtypes.Float32, width, height, batch)
	klog.V(1).Infof("Detect: %d images of %dx%d, %s per device buffer", batch, width, height,
		humanize.Bytes(uint64(shape.Memory())))

	var buffers []backends.Buffer
	defer func() {
		for _, buf := range buffers {
			if freeErr := o.data.Free(buf); freeErr != nil {
				klog.Warningf("Detect: failed to free buffer: %v", freeErr)
			}
		}
	}()
	upload := func(flat []float32) (kernel.Param, error) {
		buf, err := o.data.Alloc(dtypes.Float32, len(flat))
		if err != nil {
			return kernel.Param{}, errors.WithMessagef(err, "Detect: allocating %d values", len(flat))
		}
		buffers = append(buffers, buf)
		if err := o.queue.WriteBuffer(buf, flat); err != nil {
			return kernel.Param{}, err
		}
		return kernel.NewParam(buf, shape)
	}

	magnitude, dx, dy := Sobel(images, width, height)
	zeros := make([]float32, len(images))
	var params [4]kernel.Param
	for ii, flat := range [][]float32{zeros, magnitude, dx, dy} {
		if params[ii], err = upload(flat); err != nil {
			return nil, 0, err
		}
	}
	if err = o.NonMaxSuppression(params[0], params[1], params[2], params[3]); err != nil {
		return nil, 0, err
	}
	suppressed := make([]float32, len(images))
	if err = o.queue.ReadBuffer(params[0].Data, suppressed); err != nil {
		return nil, 0, err
	}

	strongFlat, weakFlat := Threshold(suppressed, low, high)
	strong, err := upload(strongFlat)
	if err != nil {
		return nil, 0, err
	}
	weak, err := upload(weakFlat)
	if err != nil {
		return nil, 0, err
	}
	output, err := upload(zeros)
	if err != nil {
		return nil, 0, err
	}
	if rounds, err = o.EdgeTrackingHysteresis(output, strong, weak); err != nil {
		return nil, rounds, err
	}
	edges = make([]float32, len(images))
	if err = o.queue.ReadBuffer(output.Data, edges); err != nil {
		return nil, rounds, err
	}
	return edges, rounds, nil
}
