// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package canny

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/kernelrt/backends/cpu"
	"github.com/gomlx/kernelrt/pkg/kernel"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// Registers the Go implementations of the kernels with the CPU backend.
func init() {
	cpu.RegisterKernel(NonMaxSuppressionKernel,
		newFactory([]string{"SHRD_MEM_HEIGHT", "SHRD_MEM_WIDTH"}, nonMaxSuppression[float32], nonMaxSuppression[float64]))
	cpu.RegisterKernel(InitEdgeOutKernel,
		newFactory([]string{"INIT_EDGE_OUT"}, initEdgeOut[float32], initEdgeOut[float64]))
	// Work-groups read the halo written by neighbouring work-groups: they must not run concurrently.
	cpu.RegisterKernel(EdgeTrackKernel,
		newFactory([]string{"EDGE_TRACER", "SHRD_MEM_HEIGHT", "SHRD_MEM_WIDTH", "TOTAL_NUM_THREADS"},
			edgeTrack[float32], edgeTrack[float64]),
		cpu.Serial())
	cpu.RegisterKernel(SuppressLeftOverKernel,
		newFactory([]string{"SUPPRESS_LEFT_OVER"}, suppressLeftOver[float32], suppressLeftOver[float64]))
}

// bodyBuilder instantiates a kernel body from the definitions of the variant.
type bodyBuilder func(defs cpu.Definitions) cpu.Body

// newFactory returns the cpu.Factory of a kernel templated on its float element type, that requires the given
// definitions.
func newFactory(required []string, f32, f64 bodyBuilder) cpu.Factory {
	return func(templateArgs []string, defs cpu.Definitions) (cpu.Body, error) {
		if len(templateArgs) != 1 {
			return nil, errors.Errorf("expected 1 template argument (the element type), got %q", templateArgs)
		}
		typename := templateArgs[0]
		if value, found := defs["T"]; !found || value != typename {
			return nil, errors.Errorf("definition T=%q doesn't match the template argument %q", value, typename)
		}
		for _, name := range required {
			if !defs.Has(name) {
				return nil, errors.Errorf("missing definition %q, required definitions are %q", name, required)
			}
		}
		dtype, err := cpu.DTypeFromTypename(typename)
		if err != nil {
			return nil, err
		}
		switch dtype {
		case dtypes.Float32:
			return f32(defs), nil
		case dtypes.Float64:
			return f64(defs), nil
		default:
			return nil, errors.Errorf("element type %s not supported, only float and double", dtype)
		}
	}
}

// infoArg returns the kernel.ParamInfo argument at position idx.
func infoArg(args []any, idx int) kernel.ParamInfo {
	if idx >= len(args) {
		exceptions.Panicf("missing kernel argument #%d, got only %d arguments", idx, len(args))
	}
	info, ok := args[idx].(kernel.ParamInfo)
	if !ok {
		exceptions.Panicf("kernel argument #%d should be a kernel.ParamInfo, got %T", idx, args[idx])
	}
	return info
}

// intArg returns the int32 argument at position idx.
func intArg(args []any, idx int) int {
	if idx >= len(args) {
		exceptions.Panicf("missing kernel argument #%d, got only %d arguments", idx, len(args))
	}
	value, ok := args[idx].(int32)
	if !ok {
		exceptions.Panicf("kernel argument #%d should be an int32, got %T", idx, args[idx])
	}
	return int(value)
}

// tile is the position of a work-group over a batched image.
type tile struct {
	// b2, b3 are the batch indices.
	b2, b3 int

	// x0, y0 is the first pixel of the tile.
	x0, y0 int

	width, height int
}

// tileOf returns the tile processed by group, for a launch with blkX x blkY tiles per image.
func tileOf(group cpu.WorkGroup, blkX, blkY int) tile {
	t := tile{b2: group.ID[0] / blkX, b3: group.ID[1] / blkY, width: group.Size[0], height: group.Size[1]}
	t.x0 = (group.ID[0]-t.b2*blkX)*group.Size[0] + 1
	t.y0 = (group.ID[1]-t.b3*blkY)*group.Size[1] + 1
	return t
}

// forEachPixel calls fn for the pixels of the tile that are in the interior of the image.
// (lx, ly) are the local coordinates in the tile.
func (t tile) forEachPixel(dims [4]int, fn func(x, y, lx, ly int)) {
	for ly := range t.height {
		y := t.y0 + ly
		if y >= dims[1]-1 {
			break
		}
		for lx := range t.width {
			x := t.x0 + lx
			if x >= dims[0]-1 {
				break
			}
			fn(x, y, lx, ly)
		}
	}
}

// index of pixel (x, y) of the tile batch slice.
func (t tile) index(info kernel.ParamInfo, x, y int) int {
	return info.Offset + x*info.Strides[0] + y*info.Strides[1] + t.b2*info.Strides[2] + t.b3*info.Strides[3]
}

const (
	tan22_5 = 0.41421356
	tan67_5 = 2.41421356
)

func abs[T constraints.Float](v T) T {
	if v < 0 {
		return -v
	}
	return v
}

// nonMaxSuppression arguments: output, outInfo, magnitude, magInfo, dx, dxInfo, dy, dyInfo, blkX, blkY.
func nonMaxSuppression[T constraints.Float](_ cpu.Definitions) cpu.Body {
	return func(group cpu.WorkGroup, args []any) {
		output, oInfo := cpu.Flat[T](args[0]), infoArg(args, 1)
		magnitude, mInfo := cpu.Flat[T](args[2]), infoArg(args, 3)
		dx, xInfo := cpu.Flat[T](args[4]), infoArg(args, 5)
		dy, yInfo := cpu.Flat[T](args[6]), infoArg(args, 7)
		t := tileOf(group, intArg(args, 8), intArg(args, 9))
		mag := func(x, y int) T { return magnitude[t.index(mInfo, x, y)] }
		t.forEachPixel(mInfo.Dims, func(x, y, _, _ int) {
			m := mag(x, y)
			gradX, gradY := dx[t.index(xInfo, x, y)], dy[t.index(yInfo, x, y)]
			ax, ay := abs(gradX), abs(gradY)
			var n1, n2 T
			switch {
			case ay <= ax*tan22_5:
				n1, n2 = mag(x-1, y), mag(x+1, y)
			case ay > ax*tan67_5:
				n1, n2 = mag(x, y-1), mag(x, y+1)
			case gradX*gradY > 0:
				n1, n2 = mag(x-1, y-1), mag(x+1, y+1)
			default:
				n1, n2 = mag(x-1, y+1), mag(x+1, y-1)
			}
			var value T
			if m > 0 && m >= n1 && m >= n2 {
				value = m
			}
			output[t.index(oInfo, x, y)] = value
		})
	}
}

// initEdgeOut arguments: output, outInfo, strong, strongInfo, weak, weakInfo, blkX, blkY.
func initEdgeOut[T constraints.Float](_ cpu.Definitions) cpu.Body {
	return func(group cpu.WorkGroup, args []any) {
		output, oInfo := cpu.Flat[T](args[0]), infoArg(args, 1)
		strong, sInfo := cpu.Flat[T](args[2]), infoArg(args, 3)
		weak, wInfo := cpu.Flat[T](args[4]), infoArg(args, 5)
		t := tileOf(group, intArg(args, 6), intArg(args, 7))
		t.forEachPixel(oInfo.Dims, func(x, y, _, _ int) {
			value := T(NoEdge)
			if strong[t.index(sInfo, x, y)] > 0 {
				value = Strong
			} else if weak[t.index(wInfo, x, y)] > 0 {
				value = Weak
			}
			output[t.index(oInfo, x, y)] = value
		})
	}
}

// edgeTrack arguments: output, outInfo, blkX, blkY, progress flag.
//
// Each work-group copies its tile plus a one pixel halo to local memory, and promotes weak pixels next to
// strong ones until the tile is stable. The flag is set if any pixel of the tile was promoted.
func edgeTrack[T constraints.Float](defs cpu.Definitions) cpu.Body {
	shrdHeight := defs.Int("SHRD_MEM_HEIGHT", 0)
	shrdWidth := defs.Int("SHRD_MEM_WIDTH", 0)
	totalThreads := defs.Int("TOTAL_NUM_THREADS", 0)
	return func(group cpu.WorkGroup, args []any) {
		output, oInfo := cpu.Flat[T](args[0]), infoArg(args, 1)
		t := tileOf(group, intArg(args, 2), intArg(args, 3))
		flag := args[4]
		if t.width*t.height != totalThreads || t.width+2 > shrdWidth || t.height+2 > shrdHeight {
			exceptions.Panicf("work-group size %dx%d doesn't match TOTAL_NUM_THREADS=%d, SHRD_MEM_WIDTH=%d and SHRD_MEM_HEIGHT=%d",
				t.width, t.height, totalThreads, shrdWidth, shrdHeight)
		}

		// Load tile and halo, clamped to the image.
		dims := oInfo.Dims
		shrdMem := make([]T, shrdHeight*shrdWidth)
		for b := range t.height + 2 {
			y := min(t.y0-1+b, dims[1]-1)
			for a := range t.width + 2 {
				x := min(t.x0-1+a, dims[0]-1)
				shrdMem[b*shrdWidth+a] = output[t.index(oInfo, x, y)]
			}
		}

		changed := false
		for {
			promoted := false
			t.forEachPixel(dims, func(_, _, lx, ly int) {
				center := (ly+1)*shrdWidth + lx + 1
				if shrdMem[center] != Weak {
					return
				}
				for b := -1; b <= 1; b++ {
					row := center + b*shrdWidth
					if slices.Contains(shrdMem[row-1:row+2], Strong) {
						shrdMem[center] = Strong
						promoted = true
						return
					}
				}
			})
			if !promoted {
				break
			}
			changed = true
		}
		if !changed {
			return
		}
		t.forEachPixel(dims, func(x, y, lx, ly int) {
			output[t.index(oInfo, x, y)] = shrdMem[(ly+1)*shrdWidth+lx+1]
		})
		cpu.AtomicStoreInt32(flag, 0, 1)
	}
}

// suppressLeftOver arguments: output, outInfo, blkX, blkY.
func suppressLeftOver[T constraints.Float](_ cpu.Definitions) cpu.Body {
	return func(group cpu.WorkGroup, args []any) {
		output, oInfo := cpu.Flat[T](args[0]), infoArg(args, 1)
		t := tileOf(group, intArg(args, 2), intArg(args, 3))
		t.forEachPixel(oInfo.Dims, func(x, y, _, _ int) {
			idx := t.index(oInfo, x, y)
			if output[idx] == Weak {
				output[idx] = NoEdge
			}
		})
	}
}
