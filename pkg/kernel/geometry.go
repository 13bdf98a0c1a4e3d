// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"github.com/gomlx/kernelrt/pkg/core/shapes"
	"github.com/pkg/errors"
)

// Range is a 3-dimensional extent of work items.
type Range = [3]int

// DivUp returns the ceiling of a/b, for b > 0. It returns 0 for a <= 0.
func DivUp(a, b int) int {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// ValidateGeometry checks that all extents are positive and that local divides global on every axis.
func ValidateGeometry(global, local Range) error {
	for axis := range global {
		if global[axis] <= 0 || local[axis] <= 0 {
			return errors.Errorf("invalid launch geometry global=%v local=%v: extents must be > 0", global, local)
		}
		if global[axis]%local[axis] != 0 {
			return errors.Errorf("invalid launch geometry global=%v local=%v: local extent doesn't divide global extent on axis %d",
				global, local, axis)
		}
	}
	return nil
}

// Tiling is the launch geometry of a 2D tiled kernel over a batched image-like operand.
type Tiling struct {
	// BlocksX, BlocksY are the number of tiles needed to cover the interior of one batch slice.
	BlocksX, BlocksY int

	// Global and Local are the launch extents.
	Global, Local Range
}

// TiledGeometry derives the geometry of a 2D kernel with a one pixel halo border, processing all batch slices
// in one launch:
//
//	BlocksX = DivUp(dims[0]-2, threadsX), BlocksY = DivUp(dims[1]-2, threadsY)
//	Global  = (BlocksX*dims[2]*threadsX, BlocksY*dims[3]*threadsY, 1)
//	Local   = (threadsX, threadsY, 1)
//
// Border pixels are left to the kernel body: the geometry only covers the interior of every slice.
// Kernels recover the batch index of a work-group as groupID[0]/BlocksX (and groupID[1]/BlocksY).
func TiledGeometry(dims [shapes.MaxRank]int, threadsX, threadsY int) Tiling {
	t := Tiling{
		BlocksX: DivUp(dims[0]-2, threadsX),
		BlocksY: DivUp(dims[1]-2, threadsY),
		Local:   Range{threadsX, threadsY, 1},
	}
	t.Global = Range{t.BlocksX * dims[2] * threadsX, t.BlocksY * dims[3] * threadsY, 1}
	return t
}

// Empty returns whether there is no interior to process, in which case no launch should be made.
func (t Tiling) Empty() bool {
	return t.Global[0] == 0 || t.Global[1] == 0
}
