// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape, the operand metadata consumed by the kernel runtime.
//
// Shape represents the element type (DType) and the dimensions of a device buffer. The kernel
// runtime follows the column-major, up-to-4 axes convention of device kernels: axis 0 is the
// fastest varying (the image width), axis 1 the height, and axes 2 and 3 are batch axes.
//
// ## Glossary
//
//   - Rank: number of axes (dimensions) of a buffer.
//   - Axis: the index of a dimension.
//   - Dimension: the size of a buffer in one of its axes.
//   - DType: the data type of the unit element. Enumeration defined in github.com/gomlx/gopjrt/dtypes.
//
// Example: a batch of 3 grayscale images of width 640 and height 480 has shape
// `shapes.Make(dtypes.Float32, 640, 480, 3)`.
package shapes

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// MaxRank is the maximum number of axes supported by kernel dimension metadata.
const MaxRank = 4

// Shape represents the shape of a buffer: its element DType and dimensions.
//
// Use Make to create a new shape.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// Make returns a Shape structure filled with the values given.
//
// It panics if any of the dimensions is <= 0.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{Dimensions: slices.Clone(dimensions), DType: dtype}
	for _, dim := range dimensions {
		if dim <= 0 {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with an axis with dimension <= 0", s)
		}
	}
	return s
}

// Ok returns whether this is a valid Shape. A "zero" shape, that is just instantiating it with Shape{} will be invalid.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank of the shape, that is, the number of dimensions.
func (s Shape) Rank() int { return len(s.Dimensions) }

// String implements stringer, pretty-prints the shape.
func (s Shape) String() string {
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	return fmt.Sprintf("(%s)%v", s.DType, s.Dimensions)
}

// Size returns the number of elements of DType are needed for this shape. It's the product of all dimensions.
func (s Shape) Size() (size int) {
	size = 1
	for _, d := range s.Dimensions {
		size *= d
	}
	return
}

// Memory returns the memory used to store an array of the given shape, the same as the size in bytes.
func (s Shape) Memory() uintptr {
	return s.DType.Memory() * uintptr(s.Size())
}

// Equal compares two shapes for equality: dtype and dimensions are compared.
func (s Shape) Equal(s2 Shape) bool {
	return s.DType == s2.DType && slices.Equal(s.Dimensions, s2.Dimensions)
}

// Dims4 returns the dimensions padded with 1s up to MaxRank axes, the layout expected by
// kernel dimension metadata. It returns an error if the rank is larger than MaxRank.
func (s Shape) Dims4() (dims [MaxRank]int, err error) {
	if s.Rank() > MaxRank {
		return dims, errors.Errorf("shape %s has rank %d, kernels support at most %d axes", s, s.Rank(), MaxRank)
	}
	for axis := range dims {
		dims[axis] = 1
		if axis < s.Rank() {
			dims[axis] = s.Dimensions[axis]
		}
	}
	return dims, nil
}

// Strides4 returns the element strides of a dense buffer with dimensions dims, axis 0 being contiguous.
func Strides4(dims [MaxRank]int) (strides [MaxRank]int) {
	stride := 1
	for axis := range dims {
		strides[axis] = stride
		stride *= dims[axis]
	}
	return
}
