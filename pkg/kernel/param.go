// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"github.com/gomlx/kernelrt/backends"
	"github.com/gomlx/kernelrt/pkg/core/shapes"
	"github.com/pkg/errors"
)

// ParamInfo is the dimension metadata passed to kernels along with each buffer.
// Dimensions beyond the rank of the operand are 1.
type ParamInfo struct {
	Dims    [shapes.MaxRank]int
	Strides [shapes.MaxRank]int
	Offset  int
}

// Param is a kernel operand: a buffer and its dimension metadata.
// When passed to Kernel.Launch it's bound as two positional arguments, the buffer and the ParamInfo.
type Param struct {
	Data backends.Buffer
	Info ParamInfo
}

// NewParam returns the Param for a dense buffer with the given shape.
// It fails if the buffer dtype or length don't match the shape, or if the rank is larger than shapes.MaxRank.
func NewParam(buffer backends.Buffer, shape shapes.Shape) (Param, error) {
	if !shape.Ok() {
		return Param{}, errors.Errorf("invalid operand shape %s", shape)
	}
	if buffer == nil {
		return Param{}, errors.Errorf("nil buffer for operand of shape %s", shape)
	}
	if buffer.DType() != shape.DType || buffer.Len() != shape.Size() {
		return Param{}, errors.Errorf("buffer (%s, %d elements) doesn't match operand shape %s",
			buffer.DType(), buffer.Len(), shape)
	}
	dims, err := shape.Dims4()
	if err != nil {
		return Param{}, err
	}
	return Param{Data: buffer, Info: ParamInfo{Dims: dims, Strides: shapes.Strides4(dims)}}, nil
}

// Shape returns the shape described by the param dimensions, with the trailing axes of dimension 1 removed.
func (p Param) Shape() shapes.Shape {
	rank := shapes.MaxRank
	for rank > 1 && p.Info.Dims[rank-1] == 1 {
		rank--
	}
	return shapes.Make(p.Data.DType(), p.Info.Dims[:rank]...)
}
