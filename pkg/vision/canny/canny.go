// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package canny implements the device side of the Canny edge detector: non-maximum suppression and
// hysteresis edge tracking.
//
// Operands are image-like kernel.Param with dims [width, height, batch2, batch3]. All launches use tiles of
// ThreadsX x ThreadsY work-items over the interior of each image (border pixels are left untouched), and
// process all batch slices in one launch.
//
// Importing this package also registers the Go implementations of its kernels with the CPU backend.
package canny

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/kernelrt/backends"
	"github.com/gomlx/kernelrt/pkg/kernel"
	"github.com/pkg/errors"
)

// Tile sizes of all kernels.
const (
	ThreadsX = 16
	ThreadsY = 16
)

// Kernel names, as declared in the sources.
const (
	NonMaxSuppressionKernel = "nonMaxSuppressionKernel"
	InitEdgeOutKernel       = "initEdgeOutKernel"
	EdgeTrackKernel         = "edgeTrackKernel"
	SuppressLeftOverKernel  = "suppressLeftOverKernel"
)

// Pixel classes of the edge tracking output.
const (
	NoEdge = 0
	Strong = 1
	Weak   = 2
)

// Ops launches the edge detection kernels on a queue, compiling them through a shared cache.
//
// An Ops is bound to one queue, and shouldn't be used concurrently. Create one Ops per queue to run
// concurrently: they can share the same cache.
type Ops struct {
	data          backends.DataInterface
	cache         *kernel.Cache
	queue         backends.Queue
	maxIterations int
	roundHook     kernel.RoundHook
}

// New returns the Ops that allocate temporary buffers with data (usually the backend), compile with cache
// and launch on queue.
func New(data backends.DataInterface, cache *kernel.Cache, queue backends.Queue) *Ops {
	return &Ops{
		data:          data,
		cache:         cache,
		queue:         queue,
		maxIterations: kernel.DefaultMaxIterations,
	}
}

// WithMaxIterations limits the number of edge tracking rounds, see kernel.Driver.WithMaxIterations.
// It returns the Ops itself, so calls can be cascaded.
func (o *Ops) WithMaxIterations(maxIterations int) *Ops {
	o.maxIterations = maxIterations
	return o
}

// WithRoundHook sets a function called after every edge tracking round.
// It returns the Ops itself, so calls can be cascaded.
func (o *Ops) WithRoundHook(hook kernel.RoundHook) *Ops {
	o.roundHook = hook
	return o
}

// Queue used by the Ops.
func (o *Ops) Queue() backends.Queue { return o.queue }

// resolve returns the kernel name for dtype, with the definitions shared by all kernels plus the given ones.
func (o *Ops) resolve(name string, source string, dtype dtypes.DType, defines ...kernel.Define) (*kernel.Kernel, error) {
	typename := kernel.TemplateTypename(dtype)
	all := make([]kernel.Define, 0, len(defines)+2)
	all = append(all, kernel.DefineKeyValue("T", typename))
	all = append(all, defines...)
	all = append(all, kernel.TypeDefinitions(dtype)...)
	key := kernel.NewKey(name, []string{typename}, kernel.Definitions(all...))
	return o.cache.Resolve(key, source)
}

// checkOperands verifies that the operands are float images of the same dtype and dimensions.
func checkOperands(op string, params ...kernel.Param) (dtypes.DType, error) {
	first := params[0]
	if first.Data == nil {
		return dtypes.InvalidDType, errors.Errorf("%s: nil operand buffer", op)
	}
	dtype := first.Data.DType()
	if dtype != dtypes.Float32 && dtype != dtypes.Float64 {
		return dtypes.InvalidDType, errors.Errorf("%s: dtype %s not supported, only Float32 and Float64", op, dtype)
	}
	for ii, p := range params[1:] {
		if p.Data == nil {
			return dtypes.InvalidDType, errors.Errorf("%s: nil buffer for operand #%d", op, ii+1)
		}
		if !p.Shape().Equal(first.Shape()) {
			return dtypes.InvalidDType, errors.Errorf("%s: operand #%d (%s) doesn't match operand #0 (%s)",
				op, ii+1, p.Shape(), first.Shape())
		}
	}
	return dtype, nil
}

// NonMaxSuppression writes to output the gradient magnitude of the pixels that are a local maximum along the
// gradient direction (given by dx and dy), and 0 for the others.
func (o *Ops) NonMaxSuppression(output, magnitude, dx, dy kernel.Param) error {
	dtype, err := checkOperands("NonMaxSuppression", output, magnitude, dx, dy)
	if err != nil {
		return err
	}
	k, err := o.resolve(NonMaxSuppressionKernel, nonMaxSuppressionSource, dtype,
		kernel.DefineKeyValue("SHRD_MEM_HEIGHT", ThreadsX+2),
		kernel.DefineKeyValue("SHRD_MEM_WIDTH", ThreadsY+2))
	if err != nil {
		return err
	}
	tiling := kernel.TiledGeometry(magnitude.Info.Dims, ThreadsX, ThreadsY)
	if tiling.Empty() {
		return nil
	}
	if err := k.Launch(o.queue, tiling.Global, tiling.Local, output, magnitude, dx, dy,
		int32(tiling.BlocksX), int32(tiling.BlocksY)); err != nil {
		return err
	}
	return kernel.DebugFinish(o.queue)
}

// InitEdgeOut classifies the interior pixels of output as Strong, Weak or NoEdge, from the strong and weak masks.
func (o *Ops) InitEdgeOut(output, strong, weak kernel.Param) error {
	dtype, err := checkOperands("InitEdgeOut", output, strong, weak)
	if err != nil {
		return err
	}
	k, err := o.resolve(InitEdgeOutKernel, traceEdgeSource, dtype, kernel.DefineKey("INIT_EDGE_OUT"))
	if err != nil {
		return err
	}
	tiling := kernel.TiledGeometry(strong.Info.Dims, ThreadsX, ThreadsY)
	if tiling.Empty() {
		return nil
	}
	if err := k.Launch(o.queue, tiling.Global, tiling.Local, output, strong, weak,
		int32(tiling.BlocksX), int32(tiling.BlocksY)); err != nil {
		return err
	}
	return kernel.DebugFinish(o.queue)
}

// SuppressLeftOver turns the remaining Weak pixels of output into NoEdge.
func (o *Ops) SuppressLeftOver(output kernel.Param) error {
	dtype, err := checkOperands("SuppressLeftOver", output)
	if err != nil {
		return err
	}
	k, err := o.resolve(SuppressLeftOverKernel, traceEdgeSource, dtype, kernel.DefineKey("SUPPRESS_LEFT_OVER"))
	if err != nil {
		return err
	}
	tiling := kernel.TiledGeometry(output.Info.Dims, ThreadsX, ThreadsY)
	if tiling.Empty() {
		return nil
	}
	if err := k.Launch(o.queue, tiling.Global, tiling.Local, output,
		int32(tiling.BlocksX), int32(tiling.BlocksY)); err != nil {
		return err
	}
	return kernel.DebugFinish(o.queue)
}

// EdgeTrackingHysteresis classifies the pixels of output into edges (Strong) and NoEdge: strong pixels are edges,
// and weak pixels are edges if they are connected to a strong pixel through other weak pixels.
//
// It runs InitEdgeOut, then launches the edge tracking kernel until it reports no more changes, and finally
// SuppressLeftOver. It returns the number of edge tracking rounds.
//
// If it fails, the contents of output are undefined.
func (o *Ops) EdgeTrackingHysteresis(output, strong, weak kernel.Param) (rounds int, err error) {
	dtype, err := checkOperands("EdgeTrackingHysteresis", output, strong, weak)
	if err != nil {
		return 0, err
	}
	k, err := o.resolve(EdgeTrackKernel, traceEdgeSource, dtype,
		kernel.DefineKey("EDGE_TRACER"),
		kernel.DefineKeyValue("SHRD_MEM_HEIGHT", ThreadsX+2),
		kernel.DefineKeyValue("SHRD_MEM_WIDTH", ThreadsY+2),
		kernel.DefineKeyValue("TOTAL_NUM_THREADS", ThreadsX*ThreadsY))
	if err != nil {
		return 0, err
	}
	tiling := kernel.TiledGeometry(weak.Info.Dims, ThreadsX, ThreadsY)
	if tiling.Empty() {
		return 0, nil
	}
	driver := kernel.NewDriver(o.data, o.queue).
		WithMaxIterations(o.maxIterations).
		WithRoundHook(o.roundHook)
	result, err := driver.Run(kernel.IterativeLaunch{
		Init: func(_ backends.Queue) error {
			return o.InitEdgeOut(output, strong, weak)
		},
		Iterate: func(queue backends.Queue, progress backends.Buffer) error {
			return k.Launch(queue, tiling.Global, tiling.Local, output,
				int32(tiling.BlocksX), int32(tiling.BlocksY), progress)
		},
		Cleanup: func(_ backends.Queue) error {
			return o.SuppressLeftOver(output)
		},
	})
	return result.Rounds, err
}
