// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package canny

import (
	_ "embed"
)

var (
	//go:embed kernels/nonmax_suppression.cl
	nonMaxSuppressionSource string

	//go:embed kernels/trace_edge.cl
	traceEdgeSource string

	//go:embed kernels/nonmax_suppression.wgsl
	nonMaxSuppressionWGSL string

	//go:embed kernels/trace_edge.wgsl
	traceEdgeWGSL string
)

// KernelSource is the source of one of the kernels of the package.
type KernelSource struct {
	// Name of the kernel entry point.
	Name string

	// Source of the program that declares the kernel.
	Source string
}

// Sources returns the kernel sources used by Ops, in the OpenCL C dialect.
func Sources() []KernelSource {
	return []KernelSource{
		{NonMaxSuppressionKernel, nonMaxSuppressionSource},
		{InitEdgeOutKernel, traceEdgeSource},
		{EdgeTrackKernel, traceEdgeSource},
		{SuppressLeftOverKernel, traceEdgeSource},
	}
}

// WGSLSources returns the WGSL versions of the kernels, for the WGSL compiler (see package backends/wgsl).
func WGSLSources() []KernelSource {
	return []KernelSource{
		{NonMaxSuppressionKernel, nonMaxSuppressionWGSL},
		{InitEdgeOutKernel, traceEdgeWGSL},
		{EdgeTrackKernel, traceEdgeWGSL},
		{SuppressLeftOverKernel, traceEdgeWGSL},
	}
}
