// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package kernel implements the kernel compilation cache and the launch orchestration on top of a backend.
//
// A kernel variant is identified by a Key: the kernel name, its stringified template arguments and its
// compile definitions, all order-sensitive. A Cache compiles each distinct Key at most once, even under
// concurrent demand, and hands out the shared *Kernel afterwards:
//
//	cache := kernel.NewCache(backend)
//	key := kernel.NewKey("edgeTrackKernel",
//		[]string{kernel.TemplateTypename(dtypes.Float32)},
//		kernel.Definitions(
//			kernel.DefineKeyValue("T", kernel.TemplateTypename(dtypes.Float32)),
//			kernel.DefineKey("EDGE_TRACER"),
//		))
//	edgeTrack, err := cache.Resolve(key, edgeTrackSource)
//
// The *Kernel is then launched on a queue with a geometry, usually derived with TiledGeometry. Kernels that
// need host/device round trips until convergence are driven by a Driver, which polls a device-resident
// progress flag after each launch.
package kernel
