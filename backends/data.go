// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import "github.com/gomlx/gopjrt/dtypes"

// Buffer represents device memory holding a flat array of elements of one DType.
//
// It is opaque from the runtime perspective: only the backend that allocated it can use it,
// as kernel argument or in its queues.
type Buffer interface {
	// DType of the elements of the buffer.
	DType() dtypes.DType

	// Len returns the number of elements in the buffer.
	Len() int
}

// DataInterface is the Backend's subinterface that defines the API to allocate and free device buffers.
type DataInterface interface {
	// Alloc returns a new zero-initialized buffer with numElements of the given dtype.
	Alloc(dtype dtypes.DType, numElements int) (Buffer, error)

	// Free allows the client to inform backend that buffer is no longer needed and associated resources can be
	// freed immediately.
	//
	// A freed buffer should never be used again.
	Free(buffer Buffer) error
}
