// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

// Queue is a device command queue (or stream).
//
// Commands enqueued on the same Queue execute in enqueue order. Enqueue and WriteScalar/WriteBuffer
// don't block (backends without asynchronous execution may run them inline, which doesn't change
// the contract). ReadScalar, ReadBuffer and Finish are synchronization points: they wait for all
// previously enqueued work.
//
// Errors happening during asynchronous execution are reported by the next synchronization point.
type Queue interface {
	// Enqueue a launch of program over the global range, partitioned in work-groups of local range.
	// args are bound positionally to the kernel parameters.
	Enqueue(program Program, global, local [3]int, args []any) error

	// WriteScalar enqueues a write of value to the first element of buffer.
	// value is converted to the buffer DType.
	WriteScalar(buffer Buffer, value any) error

	// ReadScalar waits for all enqueued work and returns the first element of buffer,
	// in the Go type corresponding to the buffer DType.
	ReadScalar(buffer Buffer) (any, error)

	// WriteBuffer enqueues a copy of the flat slice to buffer. The slice must match the buffer DType and length,
	// and must not be modified until the copy executes (or after the next Finish).
	WriteBuffer(buffer Buffer, flat any) error

	// ReadBuffer waits for all enqueued work and copies buffer to the flat slice,
	// which must match the buffer DType and length.
	ReadBuffer(buffer Buffer, flat any) error

	// Finish waits for all enqueued work to complete.
	Finish() error

	// Finalize waits for pending work and releases the queue.
	Finalize()
}
