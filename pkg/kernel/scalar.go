// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"github.com/gomlx/kernelrt/backends"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// Scalar are the host types that can be written to and read from device-resident scalars.
type Scalar interface {
	constraints.Integer | constraints.Float
}

// SetScalar enqueues a write of value into the first element of buffer. It's typically used to reset a
// device-resident control value (like a progress flag) before a launch.
//
// It doesn't block, the write is ordered with the other commands of the queue.
func SetScalar[T Scalar](queue backends.Queue, buffer backends.Buffer, value T) error {
	if err := queue.WriteScalar(buffer, value); err != nil {
		return newLaunchError("<set-scalar>", err)
	}
	return nil
}

// GetScalar reads back the first element of buffer to the host.
//
// It is a synchronization point: it waits for all work previously enqueued on queue. Any failure,
// including errors of previously enqueued launches, is returned as a *ReadBackError.
func GetScalar[T Scalar](queue backends.Queue, buffer backends.Buffer) (T, error) {
	var zero T
	value, err := queue.ReadScalar(buffer)
	if err != nil {
		return zero, newReadBackError(err)
	}
	switch v := value.(type) {
	case T:
		return v, nil
	case int8:
		return T(v), nil
	case int16:
		return T(v), nil
	case int32:
		return T(v), nil
	case int64:
		return T(v), nil
	case uint8:
		return T(v), nil
	case uint16:
		return T(v), nil
	case uint32:
		return T(v), nil
	case uint64:
		return T(v), nil
	case float32:
		return T(v), nil
	case float64:
		return T(v), nil
	default:
		return zero, newReadBackError(errors.Errorf("read-back value of type %T cannot be converted to %T", value, zero))
	}
}
