// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"reflect"
	"sync/atomic"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/kernelrt/backends"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// Compile-time check:
var _ backends.DataInterface = (*Backend)(nil)

// Buffer for the CPU backend holds a flat Go slice of the buffer DType.
type Buffer struct {
	dtype dtypes.DType
	valid atomic.Bool

	// flat is always a slice of the underlying data type (dtype).
	flat any
}

// SupportedTypesConstraints enumerates the Go types of the buffers of the CPU backend.
type SupportedTypesConstraints interface {
	float16.Float16 | float32 | float64 | int32 | int64 | uint8
}

// SupportedDTypes lists the dtypes that can be allocated with the CPU backend.
var SupportedDTypes = []dtypes.DType{dtypes.Float16, dtypes.Float32, dtypes.Float64, dtypes.Int32, dtypes.Int64, dtypes.Uint8}

// DType of the buffer elements.
func (b *Buffer) DType() dtypes.DType { return b.dtype }

// Len returns the number of elements of the buffer.
func (b *Buffer) Len() int { return reflect.ValueOf(b.flat).Len() }

// Flat returns the flat slice of the buffer.
func (b *Buffer) Flat() any { return b.flat }

// Alloc returns a new zero-initialized buffer with numElements of the given dtype.
func (b *Backend) Alloc(dtype dtypes.DType, numElements int) (backends.Buffer, error) {
	if err := b.checkValid(); err != nil {
		return nil, err
	}
	if numElements <= 0 {
		return nil, errors.Errorf("backend %q: cannot allocate buffer with %d elements", BackendName, numElements)
	}
	var flat any
	switch dtype {
	case dtypes.Float16:
		flat = make([]float16.Float16, numElements)
	case dtypes.Float32:
		flat = make([]float32, numElements)
	case dtypes.Float64:
		flat = make([]float64, numElements)
	case dtypes.Int32:
		flat = make([]int32, numElements)
	case dtypes.Int64:
		flat = make([]int64, numElements)
	case dtypes.Uint8:
		flat = make([]uint8, numElements)
	default:
		return nil, errors.Errorf("backend %q: dtype %s not supported, supported dtypes are %v", BackendName, dtype, SupportedDTypes)
	}
	buf := &Buffer{dtype: dtype, flat: flat}
	buf.valid.Store(true)
	return buf, nil
}

// Free invalidates the buffer. Any later use of it returns an error.
func (b *Backend) Free(buffer backends.Buffer) error {
	buf, err := asBuffer(buffer)
	if err != nil {
		return err
	}
	if !buf.valid.CompareAndSwap(true, false) {
		return errors.Errorf("Free(%p): buffer was already freed", buf)
	}
	return nil
}

// asBuffer casts a backends.Buffer to a valid CPU Buffer.
func asBuffer(buffer backends.Buffer) (*Buffer, error) {
	buf, ok := buffer.(*Buffer)
	if !ok || buf == nil {
		return nil, errors.Errorf("buffer (%T) is not a %q backend buffer", buffer, BackendName)
	}
	if !buf.valid.Load() {
		return nil, errors.Errorf("buffer %p was already freed", buf)
	}
	return buf, nil
}

// Flat returns the flat slice of a CPU buffer passed as a kernel argument.
//
// It panics (with exceptions.Panicf) if the argument is not a valid buffer of the Go type T. Kernel bodies use it
// to access their arguments: the panic is converted to an error by the queue.
func Flat[T SupportedTypesConstraints](arg any) []T {
	buf, ok := arg.(*Buffer)
	if !ok || buf == nil {
		exceptions.Panicf("kernel argument of type %T is not a %q backend buffer", arg, BackendName)
	}
	if !buf.valid.Load() {
		exceptions.Panicf("kernel argument buffer %p was already freed", buf)
	}
	flat, ok := buf.flat.([]T)
	if !ok {
		var t T
		exceptions.Panicf("kernel argument buffer has dtype %s, but kernel expected %T", buf.dtype, t)
	}
	return flat
}

// AtomicAddInt32 atomically adds delta to the element idx of an Int32 buffer argument, and returns the new value.
// Kernel bodies use it for counters and flags written by concurrent work-groups.
func AtomicAddInt32(arg any, idx int, delta int32) int32 {
	flat := Flat[int32](arg)
	return atomic.AddInt32(&flat[idx], delta)
}

// AtomicStoreInt32 atomically stores value in the element idx of an Int32 buffer argument.
func AtomicStoreInt32(arg any, idx int, value int32) {
	flat := Flat[int32](arg)
	atomic.StoreInt32(&flat[idx], value)
}

// writeScalar converts value to the buffer dtype and stores it in its first element.
func (b *Buffer) writeScalar(value any) error {
	var err error
	switch flat := b.flat.(type) {
	case []float16.Float16:
		var v float32
		v, err = convertScalar[float32](value)
		flat[0] = float16.Fromfloat32(v)
	case []float32:
		flat[0], err = convertScalar[float32](value)
	case []float64:
		flat[0], err = convertScalar[float64](value)
	case []int32:
		flat[0], err = convertScalar[int32](value)
	case []int64:
		flat[0], err = convertScalar[int64](value)
	case []uint8:
		flat[0], err = convertScalar[uint8](value)
	default:
		err = errors.Errorf("buffer of dtype %s doesn't support scalar writes", b.dtype)
	}
	return err
}

// readScalar returns the first element of the buffer.
func (b *Buffer) readScalar() any {
	return reflect.ValueOf(b.flat).Index(0).Interface()
}

// convertScalar converts a Go numeric value (or float16.Float16) to T.
func convertScalar[T constraints.Integer | constraints.Float](value any) (T, error) {
	switch v := value.(type) {
	case T:
		return v, nil
	case int:
		return T(v), nil
	case int8:
		return T(v), nil
	case int16:
		return T(v), nil
	case int32:
		return T(v), nil
	case int64:
		return T(v), nil
	case uint:
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
	case float16.Float16:
		return T(v.Float32()), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	default:
		var t T
		return t, errors.Errorf("scalar value of type %T cannot be converted to %T", value, t)
	}
}

// copyFlat copies between flat slices of the same underlying type.
func copyFlat(buf *Buffer, flat any, toBuffer bool) error {
	flatValue := reflect.ValueOf(flat)
	if flatValue.Kind() != reflect.Slice || flatValue.Type().Elem() != reflect.TypeOf(buf.flat).Elem() {
		return errors.Errorf("flat data of type %T doesn't match buffer dtype %s", flat, buf.dtype)
	}
	bufValue := reflect.ValueOf(buf.flat)
	if flatValue.Len() != bufValue.Len() {
		return errors.Errorf("flat data has %d elements, but buffer has %d", flatValue.Len(), bufValue.Len())
	}
	if toBuffer {
		reflect.Copy(bufValue, flatValue)
	} else {
		reflect.Copy(flatValue, bufValue)
	}
	return nil
}
