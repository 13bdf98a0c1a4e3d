// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/kernelrt/backends"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)

	// fillKernel writes VALUE (default 1) to every element of its first argument, one work-item per element.
	RegisterKernel("fillKernel", func(templateArgs []string, defs Definitions) (Body, error) {
		if len(templateArgs) != 1 {
			return nil, errors.Errorf("fillKernel takes 1 template argument, got %d", len(templateArgs))
		}
		dtype, err := DTypeFromTypename(templateArgs[0])
		if err != nil {
			return nil, err
		}
		value := defs.Int("VALUE", 1)
		switch dtype {
		case dtypes.Float32:
			return fillBody[float32](float32(value)), nil
		case dtypes.Int32:
			return fillBody[int32](int32(value)), nil
		default:
			return nil, errors.Errorf("fillKernel doesn't support %s", dtype)
		}
	})

	// countGroupsKernel atomically counts the work-groups executed.
	RegisterKernel("countGroupsKernel", func(_ []string, _ Definitions) (Body, error) {
		return func(group WorkGroup, args []any) {
			AtomicAddInt32(args[0], 0, 1)
		}, nil
	})

	// orderKernel appends the linear work-group id to a shared slice: only safe because it's Serial.
	RegisterKernel("orderKernel", func(_ []string, _ Definitions) (Body, error) {
		return func(group WorkGroup, args []any) {
			order := args[0].(*[]int)
			*order = append(*order, group.ID[0]+group.ID[1]*group.NumGroups[0])
		}, nil
	}, Serial())

	// panicKernel fails in work-group 1.
	RegisterKernel("panicKernel", func(_ []string, _ Definitions) (Body, error) {
		return func(group WorkGroup, args []any) {
			if group.ID[0] == 1 {
				exceptions.Panicf("bad things in group %d", group.ID[0])
			}
		}, nil
	})
}

func fillBody[T float32 | int32](value T) Body {
	return func(group WorkGroup, args []any) {
		flat := Flat[T](args[0])
		for local := range group.Size[0] {
			idx := group.ID[0]*group.Size[0] + local
			if idx < len(flat) {
				flat[idx] = value
			}
		}
	}
}

const testSources = `
kernel void fillKernel(global T *out) {}
kernel void countGroupsKernel(global int *counter) {}
kernel void orderKernel() {}
kernel void panicKernel() {}
kernel void unregisteredKernel() {}
`

func compile(t *testing.T, b *Backend, name string, templateArgs []string, defs ...string) backends.Program {
	program, err := b.Compile(backends.CompileRequest{
		Name: name, Sources: []string{testSources}, TemplateArgs: templateArgs, Definitions: defs})
	require.NoError(t, err)
	return program
}

func TestNew(t *testing.T) {
	b, err := New("")
	require.NoError(t, err)
	assert.False(t, b.sync)
	assert.Equal(t, "cpu", b.String())

	b, err = New("sync, workers=3")
	require.NoError(t, err)
	assert.True(t, b.sync)
	assert.Equal(t, 3, b.workers.MaxParallelism())
	assert.Contains(t, b.Description(), "synchronous")

	_, err = New("workers=many")
	require.Error(t, err)
	_, err = New("turbo")
	require.Error(t, err)

	backend, err := backends.NewWithConfig("cpu:workers=-1")
	require.NoError(t, err)
	assert.True(t, backend.(*Backend).workers.IsUnlimited())
	backend.Finalize()
	_, err = backend.NewQueue()
	require.Error(t, err)
}

func TestBuffers(t *testing.T) {
	b := must.M1(New(""))
	for _, dtype := range SupportedDTypes {
		buf, err := b.Alloc(dtype, 3)
		require.NoError(t, err, "dtype %s", dtype)
		assert.Equal(t, dtype, buf.DType())
		assert.Equal(t, 3, buf.Len())
		require.NoError(t, b.Free(buf))
		require.Error(t, b.Free(buf), "double free of %s", dtype)
	}
	_, err := b.Alloc(dtypes.Complex64, 3)
	require.Error(t, err)
	_, err = b.Alloc(dtypes.Float32, 0)
	require.Error(t, err)

	q := must.M1(b.NewQueue())
	defer q.Finalize()
	buf := must.M1(b.Alloc(dtypes.Float16, 1))
	require.NoError(t, q.WriteScalar(buf, 0.5))
	value, err := q.ReadScalar(buf)
	require.NoError(t, err)
	assert.Equal(t, float16.Fromfloat32(0.5), value)

	buf = must.M1(b.Alloc(dtypes.Int32, 4))
	require.NoError(t, q.WriteBuffer(buf, []int32{1, 2, 3, 4}))
	got := make([]int32, 4)
	require.NoError(t, q.ReadBuffer(buf, got))
	assert.Equal(t, []int32{1, 2, 3, 4}, got)
	require.Error(t, q.ReadBuffer(buf, make([]float32, 4)))
	require.Error(t, q.ReadBuffer(buf, make([]int32, 3)))

	// Writes of invalid values are reported at the next synchronization point.
	require.NoError(t, q.WriteScalar(buf, "seven"))
	require.ErrorContains(t, q.Finish(), "cannot be converted")
	require.NoError(t, q.Finish())
}

func TestCompile(t *testing.T) {
	b := must.M1(New(""))
	program := compile(t, b, "fillKernel", []string{"float"}, "-D VALUE=3")
	assert.Equal(t, "fillKernel", program.Name())

	failures := []struct {
		name         string
		templateArgs []string
		defs         []string
		log          string
	}{
		{"missingKernel", nil, nil, "not declared"},
		{"unregisteredKernel", nil, nil, "no Go implementation"},
		{"fillKernel", []string{"double3"}, nil, "not supported"},
		{"fillKernel", []string{"float"}, []string{"-D 3VALUE"}, "not a valid identifier"},
		{"fillKernel", []string{"float"}, []string{"-D VALUE=three"}, "not an integer"},
	}
	for _, f := range failures {
		_, err := b.Compile(backends.CompileRequest{
			Name: f.name, Sources: []string{testSources}, TemplateArgs: f.templateArgs, Definitions: f.defs})
		var failure *backends.CompileFailure
		require.True(t, errors.As(err, &failure), "%s%v%v should fail to compile", f.name, f.templateArgs, f.defs)
		assert.Contains(t, failure.Log, f.log)
	}

	// The registered alternatives are listed when a kernel has no Go implementation.
	_, err := b.Compile(backends.CompileRequest{Name: "unregisteredKernel", Sources: []string{testSources}})
	require.ErrorContains(t, err, "fillKernel")
}

func TestQueue(t *testing.T) {
	for _, config := range []string{"", "sync", "workers=0", "workers=-1"} {
		t.Run(config, func(t *testing.T) {
			b := must.M1(New(config))
			q := must.M1(b.NewQueue())
			defer q.Finalize()

			// 40 elements, work-groups of 8 work-items.
			buf := must.M1(b.Alloc(dtypes.Float32, 40))
			program := compile(t, b, "fillKernel", []string{"float"}, "-D VALUE=7")
			require.NoError(t, q.Enqueue(program, [3]int{40, 1, 1}, [3]int{8, 1, 1}, []any{buf}))
			got := make([]float32, 40)
			require.NoError(t, q.ReadBuffer(buf, got))
			for ii, v := range got {
				require.Equal(t, float32(7), v, "element %d", ii)
			}

			// Many concurrent work-groups.
			counter := must.M1(b.Alloc(dtypes.Int32, 1))
			program = compile(t, b, "countGroupsKernel", nil)
			for range 10 {
				require.NoError(t, q.Enqueue(program, [3]int{16, 16, 2}, [3]int{1, 4, 1}, []any{counter}))
			}
			count, err := q.ReadScalar(counter)
			require.NoError(t, err)
			assert.Equal(t, int32(10*16*4*2), count)

			// Serial kernels execute work-groups in order.
			var order []int
			program = compile(t, b, "orderKernel", nil)
			require.NoError(t, q.Enqueue(program, [3]int{4, 3, 1}, [3]int{1, 1, 1}, []any{&order}))
			require.NoError(t, q.Finish())
			assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}, order)
		})
	}
}

func TestQueueErrors(t *testing.T) {
	b := must.M1(New(""))
	q := must.M1(b.NewQueue())
	defer q.Finalize()
	counter := must.M1(b.Alloc(dtypes.Int32, 1))
	countProgram := compile(t, b, "countGroupsKernel", nil)

	// Geometry errors are immediate.
	require.Error(t, q.Enqueue(countProgram, [3]int{10, 1, 1}, [3]int{4, 1, 1}, []any{counter}))

	// Panics are converted to errors, reported at the next synchronization point, and skip the commands
	// enqueued after them.
	panicProgram := compile(t, b, "panicKernel", nil)
	require.NoError(t, q.Enqueue(panicProgram, [3]int{4, 1, 1}, [3]int{1, 1, 1}, nil))
	require.NoError(t, q.Enqueue(countProgram, [3]int{1, 1, 1}, [3]int{1, 1, 1}, []any{counter}))
	err := q.Finish()
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "bad things in group 1"), "got %v", err)
	require.NoError(t, q.Finish(), "errors are only reported once")
	assert.Equal(t, int32(0), must.M1(q.ReadScalar(counter)))

	// Bad arguments raise inside the body.
	floatBuf := must.M1(b.Alloc(dtypes.Float32, 1))
	require.NoError(t, q.Enqueue(countProgram, [3]int{1, 1, 1}, [3]int{1, 1, 1}, []any{floatBuf}))
	require.ErrorContains(t, q.Finish(), "dtype")

	// Freed buffers and finalized programs are rejected at enqueue time.
	require.NoError(t, b.Free(counter))
	require.Error(t, q.Enqueue(countProgram, [3]int{1, 1, 1}, [3]int{1, 1, 1}, []any{counter}))
	countProgram.Finalize()
	require.Error(t, q.Enqueue(countProgram, [3]int{1, 1, 1}, [3]int{1, 1, 1}, []any{floatBuf}))

	q.Finalize()
	require.Error(t, q.WriteScalar(floatBuf, 1))
}

func TestWorkersPool(t *testing.T) {
	w := newWorkersPool(2)
	var running, maxRunning atomic.Int32
	w.ParallelFor(20, true, func(i int) {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			m := maxRunning.Load()
			if n <= m || maxRunning.CompareAndSwap(m, n) {
				break
			}
		}
	})
	// 2 pool workers plus the calling goroutine.
	assert.LessOrEqual(t, maxRunning.Load(), int32(3))

	var order []int
	w.ParallelFor(5, false, func(i int) { order = append(order, i) })
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}
