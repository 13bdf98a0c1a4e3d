// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/kernelrt/backends"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

// fakeProgram runs body synchronously when enqueued.
type fakeProgram struct {
	name      string
	body      func(args []any) error
	finalized atomic.Bool
}

func (p *fakeProgram) Name() string { return p.name }
func (p *fakeProgram) Finalize()    { p.finalized.Store(true) }

// fakeCompiler counts compilations. If compileFn is set, it is called to build the program.
type fakeCompiler struct {
	calls     atomic.Int32
	compileFn func(req backends.CompileRequest) (backends.Program, error)
}

func (c *fakeCompiler) Compile(req backends.CompileRequest) (backends.Program, error) {
	c.calls.Add(1)
	if c.compileFn != nil {
		return c.compileFn(req)
	}
	if strings.Contains(req.Source(), "syntax error") {
		return nil, &backends.CompileFailure{Program: req.String(), Log: "1:1: syntax error"}
	}
	return &fakeProgram{name: req.Name}, nil
}

// fakeBuffer holds int32 values.
type fakeBuffer struct {
	values []int32
	freed  bool
}

func (b *fakeBuffer) DType() dtypes.DType { return dtypes.Int32 }
func (b *fakeBuffer) Len() int            { return len(b.values) }

// fakeData allocates fakeBuffers and records them.
type fakeData struct {
	mu        sync.Mutex
	allocated []*fakeBuffer
	failAlloc bool
}

func (d *fakeData) Alloc(dtype dtypes.DType, numElements int) (backends.Buffer, error) {
	if d.failAlloc {
		return nil, errors.New("out of device memory")
	}
	if dtype != dtypes.Int32 {
		return nil, errors.Errorf("fakeData only allocates Int32, got %s", dtype)
	}
	buf := &fakeBuffer{values: make([]int32, numElements)}
	d.mu.Lock()
	d.allocated = append(d.allocated, buf)
	d.mu.Unlock()
	return buf, nil
}

func (d *fakeData) Free(buffer backends.Buffer) error {
	buffer.(*fakeBuffer).freed = true
	return nil
}

// fakeQueue executes everything synchronously and counts operations.
type fakeQueue struct {
	launches, reads, writes, finishes int
	lastArgs                          []any
	readErr, finishErr                error
}

func (q *fakeQueue) Enqueue(program backends.Program, global, local [3]int, args []any) error {
	q.launches++
	q.lastArgs = args
	p := program.(*fakeProgram)
	if p.body == nil {
		return nil
	}
	return p.body(args)
}

func (q *fakeQueue) WriteScalar(buffer backends.Buffer, value any) error {
	q.writes++
	buffer.(*fakeBuffer).values[0] = value.(int32)
	return nil
}

func (q *fakeQueue) ReadScalar(buffer backends.Buffer) (any, error) {
	q.reads++
	if q.readErr != nil {
		return nil, q.readErr
	}
	return buffer.(*fakeBuffer).values[0], nil
}

func (q *fakeQueue) WriteBuffer(buffer backends.Buffer, flat any) error {
	copy(buffer.(*fakeBuffer).values, flat.([]int32))
	return nil
}

func (q *fakeQueue) ReadBuffer(buffer backends.Buffer, flat any) error {
	copy(flat.([]int32), buffer.(*fakeBuffer).values)
	return nil
}

func (q *fakeQueue) Finish() error {
	q.finishes++
	return q.finishErr
}

func (q *fakeQueue) Finalize() {}
