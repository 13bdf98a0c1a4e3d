// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gomlx/kernelrt/backends"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validSource = "kernel void k() {}"

func TestCacheDistinctKeys(t *testing.T) {
	compiler := &fakeCompiler{}
	cache := NewCache(compiler)
	keys := []Key{
		NewKey("k", []string{"int", "true"}, nil),
		NewKey("k", []string{"true", "int"}, nil),
		NewKey("k", []string{"int", "true"}, []string{"-D A"}),
		NewKey("k", []string{"int", "true"}, []string{"-D A", "-D B"}),
		NewKey("k", []string{"int", "true"}, []string{"-D B", "-D A"}),
		NewKey("k2", []string{"int", "true"}, nil),
	}
	kernels := make([]*Kernel, len(keys))
	for ii, key := range keys {
		var err error
		kernels[ii], err = cache.Resolve(key, validSource)
		require.NoError(t, err)
		require.True(t, key.Equal(kernels[ii].Key()))
	}
	for ii := range kernels {
		for jj := ii + 1; jj < len(kernels); jj++ {
			require.NotSame(t, kernels[ii], kernels[jj], "keys %s and %s", keys[ii], keys[jj])
			require.NotEqual(t, kernels[ii].ID(), kernels[jj].ID())
		}
	}
	assert.Equal(t, int32(len(keys)), compiler.calls.Load())
	assert.Equal(t, len(keys), cache.Len())
	assert.Len(t, cache.Keys(), len(keys))
}

func TestCacheReuse(t *testing.T) {
	compiler := &fakeCompiler{}
	cache := NewCache(compiler)
	key := NewKey("edgeTrackKernel", []string{"float"}, Definitions(DefineKey("EDGE_TRACER")))
	k1, err := cache.Resolve(key, validSource)
	require.NoError(t, err)
	k2, err := cache.Resolve(NewKey("edgeTrackKernel", []string{"float"}, []string{"-D EDGE_TRACER"}), validSource)
	require.NoError(t, err)
	require.Same(t, k1, k2)
	require.Equal(t, int32(1), compiler.calls.Load())

	stats := cache.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(0), stats.Failures)
}

func TestCacheConcurrentSingleCompile(t *testing.T) {
	compiler := &fakeCompiler{}
	release := make(chan struct{})
	compiler.compileFn = func(req backends.CompileRequest) (backends.Program, error) {
		<-release
		return &fakeProgram{name: req.Name}, nil
	}
	cache := NewCache(compiler)
	key := NewKey("nonMaxSuppressionKernel", []string{"float"}, nil)

	const numCallers = 32
	results := make([]*Kernel, numCallers)
	var wg sync.WaitGroup
	for ii := range numCallers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var err error
			results[ii], err = cache.Resolve(key, validSource)
			assert.NoError(t, err)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), compiler.calls.Load())
	for _, k := range results {
		require.Same(t, results[0], k)
	}
	stats := cache.Stats()
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(numCallers-1), stats.Hits+stats.Waits)
}

func TestCacheDifferentKeysDontSerialize(t *testing.T) {
	compiler := &fakeCompiler{}
	releaseSlow := make(chan struct{})
	compiler.compileFn = func(req backends.CompileRequest) (backends.Program, error) {
		if req.Name == "slow" {
			<-releaseSlow
		}
		return &fakeProgram{name: req.Name}, nil
	}
	cache := NewCache(compiler)

	slowDone := make(chan struct{})
	go func() {
		defer close(slowDone)
		_, err := cache.Resolve(NewKey("slow", nil, nil), validSource)
		assert.NoError(t, err)
	}()
	time.Sleep(5 * time.Millisecond)

	fastDone := make(chan struct{})
	go func() {
		defer close(fastDone)
		_, err := cache.Resolve(NewKey("fast", nil, nil), validSource)
		assert.NoError(t, err)
	}()
	select {
	case <-fastDone:
	case <-time.After(5 * time.Second):
		t.Fatal("compilation of a different key was blocked by an in-flight compilation")
	}
	close(releaseSlow)
	<-slowDone
	require.Equal(t, 2, cache.Len())
}

func TestCacheFailureIsNotCached(t *testing.T) {
	compiler := &fakeCompiler{}
	cache := NewCache(compiler)
	key := NewKey("initEdgeOutKernel", []string{"float"}, []string{"-D INIT_EDGE_OUT"})

	_, err := cache.Resolve(key, "syntax error")
	require.Error(t, err)
	var compErr *CompilationError
	require.True(t, errors.As(err, &compErr))
	assert.True(t, key.Equal(compErr.Key))
	assert.Equal(t, "1:1: syntax error", compErr.Log)
	var failure *backends.CompileFailure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, 0, cache.Len())

	// Same failure again: the compiler is called again.
	_, err = cache.Resolve(key, "syntax error")
	require.Error(t, err)
	assert.Equal(t, int32(2), compiler.calls.Load())

	// Corrected sources succeed.
	k, err := cache.Resolve(key, validSource)
	require.NoError(t, err)
	require.NotNil(t, k.Program())
	require.Equal(t, 1, cache.Len())
	stats := cache.Stats()
	assert.Equal(t, int64(2), stats.Failures)
	assert.Equal(t, int64(3), stats.Misses)

	// Errors without a structured diagnostic use the error message as log.
	compiler.compileFn = func(req backends.CompileRequest) (backends.Program, error) {
		return nil, errors.New("compiler crashed")
	}
	_, err = cache.Resolve(NewKey("other", nil, nil), validSource)
	require.True(t, errors.As(err, &compErr))
	assert.Equal(t, "compiler crashed", compErr.Log)
}

func TestCacheWaitersShareFailure(t *testing.T) {
	compiler := &fakeCompiler{}
	release := make(chan struct{})
	compiler.compileFn = func(req backends.CompileRequest) (backends.Program, error) {
		<-release
		return nil, &backends.CompileFailure{Program: req.String(), Log: "bad"}
	}
	cache := NewCache(compiler)
	key := NewKey("k", nil, nil)
	var wg sync.WaitGroup
	var numErrors atomic.Int32
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cache.Resolve(key, validSource); err != nil {
				numErrors.Add(1)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, int32(8), numErrors.Load())
	assert.Equal(t, 0, cache.Len())
}

func TestCacheFlushAndShutdown(t *testing.T) {
	compiler := &fakeCompiler{}
	cache := NewCache(compiler)
	key := NewKey("k", nil, nil)
	k1, err := cache.Resolve(key, validSource)
	require.NoError(t, err)
	program := k1.Program().(*fakeProgram)

	cache.Flush()
	assert.True(t, program.finalized.Load())
	assert.Nil(t, k1.Program())
	assert.Equal(t, 0, cache.Len())
	err = k1.Launch(&fakeQueue{}, Range{1, 1, 1}, Range{1, 1, 1})
	var launchErr *LaunchError
	require.True(t, errors.As(err, &launchErr))

	k2, err := cache.Resolve(key, validSource)
	require.NoError(t, err)
	require.NotSame(t, k1, k2)
	assert.Equal(t, int32(2), compiler.calls.Load())

	cache.Shutdown()
	assert.True(t, k2.Program() == nil)
	_, err = cache.Resolve(key, validSource)
	require.ErrorIs(t, err, ErrCacheShutdown)
}

func TestCacheMaxParallelCompilations(t *testing.T) {
	var running, maxRunning atomic.Int32
	compiler := &fakeCompiler{}
	compiler.compileFn = func(req backends.CompileRequest) (backends.Program, error) {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			m := maxRunning.Load()
			if n <= m || maxRunning.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		return &fakeProgram{name: req.Name}, nil
	}
	cache := NewCache(compiler).WithMaxParallelCompilations(4).WithMaxParallelCompilations(1)
	var wg sync.WaitGroup
	for ii := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.Resolve(NewKey("k", []string{TemplateArg(ii)}, nil), validSource)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxRunning.Load())
	assert.Equal(t, 8, cache.Len())
}

func TestCacheCompilerPanics(t *testing.T) {
	compiler := &fakeCompiler{}
	cache := NewCache(compiler)
	key := NewKey("k", []string{"float"}, nil)

	// A panic with an error is returned as a compilation failure.
	compiler.compileFn = func(req backends.CompileRequest) (backends.Program, error) {
		panic(errors.New("compiler crashed"))
	}
	_, err := cache.Resolve(key, validSource)
	var compErr *CompilationError
	require.True(t, errors.As(err, &compErr))
	assert.Contains(t, compErr.Log, "compiler crashed")
	assert.Equal(t, 0, cache.Len())

	// Any other panic is propagated, but doesn't leave the key stuck.
	compiler.compileFn = func(req backends.CompileRequest) (backends.Program, error) {
		panic("compiler crashed")
	}
	require.Panics(t, func() { _, _ = cache.Resolve(key, validSource) })
	assert.Equal(t, 0, cache.Len())
	assert.Equal(t, int64(2), cache.Stats().Failures)

	compiler.compileFn = nil
	done := make(chan struct{})
	var k *Kernel
	go func() {
		defer close(done)
		k, err = cache.Resolve(key, validSource)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Resolve blocked on the entry of a compilation that panicked")
	}
	require.NoError(t, err)
	require.NotNil(t, k.Program())
	assert.Equal(t, int32(3), compiler.calls.Load())
}

func TestCacheFlushWaitsForCompilations(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	compiler := &fakeCompiler{}
	compiler.compileFn = func(req backends.CompileRequest) (backends.Program, error) {
		close(started)
		<-release
		return &fakeProgram{name: req.Name}, nil
	}
	cache := NewCache(compiler)
	key := NewKey("k", nil, nil)

	var k1, k2 *Kernel
	var err1, err2 error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		k1, err1 = cache.Resolve(key, validSource)
	}()
	<-started

	flushed := make(chan struct{})
	go func() {
		cache.Flush()
		close(flushed)
	}()

	// A request during the Flush waits for the compilation in flight instead of starting another.
	wg.Add(1)
	go func() {
		defer wg.Done()
		k2, err2 = cache.Resolve(key, validSource)
	}()
	require.Eventually(t, func() bool { return cache.Stats().Waits == 1 }, 5*time.Second, time.Millisecond)

	select {
	case <-flushed:
		t.Fatal("Flush returned before the compilation in flight finished")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	<-flushed
	wg.Wait()

	require.NoError(t, err1)
	require.NoError(t, err2)
	require.Same(t, k1, k2)
	assert.Equal(t, int32(1), compiler.calls.Load())
	assert.Nil(t, k1.Program())
	assert.Equal(t, 0, cache.Len())
	err := k1.Launch(&fakeQueue{}, Range{1, 1, 1}, Range{1, 1, 1})
	var launchErr *LaunchError
	require.True(t, errors.As(err, &launchErr))
}
