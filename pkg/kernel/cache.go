// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/google/uuid"
	"github.com/gomlx/kernelrt/backends"
	"github.com/gomlx/kernelrt/pkg/support/xsync"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Cache maps kernel Keys to compiled kernels, compiling on a miss.
//
// It is safe for concurrent use:
//
//   - At most one compilation per Key is in flight: concurrent requests for a Key being compiled
//     wait for it and then share the result.
//   - Requests for different Keys never wait for each other's compilation.
//   - Failed compilations are not cached: the next request for the same Key compiles again.
//
// Entries are never evicted. This fits the bounded, enumerable set of (type, option) combinations of
// a templated kernel library. Use Flush to release every compiled program, or Shutdown at the end of
// its lifetime.
type Cache struct {
	compiler backends.Compiler

	// compileSem bounds the number of simultaneous compilations, if set.
	compileSem *xsync.Semaphore

	mu       sync.Mutex
	entries  map[string]*cacheEntry
	shutdown bool

	hits, misses, waits, failures atomic.Int64
	compileNanos                  atomic.Int64
}

// cacheEntry holds the result of one compilation. kernel and err are only valid after done is triggered.
type cacheEntry struct {
	done   *xsync.Latch
	kernel *Kernel
	err    error
}

// Stats are the cache counters.
type Stats struct {
	// Hits counts requests served from an already compiled entry.
	Hits int64

	// Misses counts requests that triggered a compilation.
	Misses int64

	// Waits counts requests that waited for a compilation started by another request.
	Waits int64

	// Failures counts compilations that failed.
	Failures int64

	// CompileTime is the total time spent in the compiler.
	CompileTime time.Duration
}

// NewCache returns an empty cache that compiles with the given compiler.
func NewCache(compiler backends.Compiler) *Cache {
	return &Cache{
		compiler: compiler,
		entries:  make(map[string]*cacheEntry),
	}
}

// WithMaxParallelCompilations limits the number of compilations running at the same time.
// A value <= 0 means no limit, the default.
//
// It should be called before the cache is used. It returns the cache itself, so calls can be cascaded.
func (c *Cache) WithMaxParallelCompilations(n int) *Cache {
	if c.compileSem == nil {
		c.compileSem = xsync.NewSemaphore(n)
	} else {
		c.compileSem.Resize(n)
	}
	return c
}

// Resolve returns the compiled kernel for key, compiling sources if it is not yet in the cache.
//
// sources are only used on a miss, and are assumed to be the same for every request of the same key:
// they are not part of the Key.
//
// A compiler rejection is returned as a *CompilationError.
func (c *Cache) Resolve(key Key, sources ...string) (*Kernel, error) {
	id := key.id()
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return nil, errors.Wrapf(ErrCacheShutdown, "resolving kernel %s", key)
	}
	entry, found := c.entries[id]
	if found {
		c.mu.Unlock()
		if entry.done.Test() {
			if entry.err == nil {
				c.hits.Add(1)
				klog.V(2).Infof("kernel cache hit for %s", key)
			}
		} else {
			c.waits.Add(1)
			klog.V(2).Infof("waiting for concurrent compilation of %s", key)
			entry.done.Wait()
		}
		return entry.kernel, entry.err
	}
	entry = &cacheEntry{done: xsync.NewLatch()}
	c.entries[id] = entry
	c.mu.Unlock()

	c.misses.Add(1)
	completed := false
	defer func() {
		if !completed {
			// The compiler panicked with something other than an error: waiters are released with a
			// failure, and the panic continues.
			entry.err = &CompilationError{Key: key.Clone(), cause: errors.Errorf("compiler panicked compiling %s", key)}
			c.complete(id, entry)
		}
	}()
	entry.kernel, entry.err = c.compile(key, sources)
	completed = true
	c.complete(id, entry)
	return entry.kernel, entry.err
}

// complete removes a failed entry from the cache, and releases the requests waiting for it.
func (c *Cache) complete(id string, entry *cacheEntry) {
	if entry.err != nil {
		c.failures.Add(1)
		c.mu.Lock()
		if c.entries[id] == entry {
			delete(c.entries, id)
		}
		c.mu.Unlock()
	}
	entry.done.Trigger()
}

// compile calls the backend compiler for key. It's called without holding the cache lock.
func (c *Cache) compile(key Key, sources []string) (*Kernel, error) {
	if c.compileSem != nil {
		c.compileSem.Acquire()
		defer c.compileSem.Release()
	}
	req := backends.CompileRequest{
		Name:         key.Name,
		Sources:      slices.Clone(sources),
		TemplateArgs: slices.Clone(key.TemplateArgs),
		Definitions:  slices.Clone(key.CompileOptions),
	}
	start := time.Now()
	var program backends.Program
	err := exceptions.TryCatch[error](func() {
		var compileErr error
		program, compileErr = c.compiler.Compile(req)
		if compileErr != nil {
			panic(compileErr)
		}
	})
	elapsed := time.Since(start)
	c.compileNanos.Add(int64(elapsed))
	if err == nil && program == nil {
		err = errors.Errorf("compiler returned no program and no error")
	}
	if err != nil {
		compErr := &CompilationError{Key: key.Clone(), cause: errors.WithStack(err)}
		var failure *backends.CompileFailure
		if errors.As(err, &failure) {
			compErr.Log = failure.Log
		} else {
			compErr.Log = err.Error()
		}
		klog.Warningf("failed to compile kernel %s: %v", key, err)
		return nil, compErr
	}
	k := &Kernel{
		key:         key.Clone(),
		program:     program,
		id:          uuid.New(),
		compileTime: elapsed,
	}
	klog.V(1).Infof("compiled kernel %s (id=%s) in %s", key, k.id, elapsed)
	return k, nil
}

// Len returns the number of compiled kernels in the cache (including compilations in flight).
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Kernels returns the successfully compiled kernels, sorted by the string form of their keys.
// Compilations in flight are not included.
func (c *Cache) Kernels() []*Kernel {
	c.mu.Lock()
	kernels := make([]*Kernel, 0, len(c.entries))
	for _, entry := range c.entries {
		if entry.done.Test() && entry.err == nil {
			kernels = append(kernels, entry.kernel)
		}
	}
	c.mu.Unlock()
	slices.SortFunc(kernels, func(a, b *Kernel) int {
		return strings.Compare(a.key.String(), b.key.String())
	})
	return kernels
}

// Keys returns the keys of the successfully compiled kernels, sorted by their string form.
func (c *Cache) Keys() []Key {
	kernels := c.Kernels()
	keys := make([]Key, 0, len(kernels))
	for _, k := range kernels {
		keys = append(keys, k.Key())
	}
	return keys
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Waits:       c.waits.Load(),
		Failures:    c.failures.Load(),
		CompileTime: time.Duration(c.compileNanos.Load()),
	}
}

// Flush removes every entry from the cache and finalizes the compiled programs.
//
// Compilations in flight are waited for and finalized as well. Their entries stay in the cache until they
// finish, so requests for those keys during the Flush wait for them, and get the flushed kernel.
//
// Kernels returned by Resolve before Flush returns must not be used after it: launching them returns
// a *LaunchError.
func (c *Cache) Flush() {
	c.mu.Lock()
	entries := maps.Clone(c.entries)
	for id, entry := range entries {
		if entry.done.Test() {
			delete(c.entries, id)
		}
	}
	c.mu.Unlock()
	for id, entry := range entries {
		entry.done.Wait()
		c.mu.Lock()
		if c.entries[id] == entry {
			delete(c.entries, id)
		}
		c.mu.Unlock()
		if entry.kernel != nil {
			entry.kernel.finalize()
		}
	}
	if len(entries) > 0 {
		klog.V(1).Infof("kernel cache flushed %d entries", len(entries))
	}
}

// Shutdown flushes the cache, and makes any further Resolve fail with ErrCacheShutdown.
func (c *Cache) Shutdown() {
	c.mu.Lock()
	c.shutdown = true
	c.mu.Unlock()
	c.Flush()
}
