// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gomlx/kernelrt/backends"
	"github.com/pkg/errors"
)

// Kernel is a compiled kernel variant, owned by the Cache that compiled it.
//
// It's immutable and can be shared by any number of goroutines, each launching it on their own queues.
// Callers never free it: its program is released by Cache.Flush or Cache.Shutdown.
type Kernel struct {
	key         Key
	program     backends.Program
	id          uuid.UUID
	compileTime time.Duration

	muFinalized sync.RWMutex
	finalized   bool
}

// Key returns a copy of the key of the kernel.
func (k *Kernel) Key() Key { return k.key.Clone() }

// Name of the kernel.
func (k *Kernel) Name() string { return k.key.Name }

// ID is a unique identifier of this compilation, used in logs.
func (k *Kernel) ID() uuid.UUID { return k.id }

// CompileTime is the time the backend compiler took to build the kernel.
func (k *Kernel) CompileTime() time.Duration { return k.compileTime }

// Program returns the backend program, or nil after the kernel was finalized by the cache.
func (k *Kernel) Program() backends.Program {
	k.muFinalized.RLock()
	defer k.muFinalized.RUnlock()
	if k.finalized {
		return nil
	}
	return k.program
}

// String implements fmt.Stringer.
func (k *Kernel) String() string { return k.key.String() }

// finalize releases the program. Only called by the Cache.
func (k *Kernel) finalize() {
	k.muFinalized.Lock()
	defer k.muFinalized.Unlock()
	if k.finalized {
		return
	}
	k.finalized = true
	k.program.Finalize()
}

// Launch enqueues the kernel on queue, over the global range partitioned in work-groups of local range.
//
// args are bound positionally in the order of the kernel parameters: buffers, scalars and ParamInfo
// dimension metadata. Param arguments are expanded into their buffer followed by their ParamInfo.
//
// Launch doesn't wait for the kernel to execute. Invalid geometries, binding errors detected at enqueue
// time and finalized kernels are reported as a *LaunchError.
func (k *Kernel) Launch(queue backends.Queue, global, local Range, args ...any) error {
	if err := ValidateGeometry(global, local); err != nil {
		return newLaunchError(k.key.String(), err)
	}
	k.muFinalized.RLock()
	defer k.muFinalized.RUnlock()
	if k.finalized {
		return newLaunchError(k.key.String(), errors.New("kernel was flushed from the cache"))
	}
	if err := queue.Enqueue(k.program, global, local, expandArgs(args)); err != nil {
		return newLaunchError(k.key.String(), err)
	}
	return nil
}

// expandArgs replaces Param arguments by their buffer and dimension metadata.
func expandArgs(args []any) []any {
	expanded := make([]any, 0, len(args))
	for _, arg := range args {
		if p, ok := arg.(Param); ok {
			expanded = append(expanded, p.Data, p.Info)
			continue
		}
		expanded = append(expanded, arg)
	}
	return expanded
}
