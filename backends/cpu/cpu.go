// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cpu implements a portable backend that runs kernels written in Go.
//
// Kernels are registered with RegisterKernel, under the same name they are declared with in the kernel sources.
// Compiling a kernel resolves the registered factory and instantiates it with the template arguments and
// compile definitions of the request, so the same cache keys used for device backends work unchanged.
//
// Configuration (after "cpu:" in $KERNELRT_BACKEND), comma separated:
//
//   - "sync": execute commands inline on Enqueue instead of in the queue goroutine.
//   - "workers=N": maximum parallelism for the work-groups of a launch. 0 disables parallelism,
//     -1 means unlimited. It defaults to runtime.NumCPU().
package cpu

import (
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/gomlx/kernelrt/backends"
	"github.com/pkg/errors"
)

// BackendName to be used in KERNELRT_BACKEND to specify this backend.
const BackendName = "cpu"

// Registers New() as the constructor for the "cpu" backend.
func init() {
	backends.Register(BackendName, func(config string) (backends.Backend, error) {
		return New(config)
	})
}

// Backend implements the backends.Backend interface.
type Backend struct {
	config string

	// sync executes the commands inline, in the goroutine calling the queue.
	sync bool

	workers   *workersPool
	finalized atomic.Bool
}

// Compile-time check that cpu.Backend implements backends.Backend.
var _ backends.Backend = &Backend{}

// New constructs a new CPU Backend with the given configuration. See package documentation for the options.
func New(config string) (*Backend, error) {
	b := &Backend{config: config, workers: newWorkersPool(runtime.NumCPU())}
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, "=")
		switch key {
		case "sync":
			b.sync = true
		case "workers":
			n, err := strconv.Atoi(value)
			if err != nil {
				return nil, errors.Wrapf(err, "backend %q: invalid value for workers in config %q", BackendName, config)
			}
			b.workers.SetMaxParallelism(n)
		default:
			return nil, errors.Errorf("backend %q: unknown configuration option %q in %q", BackendName, part, config)
		}
	}
	return b, nil
}

// Name returns the short name of the backend.
func (b *Backend) Name() string { return BackendName }

// String implements fmt.Stringer.
func (b *Backend) String() string {
	if b.config == "" {
		return BackendName
	}
	return BackendName + ":" + b.config
}

// Description is a longer description of the Backend that can be used to pretty-print.
func (b *Backend) Description() string {
	mode := "asynchronous"
	if b.sync {
		mode = "synchronous"
	}
	parallelism := "unlimited"
	if !b.workers.IsUnlimited() {
		parallelism = strconv.Itoa(b.workers.MaxParallelism())
	}
	return "Portable Go CPU Backend (" + mode + " queues, parallelism " + parallelism + ")"
}

// NewQueue creates a new in-order command queue.
func (b *Backend) NewQueue() (backends.Queue, error) {
	if err := b.checkValid(); err != nil {
		return nil, err
	}
	return newQueue(b), nil
}

// Finalize makes the backend invalid. Queues already created keep working until finalized.
func (b *Backend) Finalize() {
	b.finalized.Store(true)
}

func (b *Backend) checkValid() error {
	if b.finalized.Load() {
		return errors.Errorf("backend %q has already been finalized", BackendName)
	}
	return nil
}
