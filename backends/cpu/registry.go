// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"maps"
	"slices"
	"strconv"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// WorkGroup identifies one work-group of a launch.
type WorkGroup struct {
	// ID of the work-group in each axis.
	ID [3]int

	// NumGroups in each axis: global range divided by the local range.
	NumGroups [3]int

	// Size is the local range: the number of work-items in the work-group, in each axis.
	Size [3]int
}

// Body executes one work-group of a launch: it loops over the work-items of the group itself.
//
// args are the positional launch arguments: *Buffer values for buffers (see Flat), and the scalars and
// structs as given by the caller. Bodies report errors by panicking, typically with exceptions.Panicf.
type Body func(group WorkGroup, args []any)

// Definitions are the parsed compile definitions of a kernel variant: name to value.
// Definitions without a value ("-D NAME") map to "".
type Definitions map[string]string

// Has returns whether the definition name was given.
func (d Definitions) Has(name string) bool {
	_, found := d[name]
	return found
}

// Int returns the integer value of the definition name, or defaultValue if it was not given.
// It panics (with exceptions.Panicf) if the value is not an integer.
func (d Definitions) Int(name string, defaultValue int) int {
	value, found := d[name]
	if !found {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		exceptions.Panicf("definition %s=%q is not an integer", name, value)
	}
	return n
}

// Factory instantiates a kernel variant from its template arguments and definitions.
//
// Factories may panic (with exceptions.Panicf) or return an error for unsupported variants: both are
// reported as a compilation failure.
type Factory func(templateArgs []string, defs Definitions) (Body, error)

// KernelOption configures a registered kernel.
type KernelOption func(k *registeredKernel)

// Serial makes the work-groups of each launch of the kernel execute sequentially, in order.
// It's used by kernels whose work-groups read values written by other work-groups of the same launch.
func Serial() KernelOption {
	return func(k *registeredKernel) { k.serial = true }
}

type registeredKernel struct {
	name    string
	factory Factory
	serial  bool
}

var (
	muRegistry        sync.RWMutex
	registeredKernels = make(map[string]*registeredKernel)
)

// RegisterKernel registers the Go implementation of the kernel name. Registering a name again replaces the
// previous registration.
//
// To be safe, call RegisterKernel during initialization of a package.
func RegisterKernel(name string, factory Factory, options ...KernelOption) {
	k := &registeredKernel{name: name, factory: factory}
	for _, option := range options {
		option(k)
	}
	muRegistry.Lock()
	defer muRegistry.Unlock()
	registeredKernels[name] = k
}

// RegisteredKernels returns the names of the registered kernels, sorted.
func RegisteredKernels() []string {
	muRegistry.RLock()
	defer muRegistry.RUnlock()
	return slices.Sorted(maps.Keys(registeredKernels))
}

func lookupKernel(name string) (*registeredKernel, bool) {
	muRegistry.RLock()
	defer muRegistry.RUnlock()
	k, found := registeredKernels[name]
	return k, found
}

// typenames maps the kernel typenames used as template arguments to dtypes.
var typenames = map[string]dtypes.DType{
	"half":   dtypes.Float16,
	"float":  dtypes.Float32,
	"double": dtypes.Float64,
	"int":    dtypes.Int32,
	"long":   dtypes.Int64,
	"uchar":  dtypes.Uint8,
}

// DTypeFromTypename converts a typename template argument (e.g.: "float") to the dtype of the CPU buffers.
func DTypeFromTypename(typename string) (dtypes.DType, error) {
	dtype, found := typenames[typename]
	if !found {
		return dtypes.InvalidDType, errors.Errorf("typename %q not supported by the %q backend", typename, BackendName)
	}
	return dtype, nil
}
