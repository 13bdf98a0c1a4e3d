// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrCacheShutdown is returned by Cache.Resolve after Cache.Shutdown.
var ErrCacheShutdown = errors.New("kernel cache was shut down")

// ErrNotConverged is matched (with errors.Is) by the *NotConvergedError returned when an iterative
// launch reaches its maximum number of iterations.
var ErrNotConverged = errors.New("iterative kernel did not converge")

// CompilationError is returned when the backend compiler rejected a kernel variant.
//
// It is never cached: a later Resolve of the same Key compiles again.
type CompilationError struct {
	Key Key

	// Log is the compiler diagnostic, if the compiler provided one.
	Log string

	cause error
}

func (e *CompilationError) Error() string {
	return fmt.Sprintf("failed to compile kernel %s: %v", e.Key, e.cause)
}

// Unwrap returns the compiler error.
func (e *CompilationError) Unwrap() error { return e.cause }

// LaunchError is returned when a launch is rejected: invalid geometry, argument binding mismatch,
// lack of resources or an invalid (flushed) kernel.
type LaunchError struct {
	// Kernel is the string form of the Key of the kernel being launched.
	Kernel string
	cause  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to launch kernel %s: %v", e.Kernel, e.cause)
}

// Unwrap returns the underlying error.
func (e *LaunchError) Unwrap() error { return e.cause }

// AllocationError is returned when a device buffer needed by the runtime could not be allocated.
type AllocationError struct {
	cause error
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("device allocation failed: %v", e.cause)
}

// Unwrap returns the underlying error.
func (e *AllocationError) Unwrap() error { return e.cause }

// ReadBackError is returned when a device-resident value could not be read back to the host.
type ReadBackError struct {
	cause error
}

func (e *ReadBackError) Error() string {
	return fmt.Sprintf("device read-back failed: %v", e.cause)
}

// Unwrap returns the underlying error.
func (e *ReadBackError) Unwrap() error { return e.cause }

// NotConvergedError is returned by Driver.Run when the progress flag was still set after the maximum number
// of iterations.
type NotConvergedError struct {
	Rounds int
}

func (e *NotConvergedError) Error() string {
	return fmt.Sprintf("%v after %d rounds", ErrNotConverged, e.Rounds)
}

// Is makes errors.Is(err, ErrNotConverged) true.
func (e *NotConvergedError) Is(target error) bool { return target == ErrNotConverged }

func newLaunchError(kernelName string, cause error) *LaunchError {
	return &LaunchError{Kernel: kernelName, cause: errors.WithStack(cause)}
}

func newAllocationError(cause error) *AllocationError {
	return &AllocationError{cause: errors.WithStack(cause)}
}

func newReadBackError(cause error) *ReadBackError {
	return &ReadBackError{cause: errors.WithStack(cause)}
}
