// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"fmt"
	"strings"
)

// CompileRequest holds everything a Compiler needs to build one kernel variant.
type CompileRequest struct {
	// Name of the kernel, as declared in the sources.
	Name string

	// Sources are concatenated, in order, to form the program text.
	Sources []string

	// TemplateArgs are the stringified template arguments of the kernel, in declaration order.
	// E.g.: {"float", "true"}.
	TemplateArgs []string

	// Definitions are rendered compile definitions, each either "-D NAME" or "-D NAME=VALUE".
	Definitions []string
}

// Source returns the concatenated sources.
func (r CompileRequest) Source() string {
	return strings.Join(r.Sources, "\n")
}

// String returns a short description of the request, used in logs and errors.
func (r CompileRequest) String() string {
	return fmt.Sprintf("%s<%s>[%s]", r.Name, strings.Join(r.TemplateArgs, ","), strings.Join(r.Definitions, " "))
}

// Program is an opaque compiled kernel, ready to be enqueued in a Queue of the same backend.
type Program interface {
	// Name of the kernel entry point.
	Name() string

	// Finalize immediately frees resources associated to the program.
	Finalize()
}

// Compiler compiles a kernel synchronously.
type Compiler interface {
	// Compile the kernel described by req.
	//
	// If the toolchain rejects the program it returns a *CompileFailure with the compiler log.
	// Other errors indicate failures of the compiler itself.
	Compile(req CompileRequest) (Program, error)
}

// CompileFailure is the structured diagnostic returned by a Compiler when the program is rejected.
// It's distinct from runtime (launch) failures.
type CompileFailure struct {
	// Program is the description of the request that failed, see CompileRequest.String.
	Program string

	// Log is the compiler output (diagnostics).
	Log string

	// Err is the underlying error, if any.
	Err error
}

// Error implements error.
func (f *CompileFailure) Error() string {
	msg := fmt.Sprintf("compilation of %s failed", f.Program)
	if f.Log != "" {
		msg = fmt.Sprintf("%s:\n%s", msg, f.Log)
	}
	if f.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, f.Err)
	}
	return msg
}

// Unwrap returns the underlying error.
func (f *CompileFailure) Unwrap() error { return f.Err }
