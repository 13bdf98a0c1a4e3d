// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/kernelrt/backends"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Program is a kernel variant instantiated for the CPU backend.
type Program struct {
	name      string
	body      Body
	serial    bool
	finalized atomic.Bool
}

// Compile-time check:
var _ backends.Program = (*Program)(nil)

// Name of the kernel.
func (p *Program) Name() string { return p.name }

// Finalize makes the program invalid: queues refuse to launch it.
func (p *Program) Finalize() { p.finalized.Store(true) }

// Compile implements backends.Compiler.
//
// The kernel must be declared in the sources (e.g.: "kernel void edgeTrackKernel(...)") and registered
// with RegisterKernel. Problems with the request are returned as a *backends.CompileFailure with a log
// in the style of a device compiler.
func (b *Backend) Compile(req backends.CompileRequest) (backends.Program, error) {
	if err := b.checkValid(); err != nil {
		return nil, err
	}
	failure := func(format string, args ...any) error {
		return &backends.CompileFailure{Program: req.String(), Log: fmt.Sprintf(format, args...)}
	}
	if !isDeclared(req.Name, req.Source()) {
		return nil, failure("error: kernel %q is not declared in the program sources", req.Name)
	}
	registered, found := lookupKernel(req.Name)
	if !found {
		return nil, failure("error: no Go implementation registered for kernel %q (registered kernels: %s)",
			req.Name, strings.Join(RegisteredKernels(), ", "))
	}
	defs := make(Definitions, len(req.Definitions))
	for _, definition := range req.Definitions {
		name, value, _, err := backends.ParseDefinition(definition)
		if err != nil {
			return nil, failure("error: %v", err)
		}
		defs[name] = value
	}

	var body Body
	err := exceptions.TryCatch[error](func() {
		var factoryErr error
		body, factoryErr = registered.factory(req.TemplateArgs, defs)
		if factoryErr != nil {
			panic(factoryErr)
		}
	})
	if err != nil {
		return nil, &backends.CompileFailure{Program: req.String(), Log: fmt.Sprintf("error: %v", err), Err: err}
	}
	if body == nil {
		return nil, errors.Errorf("factory of kernel %q returned no body", req.Name)
	}
	klog.V(2).Infof("cpu: instantiated kernel %s (serial=%v)", req, registered.serial)
	return &Program{name: req.Name, body: body, serial: registered.serial}, nil
}

// isDeclared checks whether source declares the kernel name, a word followed by "(".
func isDeclared(name, source string) bool {
	if !strings.Contains(source, name) {
		return false
	}
	re := regexp.MustCompile(`\b` + regexp.QuoteMeta(name) + `\s*\(`)
	return re.MatchString(source)
}
