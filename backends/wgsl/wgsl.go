// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package wgsl implements a backends.Compiler for WGSL compute kernels, using the pure Go naga compiler
// to generate SPIR-V.
//
// It's compile-only: there is no device or queue, and the resulting Programs carry the SPIR-V binary, ready
// to be loaded by a Vulkan or WebGPU device layer.
//
// Kernel variants are expressed in WGSL as follows:
//
//   - Definitions become module constants: "-D X" → "const X = true;" and "-D X=3" → "const X = 3;".
//   - Definitions whose value is a typename (e.g.: "-D T=float"), and template arguments (named TARG0,
//     TARG1, ... in the sources) that are typenames, are substituted textually by the WGSL scalar type.
//     Other template arguments are declared as constants, like definitions.
//
// The kernel name must be a function of the sources with the @compute attribute.
package wgsl

import (
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/gogpu/naga"
	"github.com/gogpu/naga/spirv"
	nagawgsl "github.com/gogpu/naga/wgsl"
	"github.com/gomlx/kernelrt/backends"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Compiler compiles WGSL kernels to SPIR-V.
type Compiler struct {
	options naga.CompileOptions
}

// Compile-time check:
var _ backends.Compiler = (*Compiler)(nil)

// ErrValidation is wrapped by the CompileFailure of programs rejected by the validator, as opposed to
// parsing, lowering or code generation errors.
var ErrValidation = errors.New("wgsl validation failed")

// NewCompiler returns a WGSL compiler with naga's default options (SPIR-V 1.3, validation enabled).
func NewCompiler() *Compiler {
	return &Compiler{options: naga.DefaultOptions()}
}

// WithValidation enables or disables the validation of the intermediate representation before generating SPIR-V.
// It returns the compiler itself, so calls can be cascaded.
func (c *Compiler) WithValidation(validate bool) *Compiler {
	c.options.Validate = validate
	return c
}

// WithDebug enables debug information (names and lines) in the generated SPIR-V.
// It returns the compiler itself, so calls can be cascaded.
func (c *Compiler) WithDebug(debug bool) *Compiler {
	c.options.Debug = debug
	return c
}

// Program is a compiled WGSL kernel.
type Program struct {
	name      string
	source    string
	spirv     []byte
	finalized atomic.Bool
}

// Compile-time check:
var _ backends.Program = (*Program)(nil)

// Name of the entry point.
func (p *Program) Name() string { return p.name }

// Source returns the WGSL source after the definitions and template arguments were applied.
func (p *Program) Source() string { return p.source }

// SPIRV returns the SPIR-V binary, or nil if the program was finalized.
func (p *Program) SPIRV() []byte {
	if p.finalized.Load() {
		return nil
	}
	return p.spirv
}

// Words returns the SPIR-V binary as little-endian 32-bit words, the form expected by device APIs.
func (p *Program) Words() []uint32 {
	spirvBytes := p.SPIRV()
	words := make([]uint32, len(spirvBytes)/4)
	for i := range words {
		words[i] = uint32(spirvBytes[i*4]) |
			uint32(spirvBytes[i*4+1])<<8 |
			uint32(spirvBytes[i*4+2])<<16 |
			uint32(spirvBytes[i*4+3])<<24
	}
	return words
}

// Finalize releases the SPIR-V binary.
func (p *Program) Finalize() {
	if p.finalized.CompareAndSwap(false, true) {
		p.spirv = nil
	}
}

// scalarTypes maps the kernel typenames to WGSL scalar types. WGSL has no 64-bit floats.
var scalarTypes = map[string]string{
	"float": "f32",
	"int":   "i32",
	"uint":  "u32",
	"half":  "f16",
	"bool":  "bool",
}

// unsupportedTypes are typenames that can't be expressed in WGSL.
var unsupportedTypes = map[string]bool{"double": true, "long": true, "uchar": true}

// Compile implements backends.Compiler.
func (c *Compiler) Compile(req backends.CompileRequest) (backends.Program, error) {
	failure := func(log string, err error) error {
		return &backends.CompileFailure{Program: req.String(), Log: log, Err: err}
	}
	source, err := instantiate(req)
	if err != nil {
		return nil, failure(err.Error(), nil)
	}

	ast, err := naga.Parse(source)
	if err != nil {
		return nil, failure(sourceLog(err), err)
	}
	if err := checkEntryPoint(ast, req.Name); err != nil {
		return nil, failure(err.Error(), nil)
	}
	module, err := naga.LowerWithSource(ast, source)
	if err != nil {
		return nil, failure(sourceLog(err), err)
	}
	if c.options.Validate {
		validationErrors, err := naga.Validate(module)
		if err != nil {
			return nil, failure(err.Error(), errors.WithMessage(ErrValidation, err.Error()))
		}
		if len(validationErrors) > 0 {
			msgs := make([]string, 0, len(validationErrors))
			for ii := range validationErrors {
				msgs = append(msgs, validationErrors[ii].Error())
			}
			return nil, failure(strings.Join(msgs, "\n"), errors.WithMessage(ErrValidation, msgs[0]))
		}
	}
	spirvBytes, err := naga.GenerateSPIRV(module, spirv.Options{Version: c.options.SPIRVVersion, Debug: c.options.Debug})
	if err != nil {
		return nil, failure(err.Error(), err)
	}
	klog.V(1).Infof("wgsl: compiled %s to %d bytes of SPIR-V", req, len(spirvBytes))
	return &Program{name: req.Name, source: source, spirv: spirvBytes}, nil
}

// sourceLog formats naga errors with their source context, if available.
func sourceLog(err error) string {
	var sourceErrors *nagawgsl.SourceErrors
	if errors.As(err, &sourceErrors) {
		return sourceErrors.FormatAll()
	}
	return err.Error()
}

// checkEntryPoint verifies that name is a function of the module with the @compute attribute.
func checkEntryPoint(ast *nagawgsl.Module, name string) error {
	for _, fn := range ast.Functions {
		if fn.Name != name {
			continue
		}
		for _, attr := range fn.Attributes {
			if attr.Name == "compute" {
				return nil
			}
		}
		return errors.Errorf("error: function %q is not a compute entry point (missing @compute)", name)
	}
	return errors.Errorf("error: kernel %q is not declared in the program sources", name)
}

// instantiate applies the definitions and template arguments of the request to its sources.
func instantiate(req backends.CompileRequest) (string, error) {
	source := req.Source()
	var prelude strings.Builder
	declared := make(map[string]bool)
	apply := func(name, value string, hasValue bool) error {
		if declared[name] {
			return errors.Errorf("error: %q defined more than once", name)
		}
		declared[name] = true
		if !hasValue {
			fmt.Fprintf(&prelude, "const %s = true;\n", name)
			return nil
		}
		if unsupportedTypes[value] {
			return errors.Errorf("error: type %q of %s is not supported by WGSL", value, name)
		}
		if wgslType, isType := scalarTypes[value]; isType {
			source = replaceIdentifier(source, name, wgslType)
			return nil
		}
		if value == "" {
			return errors.Errorf("error: definition of %s has an empty value", name)
		}
		fmt.Fprintf(&prelude, "const %s = %s;\n", name, value)
		return nil
	}
	for _, definition := range req.Definitions {
		name, value, hasValue, err := backends.ParseDefinition(definition)
		if err != nil {
			return "", errors.Errorf("error: %v", err)
		}
		if err := apply(name, value, hasValue); err != nil {
			return "", err
		}
	}
	for ii, arg := range req.TemplateArgs {
		if err := apply(fmt.Sprintf("TARG%d", ii), arg, true); err != nil {
			return "", err
		}
	}
	if prelude.Len() == 0 {
		return source, nil
	}
	return prelude.String() + "\n" + source, nil
}

// replaceIdentifier replaces the whole-word occurrences of name in source.
func replaceIdentifier(source, name, replacement string) string {
	re := regexp.MustCompile(`\b` + regexp.QuoteMeta(name) + `\b`)
	return re.ReplaceAllLiteralString(source, replacement)
}
