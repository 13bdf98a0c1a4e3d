// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Key uniquely identifies a compiled kernel variant.
//
// Equality is structural and order-sensitive over the three fields: the same template arguments
// given in a different order make a different Key. The Name is expected to be declared in the
// sources given to Cache.Resolve, but the cache doesn't validate it.
type Key struct {
	Name string

	// TemplateArgs are the stringified template arguments, see TemplateArg and TemplateTypename.
	TemplateArgs []string

	// CompileOptions are the rendered compile definitions, see Definitions.
	CompileOptions []string
}

// NewKey returns a Key with copies of the given lists.
func NewKey(name string, templateArgs []string, compileOptions []string) Key {
	return Key{
		Name:           name,
		TemplateArgs:   slices.Clone(templateArgs),
		CompileOptions: slices.Clone(compileOptions),
	}
}

// Equal returns whether both keys have the same name, template arguments and compile options, in the same order.
func (k Key) Equal(other Key) bool {
	return k.Name == other.Name &&
		slices.Equal(k.TemplateArgs, other.TemplateArgs) &&
		slices.Equal(k.CompileOptions, other.CompileOptions)
}

// Clone returns a deep copy of the key.
func (k Key) Clone() Key {
	return NewKey(k.Name, k.TemplateArgs, k.CompileOptions)
}

// String returns a human-readable form: `name<arg0,arg1>[-D A -D B=1]`.
// It's not guaranteed to be unique, use Key.Equal to compare keys.
func (k Key) String() string {
	var sb strings.Builder
	sb.WriteString(k.Name)
	sb.WriteString("<")
	sb.WriteString(strings.Join(k.TemplateArgs, ","))
	sb.WriteString(">")
	if len(k.CompileOptions) > 0 {
		sb.WriteString("[")
		sb.WriteString(strings.Join(k.CompileOptions, " "))
		sb.WriteString("]")
	}
	return sb.String()
}

// id returns an unambiguous encoding of the key, used as the cache map key.
//
// Every string is length-prefixed, and every list is count-prefixed, so that no two different keys
// share an id, even if their strings contain separators.
func (k Key) id() string {
	var sb strings.Builder
	writeString := func(s string) {
		sb.WriteString(strconv.Itoa(len(s)))
		sb.WriteByte(':')
		sb.WriteString(s)
	}
	writeList := func(list []string) {
		sb.WriteString(fmt.Sprintf("#%d;", len(list)))
		for _, s := range list {
			writeString(s)
		}
	}
	writeString(k.Name)
	writeList(k.TemplateArgs)
	writeList(k.CompileOptions)
	return sb.String()
}
