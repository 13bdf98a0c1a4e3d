// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"fmt"
	"strconv"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/kernelrt/backends"
)

// Define is a compile definition: a name with an optional value.
//
// It replaces ad-hoc string building of "-D" options: every definition is rendered by Define.String,
// so the Key and the compiler see exactly the same strings.
type Define struct {
	Name     string
	Value    string
	HasValue bool
}

// DefineKey returns a value-less definition, rendered as "-D NAME".
func DefineKey(name string) Define {
	return Define{Name: name}
}

// DefineKeyValue returns a definition with a value, rendered as "-D NAME=VALUE".
//
// Booleans are rendered as 1 or 0, dtypes with TemplateTypename and everything else with fmt.Sprint.
func DefineKeyValue(name string, value any) Define {
	var str string
	switch v := value.(type) {
	case bool:
		str = "0"
		if v {
			str = "1"
		}
	case dtypes.DType:
		str = TemplateTypename(v)
	default:
		str = fmt.Sprint(v)
	}
	return Define{Name: name, Value: str, HasValue: true}
}

// String renders the definition using backends.FormatDefinition.
func (d Define) String() string {
	return backends.FormatDefinition(d.Name, d.Value, d.HasValue)
}

// ParseDefinition parses a rendered definition back into a Define.
func ParseDefinition(definition string) (Define, error) {
	name, value, hasValue, err := backends.ParseDefinition(definition)
	if err != nil {
		return Define{}, err
	}
	return Define{Name: name, Value: value, HasValue: hasValue}, nil
}

// Definitions renders the definitions in order, ready to be used as Key.CompileOptions.
func Definitions(defines ...Define) []string {
	options := make([]string, 0, len(defines))
	for _, d := range defines {
		options = append(options, d.String())
	}
	return options
}

// TemplateArg stringifies a non-type template argument: booleans as true/false, dtypes with
// TemplateTypename, numbers in decimal.
func TemplateArg(value any) string {
	switch v := value.(type) {
	case bool:
		return strconv.FormatBool(v)
	case dtypes.DType:
		return TemplateTypename(v)
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// typenames maps the supported element types to the names used in kernel sources.
var typenames = map[dtypes.DType]string{
	dtypes.Bool:    "bool",
	dtypes.Int8:    "char",
	dtypes.Uint8:   "uchar",
	dtypes.Int16:   "short",
	dtypes.Uint16:  "ushort",
	dtypes.Int32:   "int",
	dtypes.Uint32:  "uint",
	dtypes.Int64:   "long",
	dtypes.Uint64:  "ulong",
	dtypes.Float16: "half",
	dtypes.Float32: "float",
	dtypes.Float64: "double",
}

// TemplateTypename returns the kernel source name of dtype, e.g. "float" for dtypes.Float32.
// Unsupported dtypes return their DType name, which no backend will accept.
func TemplateTypename(dtype dtypes.DType) string {
	if name, found := typenames[dtype]; found {
		return name
	}
	return dtype.String()
}

// TypeDefinitions returns the extra definitions some element types require from the compiler:
// "-D USE_DOUBLE" for Float64 and "-D USE_HALF" for Float16. It's empty for other types.
func TypeDefinitions(dtype dtypes.DType) []Define {
	switch dtype {
	case dtypes.Float64:
		return []Define{DefineKey("USE_DOUBLE")}
	case dtypes.Float16:
		return []Define{DefineKey("USE_HALF")}
	default:
		return nil
	}
}
