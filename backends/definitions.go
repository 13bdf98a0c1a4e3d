// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"strings"

	"github.com/pkg/errors"
)

// definitionPrefix is the prefix of every rendered compile definition.
const definitionPrefix = "-D "

// FormatDefinition renders a compile definition: "-D NAME" if hasValue is false, "-D NAME=VALUE" otherwise.
//
// It's the one formatting routine used to build kernel keys, so the keys match exactly what compilers receive.
func FormatDefinition(name, value string, hasValue bool) string {
	if !hasValue {
		return definitionPrefix + name
	}
	return definitionPrefix + name + "=" + value
}

// ParseDefinition parses a definition rendered by FormatDefinition.
// It also accepts the compact "-DNAME[=VALUE]" form.
func ParseDefinition(definition string) (name, value string, hasValue bool, err error) {
	body, found := strings.CutPrefix(definition, "-D")
	if !found {
		return "", "", false, errors.Errorf("invalid compile definition %q: it must start with \"-D\"", definition)
	}
	body = strings.TrimSpace(body)
	name, value, hasValue = strings.Cut(body, "=")
	if !isIdentifier(name) {
		return "", "", false, errors.Errorf("invalid compile definition %q: %q is not a valid identifier", definition, name)
	}
	return name, value, hasValue, nil
}

// isIdentifier checks the C-like identifier rules: letters, digits and underscores, not starting with a digit.
func isIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for ii, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && ii > 0:
		default:
			return false
		}
	}
	return true
}
