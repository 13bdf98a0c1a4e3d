// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefinitions(t *testing.T) {
	require.Equal(t, "-D EDGE_TRACER", FormatDefinition("EDGE_TRACER", "", false))
	require.Equal(t, "-D SHRD_MEM_WIDTH=18", FormatDefinition("SHRD_MEM_WIDTH", "18", true))
	require.Equal(t, "-D EMPTY=", FormatDefinition("EMPTY", "", true))

	for _, tc := range []struct {
		definition, name, value string
		hasValue                bool
	}{
		{"-D EDGE_TRACER", "EDGE_TRACER", "", false},
		{"-D T=float", "T", "float", true},
		{"-DUSE_DOUBLE", "USE_DOUBLE", "", false},
		{"-D X=a=b", "X", "a=b", true},
	} {
		name, value, hasValue, err := ParseDefinition(tc.definition)
		require.NoError(t, err, tc.definition)
		require.Equal(t, tc.name, name)
		require.Equal(t, tc.value, value)
		require.Equal(t, tc.hasValue, hasValue)
	}

	for _, bad := range []string{"", "EDGE_TRACER", "-D ", "-D 3X=1", "-D A-B"} {
		_, _, _, err := ParseDefinition(bad)
		require.Error(t, err, "definition %q should fail", bad)
	}
}
