package optimization

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// requireClose fails unless got and want agree elementwise within tol
func requireClose(t *testing.T, got, want []float64, tol float64) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range got {
		require.InDelta(t, want[i], got[i], tol, "index %d", i)
	}
}

// requirePointsClose compares two design points variable by variable
func requirePointsClose(t *testing.T, got, want DesignPoint, tol float64) {
	t.Helper()
	require.Equal(t, want.SortedNames(), got.SortedNames())
	for name, w := range want {
		requireClose(t, got[name], w, tol)
	}
}
