// Package benchmarks implements support functionality for the benchmark tests of the MXNet
// convolution lowering, comparing it against the native GoMLX convolution and a pure Go version.
package benchmarks

import (
	"fmt"
	"math"
	"strconv"
	"testing"
	"time"

	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/require"
)

// requireSameTensorsFloat32 fails the test if got and want differ in shape, or if any element differs by
// more than delta. Only the first few mismatches are logged.
func requireSameTensorsFloat32(t testing.TB, want, got *tensors.Tensor, delta float64) {
	t.Helper()
	require.True(t, got.Shape().Equal(want.Shape()), "got shape %s, want %s", got.Shape(), want.Shape())
	gotFlat := tensors.MustCopyFlatData[float32](got)
	wantFlat := tensors.MustCopyFlatData[float32](want)
	var mismatches int
	flatIdx := 0
	for indices := range got.Shape().Iter() {
		if diff := math.Abs(float64(gotFlat[flatIdx]) - float64(wantFlat[flatIdx])); diff > delta {
			if mismatches < maxReportedMismatches {
				t.Logf("index %v: got %f, want %f (diff %g)", indices, gotFlat[flatIdx], wantFlat[flatIdx], diff)
			}
			mismatches++
		}
		flatIdx++
	}
	require.Zerof(t, mismatches, "found %d mismatches out of %d elements (delta=%g)", mismatches, len(gotFlat), delta)
}

const maxReportedMismatches = 3

// formatDuration formats the duration with 2 decimal places but keeping the unit suffix.
func formatDuration(d time.Duration) string {
	s := d.String()
	i := 0
	for ; i < len(s); i++ {
		if (s[i] < '0' || s[i] > '9') && s[i] != '.' {
			break
		}
	}
	// Found the time unit (the suffix)
	num := s[:i]
	unit := s[i:]
	f, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return s
	}
	return fmt.Sprintf("%.2f%s", f, unit)
}
