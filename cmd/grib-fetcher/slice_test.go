package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSliceName(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://example.com/hrrr.20251201/conus/hrrr.t12z.wrfsfcf06.grib2", "hrrr.t12z.wrfsfcf06.subset.grib2"},
		{"https://example.com/blend.t12z.core.f001.co.grib2?X-Amz=1", "blend.t12z.core.f001.co.subset.grib2"},
		{"https://example.com/gfs.t00z.pgrb2.0p25.f000", "gfs.t00z.pgrb2.0p25.f000.subset.grib2"},
		{"file:///data/rrfs.t06z.prslev.f003.grb2", "rrfs.t06z.prslev.f003.subset.grb2"},
	}
	for _, tt := range tests {
		got, err := defaultSliceName(tt.url)
		require.NoError(t, err, tt.url)
		assert.Equal(t, tt.want, got)
	}

	_, err := defaultSliceName("https://example.com/")
	assert.Error(t, err)
}
