package thermal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sessionStart = time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

func TestFirstSessionSetsEstimateDirectly(t *testing.T) {
	tr := &Tracker{}
	tr.OnHeaterStarted(18.0, sessionStart)

	// 1200W for 60 minutes raising 1°C: 1200 Wh/°C.
	updated := tr.OnHeaterStopped(19.0, 1200, sessionStart.Add(time.Hour))

	require.True(t, updated)
	assert.Equal(t, 1, tr.SampleCount)
	assert.InDelta(t, 1200.0, tr.WhPerDegree, 1e-9)
	assert.True(t, tr.HasEstimate())
	assert.False(t, tr.HasSession())
}

func TestSubsequentSessionsUseEMA(t *testing.T) {
	tr := &Tracker{WhPerDegree: 1000, SampleCount: 1}
	tr.OnHeaterStarted(18.0, sessionStart)

	// Sample: 1200W * 0.5h / 0.5°C = 1200 Wh/°C.
	updated := tr.OnHeaterStopped(18.5, 1200, sessionStart.Add(30*time.Minute))

	require.True(t, updated)
	assert.Equal(t, 2, tr.SampleCount)
	// 0.3*1200 + 0.7*1000
	assert.InDelta(t, 1060.0, tr.WhPerDegree, 1e-9)
}

func TestSessionDiscards(t *testing.T) {
	tests := []struct {
		name     string
		endTemp  float64
		duration time.Duration
		power    float64
	}{
		{"too short", 19.0, 3 * time.Minute, 1200},
		{"insufficient temperature change", 18.1, time.Hour, 1200},
		{"temperature dropped", 17.0, time.Hour, 1200},
		{"zero power", 19.0, time.Hour, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &Tracker{}
			tr.OnHeaterStarted(18.0, sessionStart)

			updated := tr.OnHeaterStopped(tt.endTemp, tt.power, sessionStart.Add(tt.duration))

			assert.False(t, updated)
			assert.Equal(t, 0, tr.SampleCount)
			assert.False(t, tr.HasEstimate())
		})
	}
}

func TestStopWithoutSessionIsNoop(t *testing.T) {
	tr := &Tracker{WhPerDegree: 900, SampleCount: 3}

	assert.False(t, tr.OnHeaterStopped(20.0, 1200, sessionStart))
	assert.Equal(t, 3, tr.SampleCount)
	assert.Equal(t, 900.0, tr.WhPerDegree)
}

func TestBlendWithPeak(t *testing.T) {
	tests := []struct {
		name        string
		learned     float64
		known       bool
		peak        float64
		sampleCount int
		want        float64
	}{
		{"unknown learned returns peak", 0, false, 1000, 0, 1000},
		{"zero samples returns peak", 800, true, 1000, 0, 1000},
		{"half confidence blends halfway", 800, true, 1000, 5, 900},
		{"full confidence returns learned", 800, true, 1000, 10, 800},
		{"confidence caps at ten samples", 800, true, 1000, 50, 800},
		{"lower clamp at 10% of peak", 10, true, 1000, 10, 100},
		{"upper clamp at 120% of peak", 5000, true, 1000, 10, 1200},
		{"non-positive peak returned unchanged", 800, true, 0, 10, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, BlendWithPeak(tt.learned, tt.known, tt.peak, tt.sampleCount), 1e-9)
		})
	}
}
