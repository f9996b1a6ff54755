package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOpTimings_SummaryAggregates(t *testing.T) {
	timings := NewOpTimings(100)
	for i := 1; i <= 10; i++ {
		timings.Observe("populate", time.Duration(i)*time.Millisecond)
	}

	s := timings.Summary("populate")
	assert.Equal(t, 10, s.Count)
	assert.Equal(t, time.Millisecond, s.Min)
	assert.Equal(t, 10*time.Millisecond, s.Max)
	assert.Equal(t, 5*time.Millisecond, s.P50)
	assert.True(t, s.P95 >= s.P50)
	assert.True(t, s.P99 >= s.P95)
}

func TestOpTimings_UnknownOpIsZero(t *testing.T) {
	timings := NewOpTimings(10)
	assert.Equal(t, TimingSummary{}, timings.Summary("never-recorded"))
}

func TestOpTimings_WindowEvictsOldest(t *testing.T) {
	timings := NewOpTimings(3)
	timings.Observe("op", time.Hour)
	timings.Observe("op", time.Millisecond)
	timings.Observe("op", 2*time.Millisecond)
	timings.Observe("op", 3*time.Millisecond)

	s := timings.Summary("op")
	assert.Equal(t, 3, s.Count)
	assert.Equal(t, 3*time.Millisecond, s.Max, "the hour-long outlier aged out of the window")
}

func TestReportSQLPool_NilDBIsHealthy(t *testing.T) {
	report := ReportSQLPool(nil)
	assert.Equal(t, PoolHealthy, report.Condition)
}
