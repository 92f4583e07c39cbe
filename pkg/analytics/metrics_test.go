package analytics

import (
	"math"
	"strings"
	"testing"
	"time"
)

func mustParseRFC3339(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parsing %q: %v", s, err)
	}
	return ts
}

func TestFormatNumberIntegersHaveNoDecimalPoint(t *testing.T) {
	if got := formatNumber(42); got != "42" {
		t.Fatalf("formatNumber(42) = %q, want %q", got, "42")
	}
	if got := formatNumber(0); got != "0" {
		t.Fatalf("formatNumber(0) = %q, want %q", got, "0")
	}
}

func TestFormatNumberTrimsTrailingZeros(t *testing.T) {
	if got := formatNumber(1.5); got != "1.5" {
		t.Fatalf("formatNumber(1.5) = %q, want %q", got, "1.5")
	}
	if got := formatNumber(0.333333); got != "0.333333" {
		t.Fatalf("formatNumber(0.333333) = %q, want %q", got, "0.333333")
	}
}

func TestFormatNumberNaNAndInfBecomeZero(t *testing.T) {
	if got := formatNumber(math.NaN()); got != "0" {
		t.Fatalf("formatNumber(NaN) = %q, want %q", got, "0")
	}
	if got := formatNumber(math.Inf(1)); got != "0" {
		t.Fatalf("formatNumber(+Inf) = %q, want %q", got, "0")
	}
	if got := formatNumber(math.Inf(-1)); got != "0" {
		t.Fatalf("formatNumber(-Inf) = %q, want %q", got, "0")
	}
}

func TestEscapeLabelValueOrdersBackslashBeforeQuote(t *testing.T) {
	got := escapeLabelValue(`a\b"c` + "\n" + "d")
	want := `a\\b\"c\nd`
	if got != want {
		t.Fatalf("escapeLabelValue = %q, want %q", got, want)
	}
}

func TestRenderMetricSortsLabelsForDeterministicOutput(t *testing.T) {
	got := renderMetric("m", 1, map[string]string{"b": "2", "a": "1"})
	want := `m{a="1",b="2"} 1`
	if got != want {
		t.Fatalf("renderMetric = %q, want %q", got, want)
	}
}

func TestRenderMetricWithoutLabels(t *testing.T) {
	got := renderMetric("m", 3.5, nil)
	if got != "m 3.5" {
		t.Fatalf("renderMetric = %q, want %q", got, "m 3.5")
	}
}

func TestRenderErrorOnlyPayloadContainsCounterLine(t *testing.T) {
	payload := renderErrorOnlyPayload()
	if !strings.Contains(payload, "preflight_metrics_render_errors_total") {
		t.Fatalf("renderErrorOnlyPayload() missing render-errors counter line: %q", payload)
	}
}

func TestPercentileSingleValue(t *testing.T) {
	if got := percentile([]float64{42}, 95); got != 42 {
		t.Fatalf("percentile single value = %v, want 42", got)
	}
}

func TestPercentileInterpolatesBetweenOrderStatistics(t *testing.T) {
	values := []float64{10, 20, 30, 40, 50}
	got := percentile(values, 50)
	if got != 30 {
		t.Fatalf("percentile(50) = %v, want 30", got)
	}
}

func TestPercentileClampsOutOfRangeInput(t *testing.T) {
	values := []float64{1, 2, 3}
	if got := percentile(values, 150); got != 3 {
		t.Fatalf("percentile(150) = %v, want 3", got)
	}
	if got := percentile(values, -10); got != 1 {
		t.Fatalf("percentile(-10) = %v, want 1", got)
	}
}

func TestBucketStartFloorsToDayOrHour(t *testing.T) {
	ts := mustParseRFC3339(t, "2026-07-30T14:32:10Z")
	day := bucketStart(ts, "day")
	if day.Hour() != 0 || day.Minute() != 0 {
		t.Fatalf("bucketStart(day) = %v, want midnight", day)
	}
	hour := bucketStart(ts, "hour")
	if hour.Minute() != 0 || hour.Hour() != 14 {
		t.Fatalf("bucketStart(hour) = %v, want 14:00", hour)
	}
}
