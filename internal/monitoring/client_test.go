package monitoring

import (
	"math"
	"testing"
	"time"

	"github.com/prometheus/common/model"
)

func samples(base time.Time, step time.Duration, values ...float64) []SamplePair {
	out := make([]SamplePair, len(values))
	for i, v := range values {
		out[i] = SamplePair{Timestamp: base.Add(time.Duration(i) * step), Value: v}
	}
	return out
}

func TestSlopePerHour(t *testing.T) {
	base := time.Now()

	// One unit per hour, sampled every 15 minutes.
	rising := samples(base, 15*time.Minute, 0, 0.25, 0.5, 0.75, 1.0)
	if got := slopePerHour(rising); math.Abs(got-1.0) > 1e-9 {
		t.Errorf("rising slope = %f, want 1.0", got)
	}

	falling := samples(base, 15*time.Minute, 10, 9.75, 9.5, 9.25, 9.0)
	if got := slopePerHour(falling); math.Abs(got+1.0) > 1e-9 {
		t.Errorf("falling slope = %f, want -1.0", got)
	}

	flat := samples(base, 15*time.Minute, 5, 5, 5, 5)
	if got := slopePerHour(flat); got != 0 {
		t.Errorf("flat slope = %f, want 0", got)
	}

	if got := slopePerHour(samples(base, time.Minute, 42)); got != 0 {
		t.Errorf("single sample slope = %f, want 0", got)
	}
	if got := slopePerHour(nil); got != 0 {
		t.Errorf("empty slope = %f, want 0", got)
	}
}

func TestStillFiring(t *testing.T) {
	alerts := []ActiveAlert{
		{Alertname: "DiskFull", Instance: "nexus:9100", State: "firing"},
		{Alertname: "ContainerDown", Instance: "nexus:9323", State: "pending"},
	}

	if !stillFiring(alerts, "DiskFull", "nexus:9100") {
		t.Error("exact match should be firing")
	}
	if stillFiring(alerts, "DiskFull", "outpost:9100") {
		t.Error("different instance should not match")
	}
	// Pending does not count as firing.
	if stillFiring(alerts, "ContainerDown", "nexus:9323") {
		t.Error("pending alerts must not count as firing")
	}
	if stillFiring(alerts, "NoSuchAlert", "") {
		t.Error("unknown alertname should not match")
	}
	// Empty instance matches any instance of the alertname.
	if !stillFiring(alerts, "DiskFull", "") {
		t.Error("empty instance should match any firing instance")
	}
}

func TestSeriesFromValue(t *testing.T) {
	now := model.Now()

	vector := model.Vector{
		&model.Sample{
			Metric:    model.Metric{"instance": "nexus:9100", "__name__": "up"},
			Value:     1,
			Timestamp: now,
		},
	}
	got := seriesFromValue(vector)
	if len(got) != 1 {
		t.Fatalf("vector series = %d, want 1", len(got))
	}
	if got[0].Labels["instance"] != "nexus:9100" || got[0].Values[0].Value != 1 {
		t.Errorf("vector result = %+v", got[0])
	}

	matrix := model.Matrix{
		&model.SampleStream{
			Metric: model.Metric{"instance": "nexus:9100"},
			Values: []model.SamplePair{
				{Timestamp: now, Value: 0.5},
				{Timestamp: now.Add(time.Minute), Value: 0.6},
			},
		},
	}
	got = seriesFromValue(matrix)
	if len(got) != 1 || len(got[0].Values) != 2 {
		t.Fatalf("matrix result = %+v", got)
	}
	if got[0].Values[1].Value != 0.6 {
		t.Errorf("matrix values = %+v", got[0].Values)
	}

	scalar := &model.Scalar{Value: 42, Timestamp: now}
	got = seriesFromValue(scalar)
	if len(got) != 1 || got[0].Values[0].Value != 42 {
		t.Errorf("scalar result = %+v", got)
	}

	if got := seriesFromValue(nil); got != nil {
		t.Errorf("nil value should produce nil series, got %+v", got)
	}
}
