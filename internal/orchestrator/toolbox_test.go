package orchestrator

import (
	"testing"
	"time"

	"github.com/tallenb/remedy/internal/monitoring"
)

func TestLabelStringIsDeterministic(t *testing.T) {
	labels := map[string]string{
		"instance":  "nexus:9100",
		"job":       "node",
		"alertname": "DiskFull",
		"device":    "/dev/sda1",
	}
	want := "{alertname=DiskFull,device=/dev/sda1,instance=nexus:9100,job=node}"
	for i := 0; i < 10; i++ {
		if got := labelString(labels); got != want {
			t.Fatalf("labelString = %q, want %q", got, want)
		}
	}

	if got := labelString(nil); got != "{}" {
		t.Errorf("empty labels = %q, want {}", got)
	}
}

func TestFormatSeries(t *testing.T) {
	ts := time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC)
	out := formatSeries([]monitoring.Series{{
		Labels: map[string]string{"instance": "nexus:9100"},
		Values: []monitoring.SamplePair{{Timestamp: ts, Value: 0.93}},
	}})
	want := "{instance=nexus:9100} 10:30:00=0.93\n"
	if out != want {
		t.Errorf("formatSeries = %q, want %q", out, want)
	}
}
