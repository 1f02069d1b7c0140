package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tallenb/remedy/internal/models"
)

func alert(fingerprint string) models.Alert {
	return models.Alert{
		Status:      models.StatusFiring,
		Fingerprint: fingerprint,
		Labels:      map[string]string{"alertname": "DiskFull", "instance": "nexus:9100"},
	}
}

func TestQueueFIFO(t *testing.T) {
	q := New(10, time.Hour)
	q.Push(alert("a"))
	q.Push(alert("b"))
	q.Push(alert("c"))

	for _, want := range []string{"a", "b", "c"} {
		entry, ok := q.Pop()
		if !ok {
			t.Fatalf("expected entry %q, queue empty", want)
		}
		if entry.Alert.Fingerprint != want {
			t.Errorf("popped %q, want %q", entry.Alert.Fingerprint, want)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Error("queue should be empty")
	}
}

func TestQueueDropsOldestOnOverflow(t *testing.T) {
	q := New(2, time.Hour)
	q.Push(alert("a"))
	q.Push(alert("b"))
	q.Push(alert("c"))

	if q.Len() != 2 {
		t.Fatalf("len = %d, want 2", q.Len())
	}
	entry, _ := q.Pop()
	if entry.Alert.Fingerprint != "b" {
		t.Errorf("oldest surviving entry = %q, want b", entry.Alert.Fingerprint)
	}
}

func TestQueueDropsExpiredAtPop(t *testing.T) {
	q := New(10, 10*time.Millisecond)
	q.Push(alert("stale"))
	time.Sleep(20 * time.Millisecond)
	q.Push(alert("fresh"))

	entry, ok := q.Pop()
	if !ok {
		t.Fatal("expected the fresh entry")
	}
	if entry.Alert.Fingerprint != "fresh" {
		t.Errorf("popped %q, want fresh", entry.Alert.Fingerprint)
	}
}

func TestQueueDefaults(t *testing.T) {
	q := New(0, 0)
	if q.capacity != 1000 {
		t.Errorf("default capacity = %d, want 1000", q.capacity)
	}
	if q.ttl != time.Hour {
		t.Errorf("default ttl = %s, want 1h", q.ttl)
	}
}

type fakeHealth struct {
	err error
}

func (f *fakeHealth) Ping(context.Context) error { return f.err }

func TestDrainerHoldsWhileStoreDown(t *testing.T) {
	q := New(10, time.Hour)
	q.Push(alert("a"))

	health := &fakeHealth{err: errors.New("database locked")}
	var handled []string
	d := NewDrainer(q, health, func(_ context.Context, a models.Alert) {
		handled = append(handled, a.Fingerprint)
	})

	d.drainOnce(context.Background())
	if len(handled) != 0 {
		t.Fatalf("nothing should drain while the store is down, got %v", handled)
	}
	if q.Len() != 1 {
		t.Errorf("queue should still hold the entry, len = %d", q.Len())
	}

	// Store recovers: everything drains in order.
	q.Push(alert("b"))
	health.err = nil
	d.drainOnce(context.Background())
	if len(handled) != 2 || handled[0] != "a" || handled[1] != "b" {
		t.Errorf("drained %v, want [a b]", handled)
	}
	if q.Len() != 0 {
		t.Errorf("queue should be empty after drain, len = %d", q.Len())
	}
}
