package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tallenb/remedy/internal/models"
	"github.com/tallenb/remedy/internal/suppress"
)

func TestSendDelivers(t *testing.T) {
	var payload webhookPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Errorf("bad payload: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	n := New(server.URL)
	n.Send(context.Background(), Embed{Title: "Resolved: DiskFull"})

	if len(payload.Embeds) != 1 || payload.Embeds[0].Title != "Resolved: DiskFull" {
		t.Errorf("payload = %+v", payload)
	}
	if payload.Embeds[0].Timestamp == "" {
		t.Error("timestamp should be filled in")
	}
}

func TestSendRetriesOnceThenDrops(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	n := New(server.URL)
	n.Send(context.Background(), Embed{Title: "x"})

	if calls != 2 {
		t.Errorf("delivery attempts = %d, want 2", calls)
	}
}

func TestSendRecoversOnRetry(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	n := New(server.URL)
	n.Send(context.Background(), Embed{Title: "x"})

	if calls != 2 {
		t.Errorf("delivery attempts = %d, want 2", calls)
	}
}

func TestEmptyURLDisablesDelivery(t *testing.T) {
	n := New("")
	// Must not panic or block.
	n.Send(context.Background(), Embed{Title: "x"})
	n.Info(context.Background(), "t", "d")
}

func TestEscalationEmbed(t *testing.T) {
	var payload webhookPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &payload)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	n := New(server.URL)
	n.Escalation(context.Background(), models.Attempt{
		Alertname:        "ContainerDown",
		Instance:         "nexus:9323",
		AttemptNumber:    3,
		Analysis:         "restart loop, exit 137",
		CommandsExecuted: []string{"docker restart nginx"},
		Error:            "still firing after verification",
	}, "attempt budget exhausted")

	embed := payload.Embeds[0]
	if embed.Title != "Escalated: ContainerDown" {
		t.Errorf("title = %q", embed.Title)
	}
	if embed.Color != colorRed {
		t.Errorf("color = %#x, want red", embed.Color)
	}
	if embed.Description != "attempt budget exhausted" {
		t.Errorf("description = %q", embed.Description)
	}
	var sawAttempts bool
	for _, f := range embed.Fields {
		if f.Name == "Attempts" && f.Value == "3" {
			sawAttempts = true
		}
	}
	if !sawAttempts {
		t.Errorf("fields = %+v", embed.Fields)
	}
}

func TestSuppressionSummary(t *testing.T) {
	var payload webhookPayload
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &payload)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	n := New(server.URL)

	// An empty batch sends nothing.
	n.SuppressionSummary(context.Background(), nil)
	if calls != 0 {
		t.Fatal("empty summary should not be delivered")
	}

	n.SuppressionSummary(context.Background(), []suppress.SuppressedRecord{
		{Alertname: "ContainerDown", Instance: "nexus:9323", SuppressedBy: "HostDown"},
		{Alertname: "HighLatency", Instance: "web:8080", SuppressedBy: "postgres"},
	})
	if calls != 1 {
		t.Fatalf("delivery calls = %d, want 1", calls)
	}
	embed := payload.Embeds[0]
	if !strings.Contains(embed.Title, "2") {
		t.Errorf("title = %q", embed.Title)
	}
	if !strings.Contains(embed.Description, "suppressed by HostDown") {
		t.Errorf("description = %q", embed.Description)
	}
}

func TestTruncateField(t *testing.T) {
	long := strings.Repeat("x", maxFieldLength+100)
	got := truncateField(long)
	if len(got) != maxFieldLength+3 {
		t.Errorf("truncated length = %d", len(got))
	}
	if !strings.HasSuffix(got, "...") {
		t.Error("truncation should add an ellipsis")
	}
}
