package telemetry

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"

	"github.com/vinayprograms/presencekit/presence"
)

func TestNoopExporter(t *testing.T) {
	exp := NewNoopExporter()

	// Should not panic
	exp.LogEvent("test", map[string]interface{}{"key": "value"})

	if err := exp.Flush(); err != nil {
		t.Errorf("Flush() error = %v", err)
	}
	if err := exp.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestFileExporter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")

	exp, err := NewFileExporter(path)
	if err != nil {
		t.Fatalf("NewFileExporter() error = %v", err)
	}

	exp.LogEvent("test_event", map[string]interface{}{"foo": "bar"})
	LogNotification(exp, presence.Notification{
		EventID:   "evt-1",
		DeviceID:  "d1",
		Status:    presence.StatusOffline,
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	exp.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}

	var ev Event
	if err := json.Unmarshal([]byte(lines[1]), &ev); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if ev.Name != "status_changed" {
		t.Errorf("Name = %q, want status_changed", ev.Name)
	}
	if ev.Data["device_id"] != "d1" || ev.Data["status"] != "offline" {
		t.Errorf("Data = %v", ev.Data)
	}
}

func TestHTTPExporter(t *testing.T) {
	var (
		mu     sync.Mutex
		events []Event
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var batch []Event
		if err := json.Unmarshal(body, &batch); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		events = append(events, batch...)
		mu.Unlock()
	}))
	defer srv.Close()

	exp := NewHTTPExporter(srv.URL)
	exp.LogEvent("a", nil)
	exp.LogEvent("b", nil)

	if err := exp.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 {
		t.Errorf("server received %d events, want 2", len(events))
	}
}

func TestHTTPExporter_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	exp := NewHTTPExporter(srv.URL)
	exp.LogEvent("a", nil)
	if err := exp.Flush(); err == nil {
		t.Error("expected error for 500 response")
	}
}

func TestNewExporter(t *testing.T) {
	tests := []struct {
		protocol string
		wantErr  bool
	}{
		{"noop", false},
		{"", false},
		{"http", false},
		{"unknown", true},
	}

	for _, tt := range tests {
		t.Run(tt.protocol, func(t *testing.T) {
			exp, err := NewExporter(tt.protocol, "")
			if (err != nil) != tt.wantErr {
				t.Errorf("NewExporter() error = %v, wantErr %v", err, tt.wantErr)
			}
			if exp != nil {
				exp.Close()
			}
		})
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()

	// Should not panic
	m.Event(ctx, "heartbeat", time.Millisecond, "")
	m.Notification(ctx, "online", "published")
	m.MailboxDelta(ctx, 1)
	m.BusDropped(ctx, "presence.timeout")
}

func TestMetrics_Record(t *testing.T) {
	m, err := NewMetrics(noop.NewMeterProvider().Meter(MeterName))
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	ctx := context.Background()

	m.Event(ctx, "timeout_check", 2*time.Millisecond, "UNAVAILABLE")
	m.Notification(ctx, "offline", "QUEUE_FULL")
	m.MailboxDelta(ctx, -1)
	m.BusDropped(ctx, "presence.timeout")

	if DefaultMetrics() == nil {
		t.Error("DefaultMetrics() returned nil")
	}
}

func TestTracer_Spans(t *testing.T) {
	tr := GetTracer()
	ctx := context.Background()

	ctx, span := tr.StartDispatchSpan(ctx, "d1", "heartbeat")
	EndSpan(span, nil)

	_, span = tr.StartIngressSpan(ctx, "presence.heartbeat")
	EndSpan(span, io.EOF)

	_, span = tr.StartServerSpan(ctx, "GET /api/devices/{id}", propagation.HeaderCarrier(http.Header{}))
	EndSpan(span, nil)
}

func TestInitProvider_NoEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	if _, err := InitProvider(context.Background(), ProviderConfig{}); err == nil {
		t.Error("expected error without endpoint")
	}
}

func TestInitProvider_UnknownProtocol(t *testing.T) {
	_, err := InitProvider(context.Background(), ProviderConfig{
		Endpoint: "localhost:4317",
		Protocol: "carrier-pigeon",
	})
	if err == nil {
		t.Error("expected error for unknown protocol")
	}
}
