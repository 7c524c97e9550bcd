package tracking

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ViljarVoidula/graphql-gateway/internal/domain"
)

func emitterMeasurement(name string, hasErrors bool) domain.Measurement {
	m := testMeasurement(0)
	m.OperationName = name
	m.HasErrors = hasErrors
	return m
}

func TestEmitterRecordsCountersAndHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	e := NewEmitter(reg, EmitterConfig{SampleRate: 1, ErrorSampleRate: 1}, nil)

	e.Record(emitterMeasurement("getUser", false))
	e.Record(emitterMeasurement("getUser", true))

	labels := prometheus.Labels{"operation_name": "getUser", "service_id": "svc-1", "application_id": "app-1"}
	if got := testutil.ToFloat64(e.requests.With(labels)); got != 2 {
		t.Fatalf("expected 2 sampled requests, got %v", got)
	}
	if got := testutil.ToFloat64(e.errors.With(labels)); got != 1 {
		t.Fatalf("expected 1 sampled error, got %v", got)
	}
}

func TestEmitterPoolClearsOnOverflow(t *testing.T) {
	reg := prometheus.NewRegistry()
	e := NewEmitter(reg, EmitterConfig{SampleRate: 1, ErrorSampleRate: 1, PoolLimit: 3}, nil)

	for _, name := range []string{"a", "b", "c"} {
		e.Record(emitterMeasurement(name, false))
	}
	if size := e.Stats().OperationPool; size != 3 {
		t.Fatalf("expected pool at capacity 3, got %d", size)
	}
	// The fourth distinct name overflows the pool; it is cleared wholesale
	// rather than evicted entry by entry.
	e.Record(emitterMeasurement("d", false))
	if size := e.Stats().OperationPool; size != 1 {
		t.Fatalf("expected pool cleared to 1 entry after overflow, got %d", size)
	}
}

func TestEmitterSwallowsRecordingFaults(t *testing.T) {
	reg := prometheus.NewRegistry()
	e := NewEmitter(reg, EmitterConfig{SampleRate: 1, ErrorSampleRate: 1}, nil)
	e.latency = nil // forces a panic inside Record
	e.Record(emitterMeasurement("getUser", false))
}

func TestEmitterApplySettings(t *testing.T) {
	e := NewEmitter(nil, EmitterConfig{}, nil)
	e.ApplySettings(domain.TrackingSettings{TelemetryRate: 0.25, TelemetryErrRate: 0.75})
	stats := e.Stats()
	if stats.SampleRate != 0.25 || stats.ErrorSampleRate != 0.75 {
		t.Fatalf("settings not applied: %+v", stats)
	}
}
