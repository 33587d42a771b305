package observability

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/tbourn/go-credits-backend/internal/config"
)

// recordingClient stands in for the gRPC client so no collector is dialed.
// Uploads are not expected in these tests.
type recordingClient struct {
	otlptrace.Client
	started atomic.Int32
	stopped atomic.Int32
}

func (c *recordingClient) Start(context.Context) error { c.started.Add(1); return nil }
func (c *recordingClient) Stop(context.Context) error  { c.stopped.Add(1); return nil }

// withClient routes SetupOTel through client and records how many options
// the exporter was built with.
func withClient(t *testing.T, client otlptrace.Client) *int {
	t.Helper()
	prevClient := newOTLPClient
	prevTP := otel.GetTracerProvider()
	prevProp := otel.GetTextMapPropagator()
	t.Cleanup(func() {
		newOTLPClient = prevClient
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})

	nopts := new(int)
	newOTLPClient = func(opts ...otlptracegrpc.Option) otlptrace.Client {
		*nopts = len(opts)
		return client
	}
	return nopts
}

func enabledConfig() config.OTELConfig {
	return config.OTELConfig{
		Enabled:     true,
		Insecure:    true,
		Endpoint:    "collector:4317",
		ServiceName: "credits-api",
		SampleRatio: 0.5,
	}
}

func TestSetupOTel_DisabledLeavesGlobals(t *testing.T) {
	client := &recordingClient{}
	withClient(t, client)
	prevTP := otel.GetTracerProvider()

	cfg := enabledConfig()
	cfg.Enabled = false
	shutdown, err := SetupOTel(context.Background(), cfg, "v1")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("no-op shutdown: %v", err)
	}
	if client.started.Load() != 0 {
		t.Fatalf("exporter started while disabled")
	}
	if otel.GetTracerProvider() != prevTP {
		t.Fatalf("tracer provider replaced while disabled")
	}
}

func TestSetupOTel_InstallsProviderAndStopsExporter(t *testing.T) {
	client := &recordingClient{}
	nopts := withClient(t, client)

	shutdown, err := SetupOTel(context.Background(), enabledConfig(), "v1.4.0")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if *nopts != len(exporterOptions(enabledConfig())) {
		t.Fatalf("client built with %d options", *nopts)
	}
	if client.started.Load() != 1 {
		t.Fatalf("exporter not started")
	}
	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Fatalf("expected *sdktrace.TracerProvider, got %T", otel.GetTracerProvider())
	}

	fields := strings.Join(otel.GetTextMapPropagator().Fields(), ",")
	if !strings.Contains(fields, "traceparent") || !strings.Contains(fields, "baggage") {
		t.Fatalf("propagator fields = %q", fields)
	}

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if client.stopped.Load() != 1 {
		t.Fatalf("exporter not stopped on shutdown")
	}
}

func TestSetupOTel_ResourceErrorShutsDownExporter(t *testing.T) {
	client := &recordingClient{}
	withClient(t, client)
	prevTP := otel.GetTracerProvider()
	prevProp := otel.GetTextMapPropagator()

	prevRes := newServiceResourceFn
	t.Cleanup(func() { newServiceResourceFn = prevRes })
	boom := errors.New("resource detection failed")
	newServiceResourceFn = func(context.Context, string, string) (*resource.Resource, error) {
		return nil, boom
	}

	_, err := SetupOTel(context.Background(), enabledConfig(), "v1")
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if client.started.Load() != 1 || client.stopped.Load() != 1 {
		t.Fatalf("exporter started=%d stopped=%d, want 1/1", client.started.Load(), client.stopped.Load())
	}
	if otel.GetTracerProvider() != prevTP || otel.GetTextMapPropagator() != prevProp {
		t.Fatalf("globals changed after failed setup")
	}
}

func TestSetupOTel_ExporterErrorSkipsResource(t *testing.T) {
	withClient(t, &recordingClient{})

	prevExp, prevRes := newOTLPExporterFn, newServiceResourceFn
	t.Cleanup(func() { newOTLPExporterFn, newServiceResourceFn = prevExp, prevRes })
	newOTLPExporterFn = func(context.Context, otlptrace.Client) (*otlptrace.Exporter, error) {
		return nil, errors.New("dial collector")
	}
	var resourceCalls int
	newServiceResourceFn = func(context.Context, string, string) (*resource.Resource, error) {
		resourceCalls++
		return resource.Empty(), nil
	}

	if _, err := SetupOTel(context.Background(), enabledConfig(), "v1"); err == nil {
		t.Fatalf("expected exporter error")
	}
	if resourceCalls != 0 {
		t.Fatalf("resource built after exporter failure")
	}
}

func TestServiceResource_CarriesNamespace(t *testing.T) {
	res, err := newServiceResourceFn(context.Background(), "credits-api", "v2.0.1")
	if err != nil {
		t.Fatalf("resource: %v", err)
	}
	set := res.Set()
	want := []struct {
		key attribute.Key
		val string
	}{
		{semconv.ServiceNameKey, "credits-api"},
		{semconv.ServiceVersionKey, "v2.0.1"},
		{semconv.ServiceNamespaceKey, ServiceNamespace},
	}
	for _, w := range want {
		got, ok := set.Value(w.key)
		if !ok || got.AsString() != w.val {
			t.Fatalf("%s = %q (present=%v), want %q", w.key, got.AsString(), ok, w.val)
		}
	}
}

func TestExporterOptions(t *testing.T) {
	if n := len(exporterOptions(config.OTELConfig{Endpoint: "otel:4317", Insecure: true})); n != 2 {
		t.Fatalf("insecure options = %d, want endpoint plus insecure", n)
	}
	if n := len(exporterOptions(config.OTELConfig{Endpoint: "otel:4317"})); n != 2 {
		t.Fatalf("tls options = %d, want endpoint plus credentials", n)
	}
}

func TestSampler_ClampsRatio(t *testing.T) {
	cases := []struct {
		ratio  float64
		prefix string
	}{
		{-0.5, "ParentBased{root:TraceIDRatioBased{0}"},
		{0.25, "ParentBased{root:TraceIDRatioBased{0.25}"},
		{1, "ParentBased{root:AlwaysOnSampler"},
		{2, "ParentBased{root:AlwaysOnSampler"},
	}
	for _, tc := range cases {
		if got := sampler(tc.ratio).Description(); !strings.HasPrefix(got, tc.prefix) {
			t.Fatalf("sampler(%v) = %q, want prefix %q", tc.ratio, got, tc.prefix)
		}
	}
}
