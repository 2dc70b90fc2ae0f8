// Package telemetry wraps the ingestion and firewall-sync hot paths
// in OpenTelemetry spans. Kept close to a conventional Provider shape —
// same exporter switch, same sync-exporter trace provider, same
// graceful-degrade-to-noop behavior when telemetry is disabled or
// fails to initialize — retargeted from proxy request/session spans to
// offense ingestion and per-firewall sync passes.
package telemetry

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config holds telemetry configuration.
type Config struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "otlp", "stdout", or "none"
	Endpoint    string `yaml:"endpoint"` // OTLP endpoint (e.g., "localhost:4317")
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// Provider manages OpenTelemetry tracing.
type Provider struct {
	config   Config
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

// NewProvider creates a new telemetry provider.
func NewProvider(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{config: cfg, tracer: otel.Tracer("mimosad")}, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "mimosad"
	}

	slog.Info("creating telemetry exporter", "type", cfg.Exporter)

	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case "otlp":
		exporter, err = createOTLPExporter(cfg)
		if err != nil {
			return nil, err
		}
		slog.Info("OTLP exporter initialized", "endpoint", cfg.Endpoint)
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			slog.Error("stdout exporter creation failed", "error", err)
			return nil, err
		}
		slog.Info("stdout trace exporter initialized")
	default:
		return &Provider{config: cfg, tracer: otel.Tracer("mimosad")}, nil
	}

	// Sync exporter, no resource attached, same as the existing
	// schema-version-conflict-avoidance shortcut.
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)

	return &Provider{config: cfg, tracer: tp.Tracer("mimosad"), provider: tp}, nil
}

func createOTLPExporter(cfg Config) (sdktrace.SpanExporter, error) {
	ctx := context.Background()

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptracegrpc.New(ctx, opts...)
}

// Tracer returns the tracer for creating spans.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Shutdown gracefully shuts down the trace provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider != nil {
		return p.provider.Shutdown(ctx)
	}
	return nil
}

// Enabled returns whether telemetry is enabled.
func (p *Provider) Enabled() bool {
	return p.config.Enabled && p.provider != nil
}

// Span attributes.
const (
	AttrSourceIP       = "mimosa.source_ip"
	AttrPlugin         = "mimosa.plugin"
	AttrSeverity       = "mimosa.severity"
	AttrRuleID         = "mimosa.rule.id"
	AttrFirewallID     = "mimosa.firewall.id"
	AttrFirewallName   = "mimosa.firewall.name"
	AttrFirewallType   = "mimosa.firewall.type"
	AttrBlockCount     = "mimosa.block.count"
	AttrEscalated      = "mimosa.escalated"
	AttrResponseStatus = "mimosa.sync.ok"
)

// StartIngestSpan starts a span covering one offense's submission
// through the ingest pipeline.
func (p *Provider) StartIngestSpan(ctx context.Context, sourceIP, plugin string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "ingest.submit",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String(AttrSourceIP, sourceIP),
			attribute.String(AttrPlugin, plugin),
		),
	)
}

// EndIngestSpan ends an ingest span, recording whether it escalated
// to a block and the severity involved.
func (p *Provider) EndIngestSpan(span trace.Span, severity string, escalated bool, err error) {
	span.SetAttributes(
		attribute.String(AttrSeverity, severity),
		attribute.Bool(AttrEscalated, escalated),
	)
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// StartFirewallSpan starts a span covering one reconciliation pass
// against a single firewall appliance.
func (p *Provider) StartFirewallSpan(ctx context.Context, firewallID uint64, name, kind string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "firewall.sync",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.Int64(AttrFirewallID, int64(firewallID)),
			attribute.String(AttrFirewallName, name),
			attribute.String(AttrFirewallType, kind),
		),
	)
}

// EndFirewallSpan ends a firewall sync span.
func (p *Provider) EndFirewallSpan(span trace.Span, blockCount int, err error) {
	span.SetAttributes(
		attribute.Int(AttrBlockCount, blockCount),
		attribute.Bool(AttrResponseStatus, err == nil),
	)
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// RecordBlockAdded records a block-creation event on the current span.
func (p *Provider) RecordBlockAdded(ctx context.Context, ip, reason, severity string) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent("block.added", trace.WithAttributes(
		attribute.String(AttrSourceIP, ip),
		attribute.String("mimosa.block.reason", reason),
		attribute.String(AttrSeverity, severity),
	))
}

// DefaultConfig returns a default telemetry configuration.
func DefaultConfig() Config {
	return Config{Enabled: false, Exporter: "none", ServiceName: "mimosad"}
}

// ConfigFromEnv creates config from environment variables.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()

	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		cfg.Enabled = true
		cfg.Exporter = "otlp"
		cfg.Endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		cfg.Insecure = os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true"
	}

	if os.Getenv("MIMOSA_TELEMETRY_ENABLED") == "true" {
		cfg.Enabled = true
	}
	if os.Getenv("MIMOSA_TELEMETRY_EXPORTER") != "" {
		cfg.Exporter = os.Getenv("MIMOSA_TELEMETRY_EXPORTER")
	}
	if os.Getenv("MIMOSA_TELEMETRY_ENDPOINT") != "" {
		cfg.Endpoint = os.Getenv("MIMOSA_TELEMETRY_ENDPOINT")
	}

	return cfg
}

// NoopProvider returns a provider that does nothing (for testing).
func NoopProvider() *Provider {
	return &Provider{config: Config{Enabled: false}, tracer: otel.Tracer("mimosad-noop")}
}

// SpanFromContext extracts a span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// ContextWithTimeout creates a context with timeout for shutdown.
func ContextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}
