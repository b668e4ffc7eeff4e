// Package tracing wires OpenTelemetry spans around the core's decision
// operations: one span per schedule/schedule_parallel call and per gossip
// handle_message, carrying workload/node/message identifiers as
// attributes. Adapted from the teacher's internal/observability/tracing
// package.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/clawbernetes/core"

// NewTracerProvider constructs an OTLP-gRPC-exporting tracer provider for
// the orchestrator process. endpoint is the collector address, e.g.
// "otel-collector:4317".
func NewTracerProvider(ctx context.Context, endpoint string) (*sdktrace.TracerProvider, error) {
	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(endpoint), otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName("clawbernetes-orchestrator"),
	))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}

// StartSchedule starts a span for one scheduling decision.
func StartSchedule(ctx context.Context, workloadID, kind string) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	return tracer.Start(ctx, "scheduler."+kind, trace.WithAttributes(
		attribute.String("workload_id", workloadID),
	))
}

// StartGossipHandle starts a span for one gossip message handling call.
func StartGossipHandle(ctx context.Context, messageID, fromPeer string) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	return tracer.Start(ctx, "gossip.handle_message", trace.WithAttributes(
		attribute.String("message_id", messageID),
		attribute.String("from_peer", fromPeer),
	))
}
