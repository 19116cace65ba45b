// Copyright 2025 Gravitational, Inc
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tracing builds the OTel tracer provider TNG's flows are spanned
// through: root span `tng.flow`, child spans `tng.handshake`,
// `tng.attest.fetch`, `tng.attest.verify`, `tng.stream` (spec §4.9). The
// exporter is selected by the standard OTLP environment variables (spec §6
// "Environment") rather than by TNG-specific configuration.
package tracing

import (
	"context"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// serviceNameKey is semconv's "service.name" resource attribute key,
// spelled out directly to avoid pinning a semconv schema-version package.
const serviceNameKey = attribute.Key("service.name")

// envExporter mirrors OTEL_TRACES_EXPORTER; TNG only distinguishes the
// OTLP family from the stdout/console exporter, both standard OTel names.
func envExporter() string {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("OTEL_TRACES_EXPORTER")))
	if v == "" {
		return "otlp"
	}
	return v
}

// envProtocol mirrors OTEL_EXPORTER_OTLP_TRACES_PROTOCOL falling back to
// OTEL_EXPORTER_OTLP_PROTOCOL, per the OTLP exporter environment spec.
func envProtocol() string {
	if v := os.Getenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL"); v != "" {
		return strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_PROTOCOL"); v != "" {
		return strings.ToLower(strings.TrimSpace(v))
	}
	return "grpc"
}

// NewProvider builds a TracerProvider for serviceName, selecting its
// exporter from the environment (spec §6): `OTEL_TRACES_EXPORTER=console`
// (or `stdout`) writes spans to stdout; anything else (the default) sends
// OTLP over grpc or http/protobuf per OTEL_EXPORTER_OTLP[_TRACES]_PROTOCOL,
// to the endpoint/headers the corresponding OTLP exporter already reads
// from its own standard environment variables.
func NewProvider(ctx context.Context, serviceName string) (*sdktrace.TracerProvider, error) {
	exporter, err := newExporter(ctx)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(serviceNameKey.String(serviceName)),
		resource.WithFromEnv(),
	)
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

func newExporter(ctx context.Context) (sdktrace.SpanExporter, error) {
	switch envExporter() {
	case "console", "stdout":
		return stdouttrace.New(stdouttrace.WithWriter(os.Stdout))
	default:
		if envProtocol() == "http/protobuf" || envProtocol() == "http/json" {
			return otlptracehttp.New(ctx)
		}
		return otlptracegrpc.New(ctx)
	}
}

// Tracer returns the named tracer off the globally installed provider, the
// same pattern every span-producing TNG component (lib/supervisor,
// lib/attestation) uses to stay decoupled from provider construction.
func Tracer(name string) oteltrace.Tracer {
	return otel.Tracer(name)
}
