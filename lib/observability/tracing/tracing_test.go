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

package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewProvider_StdoutExporter(t *testing.T) {
	t.Setenv("OTEL_TRACES_EXPORTER", "console")

	tp, err := NewProvider(context.Background(), "tng-test")
	require.NoError(t, err)
	defer tp.Shutdown(context.Background())

	tracer := tp.Tracer("tng.test")
	_, span := tracer.Start(context.Background(), "tng.flow")
	span.End()
}

func TestEnvProtocol_DefaultsToGRPC(t *testing.T) {
	require.Equal(t, "grpc", envProtocol())
}

func TestEnvProtocol_HonorsTracesSpecificOverride(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")
	t.Setenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", "http/protobuf")
	require.Equal(t, "http/protobuf", envProtocol())
}

func TestEnvExporter_DefaultsToOTLP(t *testing.T) {
	require.Equal(t, "otlp", envExporter())
}
