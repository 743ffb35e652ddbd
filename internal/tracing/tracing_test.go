package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

func TestInitTracer_Disabled(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), Config{ServiceName: "device-aggregator"})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInitTracer_EnabledWithoutCollector(t *testing.T) {
	// the gRPC client connects lazily, so setup succeeds with nothing listening
	shutdown, err := InitTracer(context.Background(), Config{
		ServiceName:  "device-aggregator",
		Environment:  "test",
		OTLPEndpoint: "127.0.0.1:1",
		Enabled:      true,
	})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestNewResource(t *testing.T) {
	res, err := newResource(context.Background(), Config{
		ServiceName:     "device-aggregator",
		Environment:     "production",
		ServiceVersion:  "1.2.0",
		ExtraAttributes: []attribute.KeyValue{attribute.String("aggregator.write_mode", "upsert")},
	})
	require.NoError(t, err)

	set := res.Set()
	name, ok := set.Value(semconv.ServiceNameKey)
	require.True(t, ok)
	assert.Equal(t, "device-aggregator", name.AsString())

	version, ok := set.Value(semconv.ServiceVersionKey)
	require.True(t, ok)
	assert.Equal(t, "1.2.0", version.AsString())

	mode, ok := set.Value("aggregator.write_mode")
	require.True(t, ok)
	assert.Equal(t, "upsert", mode.AsString())

	_, ok = set.Value(semconv.ServiceNamespaceKey)
	assert.False(t, ok, "empty namespace is omitted")
}
