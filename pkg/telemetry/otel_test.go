package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestSetupMetricsOnly(t *testing.T) {
	providers, err := Setup("test-service", "test", false)
	require.NoError(t, err)

	assert.NotNil(t, otel.GetMeterProvider())
	assert.Nil(t, providers.traces)
	assert.Nil(t, providers.logs)

	assert.NotNil(t, Meter("test-meter"))
	assert.NotNil(t, Tracer("test-tracer"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, providers.Shutdown(ctx))
}

func TestSetupWithTracing(t *testing.T) {
	providers, err := Setup("test-service", "test", true)
	require.NoError(t, err)

	assert.NotNil(t, providers.traces)
	assert.NotNil(t, providers.logs)
	assert.NotNil(t, otel.GetTracerProvider())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, providers.Shutdown(ctx))
}
