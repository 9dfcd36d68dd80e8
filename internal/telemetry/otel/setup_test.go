package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestNewProviders_EmptyEndpoint(t *testing.T) {
	ctx := context.Background()
	for _, endpoint := range []string{"", "   "} {
		providers, err := NewProviders(ctx, endpoint, "portal-gateway", false)
		require.NoError(t, err)
		require.NotNil(t, providers)
		assert.NotNil(t, providers.TracerProvider)
		assert.NotNil(t, providers.MeterProvider)
		assert.NotNil(t, providers.LoggerProvider)
		assert.NoError(t, providers.Shutdown(ctx), "shutdown is a no-op without an endpoint")
	}
}

func TestNewProviders_InvalidEndpoint(t *testing.T) {
	for _, endpoint := range []string{"://invalid", "http://[invalid", "http://"} {
		t.Run(endpoint, func(t *testing.T) {
			_, err := NewProviders(context.Background(), endpoint, "portal-gateway", false)
			require.Error(t, err)
		})
	}
}

func TestParseEndpoint(t *testing.T) {
	testCases := []struct {
		endpoint     string
		wantTarget   string
		wantInsecure bool
	}{
		{"localhost:4317", "localhost:4317", true},
		{"http://collector:4317", "collector:4317", true},
		{"https://collector:4317", "collector:4317", false},
		{"https://collector:4317/v1/traces", "collector:4317", false},
	}
	for _, tc := range testCases {
		t.Run(tc.endpoint, func(t *testing.T) {
			target, insecure, err := parseEndpoint(tc.endpoint)
			require.NoError(t, err)
			assert.Equal(t, tc.wantTarget, target)
			assert.Equal(t, tc.wantInsecure, insecure)
		})
	}
}

func TestNewProviders_WithEndpoint(t *testing.T) {
	// Exporters dial lazily, so construction succeeds without a collector.
	ctx := context.Background()
	providers, err := NewProviders(ctx, "http://127.0.0.1:4317", "portal-gateway", false)
	require.NoError(t, err)
	assert.NotNil(t, providers.TracerProvider)
	assert.NotNil(t, providers.MeterProvider)
	assert.NotNil(t, providers.LoggerProvider)

	shutdownCtx, cancel := context.WithCancel(ctx)
	cancel()
	_ = providers.Shutdown(shutdownCtx)
}

func TestSetGlobal(t *testing.T) {
	prevTP := otel.GetTracerProvider()
	prevProp := otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})

	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()
	(&Providers{TracerProvider: tp}).SetGlobal()

	assert.Same(t, tp, otel.GetTracerProvider())
	assert.ElementsMatch(t, []string{"traceparent", "tracestate", "baggage"}, otel.GetTextMapPropagator().Fields())
}

func TestSetGlobal_NilProvidersKeepsExisting(t *testing.T) {
	prev := otel.GetTracerProvider()
	(&Providers{}).SetGlobal()
	assert.Equal(t, prev, otel.GetTracerProvider())
}
