package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestNewWithoutEndpointIsNoop(t *testing.T) {
	p, err := New(context.Background(), Options{ServiceName: "authd-test"}, nil)
	require.NoError(t, err)

	_, span := p.TracerProvider().Tracer("test").Start(context.Background(), "op")
	require.False(t, span.SpanContext().IsValid())
	span.End()

	require.Equal(t, p.TracerProvider(), otel.GetTracerProvider())
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNewWithEndpointRecords(t *testing.T) {
	// The exporter connects lazily, so no collector is needed to build it.
	p, err := New(context.Background(), Options{ServiceName: "authd-test", Endpoint: "127.0.0.1:4318", Insecure: true}, nil)
	require.NoError(t, err)

	_, span := p.TracerProvider().Tracer("test").Start(context.Background(), "op")
	require.True(t, span.SpanContext().IsValid())
	span.End()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = p.Shutdown(ctx)
}

func TestNilProviderIsSafe(t *testing.T) {
	var p *Provider
	require.NotNil(t, p.TracerProvider())
	require.NoError(t, p.Shutdown(context.Background()))
}
