package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/meshfile/pkg/config"
)

func TestInitDisabledIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), config.TelemetryConfig{Enabled: false}, "test")
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestTracerBeforeInit(t *testing.T) {
	tr := Tracer()
	require.NotNil(t, tr)

	// Spans from the no-op tracer are valid and inert.
	_, span := StartSpan(context.Background(), "noop")
	assert.NotNil(t, span)
	span.End()
}
