package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders(" api-key = secret ,broken, =nokey,x=1")
	require.Equal(t, map[string]string{"api-key": "secret", "x": "1"}, headers)
	require.Empty(t, ParseHeaders(""))
}

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "loyalty-deployer", Traces: true, Metrics: true})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	require.NoError(t, shutdown(context.Background()))

	_, err = Init(context.Background(), Config{})
	require.Error(t, err)
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", " collector:4318 ")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "false")
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "a=b")

	cfg := ConfigFromEnv("loyalty-deployer", "staging")
	require.Equal(t, "collector:4318", cfg.Endpoint)
	require.False(t, cfg.Insecure)
	require.Equal(t, map[string]string{"a": "b"}, cfg.Headers)
	require.True(t, cfg.Traces)
}
