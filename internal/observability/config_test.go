package observability

import (
	"testing"

	"github.com/smallbiznis/receiptflow/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestLoadConfig(t *testing.T) {
	cfg := LoadConfig(config.Config{
		Environment: "production",
		AppVersion:  " 1.2.0 ",
		Telemetry: config.TelemetryConfig{
			LogLevel:      "info",
			OtlpEndpoint:  "collector:4317",
			OtlpProtocol:  "grpc",
			SamplingRatio: 3,
		},
	})

	assert.Equal(t, "receiptflow", cfg.ServiceName)
	assert.Equal(t, "1.2.0", cfg.Version)
	assert.Equal(t, 0.1, cfg.OtelSamplingRatio)
	assert.Equal(t, "collector:4317", cfg.OtelExporterEndpoint)
	assert.False(t, cfg.Debug())

	cfg.LogLevel = "DEBUG"
	assert.True(t, cfg.Debug())
}
