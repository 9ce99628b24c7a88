package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestSampleRatio(t *testing.T) {
	assert.Equal(t, 1.0, sampleRatio(0))
	assert.Equal(t, 1.0, sampleRatio(2))
	assert.Equal(t, 0.25, sampleRatio(0.25))
}

func TestInitTelemetryInstallsProvider(t *testing.T) {
	// экспортер подключается лениво, коллектор не нужен
	shutdown, err := InitTelemetry(context.Background(), Options{
		ServiceName: "memreplay-test",
		Endpoint:    "127.0.0.1:1",
	})
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "span")
	assert.True(t, span.SpanContext().IsValid())
	span.End()

	// отправка в недоступный коллектор может вернуть ошибку, важно что shutdown завершается
	_ = shutdown(context.Background())
}
