package telemetry

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

func TestInitLogger_WritesToRotatedFile(t *testing.T) {
	dir := t.TempDir()

	logger, closer, err := InitLogger(dir, true)
	require.NoError(t, err)

	logger.Debug("hello", "k", "v")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(filepath.Join(dir, "khubot.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
	assert.Contains(t, string(data), `"service":"khubot"`)
}

func TestNoop(t *testing.T) {
	tracer, meter := Noop()
	require.NotNil(t, tracer)
	require.NotNil(t, meter)

	_, span := tracer.Start(context.Background(), "noop")
	span.End()

	counter, err := meter.Int64Counter("noop.counter")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)
}

func TestInitTelemetry_ExportsToLogDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")

	tracer, meter, cleanup, err := InitTelemetry(context.Background(), dir)
	require.NoError(t, err)
	t.Cleanup(func() {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
	})

	_, span := tracer.Start(context.Background(), "chat_send_message")
	span.End()

	counter, err := meter.Int64Counter("chat.messages.sent")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)

	// shutdown flushes the batcher and the periodic reader
	cleanup()

	traces, err := os.ReadFile(filepath.Join(dir, "khubot_traces.log"))
	require.NoError(t, err)
	assert.Contains(t, string(traces), "chat_send_message")

	metrics, err := os.ReadFile(filepath.Join(dir, "khubot_metrics.log"))
	require.NoError(t, err)
	assert.Contains(t, string(metrics), "chat.messages.sent")
	assert.Contains(t, string(metrics), ServiceName)
}
