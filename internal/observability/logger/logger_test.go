package logger

import (
	"context"
	"testing"

	obscontext "github.com/smallbiznis/signflow/internal/observability/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestBuildConfigRejectsUnknownLevel(t *testing.T) {
	_, err := buildConfig(Config{Level: "loud"})
	require.Error(t, err)

	cfg, err := buildConfig(Config{Level: "warn", Format: "Console"})
	require.NoError(t, err)
	assert.Equal(t, "console", cfg.Encoding)
	assert.Equal(t, "warn", cfg.Level.String())
}

func TestWithContextAddsCorrelationFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	ctx := obscontext.WithRequestID(context.Background(), "req-9")
	ctx = obscontext.WithCompanyID(ctx, "10")
	ctx = obscontext.WithActor(ctx, "contractor", "20")

	WithContract(WithContext(ctx, zap.New(core)), " 1001 ").Info("contract sent")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "req-9", fields["request_id"])
	assert.Equal(t, "10", fields["company_id"])
	assert.Equal(t, "contractor", fields["actor_type"])
	assert.Equal(t, "20", fields["actor_id"])
	assert.Equal(t, "1001", fields["contract_id"])
	assert.NotContains(t, fields, "trace_id")
}
