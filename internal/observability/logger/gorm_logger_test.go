package logger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	gormlogger "gorm.io/gorm/logger"
)

func TestOperationFromSQL(t *testing.T) {
	assert.Equal(t, "SELECT_FOR_UPDATE", operationFromSQL(`SELECT * FROM "contracts" WHERE id = $1 FOR UPDATE`))
	assert.Equal(t, "INSERT", operationFromSQL(`INSERT INTO "payments" ("id") VALUES ($1)`))
	assert.Equal(t, "UPDATE", operationFromSQL(`WITH x AS (SELECT 1) UPDATE contracts SET status = 'paid'`))
	assert.Equal(t, "UNKNOWN", operationFromSQL(""))
}

func TestGormTraceLevels(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	restore := zap.ReplaceGlobals(zap.New(core))
	defer restore()

	errDup := errors.New("duplicate")
	l := NewGormLogger(GormLoggerConfigFor(false, func(err error) bool { return errors.Is(err, errDup) }))
	query := func() (string, int64) { return "INSERT INTO payments VALUES ($1)", 0 }
	ctx := context.Background()
	now := time.Now()

	l.Trace(ctx, now, query, gormlogger.ErrRecordNotFound)
	l.Trace(ctx, now, query, nil)
	require.Equal(t, 0, logs.Len())

	l.Trace(ctx, now, query, errDup)
	l.Trace(ctx, now, query, errors.New("connection reset"))
	l.Trace(ctx, now.Add(-time.Second), query, nil)

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
	assert.Equal(t, zapcore.WarnLevel, entries[2].Level)
	assert.Equal(t, "INSERT", entries[0].ContextMap()["operation"])

	sql, vars := l.ParamsFilter(ctx, "SELECT 1", "secret")
	assert.Equal(t, "SELECT 1", sql)
	assert.Nil(t, vars)
}
