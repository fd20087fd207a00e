package logger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	gormlogger "gorm.io/gorm/logger"
)

func TestGormLoggerLevels(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := NewGormLogger(DefaultGormLoggerConfig(), zap.New(core))

	ctx := context.Background()
	sql := func() (string, int64) { return "UPDATE accruals SET balance = 0", 1 }

	l.Trace(ctx, time.Now(), sql, nil)
	assert.Equal(t, 0, logs.Len())

	l.Trace(ctx, time.Now().Add(-time.Second), sql, nil)
	assert.Equal(t, 1, logs.FilterMessage("gorm.query").Len())

	l.Trace(ctx, time.Now(), sql, errors.New("deadlock"))
	entries := logs.FilterMessage("gorm.query").All()
	assert.Len(t, entries, 2)
	assert.Equal(t, "UPDATE", entries[1].ContextMap()["operation"])

	l.Trace(ctx, time.Now(), sql, gormlogger.ErrRecordNotFound)
	assert.Equal(t, 2, logs.FilterMessage("gorm.query").Len())
}

func TestOperationFromSQL(t *testing.T) {
	assert.Equal(t, "INSERT", operationFromSQL("insert into revenue_facts values (1)"))
	assert.Equal(t, "SELECT", operationFromSQL("WITH x AS (SELECT 1) SELECT * FROM x"))
	assert.Equal(t, "UNKNOWN", operationFromSQL(""))
}
