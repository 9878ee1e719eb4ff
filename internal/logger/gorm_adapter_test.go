package logger

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestGormAdapterTrace(t *testing.T) {
	var buf bytes.Buffer
	adapter := NewGormLoggerAdapter(NewSlogLogger(&buf, LogLevelInfo, time.UTC), 50*time.Millisecond)
	sql := func() (string, int64) { return "SELECT 1", 1 }

	adapter.Trace(context.Background(), time.Now(), sql, nil)
	assert.Empty(t, buf.String(), "plain queries stay at trace")

	adapter.Trace(context.Background(), time.Now(), sql, gorm.ErrRecordNotFound)
	assert.Empty(t, buf.String())

	adapter.Trace(context.Background(), time.Now(), sql, errors.New("database is locked"))
	assert.Contains(t, buf.String(), "query failed")

	buf.Reset()
	adapter.Trace(context.Background(), time.Now().Add(-time.Second), sql, nil)
	assert.Contains(t, buf.String(), "slow query")
}
