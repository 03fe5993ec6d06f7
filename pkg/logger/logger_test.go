package logger

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithContextAttachesFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	base := zap.New(core)
	id := uuid.New()

	ctx := WithIdentity(WithOperation(context.Background(), "player.flush.sweep"), id)
	WithContext(ctx, base).Info("flushed")
	WithContext(context.Background(), base).Info("bare")

	entries := logs.All()
	assert.Len(t, entries, 2)
	fields := entries[0].ContextMap()
	assert.Equal(t, "player.flush.sweep", fields["operation"])
	assert.Equal(t, id.String(), fields["identity"])
	assert.Empty(t, entries[1].ContextMap())
}

func TestOperationFrom(t *testing.T) {
	assert.Empty(t, OperationFrom(context.Background()))
	assert.Equal(t, "query", OperationFrom(WithOperation(context.Background(), "query")))
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	assert.Error(t, err)

	l, err := New(Config{Level: "debug", Encoding: "console", OutputPaths: []string{"stderr"}})
	assert.NoError(t, err)
	assert.NotNil(t, l)
}
