package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    zapcore.Level
		wantErr bool
	}{
		{"", zapcore.InfoLevel, false},
		{"DEBUG", zapcore.DebugLevel, false},
		{"warning", zapcore.WarnLevel, false},
		{"error", zapcore.ErrorLevel, false},
		{"loud", zapcore.InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLevel(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBindCarriesFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := FromZap(zap.New(core))

	bound := logger.Bind("request_id", "req_1")
	bound.Info("turn_started", "user_id", "u1")
	bound.Debug("node_started", "node", "BudgetAnalyzer")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "turn_started", entries[0].Message)
	assert.Equal(t, "req_1", entries[0].ContextMap()["request_id"])
	assert.Equal(t, "u1", entries[0].ContextMap()["user_id"])
	assert.Equal(t, "BudgetAnalyzer", entries[1].ContextMap()["node"])
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New("chatty")
	assert.Error(t, err)
}

func TestNopDoesNotPanic(t *testing.T) {
	l := NewNop()
	l.Warn("anything", "k", 1)
	l.Error("anything")
	l.Bind("a", "b").Info("x")
}
