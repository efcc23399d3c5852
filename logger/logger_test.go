package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestInitialize(t *testing.T) {
	tests := []struct {
		name       string
		jsonOutput bool
		level      string
		wantErr    bool
	}{
		{name: "JSON output mode", jsonOutput: true, level: "info"},
		{name: "Console output mode", jsonOutput: false, level: ""},
		{name: "Debug level", jsonOutput: false, level: "DEBUG"},
		{name: "Unknown level", jsonOutput: false, level: "loud", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("FLEET_LOG_LEVEL", "")
			err := Initialize(tt.jsonOutput, tt.level)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, Logger)
			assert.Equal(t, tt.jsonOutput, JSONOutput)
			Logger.Sync()
		})
	}
	Logger = zap.NewNop().Sugar()
}

func TestVerbosityToLevel(t *testing.T) {
	assert.Equal(t, zapcore.WarnLevel, VerbosityToLevel(0))
	assert.Equal(t, zapcore.InfoLevel, VerbosityToLevel(1))
	assert.Equal(t, zapcore.DebugLevel, VerbosityToLevel(2))
	assert.Equal(t, zapcore.DebugLevel, VerbosityToLevel(7))
}

func TestSymbolFieldIsStructured(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	base := zap.New(core).Sugar()

	AddCarouselSymbol(base).Infow("pass complete", FieldJobID, int64(9))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "pass complete", entries[0].Message)
	ctx := entries[0].ContextMap()
	assert.Equal(t, "⟳", ctx[FieldSymbol])
	assert.Equal(t, int64(9), ctx[FieldJobID])
}
