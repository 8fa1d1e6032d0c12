package logging

import (
	"testing"

	golog "github.com/ipfs/go-log/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/shrive/internal/config"
)

func TestSetup(t *testing.T) {
	_ = golog.Logger("call")
	require.NoError(t, Setup(config.Log{
		Level:      "warn",
		Format:     "plain",
		Subsystems: map[string]string{"call": "debug"},
	}))
	assert.Equal(t, golog.LevelDebug, golog.GetConfig().SubsystemLevels["call"])
	assert.Equal(t, golog.LevelWarn, golog.GetConfig().Level)

	require.NoError(t, SetLevel("call", "error"))
}

func TestSetupRejectsBadLevel(t *testing.T) {
	assert.Error(t, Setup(config.Log{Level: "loud"}))
	assert.Error(t, Setup(config.Log{Subsystems: map[string]string{"call": "loud"}}))
}

func TestFormat(t *testing.T) {
	assert.Equal(t, golog.JSONOutput, format("JSON"))
	assert.Equal(t, golog.PlaintextOutput, format("plain"))
	assert.Equal(t, golog.ColorizedOutput, format("color"))
}
