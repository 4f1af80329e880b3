package deskpool

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/helixml/deskpool/api/pkg/config"
)

func TestGenerateEnvHelpText(t *testing.T) {
	text := generateEnvHelpText(&config.ServerConfig{}, "")

	assert.Contains(t, text, " - Pool")
	assert.Contains(t, text, `MAX_INSTANCES: Maximum number of concurrently running instances. (default: "50")`)
	assert.Contains(t, text, "INSTANCE_TIMEOUT")
	assert.Contains(t, text, "LOG_LEVEL")
}

func TestNewRootCmd_Commands(t *testing.T) {
	root := NewRootCmd()

	for _, name := range []string{"serve", "version", "instances", "system", "stats"} {
		cmd, _, err := root.Find([]string{name})
		if assert.NoError(t, err, name) {
			assert.Equal(t, name, cmd.Name())
		}
	}
}
