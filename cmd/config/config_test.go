package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/birdnet-pipeline/internal/conf"
)

func TestConfigPrintsRedactedYAML(t *testing.T) {
	settings := &conf.Settings{}
	settings.Main.Name = "garden"
	settings.MQTT.Password = "hunter22"

	cmd := Command(settings)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs(nil)
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "name: garden")
	assert.NotContains(t, out.String(), "hunter22")
}

func TestConfigWritesFile(t *testing.T) {
	settings := &conf.Settings{}
	settings.Main.Name = "garden"
	path := filepath.Join(t.TempDir(), "config.yaml")

	cmd := Command(settings)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--output", path})
	require.NoError(t, cmd.Execute())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "name: garden")
}
