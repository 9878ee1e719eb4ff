// env.go - environment variable overrides
package conf

import (
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// BIRDNET_RECORDER_CHUNKDURATION=30s sets recorder.chunkduration.
const EnvPrefix = "BIRDNET"

// configureEnvironmentVariables maps nested keys to BIRDNET_A_B variables.
func configureEnvironmentVariables(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}
