package security

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	SessionSealKey string `envconfig:"SESSION_SEAL_KEY"` // base64, 32 bytes decoded
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
