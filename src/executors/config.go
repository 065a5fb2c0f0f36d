package executors

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	LoopPeriod     time.Duration `envconfig:"LOOP_PERIOD" default:"30s"`
	CleanupPeriod  time.Duration `envconfig:"CLEANUP_PERIOD" default:"5m"`
	StaleSweepAge  time.Duration `envconfig:"STALE_SWEEP_AGE" default:"30m"`
	StaleSweepSize int           `envconfig:"STALE_SWEEP_SIZE" default:"50"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
