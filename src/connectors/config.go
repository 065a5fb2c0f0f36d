package connectors

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	QuoteServiceURL  string        `envconfig:"QUOTE_SERVICE_URL" default:"http://localhost:8081"`
	ChainServiceURL  string        `envconfig:"CHAIN_SERVICE_URL" default:"http://localhost:8082"`
	SignalStreamURL  string        `envconfig:"SIGNAL_STREAM_URL" default:"ws://localhost:8083/stream"`
	ServiceAPIKey    string        `envconfig:"SERVICE_API_KEY"`
	RequestTimeout   time.Duration `envconfig:"CONNECTOR_TIMEOUT" default:"15s"`
	StreamPingPeriod time.Duration `envconfig:"STREAM_PING_PERIOD" default:"30s"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
