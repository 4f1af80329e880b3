package config

import (
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type CliConfig struct {
	URL           string `envconfig:"DESKPOOL_URL" default:"http://localhost:8080"`
	TLSSkipVerify bool   `envconfig:"DESKPOOL_TLS_SKIP_VERIFY" default:"false"`
	RetryMax      int    `envconfig:"DESKPOOL_RETRY_MAX" default:"3"`
}

func LoadCliConfig() (CliConfig, error) {
	_ = godotenv.Load()

	var cfg CliConfig
	err := envconfig.Process("", &cfg)
	if err != nil {
		return CliConfig{}, err
	}
	return cfg, nil
}
