package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk --config file: flags always take precedence
// over it, mirroring warren apply.go's pattern of a YAML document
// describing desired state that explicit CLI input can override.
type Config struct {
	Dir       string `yaml:"dir"`
	LogLevel  string `yaml:"logLevel"`
	LogJSON   bool   `yaml:"logJSON"`
	Retention struct {
		TransactionCount int `yaml:"transactionCount"`
	} `yaml:"retention"`
}

func loadConfig(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}
