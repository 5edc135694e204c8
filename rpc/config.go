package rpc

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ServiceConfig is the standalone YAML configuration for the RPC surface. It
// lets deployments retune the listener without touching the node config.
type ServiceConfig struct {
	ListenAddress string  `yaml:"listen"`
	AuthSecret    string  `yaml:"authSecret"`
	AuthIssuer    string  `yaml:"authIssuer"`
	AuthAudience  string  `yaml:"authAudience"`
	RatePerMinute float64 `yaml:"ratePerMinute"`
	RateBurst     int     `yaml:"rateBurst"`
}

// LoadServiceConfig reads a YAML service config from path.
func LoadServiceConfig(path string) (ServiceConfig, error) {
	cfg := ServiceConfig{ListenAddress: ":8545"}
	if strings.TrimSpace(path) == "" {
		return cfg, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return ServiceConfig{}, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(&cfg); err != nil {
		return ServiceConfig{}, fmt.Errorf("decode config: %w", err)
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8545"
	}
	return cfg, nil
}
