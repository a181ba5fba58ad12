package internet

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/elvis-sim/elvis/internal/logging"
)

// Config is the ambient, YAML-decodable configuration for a simulation
// driver: logging and run-loop knobs the CLI needs before it can even
// construct machines and networks. It deliberately does not describe
// topology — machines and networks are built programmatically by the
// caller, the same way every pkg/internet test does, and handed to Run.
type Config struct {
	// Logging configures the structured logger passed to every protocol.
	Logging logging.Config `yaml:"logging"`
	// Timeout bounds the simulation if no shutdown signal arrives; zero
	// means Run (no timeout) rather than RunWithTimeout.
	Timeout time.Duration `yaml:"timeout"`
	// ShutdownGrace is forwarded to WithShutdownGrace.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// DefaultConfig returns the configuration used when a field is omitted
// from the loaded YAML document.
func DefaultConfig() *Config {
	return &Config{
		ShutdownGrace: 200 * time.Millisecond,
	}
}

// LoadConfig reads and decodes a Config from path, seeding unset fields
// from DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return nil, fmt.Errorf("failed to deserialize config: %w", err)
	}

	return cfg, nil
}
