package engine

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds engine runtime settings, loaded from the environment.
type Config struct {
	Home       string  `env:"TWIN_ENGINE_HOME" envDefault:"/usr/share/sumo"`
	Binary     string  `env:"TWIN_ENGINE_BINARY" envDefault:"sumo"`
	GUIBinary  string  `env:"TWIN_ENGINE_GUI_BINARY" envDefault:"sumo-gui"`
	StepLength float64 `env:"TWIN_ENGINE_STEP_LENGTH" envDefault:"1.0"`

	// BasePort is the first control port; each session takes the next one.
	BasePort int `env:"TWIN_ENGINE_BASE_PORT" envDefault:"8813"`

	ConnectTimeout time.Duration `env:"TWIN_ENGINE_CONNECT_TIMEOUT" envDefault:"30s"`
	RequestTimeout time.Duration `env:"TWIN_ENGINE_REQUEST_TIMEOUT" envDefault:"10s"`
	StopGrace      time.Duration `env:"TWIN_ENGINE_STOP_GRACE" envDefault:"5s"`

	// NetworkDir holds network and scenario config artifacts.
	NetworkDir string `env:"TWIN_NETWORK_DIR" envDefault:"network"`
	// DataDir holds the per-location arrival-rate CSVs.
	DataDir string `env:"TWIN_DATA_DIR" envDefault:"data"`
}

// ConfigFromEnv loads Config from environment variables.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse engine config from environment: %w", err)
	}
	if cfg.StepLength <= 0 {
		return Config{}, fmt.Errorf("engine step length must be positive, got %v", cfg.StepLength)
	}
	return cfg, nil
}

func (c Config) binaryPath(useGUI bool) string {
	name := c.Binary
	if useGUI {
		name = c.GUIBinary
	}
	return filepath.Join(c.Home, "bin", name)
}
