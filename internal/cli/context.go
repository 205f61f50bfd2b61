package cli

import (
	"os"

	"github.com/inkwell-cms/collab/pkg/config"
	"github.com/inkwell-cms/collab/pkg/logging"
)

// defaultConfigPath honors COLLAB_CONFIG, then falls back to collab.yaml in
// the working directory.
func defaultConfigPath() string {
	if p := os.Getenv("COLLAB_CONFIG"); p != "" {
		return p
	}
	return "collab.yaml"
}

// loadConfig reads --config; a missing file yields the defaults.
func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

// newLogger builds the process logger from cfg and installs it globally.
func newLogger(cfg *config.Config) *logging.Logger {
	log := logging.NewLogger(logging.ParseLevel(cfg.Logging.Level))
	log.SetFormat(logging.Format(cfg.Logging.Format))
	log.SetOutput(os.Stderr)
	logging.SetGlobal(log)
	return log
}
