package app

import (
	"fmt"
	"os"
	"path"

	"github.com/uber/bridge-kernel/src/internal/fs"
	"go.uber.org/config"
	"go.uber.org/fx"
)

// Environment names where the backend runs.
type Environment string

const (
	// EnvLocal indicates that the backend is running locally.
	EnvLocal Environment = "local"

	// EnvDevelopment turns on debug logging with development encoders.
	EnvDevelopment Environment = "development"

	_envBridgeEnvironment = "BRIDGE_ENVIRONMENT"
)

func newEnvironment() Environment {
	if Environment(os.Getenv(_envBridgeEnvironment)) == EnvDevelopment {
		return EnvDevelopment
	}
	return EnvLocal
}

type decorateConfigParams struct {
	fx.In

	Env Environment
	Cfg config.Provider
	FS  fs.BridgeFS
}

// decorateConfigProvider prepares the log directories and layers the environment overrides on top of the files.
func decorateConfigProvider(p decorateConfigParams) (config.Provider, error) {
	if err := ensureLogFolders(p.Cfg, p.FS); err != nil {
		return nil, err
	}
	if p.Env != EnvDevelopment {
		return p.Cfg, nil
	}

	override, err := config.NewStaticProvider(map[string]interface{}{
		"logging": map[string]interface{}{
			"level":       "debug",
			"development": true,
		},
	})
	if err != nil {
		return nil, err
	}
	return config.NewProviderGroup(string(p.Env), p.Cfg, override)
}

func ensureLogFolders(cfg config.Provider, bridgeFS fs.BridgeFS) error {
	var outputPaths []string
	if err := cfg.Get("logging.outputPaths").Populate(&outputPaths); err != nil {
		return fmt.Errorf("reading log output paths: %w", err)
	}

	for _, p := range outputPaths {
		if p == "stdout" || p == "stderr" {
			continue
		}
		if err := bridgeFS.MkdirAll(path.Dir(p)); err != nil {
			return fmt.Errorf("creating log directory for %q: %w", p, err)
		}
	}
	return nil
}
