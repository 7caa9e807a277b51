package main

import (
	"fmt"
	"path/filepath"

	"github.com/uber/bridge-kernel/src/internal/fs"
	"go.uber.org/config"
)

const (
	_configKeyConsole = "console"
	_serviceName      = "bridge-console"
)

type consoleConfig struct {
	Style       string `yaml:"style"`
	WordWrap    int    `yaml:"wordWrap"`
	HistoryFile string `yaml:"historyFile"`
	LogFile     string `yaml:"logFile"`
}

func loadConsoleConfig(cfg config.Provider) (consoleConfig, error) {
	var c consoleConfig
	if err := cfg.Get(_configKeyConsole).Populate(&c); err != nil {
		return consoleConfig{}, fmt.Errorf("getting config field %q: %w", _configKeyConsole, err)
	}
	if c.Style == "" {
		c.Style = _styleAuto
	}
	if c.WordWrap <= 0 {
		c.WordWrap = 80
	}
	return c, nil
}

// decorateConsoleConfig renames the service and sends the log to console.logFile, when set, so that it does not interleave with the prompt.
func decorateConsoleConfig(cfg config.Provider, bridgeFS fs.BridgeFS) (config.Provider, error) {
	c, err := loadConsoleConfig(cfg)
	if err != nil {
		return nil, err
	}

	override := map[string]interface{}{
		"service": map[string]interface{}{"name": _serviceName},
	}
	if c.LogFile != "" {
		if err := bridgeFS.MkdirAll(filepath.Dir(c.LogFile)); err != nil {
			return nil, fmt.Errorf("creating logging directory: %w", err)
		}
		override["logging"] = map[string]interface{}{
			"outputPaths": []string{c.LogFile},
		}
	}

	static, err := config.NewStaticProvider(override)
	if err != nil {
		return nil, err
	}
	return config.NewProviderGroup("console", cfg, static)
}
