package core

import (
	"fmt"

	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	_configKeyLogging     = "logging"
	_configKeyServiceName = "service.name"
)

// LoggingConfig is the "logging" block of the configuration.
type LoggingConfig struct {
	Level       string   `yaml:"level"`
	Development bool     `yaml:"development"`
	Encoding    string   `yaml:"encoding"`
	OutputPaths []string `yaml:"outputPaths"`
}

// LoggerModule provides the logger dependencies
var LoggerModule = fx.Options(
	fx.Provide(NewSugaredLogger),
	fx.Provide(NewLogger),
)

func NewLogger(sugar *zap.SugaredLogger) *zap.Logger {
	return sugar.Desugar()
}

// NewSugaredLogger builds the process logger from the logging block and tags every entry with service.name.
// Logs go to stderr unless outputPaths says otherwise; stdout belongs to the console front-end.
func NewSugaredLogger(provider config.Provider) (*zap.SugaredLogger, error) {
	var lc LoggingConfig
	if err := provider.Get(_configKeyLogging).Populate(&lc); err != nil {
		return nil, fmt.Errorf("reading logging config: %w", err)
	}

	zc, err := lc.zapConfig()
	if err != nil {
		return nil, err
	}
	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}

	if name := provider.Get(_configKeyServiceName).String(); name != "" {
		logger = logger.With(zap.String("service", name))
	}
	return logger.Sugar(), nil
}

func (c LoggingConfig) zapConfig() (zap.Config, error) {
	level, err := zap.ParseAtomicLevel(c.Level)
	if err != nil {
		return zap.Config{}, fmt.Errorf("parsing log level: %w", err)
	}

	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	zc.Sampling = nil

	zc.Encoding = "json"
	if c.Encoding == "console" {
		zc.Encoding = "console"
	}

	zc.OutputPaths = c.OutputPaths
	if len(zc.OutputPaths) == 0 {
		zc.OutputPaths = []string{"stderr"}
	}
	zc.ErrorOutputPaths = []string{"stderr"}
	return zc, nil
}
