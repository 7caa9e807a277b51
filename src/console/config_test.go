package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber/bridge-kernel/src/internal/fs/fsmock"
	"go.uber.org/config"
	"go.uber.org/mock/gomock"
)

func TestLoadConsoleConfigDefaults(t *testing.T) {
	cfg, err := config.NewStaticProvider(map[string]interface{}{})
	require.NoError(t, err)

	c, err := loadConsoleConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, consoleConfig{Style: "auto", WordWrap: 80}, c)
}

func TestDecorateConsoleConfig(t *testing.T) {
	base := map[string]interface{}{
		"logging": map[string]interface{}{
			"level":       "info",
			"outputPaths": []string{"stderr"},
		},
	}

	t.Run("log file redirects logging", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		fsMock := fsmock.NewMockBridgeFS(ctrl)
		fsMock.EXPECT().MkdirAll("/var/log/bridge").Return(nil)

		cfg, err := config.NewStaticProvider(map[string]interface{}{
			"logging": base["logging"],
			"console": map[string]interface{}{"logFile": "/var/log/bridge/console.log"},
		})
		require.NoError(t, err)

		decorated, err := decorateConsoleConfig(cfg, fsMock)
		require.NoError(t, err)

		var paths []string
		require.NoError(t, decorated.Get("logging.outputPaths").Populate(&paths))
		assert.Equal(t, []string{"/var/log/bridge/console.log"}, paths)
		assert.Equal(t, "info", decorated.Get("logging.level").String())
		assert.Equal(t, "bridge-console", decorated.Get("service.name").String())
	})

	t.Run("no log file", func(t *testing.T) {
		cfg, err := config.NewStaticProvider(base)
		require.NoError(t, err)

		decorated, err := decorateConsoleConfig(cfg, fsmock.NewMockBridgeFS(gomock.NewController(t)))
		require.NoError(t, err)

		var paths []string
		require.NoError(t, decorated.Get("logging.outputPaths").Populate(&paths))
		assert.Equal(t, []string{"stderr"}, paths)
		assert.Equal(t, "bridge-console", decorated.Get("service.name").String())
	})

	t.Run("log directory cannot be created", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		fsMock := fsmock.NewMockBridgeFS(ctrl)
		fsMock.EXPECT().MkdirAll("/var/log/bridge").Return(errors.New("read-only file system"))

		cfg, err := config.NewStaticProvider(map[string]interface{}{
			"console": map[string]interface{}{"logFile": "/var/log/bridge/console.log"},
		})
		require.NoError(t, err)

		_, err = decorateConsoleConfig(cfg, fsMock)
		assert.ErrorContains(t, err, "read-only file system")
	})
}
