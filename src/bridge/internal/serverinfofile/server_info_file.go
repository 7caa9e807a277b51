package serverinfofile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/uber/bridge-kernel/src/bridge/entity"
	"github.com/uber/bridge-kernel/src/bridge/factory"
	"github.com/uber/bridge-kernel/src/internal/fs"
	"go.lsp.dev/uri"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	_configKeyBackend = "backend"
	_descriptorSuffix = ".json"
)

// Module is the Fx module for this package.
var Module = fx.Provide(New)

// ServerInfoFile manages the descriptor file through which front-ends discover this backend.
// It is written once the listener is bound and removed when the backend stops.
type ServerInfoFile interface {
	// Publish writes the descriptor for a backend listening on the given endpoint.
	Publish(network string, address string) (entity.BackendDescriptor, error)
	// Descriptor returns the last published descriptor.
	Descriptor() entity.BackendDescriptor
}

type backendConfig struct {
	ID          string `yaml:"id"`
	Protocol    string `yaml:"protocol"`
	RegistryDir string `yaml:"registryDir"`
	Workers     int    `yaml:"workers"`
}

type module struct {
	cfg        backendConfig
	infofile   string
	logger     *zap.SugaredLogger
	fs         fs.BridgeFS
	now        func() time.Time
	descriptor entity.BackendDescriptor
	mu         sync.Mutex
}

// Params define values to be used by ServerInfoFile.
type Params struct {
	fx.In

	Config    config.Provider
	Lifecycle fx.Lifecycle
	Logger    *zap.SugaredLogger
	FS        fs.BridgeFS
}

// New creates a new ServerInfoFile for this backend's descriptor.
func New(p Params) (ServerInfoFile, error) {
	m := &module{
		logger: p.Logger,
		fs:     p.FS,
		now:    time.Now,
	}

	if err := m.processConfig(p.Config); err != nil {
		return nil, err
	}

	p.Lifecycle.Append(fx.Hook{
		OnStop: m.OnStop,
	})

	return m, nil
}

func (m *module) OnStop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.infofile == "" {
		return nil
	}
	if err := m.fs.Remove(m.infofile); err != nil && !os.IsNotExist(err) {
		return err
	}
	m.infofile = ""
	return nil
}

func (m *module) Publish(network string, address string) (entity.BackendDescriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	desc := entity.BackendDescriptor{
		ID:       m.cfg.ID,
		Date:     m.now().UTC().Truncate(time.Second),
		Protocol: m.cfg.Protocol,
		Argv:     os.Args,
		Workers:  m.cfg.Workers,
	}
	if network == "unix" {
		desc.Socket = uri.File(address)
	} else {
		desc.Network = network
		desc.Address = address
	}

	jsonOutput, err := json.MarshalIndent(desc, "", "  ")
	if err != nil {
		return entity.BackendDescriptor{}, fmt.Errorf("marshalling json: %w", err)
	}

	if err := m.fs.MkdirAll(m.cfg.RegistryDir); err != nil {
		return entity.BackendDescriptor{}, fmt.Errorf("creating registry directory: %w", err)
	}

	infofile := filepath.Join(m.cfg.RegistryDir, desc.ID+_descriptorSuffix)
	if err := m.fs.WriteFile(infofile, jsonOutput); err != nil {
		return entity.BackendDescriptor{}, fmt.Errorf("creating info file: %w", err)
	}
	m.infofile = infofile
	m.descriptor = desc
	m.logger.Infow("backend descriptor published", zap.String("file", infofile), zap.String("network", network), zap.String("address", address))
	return desc, nil
}

func (m *module) Descriptor() entity.BackendDescriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.descriptor
}

func (m *module) processConfig(cfg config.Provider) error {
	if err := cfg.Get(_configKeyBackend).Populate(&m.cfg); err != nil {
		// incorrectly formatted config
		return fmt.Errorf("getting config field %q: %w", _configKeyBackend, err)
	}

	if m.cfg.RegistryDir == "" {
		return fmt.Errorf("missing field %q in config", _configKeyBackend+".registryDir")
	}
	if m.cfg.ID == "" {
		m.cfg.ID = factory.UUID().String()
	}
	if m.cfg.Protocol == "" {
		m.cfg.Protocol = entity.ProtocolVersion
	}
	if m.cfg.Workers < 1 {
		m.cfg.Workers = 1
	}

	return nil
}
