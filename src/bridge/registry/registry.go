// Package registry discovers the backends that published a descriptor file.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/uber/bridge-kernel/src/bridge/entity"
	"github.com/uber/bridge-kernel/src/internal/fs"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const _configKeyBackend = "backend"

// Module is the Fx module for this package.
var Module = fx.Provide(New)

// Registry lists the backends described in the registry directory.
type Registry interface {
	// List re-reads the registry directory. Files that cannot be parsed are skipped.
	List(ctx context.Context) map[string]entity.BackendDescriptor
	// Watch signals on the returned channel whenever a descriptor file appears, changes or disappears.
	// The channel is closed when ctx ends.
	Watch(ctx context.Context) (<-chan struct{}, error)
	// Dir is the registry directory.
	Dir() string
}

// Params define values to be used by Registry.
type Params struct {
	fx.In

	Config config.Provider
	FS     fs.BridgeFS
	Logger *zap.SugaredLogger
}

type registry struct {
	dir    string
	fs     fs.BridgeFS
	logger *zap.SugaredLogger
}

// New creates a Registry over the configured backend.registryDir.
func New(p Params) (Registry, error) {
	var cfg struct {
		RegistryDir string `yaml:"registryDir"`
	}
	if err := p.Config.Get(_configKeyBackend).Populate(&cfg); err != nil {
		return nil, fmt.Errorf("getting config field %q: %w", _configKeyBackend, err)
	}
	if cfg.RegistryDir == "" {
		return nil, fmt.Errorf("missing field %q in config", _configKeyBackend+".registryDir")
	}

	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &registry{dir: cfg.RegistryDir, fs: p.FS, logger: logger}, nil
}

func (r *registry) Dir() string {
	return r.dir
}

func (r *registry) List(ctx context.Context) map[string]entity.BackendDescriptor {
	backends := make(map[string]entity.BackendDescriptor)

	exists, err := r.fs.DirExists(r.dir)
	if err != nil || !exists {
		r.logger.Infow("registry directory unavailable", zap.String("dir", r.dir), zap.Error(err))
		return backends
	}

	entries, err := r.fs.ReadDir(r.dir)
	if err != nil {
		r.logger.Warnw("reading registry directory", zap.String("dir", r.dir), zap.Error(err))
		return backends
	}

	var errs error
	for _, entry := range entries {
		if entry.IsDir() || !isDescriptorFile(entry.Name()) {
			continue
		}
		if ctx.Err() != nil {
			break
		}

		name := filepath.Join(r.dir, entry.Name())
		desc, err := r.read(name)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		backends[desc.ID] = desc
	}

	if errs != nil {
		r.logger.Warnw("skipped unreadable descriptor files", zap.Error(errs))
	}
	return backends
}

func (r *registry) read(name string) (entity.BackendDescriptor, error) {
	data, err := r.fs.ReadFile(name)
	if err != nil {
		return entity.BackendDescriptor{}, err
	}

	var desc entity.BackendDescriptor
	if filepath.Ext(name) == ".json" {
		err = json.Unmarshal(data, &desc)
	} else {
		err = yaml.Unmarshal(data, &desc)
	}
	if err != nil {
		return entity.BackendDescriptor{}, err
	}

	// Descriptors written by hand may omit the id.
	if desc.ID == "" {
		base := filepath.Base(name)
		desc.ID = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return desc, nil
}

func (r *registry) Watch(ctx context.Context) (<-chan struct{}, error) {
	if err := r.fs.MkdirAll(r.dir); err != nil {
		return nil, fmt.Errorf("creating registry directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	if err := watcher.Add(r.dir); err != nil {
		return nil, multierr.Append(fmt.Errorf("watching %s: %w", r.dir, err), watcher.Close())
	}

	changed := make(chan struct{}, 1)
	go func() {
		defer close(changed)
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !isDescriptorFile(event.Name) || event.Op == fsnotify.Chmod {
					continue
				}
				select {
				case changed <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warnw("watching registry directory", zap.String("dir", r.dir), zap.Error(err))
			}
		}
	}()
	return changed, nil
}

// Latest returns the backend with the greatest id, the default choice when none is named.
func Latest(backends map[string]entity.BackendDescriptor) (entity.BackendDescriptor, bool) {
	ids := SortedIDs(backends)
	if len(ids) == 0 {
		return entity.BackendDescriptor{}, false
	}
	return backends[ids[len(ids)-1]], true
}

// SortedIDs returns the backend ids in ascending order.
func SortedIDs(backends map[string]entity.BackendDescriptor) []string {
	ids := make([]string, 0, len(backends))
	for id := range backends {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func isDescriptorFile(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") {
		return false
	}
	switch filepath.Ext(base) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}
