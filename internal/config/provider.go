package config

import (
	"os"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Provider is the §6 ConfigurationProvider surface the orchestrator,
// synthesis engine, and consensus loop depend on. Every method reads a
// point-in-time snapshot; callers that need a stable view across a
// single request should read once at request start and hold the
// result, since a hot reload can swap the snapshot mid-flight.
type Provider interface {
	GetCouncilConfig() CouncilConfig
	GetDeliberationConfig() DeliberationConfig
	GetSynthesisConfig() SynthesisConfig
	GetPerformanceConfig() PerformanceConfig
}

// FileProvider loads Config from a YAML file plus environment
// overrides, and optionally watches the file for changes via fsnotify.
// It is the reference Provider wired by cmd/councilproxy.
type FileProvider struct {
	path    string
	current atomic.Pointer[Config]
	log     *logrus.Entry
	watcher *fsnotify.Watcher
}

// NewFileProvider loads path (if non-empty and present) over Default(),
// applies environment overrides, and validates the result. A missing
// path is not an error: Default() plus env overrides stands alone for
// local development.
func NewFileProvider(path string, log *logrus.Logger) (*FileProvider, error) {
	_ = godotenv.Load() // best-effort .env bootstrap, matching the teacher's non-fatal dotenv pattern

	entry := log.WithField("component", "config")
	fp := &FileProvider{path: path, log: entry}

	cfg, err := fp.load()
	if err != nil {
		return nil, err
	}
	fp.current.Store(cfg)
	return fp, nil
}

func (fp *FileProvider) load() (*Config, error) {
	cfg := Default()

	if fp.path != "" {
		data, err := os.ReadFile(fp.path)
		if err == nil {
			if yerr := yaml.Unmarshal(data, &cfg); yerr != nil {
				return nil, yerr
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Watch starts an fsnotify watch on the backing file and hot-reloads
// the in-memory snapshot on every write event. A reload that fails
// validation is logged and discarded; the prior snapshot stays active.
func (fp *FileProvider) Watch() error {
	if fp.path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(fp.path); err != nil {
		w.Close()
		return err
	}
	fp.watcher = w

	go func() {
		for {
			select {
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := fp.load()
				if err != nil {
					fp.log.WithError(err).Warn("config reload rejected, keeping previous snapshot")
					continue
				}
				fp.current.Store(cfg)
				fp.log.Info("config reloaded")
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				fp.log.WithError(err).Warn("config watcher error")
			}
		}
	}()
	return nil
}

// Close stops the fsnotify watch, if one was started.
func (fp *FileProvider) Close() error {
	if fp.watcher == nil {
		return nil
	}
	return fp.watcher.Close()
}

func (fp *FileProvider) snapshot() *Config {
	return fp.current.Load()
}

func (fp *FileProvider) GetCouncilConfig() CouncilConfig           { return fp.snapshot().Council }
func (fp *FileProvider) GetDeliberationConfig() DeliberationConfig { return fp.snapshot().Deliberation }
func (fp *FileProvider) GetSynthesisConfig() SynthesisConfig       { return fp.snapshot().Synthesis }
func (fp *FileProvider) GetPerformanceConfig() PerformanceConfig   { return fp.snapshot().Performance }

// Services exposes the infrastructure endpoints for the reference
// binary's wiring; it is not part of the core Provider interface.
func (fp *FileProvider) Services() ServicesConfig { return fp.snapshot().Services }

// Health exposes the Health Tracker's thresholds for the reference
// binary's startup wiring; it is not part of the core Provider interface
// since the tracker is built once at startup, not snapshotted per request.
func (fp *FileProvider) Health() HealthConfig { return fp.snapshot().Health }

// Logging exposes the logging section for the reference binary's startup.
func (fp *FileProvider) Logging() LoggingConfig { return fp.snapshot().Logging }

var _ Provider = (*FileProvider)(nil)
