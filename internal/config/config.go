// Package config loads the server configuration from defaults, an optional
// YAML file and TASKD_* environment variables, and watches the file for
// changes.
package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/msageha/taskd/internal/model"
)

// EnvPrefix prefixes every environment override, e.g. TASKD_SERVER_PORT.
const EnvPrefix = "TASKD"

type Loader struct {
	v    *viper.Viper
	path string

	mu      sync.Mutex
	current model.Config
}

// NewLoader prepares a loader. An empty path means defaults and environment
// only.
func NewLoader(path string) *Loader {
	v := viper.New()
	setDefaults(v, model.DefaultConfig())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
	}
	return &Loader{v: v, path: path}
}

// Load reads the configuration once.
func Load(path string) (model.Config, error) {
	return NewLoader(path).Load()
}

func (l *Loader) Load() (model.Config, error) {
	if l.path != "" {
		if err := l.v.ReadInConfig(); err != nil {
			return model.Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	cfg, err := l.decode()
	if err != nil {
		return model.Config{}, err
	}
	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	return cfg, nil
}

// Set overrides one key, as a command-line flag does.
func (l *Loader) Set(key string, value any) {
	l.v.Set(key, value)
}

func (l *Loader) decode() (model.Config, error) {
	var cfg model.Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return model.Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return model.Config{}, err
	}
	return cfg, nil
}

// Watch calls onChange with the new configuration whenever the file is
// rewritten. Invalid edits are reported to onError and otherwise ignored.
func (l *Loader) Watch(onChange func(model.Config), onError func(error)) {
	if l.path == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := l.decode()
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("reload %s: %w", e.Name, err))
			}
			return
		}
		l.mu.Lock()
		l.current = cfg
		l.mu.Unlock()
		onChange(cfg)
	})
	l.v.WatchConfig()
}

// Current returns the last successfully loaded configuration.
func (l *Loader) Current() model.Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

func setDefaults(v *viper.Viper, d model.Config) {
	v.SetDefault("server.network", d.Server.Network)
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.socket_path", d.Server.SocketPath)
	v.SetDefault("server.state_dir", d.Server.StateDir)
	v.SetDefault("server.write_timeout_sec", d.Server.WriteTimeoutSec)
	v.SetDefault("server.shutdown_timeout_sec", d.Server.ShutdownTimeoutSec)

	v.SetDefault("build.wrapper_posix", d.Build.WrapperPosix)
	v.SetDefault("build.wrapper_windows", d.Build.WrapperWindows)
	v.SetDefault("build.default_args", d.Build.DefaultArgs)
	v.SetDefault("build.java_home", d.Build.JavaHome)
	v.SetDefault("build.output_buffer", d.Build.OutputBuffer)

	v.SetDefault("registry.conflict_policy", d.Registry.ConflictPolicy)
	v.SetDefault("events.buffer_size", d.Events.BufferSize)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.encoding", d.Logging.Encoding)
	v.SetDefault("logging.output_paths", d.Logging.OutputPaths)
}

// Validate rejects configurations the server cannot start with.
func Validate(cfg model.Config) error {
	var errs []error
	switch cfg.Server.Network {
	case "tcp":
		if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
			errs = append(errs, fmt.Errorf("server.port %d out of range", cfg.Server.Port))
		}
	case "unix":
		if cfg.Server.SocketPath == "" {
			errs = append(errs, errors.New("server.socket_path is required for unix network"))
		}
	default:
		errs = append(errs, fmt.Errorf("server.network must be tcp or unix, got %q", cfg.Server.Network))
	}
	if cfg.Build.WrapperPosix == "" && cfg.Build.WrapperWindows == "" {
		errs = append(errs, errors.New("build: no wrapper command configured"))
	}
	if cfg.Build.OutputBuffer <= 0 {
		errs = append(errs, fmt.Errorf("build.output_buffer must be positive, got %d", cfg.Build.OutputBuffer))
	}
	switch cfg.Registry.ConflictPolicy {
	case "", "replace", "reject":
	default:
		errs = append(errs, fmt.Errorf("registry.conflict_policy must be replace or reject, got %q", cfg.Registry.ConflictPolicy))
	}
	if cfg.Server.ShutdownTimeoutSec < 0 || cfg.Server.WriteTimeoutSec < 0 {
		errs = append(errs, errors.New("server timeouts must not be negative"))
	}
	return errors.Join(errs...)
}
