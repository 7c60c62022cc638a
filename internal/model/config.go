// Package model defines the data structures shared by the taskd server, its
// execution service and the wire protocol: configuration, operation kinds,
// task and daemon descriptors, streamed events and terminal results.
package model

type Config struct {
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Build    BuildConfig    `yaml:"build" mapstructure:"build"`
	Registry RegistryConfig `yaml:"registry" mapstructure:"registry"`
	Events   EventsConfig   `yaml:"events" mapstructure:"events"`
	Logging  LoggingConfig  `yaml:"logging" mapstructure:"logging"`
}

type ServerConfig struct {
	Network            string `yaml:"network" mapstructure:"network"` // "tcp" or "unix"
	Host               string `yaml:"host" mapstructure:"host"`
	Port               int    `yaml:"port" mapstructure:"port"`
	SocketPath         string `yaml:"socket_path" mapstructure:"socket_path"`
	StateDir           string `yaml:"state_dir" mapstructure:"state_dir"`
	WriteTimeoutSec    int    `yaml:"write_timeout_sec" mapstructure:"write_timeout_sec"`
	ShutdownTimeoutSec int    `yaml:"shutdown_timeout_sec" mapstructure:"shutdown_timeout_sec"`
}

// BuildConfig describes how the wrapped build tool is invoked.
type BuildConfig struct {
	WrapperPosix   string   `yaml:"wrapper_posix" mapstructure:"wrapper_posix"`
	WrapperWindows string   `yaml:"wrapper_windows" mapstructure:"wrapper_windows"`
	DefaultArgs    []string `yaml:"default_args" mapstructure:"default_args"`
	JavaHome       string   `yaml:"java_home" mapstructure:"java_home"`
	OutputBuffer   int      `yaml:"output_buffer" mapstructure:"output_buffer"`
}

type RegistryConfig struct {
	// ConflictPolicy is "replace" (default) or "reject".
	ConflictPolicy string `yaml:"conflict_policy" mapstructure:"conflict_policy"`
}

type EventsConfig struct {
	BufferSize int `yaml:"buffer_size" mapstructure:"buffer_size"`
}

type LoggingConfig struct {
	Level       string   `yaml:"level" mapstructure:"level"`
	Encoding    string   `yaml:"encoding" mapstructure:"encoding"`
	OutputPaths []string `yaml:"output_paths" mapstructure:"output_paths"`
}

const (
	DefaultNetwork = "tcp"
	DefaultHost    = "127.0.0.1"
	DefaultPort    = 8887
)

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Network:            DefaultNetwork,
			Host:               DefaultHost,
			Port:               DefaultPort,
			WriteTimeoutSec:    10,
			ShutdownTimeoutSec: 30,
		},
		Build: BuildConfig{
			WrapperPosix:   "gradlew",
			WrapperWindows: "gradlew.bat",
			DefaultArgs:    []string{"--console=plain"},
			OutputBuffer:   256,
		},
		Registry: RegistryConfig{ConflictPolicy: "replace"},
		Events:   EventsConfig{BufferSize: 100},
		Logging: LoggingConfig{
			Level:       "info",
			Encoding:    "console",
			OutputPaths: []string{"stderr"},
		},
	}
}
