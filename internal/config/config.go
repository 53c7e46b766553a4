package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/alienpimp/apexd/internal/paths"
)

const (

	// Default number of build workers.
	DefaultWorkers = 2

	// Default capacity of the build queue.
	DefaultQueueSize = 32

	// Default containerd socket address.
	DefaultContainerdAddress = "/run/containerd/containerd.sock"

	// Default containerd namespace for images and containers.
	DefaultContainerdNamespace = "apexd"
)

// Containerd connection settings for the container engine.
type Containerd struct {
	Address   string `yaml:"address"`
	Namespace string `yaml:"namespace"`
}

// Daemon configuration.
//
// Zero values are replaced with defaults by [Load]. Engines lists the build
// engines the daemon registers; an empty list enables all of them.
type Config struct {
	Socket     string     `yaml:"socket"`
	DataDir    string     `yaml:"data_dir"`
	Workers    int        `yaml:"workers"`
	QueueSize  int        `yaml:"queue_size"`
	Containerd Containerd `yaml:"containerd"`
	Engines    []string   `yaml:"engines"`
}

// Returns a configuration populated with defaults.
func Default() Config {
	return Config{
		Socket:    paths.Socket(),
		DataDir:   paths.Data(),
		Workers:   DefaultWorkers,
		QueueSize: DefaultQueueSize,
		Containerd: Containerd{
			Address:   DefaultContainerdAddress,
			Namespace: DefaultContainerdNamespace,
		},
	}
}

// Loads the configuration file at path, falling back to defaults.
//
// A missing file is not an error; the defaults are returned. A present but
// unreadable or malformed file is an error. Fields left unset in the file
// keep their default values.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, errors.Wrapf(err, "reading config %s", path)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parsing config %s", path)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// Restores defaults for fields the file reset to zero values.
func (c *Config) applyDefaults() {
	def := Default()

	if c.Socket == "" {
		c.Socket = def.Socket
	}
	if c.DataDir == "" {
		c.DataDir = def.DataDir
	}
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.Containerd.Address == "" {
		c.Containerd.Address = def.Containerd.Address
	}
	if c.Containerd.Namespace == "" {
		c.Containerd.Namespace = def.Containerd.Namespace
	}
}
