package paths

import (
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

const (

	// Name used for directory and file naming.
	daemonName = "apexd"

	// Default permission mode for directories.
	DefaultDirMode os.FileMode = 0755

	// Default permission mode for files.
	DefaultFileMode os.FileMode = 0644
)

// Path to the directory for runtime files (sockets, PIDs).
//
//	Linux:   $XDG_RUNTIME_DIR/apexd or /run/user/<uid>/apexd
//	macOS:   ~/Library/Caches/apexd/run
func Runtime() string {
	if xdg.RuntimeDir != "" {
		return filepath.Join(xdg.RuntimeDir, daemonName)
	}
	return filepath.Join(xdg.CacheHome, daemonName, "run")
}

// Default path to the Unix domain socket for client-to-daemon communication.
func Socket() string {
	return filepath.Join(Runtime(), daemonName+".sock")
}

// Default path to the PID file.
func PIDFile() string {
	return filepath.Join(Runtime(), daemonName+".pid")
}

// Path to the directory for durable daemon state.
//
//	Linux:   $XDG_DATA_HOME/apexd or ~/.local/share/apexd
//	macOS:   ~/Library/Application Support/apexd
func Data() string {
	return filepath.Join(xdg.DataHome, daemonName)
}

// Path to the metadata database inside the given data directory.
func Database(dataDir string) string {
	return filepath.Join(dataDir, "metadata.db")
}

// Default directory for build workspaces. Each build gets a subdirectory
// named after its ID.
func Workspaces() string {
	return filepath.Join(Data(), "workspaces")
}

// Default directory for exported build artifacts.
func Artifacts() string {
	return filepath.Join(Data(), "artifacts")
}

// Default path to the daemon configuration file.
//
//	Linux:   $XDG_CONFIG_HOME/apexd/config.yaml
//	macOS:   ~/Library/Application Support/apexd/config.yaml
func ConfigFile() string {
	return filepath.Join(xdg.ConfigHome, daemonName, "config.yaml")
}
