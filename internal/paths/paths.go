package paths

import (
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

const (

	// Name used for directory and file naming.
	daemonName = "pipelined"

	// Default permission mode for directories.
	DefaultDirMode os.FileMode = 0755

	// Default permission mode for files.
	DefaultFileMode os.FileMode = 0644

	// Permission mode for directories holding secrets.
	PrivateDirMode os.FileMode = 0700
)

// Path to the directory for runtime files (sockets, PIDs).
//
//	Linux:   $XDG_RUNTIME_DIR/pipelined or /run/user/<uid>/pipelined
//	macOS:   ~/Library/Caches/pipelined/run
func Runtime() string {
	if xdg.RuntimeDir != "" {
		return filepath.Join(xdg.RuntimeDir, daemonName)
	}
	return filepath.Join(xdg.CacheHome, daemonName, "run")
}

// Default path to the Unix domain socket the HTTP API listens on when a
// socket address is requested without a path.
//
//	Linux:   $XDG_RUNTIME_DIR/pipelined/pipelined.sock
//	macOS:   ~/Library/Caches/pipelined/run/pipelined.sock
func Socket() string {
	return filepath.Join(Runtime(), daemonName+".sock")
}

// Default path to the PID file.
//
//	Linux:   $XDG_RUNTIME_DIR/pipelined/pipelined.pid
//	macOS:   ~/Library/Caches/pipelined/run/pipelined.pid
func PIDFile() string {
	return filepath.Join(Runtime(), daemonName+".pid")
}

// Path to the directory for persistent state.
//
//	Linux:   $XDG_DATA_HOME/pipelined or ~/.local/share/pipelined
//	macOS:   ~/Library/Application Support/pipelined
func Data() string {
	return filepath.Join(xdg.DataHome, daemonName)
}

// Default path to the run history database.
func Database() string {
	return filepath.Join(Data(), daemonName+".db")
}

// Default parent directory of per-run agent workspaces.
func Workspaces() string {
	return filepath.Join(Data(), "workspaces")
}

// Path to the configuration directory.
//
//	Linux:   $XDG_CONFIG_HOME/pipelined or ~/.config/pipelined
//	macOS:   ~/Library/Application Support/pipelined
func Config() string {
	return filepath.Join(xdg.ConfigHome, daemonName)
}

// Default path to the configuration file.
func ConfigFile() string {
	return filepath.Join(Config(), "config.yaml")
}

// Default directory of template files loaded at start.
func Templates() string {
	return filepath.Join(Config(), "templates")
}

// Default directory of registry credential files.
func Credentials() string {
	return filepath.Join(Config(), "credentials")
}
