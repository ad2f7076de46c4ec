package config

import (
	"os"
	"path/filepath"
	"runtime"
)

const appName = "forensicseal"

// PlatformDataDir returns the platform-specific data directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/forensicseal/
//   - Linux:   ~/.local/share/forensicseal/
//   - Windows: %APPDATA%\forensicseal\
//
// Falls back to ~/.forensicseal on other systems.
func PlatformDataDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Application Support", appName)
	case "linux":
		return xdgDir("XDG_DATA_HOME", ".local", "share")
	case "windows":
		return windowsDir("APPDATA", "Roaming")
	default:
		return fallbackDataDir()
	}
}

// PlatformLogDir returns the platform-specific log directory.
//
// Platform paths:
//   - macOS:   ~/Library/Logs/forensicseal/
//   - Linux:   ~/.local/state/forensicseal/
//   - Windows: %LOCALAPPDATA%\forensicseal\logs\
func PlatformLogDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Logs", appName)
	case "linux":
		return xdgDir("XDG_STATE_HOME", ".local", "state")
	case "windows":
		return filepath.Join(windowsDir("LOCALAPPDATA", "Local"), "logs")
	default:
		return filepath.Join(fallbackDataDir(), "logs")
	}
}

func homeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	home, _ := os.UserHomeDir()
	return home
}

// xdgDir follows the XDG Base Directory Specification.
func xdgDir(env string, fallback ...string) string {
	if base := os.Getenv(env); base != "" {
		return filepath.Join(base, appName)
	}
	return filepath.Join(append(append([]string{homeDir()}, fallback...), appName)...)
}

func windowsDir(env, fallback string) string {
	if base := os.Getenv(env); base != "" {
		return filepath.Join(base, appName)
	}
	return filepath.Join(homeDir(), "AppData", fallback, appName)
}

func fallbackDataDir() string {
	return filepath.Join(homeDir(), "."+appName)
}

// DefaultExcludePatterns returns the base-name patterns the inbox watcher
// ignores: editor droppings, partial downloads and OS metadata.
func DefaultExcludePatterns() []string {
	return []string{
		// Hidden files
		".*",

		// Temporary and partial files
		"*~",
		"*.tmp",
		"*.temp",
		"*.swp",
		"*.part",
		"*.crdownload",

		// macOS
		"._*",

		// Windows
		"Thumbs.db",
		"desktop.ini",
	}
}
