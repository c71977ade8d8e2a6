package util

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// AppName names the per-user directories the client writes to.
const AppName = "discordsync"

// HomeEnv, when set, roots every directory the client writes to under one path.
const HomeEnv = "DISCORDSYNC_HOME"

// dirLayout holds the resolved per-user directories for one platform.
type dirLayout struct {
	config string
	cache  string
	logs   string
}

// resolveLayout picks directories for goos. Lookups go through getenv so the
// layout of every platform can be checked from any host.
//
//	linux & co: $XDG_CONFIG_HOME, $XDG_CACHE_HOME, $XDG_STATE_HOME/logs (defaults under ~)
//	darwin:     ~/Library/{Preferences,Caches,Logs}
//	windows:    %APPDATA%, with Cache and Logs below it
func resolveLayout(goos string, getenv func(string) string, home, app string) dirLayout {
	app = cleanSegment(app)
	env := func(key string) string { return strings.TrimSpace(getenv(key)) }

	if root := env(HomeEnv); root != "" {
		return dirLayout{
			config: filepath.Join(root, "config"),
			cache:  filepath.Join(root, "cache"),
			logs:   filepath.Join(root, "logs"),
		}
	}

	switch goos {
	case "windows":
		base := env("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		root := filepath.Join(base, app)
		return dirLayout{config: root, cache: filepath.Join(root, "Cache"), logs: filepath.Join(root, "Logs")}
	case "darwin":
		lib := filepath.Join(home, "Library")
		return dirLayout{
			config: filepath.Join(lib, "Preferences", app),
			cache:  filepath.Join(lib, "Caches", app),
			logs:   filepath.Join(lib, "Logs", app),
		}
	}

	xdg := func(key string, fallback ...string) string {
		if v := env(key); filepath.IsAbs(v) {
			return v
		}
		return filepath.Join(append([]string{home}, fallback...)...)
	}
	return dirLayout{
		config: filepath.Join(xdg("XDG_CONFIG_HOME", ".config"), app),
		cache:  filepath.Join(xdg("XDG_CACHE_HOME", ".cache"), app),
		logs:   filepath.Join(xdg("XDG_STATE_HOME", ".local", "state"), app, "logs"),
	}
}

func currentLayout() dirLayout {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		home = "."
	}
	return resolveLayout(runtime.GOOS, os.Getenv, home, AppName)
}

// cleanSegment turns name into a single directory segment that is valid on
// every platform; blank names fall back to AppName.
func cleanSegment(name string) string {
	n := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', '<', '>', ':', '"', '|', '?', '*':
			return '-'
		case 0:
			return -1
		}
		return r
	}, strings.TrimSpace(name))
	n = strings.TrimRight(n, " .")
	if n == "" {
		return AppName
	}
	return n
}

// ConfigDir returns the platform configuration directory for AppName.
func ConfigDir() string { return currentLayout().config }

// CacheDir returns the platform cache directory for AppName.
func CacheDir() string { return currentLayout().cache }

// LogDir returns the platform log directory for AppName.
func LogDir() string { return currentLayout().logs }

// DefaultDBPath is where the snapshot database lives unless overridden.
func DefaultDBPath() string { return filepath.Join(CacheDir(), "discordsync.db") }

// DefaultSettingsPath is where persisted settings live unless overridden.
func DefaultSettingsPath() string { return filepath.Join(ConfigDir(), "settings.json") }

// EnsureDir creates dir and its parents.
func EnsureDir(dir string) error {
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
