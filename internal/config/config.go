// Package config provides configuration management for the webdbg bridge.
//
// Configuration controls:
//   - Browser executable resolution (env override, platform defaults, PATH)
//   - Debug port selection (0 means auto-select a free port)
//   - Connect handshake timeout (the only timeout in the system)
//   - Optional DAP listen address for editor tooling
//
// Configuration can be loaded from a JSON file or use sensible defaults.
package config

import (
	"encoding/json"
	"os"
	"os/exec"
	"runtime"
	"time"
)

// BrowserEnv is the environment variable that overrides browser discovery.
const BrowserEnv = "WEBDBG_BROWSER"

// Config holds the bridge configuration.
type Config struct {
	// BrowserPath is the debuggee executable. Empty means discover it from
	// the WEBDBG_BROWSER env var, then platform defaults, then PATH.
	BrowserPath string `json:"browserPath"`

	// DebugPort is the remote debugging port. 0 selects a free port.
	DebugPort int `json:"debugPort"`

	// Headless launches the browser without a window.
	Headless bool `json:"headless"`

	// ConnectTimeout bounds the launch-and-connect handshake.
	ConnectTimeout time.Duration `json:"connectTimeout"`

	// DAPListenAddr, when non-empty, serves the Debug Adapter Protocol on
	// this TCP address alongside the MCP surface.
	DAPListenAddr string `json:"dapListenAddr"`

	// ProfileCleanupDelay is how long Close waits before deleting the
	// temporary profile directory. The browser may respawn a helper process
	// that touches the profile right after the main process dies.
	ProfileCleanupDelay time.Duration `json:"profileCleanupDelay"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BrowserPath:         "",
		DebugPort:           0,
		Headless:            false,
		ConnectTimeout:      60 * time.Second,
		ProfileCleanupDelay: 2 * time.Second,
	}
}

// LoadConfig loads configuration from a JSON file, merging over defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ResolveBrowser returns the browser executable to launch: the configured
// path, the WEBDBG_BROWSER override, a platform default, or the bare name
// found on PATH.
func (c *Config) ResolveBrowser() string {
	if c.BrowserPath != "" {
		return c.BrowserPath
	}
	if env := os.Getenv(BrowserEnv); env != "" {
		return env
	}
	return findBrowser()
}

// findBrowser searches for a Chromium-family browser in common locations.
func findBrowser() string {
	var locations []string
	switch runtime.GOOS {
	case "darwin":
		locations = []string{
			"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
			"/Applications/Chromium.app/Contents/MacOS/Chromium",
		}
	case "windows":
		locations = []string{
			`C:\Program Files\Google\Chrome\Application\chrome.exe`,
			`C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`,
		}
	default:
		locations = []string{
			"/usr/bin/google-chrome",
			"/usr/bin/google-chrome-stable",
			"/usr/bin/chromium",
			"/usr/bin/chromium-browser",
			"/snap/bin/chromium",
		}
	}

	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}

	for _, name := range []string{"google-chrome", "chromium", "chrome"} {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}

	// Fall back to a bare name; launch will fail with a clear error.
	return "google-chrome"
}
