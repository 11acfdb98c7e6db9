package config

import (
	"os"
	"path/filepath"
)

const (
	defaultPageSize       = 1000
	defaultCodec          = "LC_128_44100_stereo"
	defaultDownloadSecs   = 0
	defaultToolTimeoutSec = 600
)

// Default returns the built-in configuration values.
func Default() Config {
	return Config{
		Paths: Paths{
			StateDir:   defaultStateDir(),
			LibraryDir: defaultLibraryDir(),
			CacheDir:   defaultCacheDir(),
		},
		API: API{
			PageSize: defaultPageSize,
			Codec:    defaultCodec,
		},
		Download: Download{
			TimeoutSeconds: defaultDownloadSecs,
		},
		Merge: Merge{
			AllowToolDownload:  true,
			ToolTimeoutSeconds: defaultToolTimeoutSec,
		},
		Logging: Logging{
			Format: "console",
			Level:  "info",
		},
	}
}

func defaultStateDir() string {
	if base, ok := os.LookupEnv("XDG_STATE_HOME"); ok && base != "" {
		return filepath.Join(base, "folio")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "~/.local/state/folio"
	}
	return filepath.Join(home, ".local", "state", "folio")
}

func defaultCacheDir() string {
	if base, ok := os.LookupEnv("XDG_CACHE_HOME"); ok && base != "" {
		return filepath.Join(base, "folio")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "~/.cache/folio"
	}
	return filepath.Join(home, ".cache", "folio")
}

func defaultLibraryDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "~/Audiobooks"
	}
	return filepath.Join(home, "Audiobooks")
}
