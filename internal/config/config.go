// Package config loads AppConfig, the optional on-disk YAML document that
// supplies defaults for everything a flag or environment variable can also
// set. Flags and environment win; the file only fills gaps.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"

	"fastclone/internal/ext"
)

const (
	DefaultAllowedProtocols = "file:git:http:https:ssh"
	DefaultConfigFileName   = ".fastclonerc.yaml"
)

// AppConfig holds every defaultable setting. Zero values mean "not set in
// the file"; Resolve fills them in from built-in defaults.
type AppConfig struct {
	CacheRoot            string `yaml:"cacheRoot"`
	LockTimeoutSeconds   int    `yaml:"lockTimeoutSeconds"`
	PrefetchEnabled      *bool  `yaml:"prefetchEnabled"`
	AllowedProtocols     string `yaml:"allowedProtocols"`
	SubmoduleConcurrency int    `yaml:"submoduleConcurrency"`
}

// Load reads path as a YAML AppConfig. A missing file is not an error — it
// returns a zero-valued AppConfig so Resolve's defaults apply uniformly.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &AppConfig{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &cfg, nil
}

// DefaultConfigFilePath returns ~/.fastclonerc.yaml, or DefaultConfigFileName
// relative to the working directory if the home directory can't be
// determined.
func DefaultConfigFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return DefaultConfigFileName
	}
	return filepath.Join(home, DefaultConfigFileName)
}

// Resolved is the fully merged configuration: file defaults overridden by
// environment, overridden by flags. None of its fields are pointers — every
// gap has been filled in.
type Resolved struct {
	CacheRoot            string
	LockTimeoutSeconds   int
	PrefetchEnabled      bool
	AllowedProtocols     string
	SubmoduleConcurrency int
}

// Overrides carries the flag values the CLI parsed; a field left at its Go
// zero value is treated as "not passed on the command line" except where a
// *bool pointer makes that distinction explicit.
type Overrides struct {
	CacheRoot            string
	LockTimeoutSeconds   int
	PrefetchEnabled      *bool
	AllowedProtocols     string
	SubmoduleConcurrency int
}

// Resolve merges file, environment, and flag values in that increasing
// order of precedence.
func Resolve(file *AppConfig, overrides Overrides) Resolved {
	r := Resolved{
		CacheRoot:            defaultCacheRoot(),
		LockTimeoutSeconds:   0,
		PrefetchEnabled:      true,
		AllowedProtocols:     DefaultAllowedProtocols,
		SubmoduleConcurrency: 0,
	}

	if file != nil {
		if file.CacheRoot != "" {
			r.CacheRoot = file.CacheRoot
		}
		if file.LockTimeoutSeconds != 0 {
			r.LockTimeoutSeconds = file.LockTimeoutSeconds
		}
		if file.PrefetchEnabled != nil {
			r.PrefetchEnabled = *file.PrefetchEnabled
		}
		if file.AllowedProtocols != "" {
			r.AllowedProtocols = file.AllowedProtocols
		}
		if file.SubmoduleConcurrency != 0 {
			r.SubmoduleConcurrency = file.SubmoduleConcurrency
		}
	}

	if v := os.Getenv("REFERENCE_REPO_DIR"); v != "" {
		r.CacheRoot = v
	}
	if v := os.Getenv("GIT_ALLOW_PROTOCOL"); v != "" {
		r.AllowedProtocols = v
	}

	if overrides.CacheRoot != "" {
		r.CacheRoot = overrides.CacheRoot
	}
	if overrides.LockTimeoutSeconds != 0 {
		r.LockTimeoutSeconds = overrides.LockTimeoutSeconds
	}
	if overrides.PrefetchEnabled != nil {
		r.PrefetchEnabled = *overrides.PrefetchEnabled
	}
	if overrides.AllowedProtocols != "" {
		r.AllowedProtocols = overrides.AllowedProtocols
	}
	if overrides.SubmoduleConcurrency != 0 {
		r.SubmoduleConcurrency = overrides.SubmoduleConcurrency
	}

	return r
}

func defaultCacheRoot() string {
	return ext.DefaultValue(os.Getenv("REFERENCE_REPO_DIR"), filepath.Join(os.TempDir(), "git-fastclone", "reference"))
}
