// Package orchestrator wires the configuration, reference cache, and fetch
// engine together on behalf of the command-line front-end. It is the only
// place that decides whether a URL names a local path, sets up the
// process-wide protocol allow-list, and enforces usage-level invariants
// before any subprocess is spawned.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"time"

	"fastclone/internal/color"
	"fastclone/internal/config"
	"fastclone/internal/ext"
	"fastclone/internal/fetch"
	logger "fastclone/internal/log"
	"fastclone/internal/mirror"
	"fastclone/internal/stats"
	"fastclone/internal/urlkey"
)

// Request carries everything the front-end parsed from flags.
type Request struct {
	URL              string
	Dest             string
	Branch           string
	Verbose          bool
	PrintOnFailure   bool
	Color            bool
	ExtraCloneConfig string
	LockTimeoutSecs  int
	PreCloneHook     string
	SparsePaths      []string
	NoPrefetch       bool
	ConfigFile       string
}

// UsageError distinguishes caller-input mistakes (exit 129 at the CLI) from
// execution failures propagated from a subprocess.
type UsageError struct {
	Message string
}

func (e *UsageError) Error() string { return e.Message }

// Run validates req, resolves configuration, and drives the fetch engine.
func Run(ctx context.Context, req Request) error {
	if req.URL == "" {
		return &UsageError{Message: "missing required <url> argument"}
	}
	if len(req.SparsePaths) > 0 && req.Branch == "" {
		return &UsageError{Message: "sparse checkout requires -b/--branch"}
	}

	dest := req.Dest
	if dest == "" {
		dest = urlkey.DefaultDestination(req.URL)
	}

	local := isLocalPath(req.URL)

	configFile := req.ConfigFile
	if configFile == "" {
		configFile = config.DefaultConfigFilePath()
	}
	fileCfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	var prefetchOverride *bool
	if req.NoPrefetch {
		disabled := false
		prefetchOverride = &disabled
	}

	resolved := config.Resolve(fileCfg, config.Overrides{
		LockTimeoutSeconds: req.LockTimeoutSecs,
		PrefetchEnabled:    prefetchOverride,
	})

	if os.Getenv("GIT_ALLOW_PROTOCOL") == "" {
		if err := os.Setenv("GIT_ALLOW_PROTOCOL", resolved.AllowedProtocols); err != nil {
			return fmt.Errorf("orchestrator: set GIT_ALLOW_PROTOCOL: %w", err)
		}
	}

	if err := os.MkdirAll(resolved.CacheRoot, 0755); err != nil {
		return fmt.Errorf("orchestrator: create cache root %s: %w", resolved.CacheRoot, err)
	}

	runStats := stats.New()
	cache := mirror.NewCache(resolved.CacheRoot, mirror.Options{
		LockTimeout:  secondsToDuration(resolved.LockTimeoutSeconds),
		Prefetch:     resolved.PrefetchEnabled,
		PreCloneHook: req.PreCloneHook,
		Stats:        runStats,
	})

	logger.Log.WithFields(map[string]interface{}{
		"url":       req.URL,
		"dest":      dest,
		"cacheRoot": ext.ReplaceHomeDirWithTilde(resolved.CacheRoot),
	}).Info(color.FgCyan("starting checkout"))

	err = fetch.Clone(ctx, req.URL, req.Branch, dest, fetch.Options{
		Verbose:          req.Verbose,
		PrintOnFailure:   req.PrintOnFailure,
		ExtraCloneConfig: req.ExtraCloneConfig,
		SparsePaths:      req.SparsePaths,
		SubmoduleLimit:   resolved.SubmoduleConcurrency,
		Local:            local,
		Cache:            cache,
		Stats:            runStats,
	})

	logger.Log.Info(color.FgGreen(runStats.Summary()))
	return err
}

func isLocalPath(url string) bool {
	if _, err := os.Stat(url); err == nil {
		return true
	}
	return false
}

func secondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
