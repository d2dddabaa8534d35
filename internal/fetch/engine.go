// Package fetch drives the checkout clone and the recursive submodule
// fan-out on top of the reference mirror cache.
package fetch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"fastclone/internal/color"
	logger "fastclone/internal/log"
	"fastclone/internal/mirror"
	"fastclone/internal/stats"
	"fastclone/internal/subprocess"
	"fastclone/internal/urlkey"
)

// Options controls one Clone call. Most fields mirror the CLI flags
// described in the command-line front-end; the engine has no opinion about
// where they came from.
type Options struct {
	Verbose          bool
	PrintOnFailure   bool
	ExtraCloneConfig string
	SparsePaths      []string // non-empty enables cone-mode sparse checkout
	SubmoduleLimit   int      // 0 = unbounded
	Local            bool
	Runner           Runner
	Cache            *mirror.Cache
	Stats            *stats.Counters
}

// Runner is the subset of internal/subprocess the engine depends on.
type Runner interface {
	Run(argv []string, opts subprocess.Options) (string, error)
}

type execRunner struct{}

func (execRunner) Run(argv []string, opts subprocess.Options) (string, error) {
	return subprocess.Run(argv, opts)
}

// Clone checks out url at rev into dest, sharing object storage with the
// reference mirror cache, then recurses into any submodules declared by the
// checked-out tree.
//
// In sparse mode the initial clone targets the mirror directory directly
// (`clone --no-checkout MIRROR DEST`); origin therefore points at the local
// mirror path rather than url. Callers that need origin to resolve to the
// real remote must run their own `remote set-url` afterward.
func Clone(ctx context.Context, url, rev, dest string, opts Options) error {
	if opts.Runner == nil {
		opts.Runner = execRunner{}
	}
	if opts.Stats == nil {
		opts.Stats = stats.New()
	}

	if entries, err := destinationEntries(dest); err != nil {
		return err
	} else if len(entries) > 0 {
		return fmt.Errorf("fetch: destination %q already exists and is not empty", dest)
	}

	sparse := len(opts.SparsePaths) > 0

	err := opts.Cache.WithMirror(url, opts.Local, func(mirrorDir string, attempt int) error {
		if attempt > 0 {
			if err := purge(dest); err != nil {
				return err
			}
		}
		return cloneAgainstMirror(opts.Runner, url, mirrorDir, dest, rev, sparse, opts)
	})
	if err != nil {
		return err
	}

	if !sparse && rev != "" {
		if _, err := opts.Runner.Run([]string{"git", "checkout", "--quiet", rev}, subprocess.Options{
			Dir:            dest,
			Quiet:          !opts.Verbose,
			PrintOnFailure: opts.PrintOnFailure,
		}); err != nil {
			return err
		}
	}

	return updateSubmodules(ctx, dest, url, opts)
}

func cloneAgainstMirror(runner Runner, url, mirrorDir, dest, rev string, sparse bool, opts Options) error {
	runOpts := subprocess.Options{Quiet: !opts.Verbose, PrintOnFailure: opts.PrintOnFailure}

	if sparse {
		argv := []string{"git", "clone", "--no-checkout", mirrorDir, dest}
		if _, err := runner.Run(argv, runOpts); err != nil {
			return err
		}
		if _, err := runner.Run([]string{"git", "sparse-checkout", "init", "--cone"}, subprocess.Options{Dir: dest, Quiet: !opts.Verbose, PrintOnFailure: opts.PrintOnFailure}); err != nil {
			return err
		}
		setArgv := append([]string{"git", "sparse-checkout", "set"}, opts.SparsePaths...)
		if _, err := runner.Run(setArgv, subprocess.Options{Dir: dest, Quiet: !opts.Verbose, PrintOnFailure: opts.PrintOnFailure}); err != nil {
			return err
		}
		_, err := runner.Run([]string{"git", "checkout", "--quiet", rev}, subprocess.Options{Dir: dest, Quiet: !opts.Verbose, PrintOnFailure: opts.PrintOnFailure})
		return err
	}

	argv := []string{"git", "clone", "--reference", mirrorDir, url, dest}
	if opts.ExtraCloneConfig != "" {
		argv = append(argv, "--config", opts.ExtraCloneConfig)
	}
	_, err := runner.Run(argv, runOpts)
	return err
}

// updateSubmodules discovers pwd's direct submodules (if any), fetches them
// concurrently, and recurses into each. parentURL is used to persist the
// discovered URL list onto parentURL's mirror for future prefetch.
func updateSubmodules(ctx context.Context, pwd, parentURL string, opts Options) error {
	gitmodules := filepath.Join(pwd, ".gitmodules")
	if _, err := os.Stat(gitmodules); os.IsNotExist(err) {
		return nil
	}

	runOpts := subprocess.Options{Quiet: !opts.Verbose, PrintOnFailure: opts.PrintOnFailure}
	output, err := opts.Runner.Run([]string{"git", "submodule", "init"}, mergeDir(runOpts, pwd))
	if err != nil {
		return err
	}

	type submodule struct {
		path string
		url  string
	}
	var subs []submodule
	for _, line := range strings.Split(output, "\n") {
		p, u, ok := urlkey.ParseSubmoduleLine(line)
		if !ok {
			continue
		}
		subs = append(subs, submodule{path: p, url: u})
	}
	if len(subs) == 0 {
		return nil
	}
	logger.Log.WithFields(map[string]interface{}{"parent": parentURL}).Infof(color.FgMagenta("dispatching %d submodule workers"), len(subs))

	g, gctx := errgroup.WithContext(ctx)
	if opts.SubmoduleLimit > 0 {
		g.SetLimit(opts.SubmoduleLimit)
	}

	for _, s := range subs {
		s := s
		g.Go(func() error {
			err := opts.Cache.WithMirror(s.url, false, func(mirrorDir string, attempt int) error {
				_, err := opts.Runner.Run(
					[]string{"git", "submodule", "update", "--reference", mirrorDir, s.path},
					mergeDir(subprocess.Options{Quiet: !opts.Verbose, PrintOnFailure: opts.PrintOnFailure}, pwd),
				)
				return err
			})
			if err != nil {
				return err
			}
			opts.Stats.SubmodulesFetched.Add(1)

			// A sibling worker's failure cancels gctx; honor it here by not
			// launching this subtree's own recursive fan-out, rather than by
			// skipping work this worker was already dispatched to do.
			if gctx.Err() != nil {
				return nil
			}
			return updateSubmodules(gctx, filepath.Join(pwd, s.path), s.url, opts)
		})
	}

	urls := make([]string, 0, len(subs))
	for _, s := range subs {
		urls = append(urls, s.url)
	}
	if err := opts.Cache.UpdateSubmoduleList(parentURL, opts.Local, urls); err != nil {
		logger.Log.WithFields(map[string]interface{}{"url": parentURL}).Warnf("persisting submodule list failed: %v", err)
	}

	return g.Wait()
}

func mergeDir(opts subprocess.Options, dir string) subprocess.Options {
	opts.Dir = dir
	return opts
}

func destinationEntries(dest string) ([]os.DirEntry, error) {
	entries, err := os.ReadDir(dest)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch: inspect destination %q: %w", dest, err)
	}
	var filtered []os.DirEntry
	for _, e := range entries {
		if e.Name() == "." || e.Name() == ".." {
			continue
		}
		filtered = append(filtered, e)
	}
	return filtered, nil
}

func purge(dest string) error {
	entries, err := os.ReadDir(dest)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("fetch: purge destination %q: %w", dest, err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dest, e.Name())); err != nil {
			return err
		}
	}
	return nil
}
