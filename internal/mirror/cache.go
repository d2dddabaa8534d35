// Package mirror implements the reference-mirror cache: a content-addressed,
// on-disk cache of bare mirrors shared across one operator's invocations,
// with two-level locking (inter-process file lock + intra-process mutex),
// per-run freshness tracking, and self-healing eviction on corruption.
package mirror

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/samber/lo"

	"fastclone/internal/classify"
	"fastclone/internal/color"
	"fastclone/internal/stats"
	"fastclone/internal/subprocess"
	"fastclone/internal/urlkey"
	logger "fastclone/internal/log"
)

// Runner is the subset of internal/subprocess that the cache depends on; a
// test double can satisfy this without spawning anything.
type Runner interface {
	Run(argv []string, opts subprocess.Options) (string, error)
}

type execRunner struct{}

func (execRunner) Run(argv []string, opts subprocess.Options) (string, error) {
	return subprocess.Run(argv, opts)
}

// PreCloneHook, if set, is invoked as `hook URL MIRROR ATTEMPT` immediately
// before the first `clone --mirror` for a URL. Its absence is a silent
// no-op; its presence only means "try to prepopulate the mirror" — a
// failure to run it is not itself fatal, cloning proceeds as normal.
type Options struct {
	LockTimeout  time.Duration // 0 waits forever
	Prefetch     bool
	PreCloneHook string
	Runner       Runner
	Stats        *stats.Counters
}

type Cache struct {
	root    string
	opts    Options
	runner  Runner
	stats   *stats.Counters

	mapMu     sync.Mutex
	freshness map[string]bool
	mutexes   map[string]*sync.Mutex
}

func NewCache(root string, opts Options) *Cache {
	runner := opts.Runner
	if runner == nil {
		runner = execRunner{}
	}
	s := opts.Stats
	if s == nil {
		s = stats.New()
	}
	return &Cache{
		root:      root,
		opts:      opts,
		runner:    runner,
		stats:     s,
		freshness: make(map[string]bool),
		mutexes:   make(map[string]*sync.Mutex),
	}
}

// LockTimeoutError is raised when file-lock acquisition exceeds the
// configured timeout. It is always fatal.
type LockTimeoutError struct {
	Key     string
	Timeout time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for lock on %s", e.Timeout, e.Key)
}

func (c *Cache) keyMutex(key string) *sync.Mutex {
	c.mapMu.Lock()
	defer c.mapMu.Unlock()
	mu, ok := c.mutexes[key]
	if !ok {
		mu = &sync.Mutex{}
		c.mutexes[key] = mu
	}
	return mu
}

func (c *Cache) isFresh(key string) bool {
	c.mapMu.Lock()
	defer c.mapMu.Unlock()
	return c.freshness[key]
}

func (c *Cache) setFresh(key string) {
	c.mapMu.Lock()
	defer c.mapMu.Unlock()
	c.freshness[key] = true
}

func (c *Cache) clearFresh(key string) {
	c.mapMu.Lock()
	defer c.mapMu.Unlock()
	delete(c.freshness, key)
}

func (c *Cache) acquireFileLock(url string, local bool, key string) (*flock.Flock, error) {
	fl := flock.New(urlkey.LockFile(url, c.root, local))

	if c.opts.LockTimeout <= 0 {
		if err := fl.Lock(); err != nil {
			return nil, fmt.Errorf("acquire lock for %s: %w", key, err)
		}
		return fl, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.LockTimeout)
	defer cancel()
	ok, err := fl.TryLockContext(ctx, 25*time.Millisecond)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &LockTimeoutError{Key: key, Timeout: c.opts.LockTimeout}
		}
		return nil, fmt.Errorf("acquire lock for %s: %w", key, err)
	}
	if !ok {
		return nil, &LockTimeoutError{Key: key, Timeout: c.opts.LockTimeout}
	}
	return fl, nil
}

// WithMirror ensures the mirror for url is present and fresh, then invokes
// body(mirrorDir, attempt) while holding the per-URL file lock and
// intra-process mutex together, for the full duration of this call. A
// retriable execution error from body triggers eviction and one retry
// (attempt becomes 1); a second retriable failure, or any non-retriable
// failure, is returned to the caller. An authentication failure from body
// is returned at once, without eviction or retry.
func (c *Cache) WithMirror(url string, local bool, body func(dir string, attempt int) error) error {
	key := urlkey.CacheKey(url, local)

	fl, err := c.acquireFileLock(url, local, key)
	if err != nil {
		return err
	}
	defer func() { _ = fl.Unlock() }()

	mu := c.keyMutex(key)
	mu.Lock()
	defer mu.Unlock()

	mirrorDir := urlkey.MirrorDir(url, c.root, local)

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if err := c.ensureFresh(url, key, local, true, attempt); err != nil {
			return err
		}

		err := body(mirrorDir, attempt)
		if err == nil {
			return nil
		}

		var execErr *subprocess.Error
		if asExecError(err, &execErr) && classify.Retriable(execErr.Output) && !classify.AuthError(execErr.Output) {
			logger.Log.WithFields(map[string]interface{}{"url": url, "attempt": attempt}).Warn(color.FgYellow("retriable failure, evicting mirror and retrying"))
			logger.Log.Info("  " + strings.ReplaceAll(strings.TrimRight(execErr.Output, "\n"), "\n", "\n  "))
			c.evict(key, mirrorDir)
			c.stats.Retries.Add(1)
			lastErr = err
			continue
		}
		return err
	}
	return lastErr
}

// Update is the standalone freshness path used by prefetch workers and any
// caller that wants a mirror warmed without running a body against it. It
// acquires its own file lock and mutex pair (never already held by an
// ancestor call, since prefetch always targets a different URL/key).
func (c *Cache) Update(url string, local bool, failHard bool) error {
	key := urlkey.CacheKey(url, local)

	fl, err := c.acquireFileLock(url, local, key)
	if err != nil {
		return err
	}
	defer func() { _ = fl.Unlock() }()

	mu := c.keyMutex(key)
	mu.Lock()
	defer mu.Unlock()

	return c.ensureFresh(url, key, local, failHard, 0)
}

// ensureFresh assumes the caller already holds the file lock and mutex for
// key. It launches best-effort prefetch warm-ups for any submodule URLs
// already known for this mirror, then freshens the mirror itself if it has
// not already been freshened this run.
func (c *Cache) ensureFresh(url, key string, local, failHard bool, attempt int) error {
	mirrorDir := urlkey.MirrorDir(url, c.root, local)
	submodulesFile := urlkey.SubmodulesFile(url, c.root, local)

	if c.opts.Prefetch {
		if urls, err := readLines(submodulesFile); err == nil {
			for _, siblingURL := range urls {
				siblingURL := siblingURL
				go func() {
					if err := c.Update(siblingURL, false, false); err != nil {
						logger.Log.WithFields(map[string]interface{}{"url": siblingURL}).Debugf("prefetch warm-up failed: %v", err)
					}
				}()
			}
		}
	}

	if c.isFresh(key) {
		return nil
	}
	return c.storeUpdated(url, mirrorDir, key, failHard, attempt)
}

func (c *Cache) storeUpdated(url, mirrorDir, key string, failHard bool, attempt int) error {
	if _, err := os.Stat(mirrorDir); os.IsNotExist(err) {
		if c.opts.PreCloneHook != "" {
			_, _ = c.runner.Run([]string{c.opts.PreCloneHook, url, mirrorDir, fmt.Sprintf("%d", attempt)}, subprocess.Options{Quiet: true})
		}
	}

	if _, err := os.Stat(mirrorDir); os.IsNotExist(err) {
		if _, err := c.runner.Run([]string{"git", "clone", "--mirror", url, mirrorDir}, subprocess.Options{Quiet: true}); err != nil {
			return c.handleStoreUpdateFailure(key, mirrorDir, err, failHard)
		}
		c.stats.MirrorsCreated.Add(1)
	}

	if _, err := c.runner.Run([]string{"git", "remote", "update", "--prune"}, subprocess.Options{Dir: mirrorDir, Quiet: true}); err != nil {
		return c.handleStoreUpdateFailure(key, mirrorDir, err, failHard)
	}

	c.setFresh(key)
	c.stats.MirrorsRefreshed.Add(1)
	return nil
}

func (c *Cache) handleStoreUpdateFailure(key, mirrorDir string, err error, failHard bool) error {
	var execErr *subprocess.Error
	if asExecError(err, &execErr) && !classify.AuthError(execErr.Output) {
		c.evict(key, mirrorDir)
	}
	if failHard {
		return err
	}
	return nil
}

func (c *Cache) evict(key, mirrorDir string) {
	_ = os.RemoveAll(mirrorDir)
	c.clearFresh(key)
	c.stats.MirrorsEvicted.Add(1)
}

// UpdateSubmoduleList persists the deduplicated set of URLs under the
// submodules file for parentURL's mirror, under the parent's file+mutex
// lock, so that a later run's prefetch step can warm them.
func (c *Cache) UpdateSubmoduleList(parentURL string, local bool, urls []string) error {
	key := urlkey.CacheKey(parentURL, local)

	fl, err := c.acquireFileLock(parentURL, local, key)
	if err != nil {
		return err
	}
	defer func() { _ = fl.Unlock() }()

	mu := c.keyMutex(key)
	mu.Lock()
	defer mu.Unlock()

	path := urlkey.SubmodulesFile(parentURL, c.root, local)
	deduped := lo.Uniq(urls)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("write submodules file for %s: %w", parentURL, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, u := range deduped {
		if _, err := fmt.Fprintln(w, u); err != nil {
			return err
		}
	}
	return w.Flush()
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}

// asExecError unwraps err looking for a *subprocess.Error, the way
// errors.As would, without forcing every caller to import "errors" just
// for this one narrow check.
func asExecError(err error, target **subprocess.Error) bool {
	return errors.As(err, target)
}
