package mirror

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fastclone/internal/stats"
	"fastclone/internal/subprocess"
	"fastclone/internal/urlkey"
)

// fakeRunner records every invocation and lets a test script canned
// responses per argv[0:2] prefix, in the style of the teacher's
// MockGitRepo.
type fakeRunner struct {
	mu    sync.Mutex
	calls [][]string

	// scripted maps a joined argv prefix to a queue of (output, err) pairs
	// returned in order; once exhausted, the last entry repeats.
	scripted map[string][]scriptedResult
}

type scriptedResult struct {
	output string
	err    error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{scripted: make(map[string][]scriptedResult)}
}

func (f *fakeRunner) script(prefix string, output string, err error) {
	f.scripted[prefix] = append(f.scripted[prefix], scriptedResult{output: output, err: err})
}

func (f *fakeRunner) Run(argv []string, opts subprocess.Options) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string{}, argv...))

	key := prefixKey(argv)
	queue, ok := f.scripted[key]
	if !ok || len(queue) == 0 {
		if opts.Dir != "" {
			_ = os.MkdirAll(opts.Dir, 0755)
		}
		return "", nil
	}
	next := queue[0]
	if len(queue) > 1 {
		f.scripted[key] = queue[1:]
	}
	if next.err == nil && opts.Dir != "" {
		_ = os.MkdirAll(opts.Dir, 0755)
	}
	return next.output, next.err
}

func (f *fakeRunner) countPrefix(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if prefixKey(c) == prefix {
			n++
		}
	}
	return n
}

func prefixKey(argv []string) string {
	if len(argv) >= 2 {
		return argv[0] + " " + argv[1]
	}
	if len(argv) == 1 {
		return argv[0]
	}
	return ""
}

func execErr(output string) error {
	return &subprocess.Error{Argv: []string{"git"}, Status: 1, Output: output}
}

func newTestCache(t *testing.T, runner Runner) (*Cache, string) {
	t.Helper()
	root := t.TempDir()
	c := NewCache(root, Options{Runner: runner, Stats: stats.New()})
	return c, root
}

func TestWithMirrorClonesThenReusesOnHappyPath(t *testing.T) {
	runner := newFakeRunner()
	c, _ := newTestCache(t, runner)

	calls := 0
	err := c.WithMirror("https://example.com/org/repo.git", false, func(dir string, attempt int) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, runner.countPrefix("git clone"))
	assert.Equal(t, 1, runner.countPrefix("git remote"))
	assert.EqualValues(t, 1, c.stats.MirrorsCreated.Count())
}

func TestWithMirrorDoesNotRefreshTwiceWithinOneRun(t *testing.T) {
	runner := newFakeRunner()
	c, _ := newTestCache(t, runner)

	for i := 0; i < 3; i++ {
		err := c.WithMirror("https://example.com/org/repo.git", false, func(dir string, attempt int) error {
			return nil
		})
		require.NoError(t, err)
	}

	assert.Equal(t, 1, runner.countPrefix("git clone"))
	assert.Equal(t, 1, runner.countPrefix("git remote"))
}

func TestWithMirrorEvictsAndRetriesOnCorruption(t *testing.T) {
	runner := newFakeRunner()
	c, _ := newTestCache(t, runner)

	attempts := 0
	err := c.WithMirror("https://example.com/org/repo.git", false, func(dir string, attempt int) error {
		attempts++
		if attempt == 0 {
			return execErr("fatal: missing blob object deadbeef\n")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.EqualValues(t, 1, c.stats.MirrorsEvicted.Count())
	assert.EqualValues(t, 1, c.stats.Retries.Count())
	assert.Equal(t, 2, runner.countPrefix("git clone"))
}

func TestWithMirrorDoesNotEvictOnAuthFailure(t *testing.T) {
	runner := newFakeRunner()
	c, _ := newTestCache(t, runner)

	err := c.WithMirror("https://example.com/org/repo.git", false, func(dir string, attempt int) error {
		return execErr("fatal: Authentication failed for 'https://example.com/org/repo.git'\n")
	})

	require.Error(t, err)
	assert.EqualValues(t, 0, c.stats.MirrorsEvicted.Count())
}

func TestWithMirrorReturnsNonRetriableFailureImmediately(t *testing.T) {
	runner := newFakeRunner()
	c, _ := newTestCache(t, runner)

	attempts := 0
	err := c.WithMirror("https://example.com/org/repo.git", false, func(dir string, attempt int) error {
		attempts++
		return execErr("fatal: repository not found\n")
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestWithMirrorReturnsLockTimeoutErrorWhenLockIsHeld(t *testing.T) {
	runner := newFakeRunner()
	root := t.TempDir()
	c := NewCache(root, Options{Runner: runner, Stats: stats.New(), LockTimeout: 50 * time.Millisecond})

	url := "https://example.com/org/repo.git"
	key := urlkey.CacheKey(url, false)

	holder := flock.New(urlkey.LockFile(url, root, false))
	locked, err := holder.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer func() { _ = holder.Unlock() }()

	err = c.WithMirror(url, false, func(dir string, attempt int) error {
		t.Fatal("body should not run when the lock cannot be acquired")
		return nil
	})

	require.Error(t, err)
	var timeoutErr *LockTimeoutError
	require.True(t, errors.As(err, &timeoutErr))
	assert.Equal(t, key, timeoutErr.Key)
}

func TestUpdateSubmoduleListPersistsDedupedURLs(t *testing.T) {
	runner := newFakeRunner()
	c, root := newTestCache(t, runner)

	parentURL := "https://example.com/org/repo.git"
	urls := []string{"https://example.com/org/a.git", "https://example.com/org/b.git", "https://example.com/org/a.git"}

	require.NoError(t, c.UpdateSubmoduleList(parentURL, false, urls))

	got, err := readLines(filepath.Join(root, fmt.Sprintf("%s:submodules", "example.com-org-repo.git")))
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/org/a.git", "https://example.com/org/b.git"}, got)
}

func TestPrefetchWarmsSiblingURLsWithoutFailingTheCaller(t *testing.T) {
	runner := newFakeRunner()
	c, _ := newTestCache(t, runner)
	c.opts.Prefetch = true

	parentURL := "https://example.com/org/repo.git"
	siblingURL := "https://example.com/org/sibling.git"
	require.NoError(t, c.UpdateSubmoduleList(parentURL, false, []string{siblingURL}))

	err := c.WithMirror(parentURL, false, func(dir string, attempt int) error {
		return nil
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return runner.countPrefix("git clone") >= 2
	}, 500*time.Millisecond, 10*time.Millisecond)
}
