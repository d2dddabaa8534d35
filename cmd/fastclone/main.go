package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	"fastclone/internal/color"
	logger "fastclone/internal/log"
	"fastclone/internal/orchestrator"
	"fastclone/internal/subprocess"
	typex "fastclone/type"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var (
		branch           = flag.String("b", "", "revision to check out after clone")
		branchLong       = flag.String("branch", "", "revision to check out after clone")
		verbose          = typex.NullableBool{}
		printGitErrors   = flag.Bool("print_git_errors", false, "emit captured output only when a command fails")
		colorize         = flag.Bool("c", false, "colorise status lines")
		colorizeLong     = flag.Bool("color", false, "colorise status lines")
		extraCloneConfig = flag.String("config", "", "extra --config passed to the outer clone")
		configFile       = flag.String("config-file", "", "path to the optional YAML defaults file")
		lockTimeout      = flag.Int("lock-timeout", 0, "seconds for file lock acquisition; 0 waits forever")
		preCloneHook     = flag.String("pre-clone-hook", "", "optional executable invoked before the first mirror clone")
		sparsePaths      = flag.String("sparse-paths", "", "comma-separated paths; enables cone-mode sparse checkout")
		noPrefetch       = flag.Bool("no-prefetch", false, "disable submodule-list prefetch warming")
	)
	flag.Var(&verbose, "v", "live-stream subprocess output")
	flag.Var(&verbose, "verbose", "live-stream subprocess output")

	if err := flag.CommandLine.Parse(args); err != nil {
		return 129
	}

	positional := flag.Args()
	if len(positional) == 0 {
		fmt.Fprintln(os.Stderr, "fastclone: missing required <url> argument")
		return 129
	}

	url := positional[0]
	dest := ""
	if len(positional) > 1 {
		dest = positional[1]
	}

	logger.InitLogger(verbose.Val(false))

	enableColor := *colorize || *colorizeLong
	if enableColor {
		enableColor = term.IsTerminal(int(os.Stdout.Fd()))
	}
	color.Enabled(enableColor)

	rev := *branch
	if rev == "" {
		rev = *branchLong
	}

	var sparse []string
	if *sparsePaths != "" {
		sparse = strings.Split(*sparsePaths, ",")
	}

	req := orchestrator.Request{
		URL:              url,
		Dest:             dest,
		Branch:           rev,
		Verbose:          verbose.Val(false),
		PrintOnFailure:   *printGitErrors,
		Color:            enableColor,
		ExtraCloneConfig: *extraCloneConfig,
		LockTimeoutSecs:  *lockTimeout,
		PreCloneHook:     *preCloneHook,
		SparsePaths:      sparse,
		NoPrefetch:       *noPrefetch,
		ConfigFile:       *configFile,
	}

	if err := orchestrator.Run(context.Background(), req); err != nil {
		var usageErr *orchestrator.UsageError
		if errors.As(err, &usageErr) {
			fmt.Fprintf(os.Stderr, "fastclone: %v\n", err)
			return 129
		}
		logger.Log.WithFields(map[string]interface{}{"url": url}).Errorf("checkout failed: %v", err)
		fmt.Fprintln(os.Stderr, color.FgRed(err.Error()))
		return exitCodeFor(err)
	}

	return 0
}

// exitCodeFor maps an execution error's subprocess exit status onto the
// process exit code; any other error defaults to 1.
func exitCodeFor(err error) int {
	var execErr *subprocess.Error
	if errors.As(err, &execErr) && execErr.Status > 0 {
		return execErr.Status
	}
	return 1
}
