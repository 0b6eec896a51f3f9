// Command parexec reads shell command lines from standard input and runs
// them across a fixed pool of worker processes.
//
// Usage:
//
//	parexec <worker_count> [<line_buffer_size> [<worker_cmd> <args...>]]
//
// At most worker_count commands run at any time; a new line is pulled from
// input only when a worker is free. With a line buffer size, workers capture
// their children's output and forward it line by line under an advisory
// lock, so lines from concurrent commands do not interleave. The exit code
// folds every child's status: zero only when every command succeeded.
//
// Logging:
//   - Base logger is created here with output level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/muesli/cancelreader"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"parexec/internal/config"
	"parexec/internal/dispatch"
	"parexec/internal/logging"
	"parexec/internal/pool"
	"parexec/internal/worker"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "parexec <worker_count> [<line_buffer_size> [<worker_cmd> <args...>]]",
		Short: "Run shell commands from stdin across a pool of worker processes",
		Long: `parexec reads one shell command per line from standard input and executes
them concurrently on a fixed pool of worker processes. Commands are pulled
from input only when a worker is free, so at most <worker_count> run at any
moment.

With a <line_buffer_size> of at least 2, workers capture command output and
forward it one line at a time under an advisory lock, keeping lines from
concurrent commands intact on stdout. A size of 0 (or none) lets commands
write to stdout directly.

Any arguments after <line_buffer_size> replace the built-in worker executor;
see the PARALLEL_EXEC_* environment contract in the documentation.`,
		Args:              cobra.MinimumNArgs(1),
		RunE:              runPool,
		SilenceUsage:      true,
		SilenceErrors:     true,
		CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
	}

	// Flag parsing stops at the first positional, so flags in the custom
	// worker command pass through as plain arguments.
	rootCmd.Flags().SetInterspersed(false)
	rootCmd.PersistentFlags().String("log-level", "warn", "log verbosity: debug, info, warn, or error")

	rootCmd.AddCommand(newWorkerCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "parexec: %v\n", err)
		os.Exit(1)
	}
}

// loggerFromFlags builds the base logger for this process.
func loggerFromFlags(cmd *cobra.Command) (*slog.Logger, string, error) {
	levelFlag, _ := cmd.Flags().GetString("log-level")
	level, err := logging.ParseLevel(levelFlag)
	if err != nil {
		return nil, "", err
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(handler), levelFlag, nil
}

func runPool(cmd *cobra.Command, args []string) error {
	logger, levelFlag, err := loggerFromFlags(cmd)
	if err != nil {
		return err
	}

	cfg, err := config.ParseArgs(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "parexec: %v\n", err)
		_ = cmd.Usage()
		os.Exit(1)
	}

	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprintln(os.Stderr, "parexec: refusing to read commands directly from the terminal")
		os.Exit(1)
	}

	// The default executor is this binary re-exec'd, launched through the
	// same environment contract a replacement worker gets.
	exe, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "parexec: cannot locate own executable: %v\n", err)
		os.Exit(1)
	}
	defaultArgv := []string{exe, "worker", "--log-level", levelFlag}

	p := pool.New(cfg, defaultArgv, logger)
	p.Spawn()

	rc := 0
	if p.Live() > 0 {
		in, cancel := stdinReader(logger)

		// Unblock a dispatcher stuck in a stdin read once the last worker
		// has retired; there is nobody left to hand a line to.
		go func() {
			<-p.Empty()
			cancel()
		}()

		rc = dispatch.Run(in, poolSource{p}, logger.With("component", "dispatch"))
	}

	p.Close()
	outcome, reapErr := p.Reap()
	if reapErr != nil {
		logger.Error("reaping cohort", "err", reapErr)
	}

	outcome |= rc
	if outcome != 0 {
		os.Exit(outcome) //nolint:gocritic // intentional exit-after-defer; defers are cleanup-only
	}
	return nil
}

// stdinReader wraps stdin in a cancellable reader when the platform
// supports it, falling back to the plain descriptor otherwise.
func stdinReader(logger *slog.Logger) (io.Reader, func()) {
	cr, err := cancelreader.NewReader(os.Stdin)
	if err != nil {
		logger.Warn("stdin is not cancellable, pool exhaustion may stall on input", "err", err)
		return os.Stdin, func() {}
	}
	return cr, func() { cr.Cancel() }
}

// poolSource adapts the pool's typed Acquire to the dispatcher's view.
type poolSource struct{ p *pool.Pool }

func (s poolSource) Acquire() (dispatch.Worker, bool) {
	w, ok := s.p.Acquire()
	if !ok {
		return nil, false
	}
	return w, true
}

// newWorkerCmd is the built-in worker executor, exec'd by the pool
// supervisor once per slot. It is not part of the user-facing surface.
func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "Run the built-in worker executor (launched by parexec itself)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE:   runWorker,
	}
}

func runWorker(cmd *cobra.Command, _ []string) error {
	logger, _, err := loggerFromFlags(cmd)
	if err != nil {
		return err
	}

	env, err := worker.EnvFromOS()
	if err != nil {
		return fmt.Errorf("worker launch environment: %w", err)
	}

	if code := worker.New(env, logger).Run(); code != 0 {
		os.Exit(code)
	}
	return nil
}
