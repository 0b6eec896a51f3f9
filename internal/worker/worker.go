// Package worker implements the default worker executor.
//
// A worker is a child process of the pool supervisor. It owns one duplex
// socket to the master and runs a strict request/response loop:
//
//	write "<status>\n"        readiness, status of the previous command
//	read one command line     blocks; EOF ends the loop
//	run <shell> -c <command>  capturing output when a buffer is configured
//
// A worker never sees a second command before it has signalled readiness for
// it, which is what makes the master's dispatch pull-based.
//
// In captured mode the shell child's stdout is a pipe back to the worker,
// which forwards it to the shared stdout one bounded line at a time under an
// advisory lock. Uncaptured, the child inherits stdout and interleaving is
// the caller's concern.
package worker

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"parexec/internal/exitcode"
	"parexec/internal/lineio"
	"parexec/internal/linelock"
	"parexec/internal/logging"
)

// Executor runs the worker loop for one slot.
type Executor struct {
	env    *Env
	logger *slog.Logger
	shell  string

	// stdout is where captured (or uncaptured) child output lands. The
	// shared process stdout in production, a file in tests.
	stdout *os.File

	// trace receives the per-dispatch "executing" line.
	trace *os.File
}

// New builds an Executor from a launch environment.
func New(env *Env, logger *slog.Logger) *Executor {
	return &Executor{
		env:    env,
		logger: logging.Default(logger).With("component", "worker", "slot", env.Slot),
		shell:  ResolveShell(),
		stdout: os.Stdout,
		trace:  os.Stderr,
	}
}

// Run executes the readiness/command loop until the master side of the
// socket closes. The return value is the OR of the collapsed statuses of
// every shell child, suitable as the worker's own exit code.
func (e *Executor) Run() int {
	sock := os.NewFile(e.env.LineFD, "master")
	if sock == nil {
		e.logger.Error("invalid master socket descriptor")
		return 1
	}
	defer sock.Close()

	pageSize := os.Getpagesize()
	br := bufio.NewReaderSize(sock, pageSize)

	status, outcome := 0, 0
	for {
		if _, err := fmt.Fprintf(sock, "%d\n", status); err != nil {
			break
		}

		line, err := lineio.ReadChunk(br, pageSize-1)
		if err != nil {
			break
		}

		command := strings.TrimSuffix(string(line), "\n")
		fmt.Fprintf(e.trace, "parexec[%d]: executing: %s\n", e.env.Slot, command)

		status = e.execute(command)
		outcome |= status
	}
	return outcome
}

// execute runs one command under the shell and returns its collapsed status.
// Capture failures degrade to uncaptured output rather than failing the
// command.
func (e *Executor) execute(command string) int {
	cmd := exec.Command(e.shell, "-c", command)
	cmd.Stderr = os.Stderr

	var capture *bufio.Reader
	if e.env.LineBuffer > 0 {
		pipe, err := cmd.StdoutPipe()
		if err != nil {
			e.logger.Error("unable to create output pipe", "err", err)
			cmd.Stdout = e.stdout
		} else {
			capture = bufio.NewReaderSize(pipe, e.env.LineBuffer)
		}
	} else {
		cmd.Stdout = e.stdout
	}

	if err := cmd.Start(); err != nil {
		e.logger.Error("exec error", "shell", e.shell, "err", err)
		return 0
	}

	if capture != nil {
		e.forward(capture)
	}

	return exitcode.FromWait(cmd.ProcessState, cmd.Wait())
}

// forward drains the capture pipe, writing each bounded line to the shared
// stdout under the advisory lock. Lock degradation is per command: forward
// is called with a fresh Writer every time.
func (e *Executor) forward(capture *bufio.Reader) {
	lw := linelock.New(e.stdout, e.logger)
	for {
		chunk, err := lineio.ReadChunk(capture, e.env.LineBuffer-1)
		if len(chunk) > 0 {
			if werr := lw.WriteLine(chunk); werr != nil {
				e.logger.Error("output write failed", "err", werr)
			}
		}
		if err != nil {
			return
		}
	}
}
