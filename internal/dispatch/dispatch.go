// Package dispatch pairs input command lines with ready workers.
//
// The loop is pull-based: a line is read from input only when the previous
// one has been handed off, and it goes to whichever worker signalled
// readiness first. There is no round-robin guarantee and no ordering across
// workers — only the input side is ordered (lines are consumed and
// dispatched in arrival order).
//
// Worker failures never abort the loop. A worker whose socket rejects a
// write is retired and the line in flight to it is dropped; dispatch
// continues against the remaining workers. The loop ends on input
// exhaustion, input cancellation (the supervisor cancels the input reader
// when the last worker retires), or pool exhaustion observed while waiting
// for a ready worker.
package dispatch

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"os"

	"github.com/muesli/cancelreader"

	"parexec/internal/lineio"
	"parexec/internal/logging"
)

// Worker is one dispatch target: a live slot that has signalled readiness.
type Worker interface {
	// Slot is the worker's 1-based index.
	Slot() int

	// Send writes one newline-terminated command line to the worker.
	Send(line []byte) error

	// Retire removes the worker from the pool after an I/O failure.
	Retire()
}

// Source hands out ready workers.
type Source interface {
	// Acquire blocks until some worker is ready and returns it. It returns
	// false when no live workers remain.
	Acquire() (Worker, bool)
}

// Run reads command lines from in and forwards each to the first ready
// worker until input or the pool is exhausted. Lines are bounded by one
// memory page; longer input is split at the page boundary and each piece is
// dispatched as its own command. A final line missing its terminator is
// terminated before forwarding.
//
// The returned status folds into the program's final exit code; dispatch
// itself always terminates cleanly, with input failures logged.
func Run(in io.Reader, src Source, logger *slog.Logger) int {
	logger = logging.Default(logger)

	pageSize := os.Getpagesize()
	br := bufio.NewReaderSize(in, pageSize)

	for {
		line, err := lineio.ReadChunk(br, pageSize-1)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				logger.Debug("input exhausted")
			case errors.Is(err, cancelreader.ErrCanceled):
				logger.Debug("input reader cancelled")
			default:
				logger.Error("input read failed", "err", err)
			}
			return 0
		}

		if line[len(line)-1] != '\n' {
			line = append(line, '\n')
		}

		w, ok := src.Acquire()
		if !ok {
			logger.Debug("no workers remain, stopping dispatch")
			return 0
		}

		if err := w.Send(line); err != nil {
			logger.Warn("worker write failed, dropping command line",
				"slot", w.Slot(), "err", err)
			w.Retire()
			continue
		}
		logger.Debug("dispatched", "slot", w.Slot(), "bytes", len(line))
	}
}
