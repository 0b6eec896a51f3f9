// Package linelock serializes line writes onto a file shared across
// processes.
//
// Every worker and the master hold the same open file description for
// stdout. An in-process mutex cannot exclude a sibling process, so mutual
// exclusion uses POSIX record locks (fcntl F_SETLKW): take a write lock at
// the current offset, write one line, release. The lock is advisory — when
// the descriptor's target refuses record locks, the writer reports it once
// and degrades to unlocked best-effort writes.
package linelock

import (
	"io"
	"log/slog"
	"os"

	"golang.org/x/sys/unix"

	"parexec/internal/logging"
)

// Writer writes lines to f under an advisory record lock.
// Create one Writer per command; lock degradation resets with it.
type Writer struct {
	f        *os.File
	logger   *slog.Logger
	lockable bool
}

// New returns a Writer over f. The first failing lock operation is logged
// through logger and disables locking for the Writer's remaining lifetime.
func New(f *os.File, logger *slog.Logger) *Writer {
	return &Writer{
		f:        f,
		logger:   logging.Default(logger),
		lockable: true,
	}
}

// WriteLine writes one line, holding the advisory lock for the duration of
// the write when locking is still available. The write itself is attempted
// regardless of lock state; only write errors are returned.
func (w *Writer) WriteLine(p []byte) error {
	if w.lockable {
		if err := w.fcntl(unix.F_WRLCK); err != nil {
			w.lockable = false
			w.logger.Error("unable to lock output, continuing unlocked", "err", err)
		}
	}

	_, werr := w.f.Write(p)

	if w.lockable {
		if err := w.fcntl(unix.F_UNLCK); err != nil {
			w.lockable = false
			w.logger.Error("unable to unlock output, continuing unlocked", "err", err)
		}
	}

	return werr
}

func (w *Writer) fcntl(lockType int16) error {
	lock := unix.Flock_t{
		Type:   lockType,
		Whence: int16(io.SeekCurrent),
	}
	return unix.FcntlFlock(w.f.Fd(), unix.F_SETLKW, &lock)
}
