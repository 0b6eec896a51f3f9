package pool

import (
	"log/slog"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

// Signal policy for the master process.
//
// Fatal and termination signals are propagated: the handler resets the
// disposition to default and re-sends the signal to the whole process group,
// taking down every worker, their shell children, and finally the master
// itself through the default action. Job-control and user signals that
// would otherwise stop or kill the pool by accident are ignored; SIGTSTP
// keeps its default so deliberate suspension still works.
//
// Workers are exec'd after this policy is installed and inherit the ignored
// set; everything else reaches them at default disposition.
var (
	propagatedSignals = []os.Signal{
		unix.SIGFPE,
		unix.SIGILL,
		unix.SIGSEGV,
		unix.SIGBUS,
		unix.SIGABRT,
		unix.SIGTRAP,
		unix.SIGSYS,
		unix.SIGXCPU,
		unix.SIGXFSZ,
		unix.SIGTERM,
		unix.SIGINT,
		unix.SIGQUIT,
		unix.SIGHUP,
		unix.SIGALRM,
		unix.SIGVTALRM,
		unix.SIGPROF,
		unix.SIGSTKFLT,
		unix.SIGIO,
		unix.SIGPWR,
	}

	ignoredSignals = []os.Signal{
		unix.SIGPIPE,
		unix.SIGTTIN,
		unix.SIGTTOU,
		unix.SIGUSR1,
		unix.SIGUSR2,
	}
)

// InstallSignals applies the signal policy and starts the propagation
// observer. Handlers only enqueue; the re-send to the process group happens
// from an ordinary goroutine, never from async-signal context.
func InstallSignals(logger *slog.Logger) {
	signal.Ignore(ignoredSignals...)

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, propagatedSignals...)

	go func() {
		sig := <-ch
		logger.Warn("fatal signal, propagating to process group", "signal", sig)

		// Restore the default disposition first so the re-sent signal
		// terminates the master too.
		signal.Reset(sig)
		if s, ok := sig.(unix.Signal); ok {
			_ = unix.Kill(0, s)
		}
	}()
}
