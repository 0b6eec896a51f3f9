// Package pool supervises the worker cohort.
//
// The supervisor owns the full worker lifecycle:
//   - wiring: one CLOEXEC socketpair per slot, the child end handed to the
//     worker process as an inherited descriptor, the launch environment
//     exported per the PARALLEL_EXEC_* contract
//   - startup barrier: every slot is wired and the signal policy installed
//     before the first child starts, so no worker runs ahead of the cohort
//   - readiness: one reader goroutine per live worker parses bounded
//     readiness messages off the socket and publishes the worker on the
//     ready queue the dispatcher pulls from
//   - retirement: a worker leaves the pool exactly once — its socket is
//     closed and never reused; the pool signals emptiness when the last
//     worker goes
//   - reaping: every spawned child is waited for, its collapsed status
//     OR-ed into the final outcome
//
// A slot that fails during construction is abandoned and the rest of the
// cohort proceeds; the supervisor never aborts because one worker failed.
package pool

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"parexec/internal/config"
	"parexec/internal/exitcode"
	"parexec/internal/lineio"
	"parexec/internal/logging"
)

// Descriptor numbers the child-side socket lands on, fixed by the launch
// sequence (the first inherited descriptors after stdio).
const (
	lineFD  = 3
	readyFD = 4
)

// readinessLimit bounds one readiness message. A worker that cannot state
// an exit status in this many bytes is protocol-broken and gets retired
// instead of wedging its reader.
const readinessLimit = 31

// Worker is the master-side handle for one slot.
type Worker struct {
	slot int
	cmd  *exec.Cmd
	sock *os.File
	pool *Pool

	retireOnce sync.Once
}

// Slot returns the worker's 1-based index.
func (w *Worker) Slot() int { return w.slot }

// Pid returns the worker's process id, or 0 before it started.
func (w *Worker) Pid() int {
	if w.cmd.Process == nil {
		return 0
	}
	return w.cmd.Process.Pid
}

// Send writes one newline-terminated command line to the worker's socket.
// The single write doubles as the flush; there is no intermediate buffer.
func (w *Worker) Send(line []byte) error {
	_, err := w.sock.Write(line)
	return err
}

// Retire removes the worker from the pool after a dispatch failure.
func (w *Worker) Retire() {
	w.pool.retire(w, "dispatch failure", slog.LevelWarn)
}

// Pool supervises a cohort of worker processes.
type Pool struct {
	cfg         *config.Pool
	defaultArgv []string
	logger      *slog.Logger

	workers []*Worker // started children, live or retired
	ready   chan *Worker
	empty   chan struct{}
	live    atomic.Int64

	emptyOnce sync.Once
	readers   sync.WaitGroup
}

// New builds an unstarted pool. defaultArgv is the argv used for slots when
// the configuration does not name a replacement worker command.
func New(cfg *config.Pool, defaultArgv []string, logger *slog.Logger) *Pool {
	return &Pool{
		cfg:         cfg,
		defaultArgv: defaultArgv,
		logger:      logging.Default(logger).With("component", "pool"),
		ready:       make(chan *Worker, cfg.Workers),
		empty:       make(chan struct{}),
	}
}

// Spawn wires and starts the cohort.
//
// Construction is two-phase: first every slot gets its socketpair and
// command object, then the signal policy is installed, and only then are the
// children started. Start being explicit is the startup barrier — no worker
// can begin its loop before the whole cohort is wired.
func (p *Pool) Spawn() {
	runID := uuid.New()
	p.logger.Info("spawning cohort",
		"run_id", runID, "workers", p.cfg.Workers, "captured", p.cfg.Captured())

	type slot struct {
		w     *Worker
		child *os.File
	}

	wired := make([]slot, 0, p.cfg.Workers)
	for id := 1; id <= p.cfg.Workers; id++ {
		w, child, err := p.wire(id)
		if err != nil {
			p.logger.Error("abandoning slot", "slot", id, "err", err)
			continue
		}
		wired = append(wired, slot{w, child})
	}

	InstallSignals(p.logger)

	for _, s := range wired {
		if err := s.w.cmd.Start(); err != nil {
			p.logger.Error("abandoning slot, start failed", "slot", s.w.slot, "err", err)
			s.w.sock.Close()
			s.child.Close()
			continue
		}
		s.child.Close()

		p.workers = append(p.workers, s.w)
		p.live.Add(1)
		p.readers.Go(func() { p.readLoop(s.w) })

		p.logger.Debug("worker started", "slot", s.w.slot, "pid", s.w.Pid())
	}

	if p.live.Load() == 0 {
		p.markEmpty()
	}
	p.logger.Info("cohort running", "live", p.live.Load())
}

// wire creates the socketpair and command object for one slot without
// starting anything.
func (p *Pool) wire(id int) (*Worker, *os.File, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	// A non-blocking master end is pollable, so closing it interrupts a
	// reader blocked on it and the descriptor is released at once.
	if err := unix.SetNonblock(fds[0], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	parent := os.NewFile(uintptr(fds[0]), "worker")
	child := os.NewFile(uintptr(fds[1]), "worker-peer")

	argv := p.defaultArgv
	if len(p.cfg.WorkerCommand) > 0 {
		argv = p.cfg.WorkerCommand
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	// Stdin stays nil: the worker reads commands from its socket, never
	// from the pool's input, so it gets /dev/null.

	// The same socket is inherited twice so a worker can keep its read and
	// write halves on separate descriptors.
	cmd.ExtraFiles = []*os.File{child, child}
	cmd.Env = append(os.Environ(),
		config.EnvSlotID+"="+strconv.Itoa(id),
		config.EnvBufferSize+"="+p.cfg.LineBufferRaw,
		config.EnvLineFD+"="+strconv.Itoa(lineFD),
		config.EnvReadyFD+"="+strconv.Itoa(readyFD),
	)

	return &Worker{slot: id, cmd: cmd, sock: parent, pool: p}, child, nil
}

// readLoop owns the read half of one worker's socket. Each valid readiness
// message puts the worker back on the ready queue; any read failure or
// protocol violation retires it.
func (p *Pool) readLoop(w *Worker) {
	br := bufio.NewReaderSize(w.sock, 64)
	for {
		msg, err := lineio.ReadChunk(br, readinessLimit)
		if err != nil {
			level := slog.LevelWarn
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				level = slog.LevelDebug
			}
			p.retire(w, fmt.Sprintf("readiness read: %v", err), level)
			return
		}

		status, perr := parseReadiness(msg)
		if perr != nil {
			p.retire(w, perr.Error(), slog.LevelWarn)
			return
		}

		// The carried status is informational; scheduling ignores it.
		p.logger.Debug("worker ready", "slot", w.slot, "last_status", status)
		p.ready <- w
	}
}

// parseReadiness validates one readiness message: an ASCII decimal integer
// terminated by a newline.
func parseReadiness(msg []byte) (int, error) {
	if len(msg) == 0 || msg[len(msg)-1] != '\n' {
		return 0, fmt.Errorf("unterminated readiness message %q", msg)
	}
	status, err := strconv.Atoi(string(msg[:len(msg)-1]))
	if err != nil {
		return 0, fmt.Errorf("malformed readiness message %q", msg)
	}
	return status, nil
}

// Acquire blocks until some worker is ready, returning false when none
// remain. First ready wins; there is no fairness across slots.
func (p *Pool) Acquire() (*Worker, bool) {
	select {
	case w := <-p.ready:
		return w, true
	case <-p.empty:
		return nil, false
	}
}

// Live returns the number of workers still in the pool.
func (p *Pool) Live() int { return int(p.live.Load()) }

// Empty is closed when the last worker has retired (or none ever started).
func (p *Pool) Empty() <-chan struct{} { return p.empty }

// retire removes a worker exactly once: the socket is closed, never reused,
// and the live count drops. The reason is logged at the given level so
// orderly shutdown stays quiet while mid-run failures surface.
func (p *Pool) retire(w *Worker, reason string, level slog.Level) {
	w.retireOnce.Do(func() {
		w.sock.Close()
		remaining := p.live.Add(-1)
		p.logger.Log(context.Background(), level, "worker retired",
			"slot", w.slot, "reason", reason, "remaining", remaining)
		if remaining == 0 {
			p.markEmpty()
		}
	})
}

func (p *Pool) markEmpty() {
	p.emptyOnce.Do(func() { close(p.empty) })
}

// Close retires every remaining worker. Their sockets close, the workers
// read EOF and exit on their own; Reap collects them.
func (p *Pool) Close() {
	for _, w := range p.workers {
		p.retire(w, "shutdown", slog.LevelDebug)
	}
	p.readers.Wait()
}

// Reap waits for every spawned child and returns the OR of their collapsed
// exit statuses. It reports an error only when a wait itself failed, which
// still contributes a nonzero status to the outcome.
func (p *Pool) Reap() (int, error) {
	var (
		mu      sync.Mutex
		outcome int
	)

	var g errgroup.Group
	for _, w := range p.workers {
		g.Go(func() error {
			err := w.cmd.Wait()
			status := exitcode.FromWait(w.cmd.ProcessState, err)

			mu.Lock()
			outcome |= status
			mu.Unlock()

			p.logger.Debug("worker reaped", "slot", w.slot, "status", status)

			var exitErr *exec.ExitError
			if err != nil && !errors.As(err, &exitErr) {
				return fmt.Errorf("wait for slot %d: %w", w.slot, err)
			}
			return nil
		})
	}
	err := g.Wait()
	return outcome, err
}
