// Package config describes the desired pool shape.
//
// Pool is declarative: it defines what should exist (how many workers, how
// their output is captured, what program fills each slot), not how to create
// it. The supervisor instantiates the pool from it at startup; nothing is
// persisted and nothing is hot-reloaded.
//
// The package also owns the worker launch ABI: the environment variable names
// a slot's program — shipped or user-supplied — reads to find its identity
// and its channel back to the master. These names are a stable contract.
package config

import (
	"fmt"
	"strconv"
)

// Environment exported to every worker process by its launcher.
const (
	// EnvSlotID is the worker's 1-based slot number.
	EnvSlotID = "PARALLEL_EXEC_ID"

	// EnvBufferSize is the line buffer size exactly as the user typed it.
	// Empty means unspecified.
	EnvBufferSize = "PARALLEL_EXEC_BUFFER"

	// EnvLineFD is the file descriptor number of the duplex socket carrying
	// command and readiness traffic to and from the master.
	EnvLineFD = "PARALLEL_EXEC_LINE"

	// EnvReadyFD is a duplicate of EnvLineFD, provided so a worker can keep
	// its read and write halves on separate descriptors if convenient.
	EnvReadyFD = "PARALLEL_EXEC_READY"
)

// Pool describes the desired worker pool.
type Pool struct {
	// Workers is the number of worker slots. Zero is a valid (empty) pool.
	Workers int

	// LineBuffer is the maximum size in bytes of one captured output line.
	// Zero disables capture: shell children write to the shared stdout
	// directly. When nonzero it is at least 2.
	LineBuffer int

	// LineBufferRaw is the buffer size argument exactly as the user supplied
	// it, exported verbatim to workers via EnvBufferSize. Empty when the
	// argument was omitted or empty.
	LineBufferRaw string

	// WorkerCommand, when non-empty, is the argv of a program that replaces
	// the default worker executor in every slot.
	WorkerCommand []string
}

// Captured reports whether workers buffer child output for line-granular
// forwarding.
func (p *Pool) Captured() bool { return p.LineBuffer > 0 }

// ParseArgs builds a Pool from the positional command line
//
//	<worker_count> [<line_buffer_size> [<worker_cmd> <args...>]]
//
// worker_count is a decimal integer >= 0. line_buffer_size is a decimal
// integer that is either 0 (uncaptured) or >= 2; the empty string is
// accepted as unspecified. Anything after line_buffer_size is taken verbatim
// as the replacement worker argv.
func ParseArgs(args []string) (*Pool, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("missing worker count")
	}

	workers, err := parseDecimal(args[0])
	if err != nil || workers < 0 {
		return nil, fmt.Errorf("invalid worker count %q", args[0])
	}

	p := &Pool{Workers: workers}

	if len(args) < 2 {
		return p, nil
	}

	p.LineBufferRaw = args[1]
	if args[1] != "" {
		size, err := parseDecimal(args[1])
		if err != nil || (size != 0 && size < 2) {
			return nil, fmt.Errorf("invalid line buffer size %q (must be 0 or at least 2)", args[1])
		}
		p.LineBuffer = size
	}

	if len(args) > 2 {
		p.WorkerCommand = args[2:]
	}

	return p, nil
}

// parseDecimal accepts a base-10 integer with no trailing garbage.
func parseDecimal(s string) (int, error) {
	if s == "" {
		return 0, fmt.Errorf("empty value")
	}
	v, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return int(v), nil
}
