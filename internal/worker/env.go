package worker

import (
	"fmt"
	"os"
	"strconv"

	"parexec/internal/config"
)

// Env is the launch environment of one worker slot, as read from the
// variables the supervisor exports.
type Env struct {
	// Slot is the worker's 1-based index.
	Slot int

	// LineBuffer is the parsed capture buffer size; zero means the worker
	// does not capture child output.
	LineBuffer int

	// LineFD is the descriptor of the duplex socket to the master.
	LineFD uintptr

	// ReadyFD duplicates LineFD. The shipped executor keeps both halves on
	// one descriptor and leaves the duplicate unused.
	ReadyFD uintptr
}

// EnvFromOS reads the worker launch environment.
func EnvFromOS() (*Env, error) {
	slot, err := requiredInt(config.EnvSlotID)
	if err != nil {
		return nil, err
	}
	lineFD, err := requiredInt(config.EnvLineFD)
	if err != nil {
		return nil, err
	}
	readyFD, err := requiredInt(config.EnvReadyFD)
	if err != nil {
		return nil, err
	}

	e := &Env{
		Slot:    slot,
		LineFD:  uintptr(lineFD),
		ReadyFD: uintptr(readyFD),
	}

	// Unset or empty means uncaptured; the raw value is the user's own
	// spelling, so a malformed size is rejected rather than ignored.
	if raw := os.Getenv(config.EnvBufferSize); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil || size < 0 || size == 1 {
			return nil, fmt.Errorf("invalid %s value %q", config.EnvBufferSize, raw)
		}
		e.LineBuffer = size
	}

	return e, nil
}

func requiredInt(name string) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, fmt.Errorf("%s is not set", name)
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid %s value %q", name, raw)
	}
	return v, nil
}
