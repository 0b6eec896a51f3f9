package worker

import (
	"bufio"
	"io"
	"os"
	"os/user"
	"strings"
)

// fallbackShell is used when neither $SHELL nor the user database yields one.
const fallbackShell = "/bin/sh"

// ResolveShell picks the shell that runs each command: $SHELL when non-empty,
// else the invoking user's login shell from the user database, else /bin/sh.
func ResolveShell() string {
	if s := os.Getenv("SHELL"); s != "" {
		return s
	}
	if s := loginShell(); s != "" {
		return s
	}
	return fallbackShell
}

// loginShell returns the current user's login shell, or "" when the lookup
// fails. The stdlib user database omits the shell field, so the passwd file
// is consulted directly.
func loginShell() string {
	u, err := user.Current()
	if err != nil {
		return ""
	}
	f, err := os.Open("/etc/passwd")
	if err != nil {
		return ""
	}
	defer f.Close()
	return passwdShell(f, u.Uid)
}

// passwdShell scans passwd-format lines for the entry with the given uid and
// returns its shell field.
func passwdShell(r io.Reader, uid string) string {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) < 7 {
			continue
		}
		if fields[2] == uid {
			return fields[6]
		}
	}
	return ""
}
