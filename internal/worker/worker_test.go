package worker

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/sys/unix"
)

func TestPasswdShell(t *testing.T) {
	passwd := strings.Join([]string{
		"root:x:0:0:root:/root:/bin/bash",
		"# comment line",
		"daemon:x:1:1:daemon:/usr/sbin:/usr/sbin/nologin",
		"alice:x:1000:1000:Alice:/home/alice:/bin/zsh",
		"mangled:entry",
	}, "\n")

	tests := []struct {
		uid  string
		want string
	}{
		{"0", "/bin/bash"},
		{"1000", "/bin/zsh"},
		{"9999", ""},
	}
	for _, tt := range tests {
		if got := passwdShell(strings.NewReader(passwd), tt.uid); got != tt.want {
			t.Errorf("passwdShell(uid=%s) = %q, want %q", tt.uid, got, tt.want)
		}
	}
}

func TestResolveShellPrefersEnvironment(t *testing.T) {
	t.Setenv("SHELL", "/bin/zsh")
	if got := ResolveShell(); got != "/bin/zsh" {
		t.Errorf("ResolveShell() = %q, want %q", got, "/bin/zsh")
	}
}

func TestResolveShellNeverEmpty(t *testing.T) {
	t.Setenv("SHELL", "")
	if got := ResolveShell(); got == "" {
		t.Error("ResolveShell() returned empty string")
	}
}

func TestEnvFromOS(t *testing.T) {
	t.Setenv("PARALLEL_EXEC_ID", "3")
	t.Setenv("PARALLEL_EXEC_BUFFER", "64")
	t.Setenv("PARALLEL_EXEC_LINE", "3")
	t.Setenv("PARALLEL_EXEC_READY", "4")

	e, err := EnvFromOS()
	if err != nil {
		t.Fatalf("EnvFromOS: %v", err)
	}
	if e.Slot != 3 || e.LineBuffer != 64 || e.LineFD != 3 || e.ReadyFD != 4 {
		t.Errorf("EnvFromOS = %+v", e)
	}
}

func TestEnvFromOSEmptyBufferMeansUncaptured(t *testing.T) {
	t.Setenv("PARALLEL_EXEC_ID", "1")
	t.Setenv("PARALLEL_EXEC_BUFFER", "")
	t.Setenv("PARALLEL_EXEC_LINE", "3")
	t.Setenv("PARALLEL_EXEC_READY", "4")

	e, err := EnvFromOS()
	if err != nil {
		t.Fatalf("EnvFromOS: %v", err)
	}
	if e.LineBuffer != 0 {
		t.Errorf("LineBuffer = %d, want 0", e.LineBuffer)
	}
}

func TestEnvFromOSRejectsBadValues(t *testing.T) {
	cases := []map[string]string{
		{"PARALLEL_EXEC_ID": "", "PARALLEL_EXEC_LINE": "3", "PARALLEL_EXEC_READY": "4"},
		{"PARALLEL_EXEC_ID": "1", "PARALLEL_EXEC_LINE": "x", "PARALLEL_EXEC_READY": "4"},
		{"PARALLEL_EXEC_ID": "1", "PARALLEL_EXEC_LINE": "3", "PARALLEL_EXEC_READY": "4", "PARALLEL_EXEC_BUFFER": "1"},
	}
	for i, env := range cases {
		for _, name := range []string{"PARALLEL_EXEC_ID", "PARALLEL_EXEC_BUFFER", "PARALLEL_EXEC_LINE", "PARALLEL_EXEC_READY"} {
			t.Setenv(name, env[name])
		}
		if _, err := EnvFromOS(); err == nil {
			t.Errorf("case %d: expected error for %v", i, env)
		}
	}
}

// testExecutor wires an Executor to an in-process socketpair and a temp file
// standing in for the shared stdout. The returned master end speaks the
// readiness protocol from the supervisor's side.
func testExecutor(t *testing.T, lineBuffer int) (*Executor, *os.File, string) {
	t.Helper()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	master := os.NewFile(uintptr(fds[0]), "master")
	t.Cleanup(func() { master.Close() })

	outPath := filepath.Join(t.TempDir(), "stdout")
	out, err := os.Create(outPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { out.Close() })

	e := New(&Env{Slot: 1, LineBuffer: lineBuffer, LineFD: uintptr(fds[1])}, nil)
	e.stdout = out
	e.trace = out // keep the test's stderr clean

	return e, master, outPath
}

func TestExecutorLoop(t *testing.T) {
	e, master, _ := testExecutor(t, 0)

	done := make(chan int, 1)
	go func() { done <- e.Run() }()

	br := bufio.NewReader(master)

	ready, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("initial readiness: %v", err)
	}
	if ready != "0\n" {
		t.Errorf("initial readiness %q, want %q", ready, "0\n")
	}

	if _, err := master.Write([]byte("exit 5\n")); err != nil {
		t.Fatalf("send command: %v", err)
	}

	ready, err = br.ReadString('\n')
	if err != nil {
		t.Fatalf("second readiness: %v", err)
	}
	if ready != "5\n" {
		t.Errorf("readiness after exit 5 was %q, want %q", ready, "5\n")
	}

	master.Close()
	if got := <-done; got != 5 {
		t.Errorf("Run = %d, want 5", got)
	}
}

func TestExecutorCapturesOutput(t *testing.T) {
	e, master, outPath := testExecutor(t, 64)

	done := make(chan int, 1)
	go func() { done <- e.Run() }()

	br := bufio.NewReader(master)
	if _, err := br.ReadString('\n'); err != nil {
		t.Fatalf("initial readiness: %v", err)
	}
	if _, err := master.Write([]byte("echo captured\n")); err != nil {
		t.Fatalf("send command: %v", err)
	}
	if _, err := br.ReadString('\n'); err != nil {
		t.Fatalf("second readiness: %v", err)
	}
	master.Close()

	if got := <-done; got != 0 {
		t.Errorf("Run = %d, want 0", got)
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "captured\n") {
		t.Errorf("captured output missing from %q", data)
	}
}

func TestExecutorSplitsCapturedLines(t *testing.T) {
	// A 4-byte buffer forwards at most 3 bytes per chunk; the content must
	// survive the splits byte for byte.
	e, master, outPath := testExecutor(t, 4)

	done := make(chan int, 1)
	go func() { done <- e.Run() }()

	br := bufio.NewReader(master)
	if _, err := br.ReadString('\n'); err != nil {
		t.Fatalf("initial readiness: %v", err)
	}
	if _, err := master.Write([]byte("echo abcdefgh\n")); err != nil {
		t.Fatalf("send command: %v", err)
	}
	if _, err := br.ReadString('\n'); err != nil {
		t.Fatalf("second readiness: %v", err)
	}
	master.Close()
	<-done

	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "abcdefgh\n") {
		t.Errorf("split chunks did not reassemble: %q", data)
	}
}

func TestExecutorFoldsStatuses(t *testing.T) {
	e, master, _ := testExecutor(t, 0)

	done := make(chan int, 1)
	go func() { done <- e.Run() }()

	br := bufio.NewReader(master)
	for _, cmd := range []string{"exit 3\n", "exit 4\n", "true\n"} {
		if _, err := br.ReadString('\n'); err != nil {
			t.Fatalf("readiness before %q: %v", cmd, err)
		}
		if _, err := master.Write([]byte(cmd)); err != nil {
			t.Fatalf("send %q: %v", cmd, err)
		}
	}
	if _, err := br.ReadString('\n'); err != nil {
		t.Fatalf("final readiness: %v", err)
	}
	master.Close()

	if got := <-done; got != 7 {
		t.Errorf("Run = %d, want 3|4 = 7", got)
	}
}
