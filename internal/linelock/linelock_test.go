package linelock

import (
	"os"
	"path/filepath"
	"testing"
)

func tempFile(t *testing.T) *os.File {
	t.Helper()
	f, err := os.Create(filepath.Join(t.TempDir(), "out"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func TestWriteLinePassesBytesThrough(t *testing.T) {
	f := tempFile(t)
	w := New(f, nil)

	lines := []string{"first\n", "second\n", "no newline"}
	for _, l := range lines {
		if err := w.WriteLine([]byte(l)); err != nil {
			t.Fatalf("WriteLine(%q): %v", l, err)
		}
	}

	got, err := os.ReadFile(f.Name())
	if err != nil {
		t.Fatal(err)
	}
	if want := "first\nsecond\nno newline"; string(got) != want {
		t.Errorf("file content %q, want %q", got, want)
	}
}

func TestWriteLineRemainsLockableOnRegularFile(t *testing.T) {
	f := tempFile(t)
	w := New(f, nil)

	if err := w.WriteLine([]byte("a\n")); err != nil {
		t.Fatalf("WriteLine: %v", err)
	}
	if !w.lockable {
		t.Error("record locking on a regular file should not degrade")
	}
}

func TestWriteLineReportsWriteError(t *testing.T) {
	f := tempFile(t)
	w := New(f, nil)
	f.Close()

	if err := w.WriteLine([]byte("a\n")); err == nil {
		t.Error("expected error writing to a closed file")
	}
}
