package cluster

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

// TestExecLauncherCommandLine verifies the re-exec arguments.
func TestExecLauncherCommandLine(t *testing.T) {
	l := NewExecLauncher("/etc/fleet.json", "/var/lib/fleet", t.TempDir(), discardLogger())
	l.SetServerPath("/usr/local/bin/restfleet")

	got := l.Command(Slot{ID: 3, Type: TypeREST})
	want := []string{"/usr/local/bin/restfleet", "serve", "--id", "3", "--config", "/etc/fleet.json",
		"--data-dir", "/var/lib/fleet"}
	checkArgv(t, got, want)

	l = NewExecLauncher("/etc/fleet.json", "", t.TempDir(), discardLogger())
	l.SetServerPath("/usr/local/bin/restfleet")
	checkArgv(t, l.Command(Slot{ID: 1, Type: TypeHTTP}),
		[]string{"/usr/local/bin/restfleet", "serve", "--id", "1", "--config", "/etc/fleet.json"})
}

func checkArgv(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Argument %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

// TestExecLauncherStartsAndReaps verifies the spawn collaborator end to end
// with a stand-in executable.
func TestExecLauncherStartsAndReaps(t *testing.T) {
	truePath, err := exec.LookPath("true")
	if err != nil {
		t.Skip("true not available")
	}
	logDir := filepath.Join(t.TempDir(), "logs")
	l := NewExecLauncher("fleet.json", "", logDir, discardLogger())
	l.SetServerPath(truePath)

	pid, err := l.Launch(context.Background(), Slot{ID: 2, Type: TypeREST})
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	if pid <= 0 {
		t.Errorf("Expected a pid, got %d", pid)
	}
	if _, err := os.Stat(filepath.Join(logDir, "instance-2.out")); err != nil {
		t.Errorf("Expected the output file to exist: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(l.Children()) > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := len(l.Children()); n != 0 {
		t.Errorf("Expected the exited child to be reaped, %d still tracked", n)
	}
}

// TestExecLauncherMissingBinary verifies the launch error.
func TestExecLauncherMissingBinary(t *testing.T) {
	l := NewExecLauncher("fleet.json", "", t.TempDir(), discardLogger())
	l.SetServerPath(filepath.Join(t.TempDir(), "does-not-exist"))

	if _, err := l.Launch(context.Background(), Slot{ID: 1}); err == nil {
		t.Error("Expected launch of a missing binary to fail")
	}
}

// TestProcessProbe verifies the pid probe against this process.
func TestProcessProbe(t *testing.T) {
	if !(ProcessProbe{}).Exists(os.Getpid()) {
		t.Error("Expected the test process to exist")
	}
}
