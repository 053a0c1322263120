package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// ChildProcess is a fleet member started by this process.
type ChildProcess struct {
	ID      int16
	PID     int
	Cmd     *exec.Cmd
	Started time.Time
	Output  string // file receiving the child's stdout and stderr
}

// ExecLauncher re-executes the server binary for each spawned member:
//
//	<exe> serve --id N --config <path> --data-dir <dir>
//
// The data directory is passed explicitly so a --data-dir given to the
// first instance reaches every member and they all share one store.
// Children run in their own session so they outlive the secretary that
// spawned them. Their output goes to <logDir>/instance-N.out.
type ExecLauncher struct {
	serverPath string
	configPath string
	dataDir    string
	logDir     string
	logger     *slog.Logger

	mu       sync.Mutex
	children map[int16]*ChildProcess
}

// NewExecLauncher returns a launcher that starts the running executable.
// dataDir is the resolved data directory of this process; empty leaves the
// child to read it from the configuration file.
func NewExecLauncher(configPath, dataDir, logDir string, logger *slog.Logger) *ExecLauncher {
	serverPath, err := os.Executable()
	if err != nil {
		serverPath = os.Args[0]
	}
	return &ExecLauncher{
		serverPath: serverPath,
		configPath: configPath,
		dataDir:    dataDir,
		logDir:     logDir,
		logger:     logger,
		children:   make(map[int16]*ChildProcess),
	}
}

// SetServerPath sets the path to the server executable.
// This is useful for testing or when the server is in a different location.
func (l *ExecLauncher) SetServerPath(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.serverPath = path
}

// Command returns the command line used for slot.
func (l *ExecLauncher) Command(slot Slot) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	argv := []string{l.serverPath, "serve", "--id", strconv.Itoa(int(slot.ID)), "--config", l.configPath}
	if l.dataDir != "" {
		argv = append(argv, "--data-dir", l.dataDir)
	}
	return argv
}

// Launch starts the member for slot and returns its pid. It does not wait
// for the child; a goroutine reaps it when it exits.
func (l *ExecLauncher) Launch(ctx context.Context, slot Slot) (int, error) {
	if err := os.MkdirAll(l.logDir, 0755); err != nil {
		return 0, fmt.Errorf("failed to create log directory: %w", err)
	}
	outPath := filepath.Join(l.logDir, fmt.Sprintf("instance-%d.out", slot.ID))
	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return 0, fmt.Errorf("failed to open output file: %w", err)
	}
	// The child holds its own descriptor once started.
	defer out.Close()

	argv := l.Command(slot)
	// Not CommandContext: the child must survive the tick that spawned it.
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Stdin = nil
	detach(cmd)

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start %s: %w", argv[0], err)
	}

	child := &ChildProcess{
		ID:      slot.ID,
		PID:     cmd.Process.Pid,
		Cmd:     cmd,
		Started: time.Now(),
		Output:  outPath,
	}
	l.mu.Lock()
	l.children[slot.ID] = child
	l.mu.Unlock()

	go l.reap(child)
	return child.PID, nil
}

func (l *ExecLauncher) reap(child *ChildProcess) {
	err := child.Cmd.Wait()
	l.mu.Lock()
	if l.children[child.ID] == child {
		delete(l.children, child.ID)
	}
	l.mu.Unlock()
	l.logger.Info("child exited", "id", child.ID, "pid", child.PID, "error", err)
}

// Children returns the members spawned by this process that are still running.
func (l *ExecLauncher) Children() []*ChildProcess {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]*ChildProcess, 0, len(l.children))
	for _, c := range l.children {
		out = append(out, c)
	}
	return out
}
