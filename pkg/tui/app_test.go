// Package tui provides unit tests for the App controller.
package tui

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gdamore/tcell/v2"
)

// mockDataFetcher is a mock implementation of DataFetcher for testing.
type mockDataFetcher struct {
	mu         sync.RWMutex
	snapshot   *FleetSnapshot
	fetchError error
	calls      int
}

func newMockDataFetcher() *mockDataFetcher {
	now := time.Now()
	return &mockDataFetcher{
		snapshot: &FleetSnapshot{
			Secretary: 0,
			Manager:   0,
			DeadAfter: 4 * time.Second,
			Members: []MemberRow{
				{ID: 0, Type: "http", PID: 4100, State: "running", Alive: true, LastBeat: now, Requests: 1200, Roles: []string{"manager", "secretary"}},
				{ID: 1, Type: "rest", PID: 4101, State: "running", Alive: true, LastBeat: now, Requests: 7},
				{ID: 2, Type: "rest", State: "missing"},
			},
			LastUpdated: now,
		},
	}
}

func (m *mockDataFetcher) FetchFleet(ctx context.Context) (*FleetSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.fetchError != nil {
		return nil, m.fetchError
	}
	return m.snapshot, nil
}

func (m *mockDataFetcher) SetFetchError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchError = err
}

func (m *mockDataFetcher) Calls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls
}

// TestNewApp tests that NewApp creates an App with correct defaults.
func TestNewApp(t *testing.T) {
	fetcher := newMockDataFetcher()
	app := NewApp(fetcher, 0)

	if app.model == nil {
		t.Fatal("Expected model to be initialized")
	}
	if app.view == nil {
		t.Error("Expected view to be initialized")
	}
	if app.fetcher != fetcher {
		t.Error("Expected fetcher to be set")
	}
	if app.model.RefreshInterval != time.Second {
		t.Errorf("Expected default refresh interval of 1s, got %v", app.model.RefreshInterval)
	}

	app = NewApp(fetcher, 250*time.Millisecond)
	if app.model.RefreshInterval != 250*time.Millisecond {
		t.Errorf("Expected refresh interval of 250ms, got %v", app.model.RefreshInterval)
	}
}

// TestApp_HandleKeyEvent_Quit tests the keys that exit.
func TestApp_HandleKeyEvent_Quit(t *testing.T) {
	app := NewApp(newMockDataFetcher(), 0)

	for _, event := range []KeyEvent{
		{Key: tcell.KeyRune, Rune: 'q'},
		{Key: tcell.KeyCtrlC},
		{Key: tcell.KeyEscape},
	} {
		if !app.handleKeyEvent(context.Background(), event) {
			t.Errorf("Expected %+v to cause exit", event)
		}
	}
}

// TestApp_HandleKeyEvent_Selection tests moving the selection with arrows and j/k.
func TestApp_HandleKeyEvent_Selection(t *testing.T) {
	app := NewApp(newMockDataFetcher(), 0)
	app.refresh(context.Background())

	down := KeyEvent{Key: tcell.KeyDown}
	up := KeyEvent{Key: tcell.KeyUp}

	if app.handleKeyEvent(context.Background(), down) {
		t.Fatal("Down should not cause exit")
	}
	if app.model.Selected != 1 {
		t.Errorf("Expected selection 1 after Down, got %d", app.model.Selected)
	}

	app.handleKeyEvent(context.Background(), KeyEvent{Key: tcell.KeyRune, Rune: 'j'})
	if app.model.Selected != 2 {
		t.Errorf("Expected selection 2 after j, got %d", app.model.Selected)
	}

	// Wraps to the top.
	app.handleKeyEvent(context.Background(), down)
	if app.model.Selected != 0 {
		t.Errorf("Expected selection to wrap to 0, got %d", app.model.Selected)
	}

	app.handleKeyEvent(context.Background(), up)
	if app.model.Selected != 2 {
		t.Errorf("Expected selection to wrap to 2 after Up, got %d", app.model.Selected)
	}

	app.handleKeyEvent(context.Background(), KeyEvent{Key: tcell.KeyRune, Rune: 'k'})
	row, ok := app.model.SelectedMember()
	if !ok || row.ID != 1 {
		t.Errorf("Expected member 1 selected after k, got %+v (ok=%v)", row, ok)
	}
}

// TestApp_HandleKeyEvent_Refresh tests 'r' key for refresh.
func TestApp_HandleKeyEvent_Refresh(t *testing.T) {
	fetcher := newMockDataFetcher()
	app := NewApp(fetcher, 0)

	if app.handleKeyEvent(context.Background(), KeyEvent{Key: tcell.KeyRune, Rune: 'r'}) {
		t.Error("'r' should not cause exit")
	}
	if fetcher.Calls() != 1 {
		t.Errorf("Expected one fetch, got %d", fetcher.Calls())
	}
	if app.model.Fleet == nil {
		t.Error("Expected Fleet to be populated after refresh")
	}
}

// TestApp_Refresh_Error tests that a failed fetch keeps the last snapshot
// and reports the error.
func TestApp_Refresh_Error(t *testing.T) {
	fetcher := newMockDataFetcher()
	app := NewApp(fetcher, 0)
	app.refresh(context.Background())

	fetcher.SetFetchError(errors.New("database locked"))
	app.refresh(context.Background())

	if app.model.Connected {
		t.Error("Expected Connected to be false after a failed fetch")
	}
	if !strings.Contains(app.model.ErrorMessage, "database locked") {
		t.Errorf("Expected error message to carry the cause, got %q", app.model.ErrorMessage)
	}
	if app.model.Fleet == nil {
		t.Error("Expected the previous snapshot to be kept")
	}

	fetcher.SetFetchError(nil)
	app.refresh(context.Background())
	if !app.model.Connected || app.model.ErrorMessage != "" {
		t.Errorf("Expected recovery after a good fetch, got connected=%v error=%q",
			app.model.Connected, app.model.ErrorMessage)
	}
}

// TestApp_Stop tests that Stop may be called repeatedly.
func TestApp_Stop(t *testing.T) {
	app := NewApp(newMockDataFetcher(), 0)

	app.Stop()
	app.Stop()

	select {
	case <-app.stopChan:
	default:
		t.Error("Expected stop channel to be closed")
	}
	if app.IsRunning() {
		t.Error("Expected IsRunning to be false for an app that never ran")
	}
}

// TestApp_RunOnScreen tests the full loop on a simulated terminal: the
// fleet is drawn, and 'q' ends the loop.
func TestApp_RunOnScreen(t *testing.T) {
	screen := tcell.NewSimulationScreen("UTF-8")
	if err := screen.Init(); err != nil {
		t.Fatalf("Failed to init screen: %v", err)
	}
	screen.SetSize(120, 20)

	app := NewApp(newMockDataFetcher(), 50*time.Millisecond)
	done := make(chan error, 1)
	go func() { done <- app.RunOnScreen(screen) }()

	deadline := time.Now().Add(5 * time.Second)
	var text string
	for time.Now().Before(deadline) {
		text = screenText(screen)
		if strings.Contains(text, "Secretary: 0") {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	for _, want := range []string{
		"restfleet | Alive: 2/3 | Secretary: 0 | Manager: 0",
		"manager,secretary",
		"missing",
		"1,200",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("Expected screen to contain %q, got:\n%s", want, text)
		}
	}
	if !app.IsRunning() {
		t.Error("Expected app to be running")
	}

	screen.InjectKey(tcell.KeyRune, 'q', tcell.ModNone)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Failed to run app: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for the app to quit")
	}
	if app.IsRunning() {
		t.Error("Expected app to have stopped")
	}
}

// TestApp_StopEndsRun tests that Stop ends RunOnScreen.
func TestApp_StopEndsRun(t *testing.T) {
	screen := tcell.NewSimulationScreen("UTF-8")
	if err := screen.Init(); err != nil {
		t.Fatalf("Failed to init screen: %v", err)
	}

	app := NewApp(newMockDataFetcher(), 50*time.Millisecond)
	done := make(chan error, 1)
	go func() { done <- app.RunOnScreen(screen) }()

	time.Sleep(100 * time.Millisecond)
	app.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Failed to run app: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for Stop")
	}
}

// screenText returns the simulated screen as newline separated rows.
func screenText(screen tcell.SimulationScreen) string {
	cells, width, height := screen.GetContents()
	var sb strings.Builder
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			c := cells[y*width+x]
			if len(c.Runes) == 0 {
				sb.WriteRune(' ')
				continue
			}
			sb.WriteRune(c.Runes[0])
		}
		sb.WriteRune('\n')
	}
	return sb.String()
}
