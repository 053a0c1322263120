// Package tui provides the main application controller for the TUI dashboard.
package tui

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gdamore/tcell/v2"
)

// fetchTimeout bounds one refresh.
const fetchTimeout = 2 * time.Second

// KeyEvent represents a keyboard event.
type KeyEvent struct {
	Key  tcell.Key
	Rune rune
	Mod  tcell.ModMask
}

// App is the main TUI application controller.
type App struct {
	model   *Model
	view    *View
	fetcher DataFetcher
	screen  tcell.Screen

	// Channels
	stopChan chan struct{}
	keyChan  chan KeyEvent

	// Synchronization
	mu      sync.RWMutex
	running bool
}

// NewApp creates a new TUI application refreshing every interval.
func NewApp(fetcher DataFetcher, interval time.Duration) *App {
	model := NewModel()
	if interval > 0 {
		model.RefreshInterval = interval
	}
	return &App{
		model:    model,
		view:     NewView(),
		fetcher:  fetcher,
		stopChan: make(chan struct{}),
		keyChan:  make(chan KeyEvent, 10),
	}
}

// Run starts the TUI application on the terminal.
// Returns an error if initialization fails.
func (a *App) Run() error {
	screen, err := tcell.NewScreen()
	if err != nil {
		return fmt.Errorf("failed to create screen: %w", err)
	}
	if err := screen.Init(); err != nil {
		return fmt.Errorf("failed to initialize screen: %w", err)
	}
	return a.RunOnScreen(screen)
}

// RunOnScreen runs the main loop on an initialized screen and finalizes
// it on return.
func (a *App) RunOnScreen(screen tcell.Screen) error {
	a.screen = screen
	a.screen.DisableMouse()
	a.screen.Clear()

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	a.mu.Lock()
	a.running = true
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.pollEvents(ctx)
	}()
	go func() {
		defer wg.Done()
		a.refreshLoop(ctx)
	}()

	a.refresh(ctx)
	a.render()

	finish := func() error {
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
		cancel()
		// Fini makes PollEvent return nil, which ends pollEvents.
		a.screen.Fini()
		wg.Wait()
		return nil
	}

	for {
		select {
		case <-a.stopChan:
			return finish()

		case <-sigChan:
			return finish()

		case event := <-a.keyChan:
			if a.handleKeyEvent(ctx, event) {
				return finish()
			}
			a.render()
		}
	}
}

// Stop gracefully stops the application.
func (a *App) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	select {
	case <-a.stopChan:
	default:
		close(a.stopChan)
	}
}

// pollEvents polls for terminal events and sends them to the key channel.
func (a *App) pollEvents(ctx context.Context) {
	for {
		ev := a.screen.PollEvent()
		if ev == nil {
			return
		}

		switch e := ev.(type) {
		case *tcell.EventKey:
			select {
			case a.keyChan <- KeyEvent{Key: e.Key(), Rune: e.Rune(), Mod: e.Modifiers()}:
			case <-ctx.Done():
				return
			}
		case *tcell.EventResize:
			a.screen.Sync()
			a.render()
		}
	}
}

// refreshLoop periodically refreshes the fleet state.
func (a *App) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(a.model.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.refresh(ctx)
			a.render()
		}
	}
}

// refresh fetches the latest fleet state and updates the model.
func (a *App) refresh(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	snap, err := a.fetcher.FetchFleet(ctx)

	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		a.model.Connected = false
		a.model.ErrorMessage = fmt.Sprintf("Failed to read fleet: %v", err)
		return
	}
	a.model.SetFleet(snap)
	a.model.Connected = true
	a.model.ErrorMessage = ""
}

// render draws the current state to the screen.
func (a *App) render() {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.running {
		return
	}
	a.view.Draw(a.screen, a.model, time.Now())
	a.screen.Show()
}

// IsRunning returns whether the application is currently running.
func (a *App) IsRunning() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.running
}

// GetModel returns the current model (for testing).
func (a *App) GetModel() *Model {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.model
}

// handleKeyEvent processes a keyboard event and updates the model.
// Returns true if the application should exit.
func (a *App) handleKeyEvent(ctx context.Context, event KeyEvent) bool {
	switch {
	case event.Key == tcell.KeyCtrlC, event.Key == tcell.KeyEscape, event.Rune == 'q':
		return true
	case event.Rune == 'r':
		a.refresh(ctx)
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case event.Key == tcell.KeyDown, event.Rune == 'j':
		a.model.SelectNext()
	case event.Key == tcell.KeyUp, event.Rune == 'k':
		a.model.SelectPrev()
	}
	return false
}
