package realtime

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/smartmob/pantarei/internal/acquisition"
)

// SyncController follows the user's line and station selection. It loads a
// snapshot and subscribes only when the selection really changes, and
// reloads when the manager signals pushed data it has not seen yet.
type SyncController struct {
	manager *Manager
	log     zerolog.Logger

	mu         sync.Mutex
	tracked    acquisition.Selection
	acted      bool
	lastSignal uint64
}

// NewSyncController creates a controller driving m.
func NewSyncController(m *Manager, log zerolog.Logger) *SyncController {
	return &SyncController{
		manager: m,
		log:     log.With().Str("component", "sync").Logger(),
	}
}

// Selection returns the tracked selection.
func (c *SyncController) Selection() acquisition.Selection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tracked
}

// Select handles a selection change. A repeat of the tracked pair does
// nothing. An incomplete pair clears the list without any request. It
// reports whether the selection changed.
func (c *SyncController) Select(ctx context.Context, line, station string) bool {
	sel := acquisition.Selection{Line: strings.TrimSpace(line), Station: strings.TrimSpace(station)}

	c.mu.Lock()
	if c.acted && sel == c.tracked {
		c.mu.Unlock()
		return false
	}
	c.acted = true
	c.tracked = sel
	c.mu.Unlock()

	if !sel.Valid() {
		c.log.Debug().Msg("selection cleared")
		c.manager.ClearSelection()
		return true
	}

	c.log.Info().Str("line", sel.Line).Str("station", sel.Station).Msg("selection changed")
	if err := c.manager.RefreshData(ctx, sel); err != nil {
		c.log.Warn().Err(err).Str("selection", sel.String()).Msg("snapshot fetch failed")
	}
	if !c.manager.Subscribe(ctx, sel) {
		c.log.Debug().Str("selection", sel.String()).Msg("subscribe not available")
	}
	return true
}

// RefreshData reloads the snapshot of the given pair even when it is already
// tracked, and makes it the tracked pair.
func (c *SyncController) RefreshData(ctx context.Context, line, station string) error {
	sel := acquisition.Selection{Line: strings.TrimSpace(line), Station: strings.TrimSpace(station)}

	c.mu.Lock()
	c.acted = true
	c.tracked = sel
	c.mu.Unlock()

	if !sel.Valid() {
		c.manager.ClearSelection()
		return nil
	}
	return c.manager.RefreshData(ctx, sel)
}

// OnDataChanged reloads the tracked selection for a signal value not seen
// before. It reports whether a reload happened.
func (c *SyncController) OnDataChanged(ctx context.Context, signal uint64) bool {
	c.mu.Lock()
	if signal == c.lastSignal {
		c.mu.Unlock()
		return false
	}
	c.lastSignal = signal
	sel := c.tracked
	c.mu.Unlock()

	if !sel.Valid() {
		return false
	}
	if err := c.manager.RefreshData(ctx, sel); err != nil {
		c.log.Warn().Err(err).Uint64("signal", signal).Msg("reload after push failed")
	}
	return true
}

// Run reacts to data-changed signals until ctx is done.
func (c *SyncController) Run(ctx context.Context) error {
	signals := c.manager.Signals()
	for {
		select {
		case <-ctx.Done():
			return nil
		case v := <-signals:
			c.OnDataChanged(ctx, v)
		}
	}
}
