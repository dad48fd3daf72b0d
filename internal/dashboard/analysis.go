package dashboard

import (
	"sync"

	"github.com/google/uuid"

	"github.com/smartmob/pantarei/internal/backend"
)

// AnalysisSlot holds the single current analyzed image. Storing a new image
// revokes the handle of the previous one.
type AnalysisSlot struct {
	mu    sync.Mutex
	id    string
	image *backend.Image
}

// NewAnalysisSlot returns an empty slot.
func NewAnalysisSlot() *AnalysisSlot {
	return &AnalysisSlot{}
}

// Store replaces the current image and returns its new handle.
func (a *AnalysisSlot) Store(img *backend.Image) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.revokeLocked()
	stored := *img
	a.id = uuid.NewString()
	a.image = &stored
	return a.id
}

// Get returns the image behind id. Revoked handles are not found.
func (a *AnalysisSlot) Get(id string) (*backend.Image, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.image == nil || id == "" || id != a.id {
		return nil, false
	}
	img := *a.image
	return &img, true
}

// Current returns the live handle, empty when the slot is empty.
func (a *AnalysisSlot) Current() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.id
}

// Revoke drops the current image.
func (a *AnalysisSlot) Revoke() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.revokeLocked()
}

func (a *AnalysisSlot) revokeLocked() {
	if a.image != nil {
		a.image.Data = nil
	}
	a.id = ""
	a.image = nil
}
