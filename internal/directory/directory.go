// Package directory fronts the external contact/profile store. The realtime
// core only reads display metadata from it to decorate fanned-out events.
package directory

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/pkg/errors"

	"sapa-server/internal/model"
)

// Directory is a read-only lookup of user display metadata.
type Directory interface {
	Lookup(userID string) (model.Profile, bool)
}

// Static serves profiles from memory, optionally seeded from a JSON file.
// It stands in for the real profile service behind the same interface.
type Static struct {
	mu       sync.RWMutex
	profiles map[string]model.Profile
}

func NewStatic() *Static {
	return &Static{profiles: make(map[string]model.Profile)}
}

func (d *Static) Lookup(userID string) (model.Profile, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.profiles[userID]
	return p, ok
}

func (d *Static) Put(p model.Profile) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.profiles[p.UserID] = p
}

// LoadFile seeds the directory from a JSON array of profiles. A missing
// file is not an error; the directory just stays empty.
func (d *Static) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "directory: read profiles file")
	}

	var profiles []model.Profile
	if err := json.Unmarshal(data, &profiles); err != nil {
		return errors.Wrap(err, "directory: parse profiles file")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range profiles {
		if p.UserID == "" {
			continue
		}
		d.profiles[p.UserID] = p
	}
	return nil
}
