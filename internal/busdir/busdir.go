// Package busdir is a process-wide directory mapping a mounted bus's
// name to the live *bus.Bus backing it, so HTTP and websocket handlers
// that are not otherwise wired to a specific bus can resolve one from a
// URL path segment.
package busdir

import (
	"sync"

	"github.com/kbusd/kbusd/internal/domain/bus"
)

type Directory struct {
	mu     sync.RWMutex
	byName map[string]*bus.Bus
}

func New() *Directory {
	return &Directory{byName: make(map[string]*bus.Bus)}
}

// Register makes b reachable under b.Name. Call once per bus at startup.
func (d *Directory) Register(b *bus.Bus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byName[b.Name] = b
}

// Lookup resolves a bus by name.
func (d *Directory) Lookup(name string) (*bus.Bus, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	b, ok := d.byName[name]
	return b, ok
}
