// Package svcdir is a process-wide directory mapping a mounted bus's
// name to the service.Bus control surface fronting it, mirroring
// internal/busdir for the raw *bus.Bus case.
package svcdir

import (
	"sync"

	"github.com/kbusd/kbusd/internal/service"
)

type Directory struct {
	mu     sync.RWMutex
	byName map[string]service.Bus
}

func New() *Directory {
	return &Directory{byName: make(map[string]service.Bus)}
}

func (d *Directory) Register(name string, svc service.Bus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byName[name] = svc
}

func (d *Directory) Lookup(name string) (service.Bus, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	svc, ok := d.byName[name]
	return svc, ok
}
