// Package registry is the bus-wide well-known-name table (spec §4.1):
// name -> owning connection, with activator fallback and a FIFO of
// connections queued to take the name over when it is released.
package registry

import (
	"strings"
	"unicode"

	"github.com/kbusd/kbusd/internal/domain/connection"
	"github.com/kbusd/kbusd/internal/domain/model"
)

// pendingClaim is one connection waiting in a name's FIFO queue.
type pendingClaim struct {
	conn  *connection.Connection
	flags model.AcquireFlags
}

// Entry is one well-known name's registration state. At most one of
// Conn and Activator is ever the effective receiver; Activator never
// displaces an implementor once one exists.
type Entry struct {
	Name string
	ID   model.NameID

	Conn      *connection.Connection
	ConnFlags model.AcquireFlags // acquire flags the current Conn owner used

	Activator *connection.Connection

	pending []pendingClaim
}

// EffectiveOwner returns whichever connection actually receives messages
// sent to this name: the implementor if one exists, else the activator,
// else nil.
func (e *Entry) EffectiveOwner() *connection.Connection {
	if e.Conn != nil {
		return e.Conn
	}
	return e.Activator
}

// IsValidName enforces the dotted, hierarchical bus-name grammar shared
// with the wire protocol: at least two elements separated by dots, each
// element non-empty, starting with a letter or underscore, and
// containing only letters, digits, and underscores.
func IsValidName(name string) bool {
	if name == "" || len(name) > 255 {
		return false
	}
	elems := strings.Split(name, ".")
	if len(elems) < 2 {
		return false
	}
	for _, e := range elems {
		if !validElement(e) {
			return false
		}
	}
	return true
}

func validElement(e string) bool {
	if e == "" {
		return false
	}
	for i, r := range e {
		switch {
		case r == '_':
		case unicode.IsLetter(r):
		case unicode.IsDigit(r):
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
