// Package match implements the per-connection subscription store (spec
// §4.2): a set of rules, OR'd together, tested against every candidate
// broadcast or notification on the hot path.
package match

import (
	"sync"

	"github.com/kbusd/kbusd/internal/domain/model"
)

// Rule is a conjunction of predicates over a candidate message. A nil/zero
// field means "don't care" for that predicate.
type Rule struct {
	Cookie model.Cookie

	SrcID   *model.ConnID
	SrcName string

	DstID *model.ConnID

	MsgType *model.MsgType

	// Bloom is tested to be a subset of the sender's bloom mask: the
	// sender's bloom must be a superset of this rule's mask for the
	// predicate to pass.
	Bloom []uint64

	// Item-typed predicates, valid only when MsgType names a
	// notification kind. A zero NotifyName matches any subject name.
	NotifyName string
}

func (r *Rule) matchesSrc(kmsg *model.Kmsg, srcNames []string) bool {
	if r.SrcID != nil && *r.SrcID != kmsg.SrcID {
		return false
	}
	if r.SrcName != "" {
		found := false
		for _, n := range srcNames {
			if n == r.SrcName {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (r *Rule) matchesDst(kmsg *model.Kmsg) bool {
	if r.DstID != nil && *r.DstID != kmsg.DstID {
		return false
	}
	return true
}

func (r *Rule) matchesType(kmsg *model.Kmsg) bool {
	if r.MsgType != nil && *r.MsgType != kmsg.Type {
		return false
	}
	return true
}

func (r *Rule) matchesBloom(kmsg *model.Kmsg) bool {
	if len(r.Bloom) == 0 {
		return true
	}
	return BloomSuperset(kmsg.BloomMask, r.Bloom)
}

func (r *Rule) matchesNotify(kmsg *model.Kmsg) bool {
	if !kmsg.Type.IsNotification() {
		return true
	}
	if r.NotifyName == "" || kmsg.Notify == nil {
		return true
	}
	return kmsg.Notify.Name == r.NotifyName
}

// BloomSuperset reports whether sender is a bitwise superset of filter:
// every bit set in filter must also be set in sender. Both slices are
// assumed to be the same fixed bus-wide length (spec §4.2: "matches are
// rejected if they disagree" on bloom parameters, enforced at Add time).
func BloomSuperset(sender, filter []uint64) bool {
	if len(sender) != len(filter) {
		return false
	}
	for i, word := range filter {
		if sender[i]&word != word {
			return false
		}
	}
	return true
}

// DB is a per-connection match rule store. Add/Remove are idempotent by
// cookie; Match is the only hot-path query and must stay allocation-light.
type DB struct {
	bloom model.BloomParameter

	mu    sync.RWMutex
	rules map[model.Cookie]*Rule
}

// NewDB creates an empty match store bound to a bus's fixed bloom
// parameters.
func NewDB(bloom model.BloomParameter) *DB {
	return &DB{bloom: bloom, rules: make(map[model.Cookie]*Rule)}
}

// Add installs or replaces a rule by cookie. It rejects a rule whose bloom
// mask length disagrees with the bus-wide parameters.
func (db *DB) Add(rule *Rule) error {
	if len(rule.Bloom) != 0 && len(rule.Bloom) != bloomWords(db.bloom.Size) {
		return model.NewError("match.Add", model.KindInvalidArgument, "bloom size mismatch")
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	db.rules[rule.Cookie] = rule
	return nil
}

// Remove deletes a rule by cookie. It is a no-op if the cookie is unknown.
func (db *DB) Remove(cookie model.Cookie) {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.rules, cookie)
}

// Len reports how many rules are currently installed.
func (db *DB) Len() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.rules)
}

// MatchKmsg reports whether any installed rule matches kmsg, which
// originated from the connection holding srcNames (that connection's
// currently owned well-known names, needed for the SrcName predicate).
func (db *DB) MatchKmsg(kmsg *model.Kmsg, srcNames []string) bool {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if len(db.rules) == 0 {
		return false
	}

	for _, r := range db.rules {
		if r.matchesSrc(kmsg, srcNames) &&
			r.matchesDst(kmsg) &&
			r.matchesType(kmsg) &&
			r.matchesBloom(kmsg) &&
			r.matchesNotify(kmsg) {
			return true
		}
	}
	return false
}

func bloomWords(bits int) int {
	return (bits + 63) / 64
}
