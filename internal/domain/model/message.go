package model

// ConnID is a bus-unique, monotonically allocated connection id.
type ConnID uint64

// NameID is a registry-unique, monotonically allocated well-known-name id.
type NameID uint64

// Cookie is the caller-chosen correlator linking a call to its reply.
type Cookie uint64

// KernelSourceID is the synthetic SrcID used for bus-originated
// notifications (spec §7: "emitted as real messages on the bus from a
// synthetic source id").
const KernelSourceID ConnID = 0

// Kmsg is the in-flight representation of a message as it moves through
// the dispatcher. It is deliberately transport-agnostic: the external
// fd/ioctl wire protocol (out of scope) is responsible for turning a
// user's syscall arguments into a Kmsg and a Kmsg's queued delivery back
// into whatever the receiver's syscall returns.
type Kmsg struct {
	Seq uint64

	SrcID     ConnID // 0 for kernel-generated messages
	DstID     ConnID // resolved destination, 0 if unresolved/broadcast
	DstName   string // well-known name addressed, if any
	DstNameID NameID // resolved id of DstName, if any
	Broadcast bool

	Type     MsgType
	Priority int32

	Cookie      Cookie
	CookieReply Cookie // 0 unless this is a reply

	Flags     SendFlags
	TimeoutNS int64 // absolute deadline for EXPECT_REPLY|SYNC_REPLY

	Payload []byte
	FDs     int // count of attached file descriptors
	Memfds  int // count of attached memfds

	// BloomMask is the sender's bloom filter, tested to be a superset of
	// a destination's match-rule mask during broadcast (spec §4.2).
	BloomMask []uint64

	// Metadata holds attached credential/description items, keyed by
	// AttachFlags bit, populated by the metadata adapter per the
	// destination's attach_flags.
	Metadata map[AttachFlags]any

	// Notify carries the kind-specific payload for kernel notifications
	// (nil for ordinary data/signal messages).
	Notify *Notification
}

// IsReply reports whether this message claims to be the reply to an
// outstanding request.
func (k *Kmsg) IsReply() bool { return k.CookieReply != 0 }

// RequiresReply reports whether sending this message creates a reply
// tracker (spec §4.4 step 5).
func (k *Kmsg) RequiresReply() bool { return k.Flags&SendExpectReply != 0 }

// Sync reports whether the sender suspends waiting for the reply.
func (k *Kmsg) Sync() bool { return k.Flags&SendSyncReply != 0 }

// Clone returns a shallow-independent copy suitable for handing to a
// second recipient (broadcast fan-out, monitor eavesdrop): payload and
// bloom mask are shared read-only, the metadata map is cleared since each
// recipient's attach_flags differ and the caller attaches a fresh one.
func (k *Kmsg) Clone() *Kmsg {
	c := *k
	c.Metadata = nil
	return &c
}
